package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/openorbit/internal/adapters"
	"github.com/jonathan/openorbit/internal/fetch"
	"github.com/jonathan/openorbit/internal/live"
	"github.com/jonathan/openorbit/internal/pacing"
	"github.com/jonathan/openorbit/internal/server"
	"github.com/jonathan/openorbit/internal/server/ratelimit"
	"github.com/jonathan/openorbit/internal/session"
)

var (
	servePort    int
	serveWatch   []string
	serveHubSize int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator API server",
	Long: `Starts the HTTP API for batch jobs, session state, adapters and live
telemetry streams.

Runs left in the running state by a previous process are marked failed before
the server accepts requests. Each --watch URL opens a browser tab whose
screencast is published as that platform's live feed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringArrayVar(&serveWatch, "watch", nil, "URL to open and stream as a live platform feed (repeatable)")
	serveCmd.Flags().IntVar(&serveHubSize, "frame-buffer", 4, "Frames buffered per live subscriber")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	database, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	applied, err := database.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", "versions", applied)
	}

	stale, err := database.FailStaleBatchRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover stale runs: %w", err)
	}
	if stale > 0 {
		logger.Warn("marked stale runs as failed", "count", stale)
	}

	needBrowser := len(serveWatch) > 0
	browser, err := startBrowser(ctx, needBrowser)
	if err != nil {
		return err
	}
	if browser != nil {
		defer browser.Close()
	}

	registry := adapters.NewRegistry(cfg.PluginRoot, logger)
	if found, err := registry.Refresh(); err != nil {
		logger.Warn("adapter discovery failed", "root", cfg.PluginRoot, "error", err)
	} else {
		logger.Info("adapters discovered", "count", len(found))
	}

	tracker := session.NewTracker(pacing.Limits())
	hub := live.NewHub(serveHubSize)
	defer hub.Close()

	deps := server.Deps{
		Runner:     newRunner(database),
		Tracker:    tracker,
		Adapters:   registry,
		Hub:        hub,
		RateLimit:  ratelimit.LoadConfig(),
		Logger:     logger,
		CORSOrigin: cfg.CORSOrigin,
		StaleAfter: time.Duration(cfg.StaleAfter),
		RenderTick: time.Duration(cfg.RenderTick),
	}
	if jwtCfg, ok := cfg.JWT(); ok {
		deps.JWT = jwtCfg
	} else {
		logger.Warn("JWT_SECRET not set; API is unauthenticated")
	}
	if factory, err := enrichmentFactory(database, browser); err != nil {
		logger.Warn("enrichment disabled", "reason", err)
	} else {
		deps.EnrichJob = factory
	}

	port := cfg.Port
	if cmd.Flags().Changed("port") {
		port = servePort
	}
	srv, err := server.New(port, deps)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	for _, target := range serveWatch {
		g.Go(func() error {
			watch(gctx, browser, tracker, hub, registry, target)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watch opens target in its own tab and publishes its screencast until ctx
// ends. Failures leave the platform in the error state and are logged rather
// than returned so one bad target does not stop the server.
func watch(ctx context.Context, browser *fetch.Browser, tracker *session.Tracker, hub *live.Hub, registry *adapters.Registry, target string) {
	platform := string(fetch.DetectPlatform(target))
	log := logger.With("platform", platform, "url", target)

	if u, err := url.Parse(target); err == nil {
		if meta, ok := registry.ForHost(u.Hostname()); ok {
			log = log.With("adapter", meta.Name)
		}
	}

	tab, cancel := browser.NewTab()
	defer cancel()

	tracker.Start(platform)
	setState(log, tracker, platform, session.StateRunning, "navigating")

	governor := pacing.New(pacing.NewChromeDriver(tab), pacing.WithLogger(log))
	err := governor.Gate(ctx, tracker, platform, session.ActionGeneric, func(context.Context) error {
		return fetch.Navigate(tab, target)
	})
	if err != nil {
		log.Error("watch navigation failed", "error", err)
		setState(log, tracker, platform, session.StateError, "")
		return
	}

	setState(log, tracker, platform, session.StateRunning, "streaming")
	log.Info("live feed started")
	if err := live.NewScreencast(tab, platform, hub, live.WithScreencastLogger(log)).Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("screencast stopped", "error", err)
		setState(log, tracker, platform, session.StateError, "")
		return
	}
	tracker.End(platform)
}

func setState(log *slog.Logger, tracker *session.Tracker, platform string, state session.State, action string) {
	if err := tracker.SetState(platform, state, action); err != nil {
		log.Warn("failed to update session state", "error", err)
	}
}
