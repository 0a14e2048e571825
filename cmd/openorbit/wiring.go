package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonathan/openorbit/internal/batch"
	"github.com/jonathan/openorbit/internal/crm"
	"github.com/jonathan/openorbit/internal/db"
	"github.com/jonathan/openorbit/internal/enrich"
	"github.com/jonathan/openorbit/internal/fetch"
	"github.com/jonathan/openorbit/internal/server"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// connectDB opens the configured database.
func connectDB(ctx context.Context) (*db.DB, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return db.Connect(connectCtx, cfg.DatabaseURL)
}

// newRunner builds the batch runner over database.
func newRunner(database *db.DB) *batch.Runner {
	return batch.NewRunner(database,
		batch.WithLogger(logger),
		batch.WithProgressEvery(cfg.ProgressEvery),
	)
}

// startBrowser launches Chrome when valuation pages need rendering. It
// returns nil when the browser is not enabled.
func startBrowser(ctx context.Context, force bool) (*fetch.Browser, error) {
	if !force && !cfg.Valuation.UseBrowser {
		return nil, nil
	}
	browser, err := fetch.NewBrowser(ctx, fetch.BrowserOptions{
		Headless: cfg.Headless,
		ExecPath: cfg.ChromePath,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("browser started", "headless", cfg.Headless)
	return browser, nil
}

// enrichmentFactory wires the CRM client, valuation cache and valuator into a
// job factory. browser may be nil.
func enrichmentFactory(database *db.DB, browser *fetch.Browser) (server.JobFactory, error) {
	if err := cfg.RequireEnrichment(); err != nil {
		return nil, err
	}

	client := crm.NewClient(cfg.CRMBaseURL, cfg.CRMToken, nil)

	valuatorOpts := []enrich.ValuatorOption{enrich.WithValuatorLogger(logger)}
	if browser != nil {
		valuatorOpts = append(valuatorOpts, enrich.WithRenderer(browser))
	}
	valuator, err := enrich.NewHTTPValuator(enrich.ValuatorConfig{
		URLTemplate:       cfg.Valuation.URLTemplate,
		Selectors:         cfg.Valuation.Selectors,
		RequestsPerMinute: cfg.Valuation.RequestsPerMinute,
		Timeout:           time.Duration(cfg.Valuation.Timeout),
		WaitSelector:      cfg.Valuation.WaitSelector,
	}, valuatorOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create valuator: %w", err)
	}

	jobOpts := []enrich.JobOption{enrich.WithJobLogger(logger)}
	if cfg.FieldName != "" {
		jobOpts = append(jobOpts, enrich.WithFieldName(cfg.FieldName))
	}

	return func(pipeline string) (batch.Job, error) {
		return enrich.NewPipelineJob(pipeline, client, database, valuator, jobOpts...), nil
	}, nil
}
