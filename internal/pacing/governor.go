// Package pacing inserts human-like timing and pointer jitter around automated
// page actions and exposes the fixed action budget ceilings.
package pacing

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jonathan/openorbit/internal/session"
)

// Budget ceilings. These are policy constants and are not adjustable at runtime.
const (
	MaxActionsPerMinute       = 8
	MaxApplicationsPerSession = 15
	MaxExtractionsPerSession  = 75
)

// Idle policy used by MaybeIdle.
const (
	IdleChance = 0.10
	IdleMin    = 2 * time.Second
	IdleMax    = 8 * time.Second
)

// Click points land between these fractions of the target's width and height.
const (
	clickJitterMin = 0.3
	clickJitterMax = 0.7
)

// Default delay between individual keystrokes.
const (
	keystrokeDelayMinMs = 50
	keystrokeDelayMaxMs = 150
)

// Limits returns the budget ceilings in the form the session tracker enforces.
func Limits() session.Limits {
	return session.Limits{
		ActionsPerMinute:       MaxActionsPerMinute,
		ApplicationsPerSession: MaxApplicationsPerSession,
		ExtractionsPerSession:  MaxExtractionsPerSession,
	}
}

// Rect is a target's bounding rectangle in viewport coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Driver is the page automation surface the governor paces. Targets are
// selector strings understood by the driver.
type Driver interface {
	Click(ctx context.Context, target string) error
	Focus(ctx context.Context, target string) error
	KeyPress(ctx context.Context, key rune) error
	// BoundingBox reports ok=false when the target has no resolvable box.
	BoundingBox(ctx context.Context, target string) (rect Rect, ok bool, err error)
	ClickAt(ctx context.Context, x, y float64) error
}

// Governor paces driver actions. It keeps no state between calls apart from
// its random source, which is guarded so one Governor may be shared.
type Governor struct {
	driver     Driver
	rnd        *lockedRand
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	idleChance float64
	idleMin    time.Duration
	idleMax    time.Duration
	keyMinMs   int
	keyMaxMs   int
}

// Option configures a Governor.
type Option func(*Governor)

// WithRand injects the random source. Use a fixed seed for reproducible pacing.
func WithRand(r *rand.Rand) Option {
	return func(g *Governor) {
		g.rnd = &lockedRand{r: r}
	}
}

// WithLogger sets the logger used for swallowed non-critical failures.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithSleep replaces the suspension function, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Governor) {
		g.sleep = sleep
	}
}

// WithIdle overrides the idle probability and duration range.
func WithIdle(chance float64, minDur, maxDur time.Duration) Option {
	return func(g *Governor) {
		g.idleChance = chance
		g.idleMin = minDur
		g.idleMax = maxDur
	}
}

// WithKeystrokeDelay overrides the per-keystroke delay range in milliseconds.
func WithKeystrokeDelay(minMs, maxMs int) Option {
	return func(g *Governor) {
		g.keyMinMs = minMs
		g.keyMaxMs = maxMs
	}
}

// New creates a Governor around driver.
func New(driver Driver, opts ...Option) *Governor {
	g := &Governor{
		driver:     driver,
		rnd:        &lockedRand{r: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))},
		logger:     slog.Default(),
		sleep:      sleepContext,
		idleChance: IdleChance,
		idleMin:    IdleMin,
		idleMax:    IdleMax,
		keyMinMs:   keystrokeDelayMinMs,
		keyMaxMs:   keystrokeDelayMaxMs,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Delay suspends the caller for a uniformly random duration in [minMs, maxMs].
func (g *Governor) Delay(ctx context.Context, minMs, maxMs int) error {
	if maxMs < minMs {
		minMs, maxMs = maxMs, minMs
	}
	if minMs < 0 {
		minMs = 0
	}
	ms := minMs
	if maxMs > minMs {
		ms += g.rnd.IntN(maxMs - minMs + 1)
	}
	return g.sleep(ctx, time.Duration(ms)*time.Millisecond)
}

// TypeLikeHuman focuses target once and sends text one keystroke at a time.
func (g *Governor) TypeLikeHuman(ctx context.Context, target, text string) error {
	if err := g.driver.Focus(ctx, target); err != nil {
		return fmt.Errorf("focus %s: %w", target, err)
	}
	first := true
	for _, r := range text {
		if !first {
			if err := g.Delay(ctx, g.keyMinMs, g.keyMaxMs); err != nil {
				return err
			}
		}
		first = false
		if err := g.driver.KeyPress(ctx, r); err != nil {
			return fmt.Errorf("type into %s: %w", target, err)
		}
	}
	return nil
}

// ClickLikeHuman clicks somewhere inside the middle band of target's bounding
// box. Without a usable box it falls back to a plain selector click.
func (g *Governor) ClickLikeHuman(ctx context.Context, target string) error {
	rect, ok, err := g.driver.BoundingBox(ctx, target)
	if err != nil {
		g.logger.Debug("bounding box lookup failed, using selector click",
			"target", target, "err", err)
		ok = false
	}
	if !ok || rect.Width <= 0 || rect.Height <= 0 {
		if err := g.driver.Click(ctx, target); err != nil {
			return fmt.Errorf("click %s: %w", target, err)
		}
		return nil
	}

	x, y := g.clickPoint(rect)
	if err := g.driver.ClickAt(ctx, x, y); err != nil {
		return fmt.Errorf("click %s at (%.1f, %.1f): %w", target, x, y, err)
	}
	return nil
}

func (g *Governor) clickPoint(rect Rect) (float64, float64) {
	fx := clickJitterMin + g.rnd.Float64()*(clickJitterMax-clickJitterMin)
	fy := clickJitterMin + g.rnd.Float64()*(clickJitterMax-clickJitterMin)
	return rect.X + rect.Width*fx, rect.Y + rect.Height*fy
}

// MaybeIdle occasionally pauses to mimic a distracted operator. It is safe
// to call at every loop boundary.
func (g *Governor) MaybeIdle(ctx context.Context) error {
	if g.rnd.Float64() >= g.idleChance {
		return nil
	}
	minMs := int(g.idleMin / time.Millisecond)
	maxMs := int(g.idleMax / time.Millisecond)
	g.logger.Debug("idling", "min_ms", minMs, "max_ms", maxMs)
	return g.Delay(ctx, minMs, maxMs)
}

// Signal runs a best-effort humanization signal such as a typing indicator.
// Failures are logged and never returned.
func (g *Governor) Signal(ctx context.Context, name string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("humanization signal panicked", "signal", name, "panic", r)
		}
	}()
	if err := fn(ctx); err != nil {
		g.logger.Warn("humanization signal failed", "signal", name, "err", err)
	}
}

// Gate reserves budget for one action of kind on platform and runs action
// only if the reservation succeeds. Budget exhaustion is returned as a
// *session.BudgetError without running the action.
func (g *Governor) Gate(ctx context.Context, tracker *session.Tracker, platform string, kind session.ActionKind, action func(ctx context.Context) error) error {
	if err := tracker.Reserve(platform, kind); err != nil {
		return err
	}
	return action(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
