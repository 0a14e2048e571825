// Package batch runs long single-flight batch jobs with persisted run history.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/openorbit/internal/db"
)

// Runner executes jobs. At most one run per kind is in flight at a time, both
// within this process (Reservations) and across processes sharing the store
// (the running-row check and the store's unique index).
type Runner struct {
	store         Store
	reservations  *Reservations
	logger        *slog.Logger
	now           func() time.Time
	progressEvery int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithProgressEvery persists counters every n items instead of after each one.
// The final counters are always persisted on finalization.
func WithProgressEvery(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.progressEvery = n
		}
	}
}

// NewRunner creates a Runner backed by store.
func NewRunner(store Store, opts ...Option) *Runner {
	r := &Runner{
		store:         store,
		reservations:  NewReservations(),
		logger:        slog.Default(),
		now:           time.Now,
		progressEvery: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsRunning reports whether a run of kind is in flight in this process.
func (r *Runner) IsRunning(kind string) bool {
	return r.reservations.IsRunning(kind)
}

// CurrentRunID returns the ID of the in-flight run of kind once its row exists.
func (r *Runner) CurrentRunID(kind string) (uuid.UUID, bool) {
	return r.reservations.CurrentRunID(kind)
}

// Active returns the kinds with a run in flight.
func (r *Runner) Active() []string {
	return r.reservations.Kinds()
}

// History lists runs most recent first.
func (r *Runner) History(ctx context.Context, limit int) ([]db.BatchRun, error) {
	return r.store.ListBatchRuns(ctx, limit)
}

// Get returns one run, or ErrRunNotFound.
func (r *Runner) Get(ctx context.Context, id uuid.UUID) (*db.BatchRun, error) {
	run, err := r.store.GetBatchRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, nil
}

// Run executes job to completion. Resolution failures return NotFoundError or
// FatalResolutionError and leave no run row. Item failures are counted and
// never returned. A store failure or cancellation after the row exists
// finalizes it as failed and returns RunFailedError alongside the result.
func (r *Runner) Run(ctx context.Context, job Job, sink ProgressSink) (*Result, error) {
	if sink == nil {
		sink = NopSink{}
	}
	kind := job.Kind()

	if !r.reservations.Reserve(kind) {
		id, _ := r.reservations.CurrentRunID(kind)
		return nil, &ConflictError{Kind: kind, RunID: id}
	}
	defer r.reservations.Release(kind)

	existing, err := r.store.GetRunningBatchRun(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to check for running %s run: %w", kind, err)
	}
	if existing != nil {
		return nil, &ConflictError{Kind: kind, RunID: existing.ID}
	}

	work, err := job.Resolve(ctx)
	if err != nil {
		return nil, resolutionError(kind, err)
	}
	items := work.Items()

	run := &db.BatchRun{Kind: kind, Total: len(items), StartedAt: r.now()}
	if err := r.store.CreateBatchRun(ctx, run); err != nil {
		if errors.Is(err, db.ErrRunAlreadyActive) {
			return nil, &ConflictError{Kind: kind}
		}
		return nil, fmt.Errorf("failed to create %s run: %w", kind, err)
	}
	r.reservations.Bind(kind, run.ID)

	log := r.logger.With("kind", kind, "run_id", run.ID)
	log.Info("batch run started", "total", len(items))
	if obs, ok := sink.(StartObserver); ok {
		obs.Started(Stats{RunID: run.ID, Kind: kind, Total: len(items)})
	}

	counts, runErr := r.processAll(ctx, log, run, work, items, sink)

	status := db.BatchRunStatusCompleted
	if runErr != nil {
		status = db.BatchRunStatusFailed
	}
	finishedAt := r.now()
	if err := r.store.FinishBatchRun(context.WithoutCancel(ctx), run.ID, status, counts, finishedAt); err != nil {
		if runErr == nil {
			runErr = err
			status = db.BatchRunStatusFailed
		} else {
			log.Error("failed to finalize batch run", "error", err)
		}
	}

	result := &Result{
		RunID:       run.ID,
		Kind:        kind,
		Status:      status,
		Total:       len(items),
		ProcessedOK: counts.ProcessedOK,
		Skipped:     counts.Skipped,
		Errors:      counts.Errors,
		StartedAt:   run.StartedAt,
		FinishedAt:  &finishedAt,
	}

	if runErr != nil {
		log.Error("batch run failed", "error", runErr,
			"processed_ok", counts.ProcessedOK, "skipped", counts.Skipped, "errors", counts.Errors)
		return result, &RunFailedError{Kind: kind, RunID: run.ID, Cause: runErr}
	}
	log.Info("batch run completed",
		"processed_ok", counts.ProcessedOK, "skipped", counts.Skipped, "errors", counts.Errors,
		"duration", finishedAt.Sub(run.StartedAt))
	return result, nil
}

func (r *Runner) processAll(ctx context.Context, log *slog.Logger, run *db.BatchRun, work WorkSet, items []Item, sink ProgressSink) (db.BatchRunCounts, error) {
	var counts db.BatchRunCounts
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return counts, err
		}

		outcome, err := processItem(ctx, work, item)
		switch {
		case err != nil:
			counts.Errors++
			log.Warn("batch item failed", "item", item.Key, "error", &ItemError{Item: item, Cause: err})
		case outcome == OutcomeSkipped:
			counts.Skipped++
		default:
			counts.ProcessedOK++
		}

		if (i+1)%r.progressEvery == 0 && i+1 < len(items) {
			if err := r.store.UpdateBatchRunProgress(ctx, run.ID, counts); err != nil {
				return counts, err
			}
		}

		sink.Progress(Stats{
			RunID:       run.ID,
			Kind:        run.Kind,
			Total:       run.Total,
			ProcessedOK: counts.ProcessedOK,
			Skipped:     counts.Skipped,
			Errors:      counts.Errors,
		})
	}
	return counts, nil
}

// processItem converts a panicking item into an item error.
func processItem(ctx context.Context, work WorkSet, item Item) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return work.Process(ctx, item)
}
