package batch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/openorbit/internal/db"
)

// Outcome is the result of processing one item successfully.
type Outcome int

const (
	// OutcomeProcessed counts toward processed_ok.
	OutcomeProcessed Outcome = iota
	// OutcomeSkipped counts toward skipped.
	OutcomeSkipped
)

func (o Outcome) String() string {
	if o == OutcomeSkipped {
		return "skipped"
	}
	return "processed"
}

// Item is one unit of work. Key identifies it in logs and errors.
type Item struct {
	Key  string
	Data any
}

// Job is a family of runs identified by Kind. Resolve locates the run's target
// and prerequisites; it must not have side effects visible in run history.
type Job interface {
	Kind() string
	Resolve(ctx context.Context) (WorkSet, error)
}

// WorkSet is a resolved job: the items to process and the per-item operation.
type WorkSet interface {
	Items() []Item
	Process(ctx context.Context, item Item) (Outcome, error)
}

// Store persists run history.
type Store interface {
	CreateBatchRun(ctx context.Context, run *db.BatchRun) error
	UpdateBatchRunProgress(ctx context.Context, id uuid.UUID, counts db.BatchRunCounts) error
	FinishBatchRun(ctx context.Context, id uuid.UUID, status string, counts db.BatchRunCounts, finishedAt time.Time) error
	GetBatchRun(ctx context.Context, id uuid.UUID) (*db.BatchRun, error)
	GetRunningBatchRun(ctx context.Context, kind string) (*db.BatchRun, error)
	ListBatchRuns(ctx context.Context, limit int) ([]db.BatchRun, error)
}

// Stats is a snapshot of a run's counters.
type Stats struct {
	RunID       uuid.UUID `json:"run_id"`
	Kind        string    `json:"kind"`
	Total       int       `json:"total"`
	ProcessedOK int       `json:"processed_ok"`
	Skipped     int       `json:"skipped"`
	Errors      int       `json:"errors"`
}

// Done returns how many items have been handled.
func (s Stats) Done() int {
	return s.ProcessedOK + s.Skipped + s.Errors
}

// Result is returned by Runner.Run once a run is finalized.
type Result struct {
	RunID       uuid.UUID  `json:"run_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Total       int        `json:"total"`
	ProcessedOK int        `json:"processed_ok"`
	Skipped     int        `json:"skipped"`
	Errors      int        `json:"errors"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
