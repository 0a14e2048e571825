package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/openorbit/internal/db"
)

// memStore is an in-memory Store that enforces one running row per kind.
type memStore struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]*db.BatchRun
	updates   []db.BatchRunCounts
	createErr error
	updateErr error
	finishErr error
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[uuid.UUID]*db.BatchRun)}
}

func (s *memStore) CreateBatchRun(_ context.Context, run *db.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	for _, r := range s.runs {
		if r.Kind == run.Kind && r.Status == db.BatchRunStatusRunning {
			return db.ErrRunAlreadyActive
		}
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = db.BatchRunStatusRunning
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *memStore) UpdateBatchRunProgress(_ context.Context, id uuid.UUID, counts db.BatchRunCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	r, ok := s.runs[id]
	if !ok || r.Status != db.BatchRunStatusRunning {
		return db.ErrRunNotActive
	}
	r.ProcessedOK, r.Skipped, r.Errors = counts.ProcessedOK, counts.Skipped, counts.Errors
	s.updates = append(s.updates, counts)
	return nil
}

func (s *memStore) FinishBatchRun(_ context.Context, id uuid.UUID, status string, counts db.BatchRunCounts, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finishErr != nil {
		return s.finishErr
	}
	r, ok := s.runs[id]
	if !ok || r.Status != db.BatchRunStatusRunning {
		return db.ErrRunNotActive
	}
	r.Status = status
	r.ProcessedOK, r.Skipped, r.Errors = counts.ProcessedOK, counts.Skipped, counts.Errors
	r.FinishedAt = &finishedAt
	return nil
}

func (s *memStore) GetBatchRun(_ context.Context, id uuid.UUID) (*db.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) GetRunningBatchRun(_ context.Context, kind string) (*db.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.Kind == kind && r.Status == db.BatchRunStatusRunning {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListBatchRuns(_ context.Context, limit int) ([]db.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]db.BatchRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *memStore) runsOfKind(kind string) []db.BatchRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []db.BatchRun
	for _, r := range s.runs {
		if r.Kind == kind {
			out = append(out, *r)
		}
	}
	return out
}

var errBoom = errors.New("boom")

// fakeJob resolves to a fixed work set. process decides each item's fate.
type fakeJob struct {
	kind       string
	resolveErr error
	items      []Item
	process    func(ctx context.Context, item Item) (Outcome, error)
	resolved   chan struct{}
	release    chan struct{}
}

func (j *fakeJob) Kind() string { return j.kind }

func (j *fakeJob) Resolve(ctx context.Context) (WorkSet, error) {
	if j.resolved != nil {
		close(j.resolved)
	}
	if j.release != nil {
		select {
		case <-j.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if j.resolveErr != nil {
		return nil, j.resolveErr
	}
	return j, nil
}

func (j *fakeJob) Items() []Item { return j.items }

func (j *fakeJob) Process(ctx context.Context, item Item) (Outcome, error) {
	if j.process == nil {
		return OutcomeProcessed, nil
	}
	return j.process(ctx, item)
}

func items(keys ...string) []Item {
	out := make([]Item, len(keys))
	for i, k := range keys {
		out[i] = Item{Key: k}
	}
	return out
}

const (
	testTimeout = 2 * time.Second
	testTick    = time.Millisecond
)
