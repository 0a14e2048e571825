package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/openorbit/internal/db"
)

func TestRun_EmptyWorkSetCompletesWithZeroCounts(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	res, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Empty"}, nil)
	require.NoError(t, err)
	assert.Equal(t, db.BatchRunStatusCompleted, res.Status)
	assert.Zero(t, res.Total)
	assert.Zero(t, res.ProcessedOK)
	assert.Zero(t, res.Skipped)
	assert.Zero(t, res.Errors)

	rows := store.runsOfKind("enrich:Empty")
	require.Len(t, rows, 1)
	assert.Equal(t, db.BatchRunStatusCompleted, rows[0].Status)
	assert.Equal(t, 0, rows[0].Total)
	assert.NotNil(t, rows[0].FinishedAt)
}

func TestRun_ItemFailuresAreCountedNotReturned(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	job := &fakeJob{
		kind:  "enrich:Mixed",
		items: items("a", "b", "c", "d", "e"),
		process: func(_ context.Context, item Item) (Outcome, error) {
			switch item.Key {
			case "b":
				return OutcomeSkipped, nil
			case "c":
				return 0, errBoom
			case "d":
				panic("bad deal")
			}
			return OutcomeProcessed, nil
		},
	}

	res, err := r.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, db.BatchRunStatusCompleted, res.Status)
	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 2, res.ProcessedOK)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 2, res.Errors)

	row, err := r.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 2, row.ProcessedOK)
	assert.Equal(t, 2, row.Errors)
}

func TestRun_ProgressIsMonotonicAndOrdered(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	var seen []Stats
	sink := SinkFunc(func(s Stats) { seen = append(seen, s) })
	job := &fakeJob{
		kind:  "enrich:Progress",
		items: items("1", "2", "3", "4"),
		process: func(_ context.Context, item Item) (Outcome, error) {
			if item.Key == "2" {
				return 0, errBoom
			}
			return OutcomeProcessed, nil
		},
	}

	res, err := r.Run(context.Background(), job, sink)
	require.NoError(t, err)
	require.Len(t, seen, 4)
	for i, s := range seen {
		assert.Equal(t, i+1, s.Done())
		assert.Equal(t, res.RunID, s.RunID)
		assert.Equal(t, 4, s.Total)
		if i > 0 {
			assert.GreaterOrEqual(t, s.ProcessedOK, seen[i-1].ProcessedOK)
			assert.GreaterOrEqual(t, s.Errors, seen[i-1].Errors)
		}
	}
	// The last item's counters are written by finalization.
	assert.Len(t, store.updates, 3)
}

func TestRun_ProgressEveryBatchesUpdates(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store, WithProgressEvery(2))

	_, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Batched", items: items("1", "2", "3", "4", "5")}, nil)
	require.NoError(t, err)
	require.Len(t, store.updates, 2)
	assert.Equal(t, 2, store.updates[0].ProcessedOK)
	assert.Equal(t, 4, store.updates[1].ProcessedOK)
}

type startSink struct {
	started []Stats
	done    int
}

func (s *startSink) Started(st Stats) { s.started = append(s.started, st) }
func (s *startSink) Progress(Stats)   { s.done++ }

func TestRun_StartObserverSeesRowBeforeItems(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)
	sink := &startSink{}

	res, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Start", items: items("1", "2")}, sink)
	require.NoError(t, err)
	require.Len(t, sink.started, 1)
	assert.Equal(t, res.RunID, sink.started[0].RunID)
	assert.Equal(t, 2, sink.started[0].Total)
	assert.Zero(t, sink.started[0].Done())
	assert.Equal(t, 2, sink.done)
}

func TestRun_StartObserverNotCalledOnResolutionFailure(t *testing.T) {
	r := NewRunner(newMemStore())
	sink := &startSink{}

	_, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Broken", resolveErr: errBoom}, sink)
	require.Error(t, err)
	assert.Empty(t, sink.started)
}

func TestRun_NotFoundCreatesNoRow(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	_, err := r.Run(context.Background(), &fakeJob{
		kind:       "enrich:Ghost",
		resolveErr: &NotFoundError{Name: "Ghost"},
	}, nil)

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "enrich:Ghost", nf.Kind)
	assert.Equal(t, "Ghost", nf.Name)
	assert.Empty(t, store.runsOfKind("enrich:Ghost"))
	assert.False(t, r.IsRunning("enrich:Ghost"))
}

func TestRun_UntypedResolutionErrorIsFatal(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	_, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Field", resolveErr: errBoom}, nil)

	var fr *FatalResolutionError
	require.ErrorAs(t, err, &fr)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, store.runsOfKind("enrich:Field"))
}

func TestRun_ConflictWhileRunning(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	started := make(chan struct{})
	unblock := make(chan struct{})
	job := &fakeJob{
		kind:  "enrich:Busy",
		items: items("only"),
		process: func(context.Context, Item) (Outcome, error) {
			close(started)
			<-unblock
			return OutcomeProcessed, nil
		},
	}

	done := make(chan *Result, 1)
	go func() {
		res, err := r.Run(context.Background(), job, nil)
		assert.NoError(t, err)
		done <- res
	}()
	<-started

	assert.True(t, r.IsRunning("enrich:Busy"))
	id, ok := r.CurrentRunID("enrich:Busy")
	require.True(t, ok)

	_, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Busy"}, nil)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, id, ce.RunID)

	running := 0
	for _, row := range store.runsOfKind("enrich:Busy") {
		if row.Status == db.BatchRunStatusRunning {
			running++
		}
	}
	assert.Equal(t, 1, running)

	close(unblock)
	res := <-done
	assert.Equal(t, id, res.RunID)
	assert.False(t, r.IsRunning("enrich:Busy"))
	_, ok = r.CurrentRunID("enrich:Busy")
	assert.False(t, ok)
}

func TestRun_RunningStateBeforeDuringAfter(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)
	kind := "enrich:Lifecycle"

	assert.False(t, r.IsRunning(kind))
	_, ok := r.CurrentRunID(kind)
	assert.False(t, ok)

	var during uuid.UUID
	job := &fakeJob{
		kind:  kind,
		items: items("x"),
		process: func(context.Context, Item) (Outcome, error) {
			assert.True(t, r.IsRunning(kind))
			during, _ = r.CurrentRunID(kind)
			return OutcomeProcessed, nil
		},
	}
	res, err := r.Run(context.Background(), job, nil)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, during)

	assert.False(t, r.IsRunning(kind))
	_, ok = r.CurrentRunID(kind)
	assert.False(t, ok)
}

func TestRun_ConflictDuringResolution(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	job := &fakeJob{kind: "enrich:Slow", resolved: make(chan struct{}), release: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), job, nil)
		done <- err
	}()
	<-job.resolved

	assert.True(t, r.IsRunning("enrich:Slow"))
	_, ok := r.CurrentRunID("enrich:Slow")
	assert.False(t, ok)

	_, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Slow"}, nil)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uuid.Nil, ce.RunID)

	close(job.release)
	require.NoError(t, <-done)
}

func TestRun_LeftoverRunningRowBlocksKind(t *testing.T) {
	store := newMemStore()
	leftover := &db.BatchRun{Kind: "enrich:Crashed"}
	require.NoError(t, store.CreateBatchRun(context.Background(), leftover))

	r := NewRunner(store)
	_, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Crashed"}, nil)

	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, leftover.ID, ce.RunID)
	assert.Len(t, store.runsOfKind("enrich:Crashed"), 1)
}

func TestRun_ConcurrentCallsOnlyOneProceeds(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	const callers = 16
	gate := make(chan struct{})
	job := &fakeJob{
		kind:  "enrich:Race",
		items: items("a"),
		process: func(context.Context, Item) (Outcome, error) {
			<-gate
			return OutcomeProcessed, nil
		},
	}

	var wg sync.WaitGroup
	var ok, conflicts atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Run(context.Background(), job, nil)
			var ce *ConflictError
			switch {
			case err == nil:
				ok.Add(1)
			case errors.As(err, &ce):
				conflicts.Add(1)
			}
		}()
	}

	// Release the winner only after every loser has been rejected.
	require.Eventually(t, func() bool { return conflicts.Load() == callers-1 }, testTimeout, testTick)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Len(t, store.runsOfKind("enrich:Race"), 1)
}

func TestRun_StoreFailureMidRunFinalizesFailed(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	job := &fakeJob{
		kind:  "enrich:Flaky",
		items: items("a", "b", "c"),
		process: func(_ context.Context, item Item) (Outcome, error) {
			if item.Key == "a" {
				store.mu.Lock()
				store.updateErr = errBoom
				store.mu.Unlock()
			}
			return OutcomeProcessed, nil
		},
	}

	res, err := r.Run(context.Background(), job, nil)
	var rf *RunFailedError
	require.ErrorAs(t, err, &rf)
	assert.ErrorIs(t, err, errBoom)
	require.NotNil(t, res)
	assert.Equal(t, db.BatchRunStatusFailed, res.Status)

	rows := store.runsOfKind("enrich:Flaky")
	require.Len(t, rows, 1)
	assert.Equal(t, db.BatchRunStatusFailed, rows[0].Status)
	assert.NotNil(t, rows[0].FinishedAt)
	assert.False(t, r.IsRunning("enrich:Flaky"))
}

func TestRun_CancellationFinalizesFailed(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	ctx, cancel := context.WithCancel(context.Background())
	job := &fakeJob{
		kind:  "enrich:Cancelled",
		items: items("a", "b"),
		process: func(context.Context, Item) (Outcome, error) {
			cancel()
			return OutcomeProcessed, nil
		},
	}

	res, err := r.Run(ctx, job, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, db.BatchRunStatusFailed, res.Status)
	assert.Equal(t, 1, res.ProcessedOK)

	rows := store.runsOfKind("enrich:Cancelled")
	require.Len(t, rows, 1)
	assert.Equal(t, db.BatchRunStatusFailed, rows[0].Status)
}

func TestRun_CreateFailureReleasesReservation(t *testing.T) {
	store := newMemStore()
	store.createErr = errBoom
	r := NewRunner(store)

	_, err := r.Run(context.Background(), &fakeJob{kind: "enrich:NoDB"}, nil)
	require.ErrorIs(t, err, errBoom)
	assert.False(t, r.IsRunning("enrich:NoDB"))

	store.createErr = nil
	_, err = r.Run(context.Background(), &fakeJob{kind: "enrich:NoDB"}, nil)
	assert.NoError(t, err)
}

func TestRun_NewRunAllocatesNewID(t *testing.T) {
	store := newMemStore()
	r := NewRunner(store)

	first, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Again"}, nil)
	require.NoError(t, err)
	second, err := r.Run(context.Background(), &fakeJob{kind: "enrich:Again"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)

	history, err := r.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRunner_GetUnknown(t *testing.T) {
	r := NewRunner(newMemStore())
	_, err := r.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestReservations(t *testing.T) {
	res := NewReservations()
	require.True(t, res.Reserve("k"))
	assert.False(t, res.Reserve("k"))
	assert.True(t, res.IsRunning("k"))

	_, ok := res.CurrentRunID("k")
	assert.False(t, ok)

	id := uuid.New()
	res.Bind("k", id)
	got, ok := res.CurrentRunID("k")
	require.True(t, ok)
	assert.Equal(t, id, got)

	res.Bind("other", uuid.New())
	assert.False(t, res.IsRunning("other"))

	res.Release("k")
	assert.False(t, res.IsRunning("k"))
	assert.True(t, res.Reserve("k"))
	assert.Equal(t, []string{"k"}, res.Kinds())
}

func TestErrorMessages(t *testing.T) {
	id := uuid.New()
	assert.Contains(t, (&ConflictError{Kind: "enrich:A", RunID: id}).Error(), id.String())
	assert.Equal(t, `enrich:A: "A" not found`, (&NotFoundError{Kind: "enrich:A", Name: "A"}).Error())
	assert.Equal(t, "item deal-7 failed: boom", (&ItemError{Item: Item{Key: "deal-7"}, Cause: errBoom}).Error())
	assert.Equal(t, fmt.Sprintf("enrich:A run %s failed: boom", id), (&RunFailedError{Kind: "enrich:A", RunID: id, Cause: errBoom}).Error())
}
