package batch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned by Runner.Get for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// ConflictError is returned when a run is requested for a kind that already
// has one in flight. Callers should not retry automatically.
type ConflictError struct {
	Kind  string
	RunID uuid.UUID // uuid.Nil while the active run is still resolving
}

func (e *ConflictError) Error() string {
	if e.RunID != uuid.Nil {
		return fmt.Sprintf("a %s run is already running (run %s)", e.Kind, e.RunID)
	}
	return fmt.Sprintf("a %s run is already running", e.Kind)
}

// NotFoundError indicates the named resolution target does not exist.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %q not found", e.Kind, e.Name)
}

// FatalResolutionError indicates a prerequisite could not be established
// before any work began.
type FatalResolutionError struct {
	Kind  string
	Cause error
}

func (e *FatalResolutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: resolution failed: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: resolution failed", e.Kind)
}

func (e *FatalResolutionError) Unwrap() error {
	return e.Cause
}

// ItemError records the failure of a single work item. It is counted in the
// run's errors and logged, never returned from Run.
type ItemError struct {
	Item  Item
	Cause error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %s failed: %v", e.Item.Key, e.Cause)
}

func (e *ItemError) Unwrap() error {
	return e.Cause
}

// RunFailedError is returned when an infrastructure failure ends a run after
// its row was created. The row is finalized as failed.
type RunFailedError struct {
	Kind  string
	RunID uuid.UUID
	Cause error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("%s run %s failed: %v", e.Kind, e.RunID, e.Cause)
}

func (e *RunFailedError) Unwrap() error {
	return e.Cause
}

// resolutionError normalizes an error returned by Job.Resolve so callers can
// always match NotFoundError or FatalResolutionError.
func resolutionError(kind string, err error) error {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		if nf.Kind == "" {
			nf.Kind = kind
		}
		return nf
	}
	var fr *FatalResolutionError
	if errors.As(err, &fr) {
		if fr.Kind == "" {
			fr.Kind = kind
		}
		return fr
	}
	return &FatalResolutionError{Kind: kind, Cause: err}
}
