package db

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Batch run status values.
const (
	BatchRunStatusRunning   = "running"
	BatchRunStatusCompleted = "completed"
	BatchRunStatusFailed    = "failed"
)

// ErrRunAlreadyActive is returned when inserting a running row for a kind
// that already has one.
var ErrRunAlreadyActive = errors.New("a run of this kind is already active")

// ErrRunNotActive is returned when finalizing a run that is not running.
var ErrRunNotActive = errors.New("run is not running")

// BatchRun represents one persisted batch job run.
type BatchRun struct {
	ID          uuid.UUID  `json:"id"`
	Kind        string     `json:"kind"`
	Total       int        `json:"total"`
	ProcessedOK int        `json:"processed_ok"`
	Skipped     int        `json:"skipped"`
	Errors      int        `json:"errors"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// IsTerminal reports whether the run has been finalized.
func (r *BatchRun) IsTerminal() bool {
	return r.Status == BatchRunStatusCompleted || r.Status == BatchRunStatusFailed
}

// BatchRunCounts are the mutable progress counters of a run.
type BatchRunCounts struct {
	ProcessedOK int `json:"processed_ok"`
	Skipped     int `json:"skipped"`
	Errors      int `json:"errors"`
}

// Address is the exact lookup key of a valuation cache entry.
type Address struct {
	Line       string `json:"address_line" validate:"required"`
	City       string `json:"city" validate:"required"`
	Region     string `json:"region" validate:"required"`
	PostalCode string `json:"postal_code" validate:"required"`
}

// Normalize trims surrounding whitespace from every component.
func (a Address) Normalize() Address {
	return Address{
		Line:       strings.TrimSpace(a.Line),
		City:       strings.TrimSpace(a.City),
		Region:     strings.TrimSpace(a.Region),
		PostalCode: strings.TrimSpace(a.PostalCode),
	}
}

// String formats the address on one line.
func (a Address) String() string {
	return strings.Join([]string{a.Line, a.City, a.Region + " " + a.PostalCode}, ", ")
}

// ValuationEntry is one captured valuation lookup. Entries are append-only.
type ValuationEntry struct {
	ID             uuid.UUID `json:"id"`
	Address        Address   `json:"address"`
	EstimatedValue *float64  `json:"estimated_value,omitempty"`
	SourceRef      *string   `json:"source_ref,omitempty"`
	Error          *string   `json:"error,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Succeeded reports whether the entry carries a value.
func (e *ValuationEntry) Succeeded() bool {
	return e.EstimatedValue != nil && e.Error == nil
}
