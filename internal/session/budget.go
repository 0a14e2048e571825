package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrBudgetExhausted is matched by every BudgetError.
var ErrBudgetExhausted = errors.New("action budget exhausted")

// ActionKind classifies a gated action for budget accounting.
type ActionKind string

const (
	// ActionGeneric counts only against the per-minute ceiling.
	ActionGeneric ActionKind = "action"
	// ActionApplication also counts against the per-session application ceiling.
	ActionApplication ActionKind = "application"
	// ActionExtraction also counts against the per-session extraction ceiling.
	ActionExtraction ActionKind = "extraction"
)

// Limits are the fixed ceilings enforced by Reserve. A zero field disables
// that ceiling.
type Limits struct {
	ActionsPerMinute       int `json:"actions_per_minute"`
	ApplicationsPerSession int `json:"applications_per_session"`
	ExtractionsPerSession  int `json:"extractions_per_session"`
}

// BudgetError reports which ceiling blocked an action.
type BudgetError struct {
	Platform   string
	Limit      string
	Ceiling    int
	RetryAfter time.Duration
}

func (e *BudgetError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s budget exhausted for %s (limit %d, retry after %s)",
			e.Limit, e.Platform, e.Ceiling, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("%s budget exhausted for %s (limit %d)", e.Limit, e.Platform, e.Ceiling)
}

func (e *BudgetError) Unwrap() error {
	return ErrBudgetExhausted
}

// InvalidStateError is returned by SetState for unknown states.
type InvalidStateError struct {
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid session state: %q", e.State)
}

// Reserve checks every ceiling that applies to kind and, if none would be
// exceeded, records the action. The check and the increment happen under one
// lock so concurrent callers can never both take the last slot.
func (t *Tracker) Reserve(platform string, kind ActionKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ps := t.getOrStartLocked(platform)
	ps.actions = pruneWindow(ps.actions, now)

	if ceiling := t.limits.ActionsPerMinute; ceiling > 0 && len(ps.actions)+1 > ceiling {
		return &BudgetError{
			Platform:   platform,
			Limit:      "actions per minute",
			Ceiling:    ceiling,
			RetryAfter: ps.actions[0].Add(rollingWindow).Sub(now),
		}
	}

	switch kind {
	case ActionApplication:
		if ceiling := t.limits.ApplicationsPerSession; ceiling > 0 && ps.applications+1 > ceiling {
			return &BudgetError{Platform: platform, Limit: "applications per session", Ceiling: ceiling}
		}
		ps.applications++
	case ActionExtraction:
		if ceiling := t.limits.ExtractionsPerSession; ceiling > 0 && ps.extractions+1 > ceiling {
			return &BudgetError{Platform: platform, Limit: "extractions per session", Ceiling: ceiling}
		}
		ps.extractions++
	}

	ps.actions = append(ps.actions, now)
	ps.updatedAt = now
	return nil
}
