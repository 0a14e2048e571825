// Package session tracks per-platform automation state and the action budget
// counters that gate automated page actions.
package session

import (
	"sort"
	"sync"
	"time"
)

// State is the automation state of a single platform.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateError   State = "error"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateRunning, StatePaused, StateError:
		return true
	}
	return false
}

// Counter names a running counter that is not budget-gated.
type Counter string

const (
	CounterExtracted Counter = "extracted"
	CounterAnalyzed  Counter = "analyzed"
	CounterSubmitted Counter = "submitted"
)

// rollingWindow is the width of the actions-per-minute window.
const rollingWindow = time.Minute

// ActionBudget holds the budget counters for one platform session.
type ActionBudget struct {
	ActionsThisMinute       int `json:"actions_this_minute"`
	ApplicationsThisSession int `json:"applications_this_session"`
	ExtractionsThisSession  int `json:"extractions_this_session"`
}

// SessionState is a point-in-time view of one platform's session.
type SessionState struct {
	Platform      string       `json:"platform"`
	State         State        `json:"state"`
	CurrentAction *string      `json:"current_action,omitempty"`
	Extracted     int          `json:"extracted"`
	Analyzed      int          `json:"analyzed"`
	Submitted     int          `json:"submitted"`
	Budget        ActionBudget `json:"budget"`
	StartedAt     time.Time    `json:"started_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type platformSession struct {
	state         State
	currentAction *string
	extracted     int
	analyzed      int
	submitted     int
	applications  int
	extractions   int
	actions       []time.Time
	startedAt     time.Time
	updatedAt     time.Time
}

// Tracker aggregates session state for every platform. All methods are safe
// for concurrent use; Reserve is the only writer of the budget counters.
type Tracker struct {
	mu       sync.Mutex
	limits   Limits
	now      func() time.Time
	sessions map[string]*platformSession
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used for the rolling minute window.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker enforcing the given limits.
func NewTracker(limits Limits, opts ...Option) *Tracker {
	t := &Tracker{
		limits:   limits,
		now:      time.Now,
		sessions: make(map[string]*platformSession),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Limits returns the ceilings this tracker enforces.
func (t *Tracker) Limits() Limits {
	return t.limits
}

// Start begins a fresh session for platform, discarding any previous state.
func (t *Tracker) Start(platform string) SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	ps := &platformSession{
		state:     StateIdle,
		startedAt: now,
		updatedAt: now,
	}
	t.sessions[platform] = ps
	return t.snapshotLocked(platform, ps, now)
}

// End clears all state for platform.
func (t *Tracker) End(platform string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, platform)
}

// SetState updates the automation state and current action of platform,
// starting a session if none exists. An empty action clears it.
func (t *Tracker) SetState(platform string, state State, action string) error {
	if !state.Valid() {
		return &InvalidStateError{State: state}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.getOrStartLocked(platform)
	ps.state = state
	if action == "" {
		ps.currentAction = nil
	} else {
		ps.currentAction = &action
	}
	ps.updatedAt = t.now()
	return nil
}

// Record increments a non-gated counter.
func (t *Tracker) Record(platform string, c Counter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps := t.getOrStartLocked(platform)
	switch c {
	case CounterExtracted:
		ps.extracted++
	case CounterAnalyzed:
		ps.analyzed++
	case CounterSubmitted:
		ps.submitted++
	}
	ps.updatedAt = t.now()
}

// Snapshot returns the current state of platform and whether a session exists.
func (t *Tracker) Snapshot(platform string) (SessionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ps, ok := t.sessions[platform]
	if !ok {
		return SessionState{}, false
	}
	return t.snapshotLocked(platform, ps, t.now()), true
}

// All returns snapshots for every tracked platform ordered by platform name.
func (t *Tracker) All() []SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]SessionState, 0, len(t.sessions))
	for platform, ps := range t.sessions {
		out = append(out, t.snapshotLocked(platform, ps, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}

func (t *Tracker) getOrStartLocked(platform string) *platformSession {
	ps, ok := t.sessions[platform]
	if !ok {
		now := t.now()
		ps = &platformSession{state: StateIdle, startedAt: now, updatedAt: now}
		t.sessions[platform] = ps
	}
	return ps
}

func (t *Tracker) snapshotLocked(platform string, ps *platformSession, now time.Time) SessionState {
	ps.actions = pruneWindow(ps.actions, now)

	var action *string
	if ps.currentAction != nil {
		a := *ps.currentAction
		action = &a
	}
	return SessionState{
		Platform:      platform,
		State:         ps.state,
		CurrentAction: action,
		Extracted:     ps.extracted,
		Analyzed:      ps.analyzed,
		Submitted:     ps.submitted,
		Budget: ActionBudget{
			ActionsThisMinute:       len(ps.actions),
			ApplicationsThisSession: ps.applications,
			ExtractionsThisSession:  ps.extractions,
		},
		StartedAt: ps.startedAt,
		UpdatedAt: ps.updatedAt,
	}
}

// pruneWindow drops timestamps older than the rolling window. The slice is
// kept in arrival order so the cut point is the first in-window entry.
func pruneWindow(actions []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rollingWindow)
	i := 0
	for i < len(actions) && !actions[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return actions
	}
	return append(actions[:0], actions[i:]...)
}
