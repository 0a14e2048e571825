package batch

import (
	"sync"

	"github.com/google/uuid"
)

// Reservations is the per-kind single-flight record. A kind is reserved from
// the moment a run is accepted until it is finalized; the run ID is bound once
// the run row exists.
type Reservations struct {
	mu     sync.Mutex
	active map[string]uuid.UUID
}

// NewReservations returns an empty reservation record.
func NewReservations() *Reservations {
	return &Reservations{active: make(map[string]uuid.UUID)}
}

// Reserve claims kind. It returns false if kind is already reserved.
func (r *Reservations) Reserve(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[kind]; ok {
		return false
	}
	r.active[kind] = uuid.Nil
	return true
}

// Bind records the run ID of a reserved kind. It is a no-op for kinds that are
// not reserved.
func (r *Reservations) Bind(kind string, id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[kind]; ok {
		r.active[kind] = id
	}
}

// Release frees kind.
func (r *Reservations) Release(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, kind)
}

// IsRunning reports whether kind is reserved.
func (r *Reservations) IsRunning(kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[kind]
	return ok
}

// CurrentRunID returns the bound run ID of kind, if any.
func (r *Reservations) CurrentRunID(kind string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[kind]
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// Kinds returns the reserved kinds.
func (r *Reservations) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.active))
	for k := range r.active {
		kinds = append(kinds, k)
	}
	return kinds
}
