// Package diag records terminal session outcomes for later inspection.
// Every request that reaches a terminal state, visible to the user or not,
// lands here.
package diag

import (
	"sync"
	"time"

	"glimpse/internal/history"
	"glimpse/internal/logging"
	"glimpse/internal/types"
)

// DefaultCapacity bounds the in-memory diagnostic history.
const DefaultCapacity = 20

// Sink receives every recorded diagnostic, typically for persistence.
// Sink errors are logged, never propagated into the session flow.
type Sink interface {
	Append(d types.SessionDiagnostic) error
}

// Recorder is a capacity-bounded, thread-safe diagnostic log.
type Recorder struct {
	mu   sync.Mutex
	ring *history.Ring[types.SessionDiagnostic]
	sink Sink
}

// NewRecorder creates a recorder with the default capacity.
func NewRecorder() *Recorder {
	return &Recorder{ring: history.NewRing[types.SessionDiagnostic](DefaultCapacity)}
}

// SetSink attaches an optional persistence sink.
func (r *Recorder) SetSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = s
}

// Record stamps and stores one diagnostic, dropping the oldest entry when
// the ring is full.
func (r *Recorder) Record(d types.SessionDiagnostic) {
	if d.RecordedAt.IsZero() {
		d.RecordedAt = time.Now()
	}
	r.mu.Lock()
	r.ring.Push(d)
	sink := r.sink
	r.mu.Unlock()

	logging.Get(logging.CategoryStore).Debug("diagnostic recorded session=%s phase=%s stop=%s gate_passed=%v",
		d.SessionID, d.Phase, d.StopReason, d.GatePassed)

	if sink != nil {
		if err := sink.Append(d); err != nil {
			logging.Get(logging.CategoryStore).Error("diagnostic sink append failed: %v", err)
		}
	}
}

// All returns the retained diagnostics, oldest first.
func (r *Recorder) All() []types.SessionDiagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.Items()
}

// Latest returns the most recent diagnostic, if any.
func (r *Recorder) Latest() (types.SessionDiagnostic, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.Latest()
}

// Len returns the retained count.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.Len()
}
