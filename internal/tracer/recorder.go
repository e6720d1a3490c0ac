// Package tracer records the event history of execution units.
//
// Every unit owns one Recorder while it runs. The unit is associated with a
// context.Context returned by Tracer.Begin, and asynchronous instrumentation
// resolves its unit through that context rather than through global state, so
// units running in parallel goroutines never share a history.
package tracer

import "sync"

// Kind identifies the type of an event. Producers may define their own kinds.
type Kind string

// Well known event kinds.
const (
	KindStart Kind = "start"
	KindEnd   Kind = "end"
	KindSQL   Kind = "sql"
)

// Event is one entry of a unit's history. Value is either a timestamp in
// seconds relative to the start of the unit or a duration in seconds,
// depending on the kind.
type Event struct {
	Kind   Kind           `json:"kind"`
	Value  float64        `json:"value"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Recorder is an append-only event log for one unit.
// Insertion order is the canonical history order; events are never re-sorted.
type Recorder struct {
	mu        sync.Mutex
	events    []Event
	finalized bool
}

// Append adds an event to the end of the history. Appends after Finalize are
// dropped and reported as false.
func (r *Recorder) Append(ev Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return false
	}
	r.events = append(r.events, ev)
	return true
}

// Finalize freezes the recorder and returns a copy of its history.
func (r *Recorder) Finalize() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finalized = true
	history := make([]Event, len(r.events))
	copy(history, r.events)
	return history
}
