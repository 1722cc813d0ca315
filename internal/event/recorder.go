// Package event provides the append-only event buffer every aggregate embeds.
// Events are recorded during a mutation and drained by the service layer,
// which stages them on the outbox inside the same transaction.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable record of a domain state change.
type Event struct {
	ID         string
	Kind       string
	OccurredAt time.Time
	Payload    map[string]any
}

// Recorder accumulates events on an aggregate instance. The zero value is
// ready to use.
type Recorder struct {
	events []Event
}

// Record appends an event to the buffer.
func (r *Recorder) Record(kind string, payload map[string]any) {
	r.events = append(r.events, Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	})
}

// Drain returns the buffered events and clears the buffer.
func (r *Recorder) Drain() []Event {
	events := r.events
	r.events = nil
	return events
}

// Pending reports how many events are buffered without draining them.
func (r *Recorder) Pending() int { return len(r.events) }
