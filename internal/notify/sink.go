// Package notify delivers job events to subscribers.
package notify

import (
	"context"
	"sync"
)

// Kind is the type of a job event.
type Kind string

const (
	KindProgress      Kind = "progress"
	KindCompleted     Kind = "completed"
	KindReviewUpdated Kind = "reviewUpdated"
	KindCreated       Kind = "created"
	KindDeleted       Kind = "deleted"
	KindHighway       Kind = "highway"
	KindFixme         Kind = "fixme"
	KindChat          Kind = "chat"
	KindJoin          Kind = "join"
	KindLeave         Kind = "leave"
)

// Event is pushed to the subscribers of JobID.
type Event struct {
	Kind    Kind        `json:"type"`
	JobID   string      `json:"job"`
	Payload interface{} `json:"payload,omitempty"`
}

// Sink receives job events. Delivery failures are handled by the sink.
type Sink interface {
	Notify(ctx context.Context, event Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event) {}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds of the recorded events in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}
