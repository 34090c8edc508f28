// Package recorder provides an in-process EventPublisher that keeps every
// published event, for tests.
package recorder

import (
	"sync"

	interfaces "github.com/sheikh-saqib/token-settlement-ledger/internal/interfaces"
)

// Event is one published event.
type Event struct {
	Topic   string
	Payload any
}

type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(topic string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Topic: topic, Payload: event})
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make([]Event, len(r.events))
	copy(copied, r.events)
	return copied
}

// Topic returns the payloads published under topic, in order.
func (r *Recorder) Topic(topic string) []any {
	var out []any
	for _, e := range r.Events() {
		if e.Topic == topic {
			out = append(out, e.Payload)
		}
	}
	return out
}

var _ interfaces.EventPublisher = (*Recorder)(nil)
