// Package events carries the typed messages consumed by the manager loop.
package events

import (
	"context"
	"time"

	"pricefeed/internal/model"
)

// Event is any message accepted by the queue.
type Event interface {
	isEvent()
}

// QuotesUpdated is emitted by a poller after a successful fetch.
type QuotesUpdated struct {
	Source model.Source
	Quotes map[string]model.RawQuote
	At     time.Time
}

// SourceError is emitted by a poller after a failed fetch.
type SourceError struct {
	Source            model.Source
	Err               error
	ConsecutiveErrors int
	At                time.Time
}

// ConnectivityChanged is emitted when a source flips connected/disconnected.
type ConnectivityChanged struct {
	Source    model.Source
	Connected bool
	At        time.Time
}

// FailoverCheck asks the manager to evaluate the failover state machine.
type FailoverCheck struct {
	At time.Time
}

// Command runs an admin mutation on the manager goroutine and reports the
// result on Done.
type Command struct {
	Name  string
	Apply func(ctx context.Context) error
	Done  chan error
}

func (QuotesUpdated) isEvent()       {}
func (SourceError) isEvent()         {}
func (ConnectivityChanged) isEvent() {}
func (FailoverCheck) isEvent()       {}
func (Command) isEvent()             {}

// Queue is the single ordered channel feeding the manager loop.
type Queue struct {
	ch chan Event
}

// NewQueue creates a queue with the given buffer.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{ch: make(chan Event, size)}
}

// Publish enqueues ev, waiting for room until ctx is done.
func (q *Queue) Publish(ctx context.Context, ev Event) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// C exposes the receive side to the consumer.
func (q *Queue) C() <-chan Event {
	return q.ch
}
