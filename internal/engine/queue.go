package engine

import (
	"context"
	"sync"
)

// EventQueue is an unbounded event FIFO backends push into and sessions poll.
type EventQueue struct {
	mu     sync.Mutex
	items  []Event
	ready  chan struct{}
	closed bool
}

// NewEventQueue creates an open, empty event queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{ready: make(chan struct{}, 1)}
}

func (q *EventQueue) Push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *EventQueue) Poll(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, ErrEngineClosed
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Drop discards queued events, used on stop, flush and reset.
func (q *EventQueue) Drop() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
