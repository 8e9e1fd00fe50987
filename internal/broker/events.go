package broker

import (
	"log/slog"
	"sync"
)

// CircuitEvent is an asynchronous notification destined for the admin
// session that owns this broker instance.
type CircuitEvent struct {
	Name string
	Args []any
}

// Subscriber receives drained events. A panicking subscriber is isolated:
// the panic is logged and draining continues.
type Subscriber func(CircuitEvent)

// EventQueue serializes asynchronous notifications to one admin session.
// Enqueue appends and attempts a drain; at most one drain loop runs at a
// time, and whichever caller wins the drain lock delivers all queued
// events in FIFO order.
type EventQueue struct {
	logger *slog.Logger

	mu    sync.Mutex // guards queue and subs
	queue []CircuitEvent
	subs  []Subscriber

	drainMu sync.Mutex
}

// NewEventQueue creates an EventQueue.
func NewEventQueue(logger *slog.Logger) *EventQueue {
	return &EventQueue{logger: logger}
}

// Subscribe registers a subscriber for all subsequently drained events.
func (q *EventQueue) Subscribe(fn Subscriber) {
	q.mu.Lock()
	q.subs = append(q.subs, fn)
	q.mu.Unlock()
}

// Enqueue appends an event and attempts to drain the queue.
func (q *EventQueue) Enqueue(name string, args ...any) {
	q.mu.Lock()
	q.queue = append(q.queue, CircuitEvent{Name: name, Args: args})
	q.mu.Unlock()

	q.drain()
}

// drain delivers queued events in enqueue order. Concurrent callers race
// for the drain lock; the loser returns immediately because the winner
// drains everything present, including the loser's event. The outer loop
// re-checks the queue after releasing the lock so an event enqueued in
// the gap is not stranded.
func (q *EventQueue) drain() {
	for {
		if !q.drainMu.TryLock() {
			return
		}

		for {
			q.mu.Lock()
			pending := q.queue
			q.queue = nil
			subs := make([]Subscriber, len(q.subs))
			copy(subs, q.subs)
			q.mu.Unlock()

			if len(pending) == 0 {
				break
			}
			for _, ev := range pending {
				for _, sub := range subs {
					q.deliver(sub, ev)
				}
			}
		}

		q.drainMu.Unlock()

		q.mu.Lock()
		empty := len(q.queue) == 0
		q.mu.Unlock()
		if empty {
			return
		}
	}
}

func (q *EventQueue) deliver(sub Subscriber, ev CircuitEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("event subscriber panicked", "event", ev.Name, "panic", r)
		}
	}()
	sub(ev)
}
