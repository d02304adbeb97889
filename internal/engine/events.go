package engine

import (
	"log/slog"
	"slices"

	"github.com/roach88/fieldsync/internal/op"
)

// EventKind names a queue change.
type EventKind string

const (
	EventEnqueued    EventKind = "enqueued"
	EventSucceeded   EventKind = "succeeded"   // Applied and removed
	EventRescheduled EventKind = "rescheduled" // Retryable failure, waiting for backoff
	EventFailed      EventKind = "failed"
	EventConflicted  EventKind = "conflicted"
	EventReset       EventKind = "reset" // RetryOperation
	EventDiscarded   EventKind = "discarded"
)

// Event is delivered to listeners after a queue change is persisted.
type Event struct {
	Kind  EventKind
	Op    op.Operation   // The operation as stored (as it was, for removals)
	Queue []op.Operation // Full queue after the change, in creation order
}

// Listener receives events synchronously on the goroutine that made the
// change. It must not block or call back into the engine's mutating methods.
type Listener func(Event)

// Subscribe registers l and returns a function that unregisters it.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.listeners[id] = l

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *Engine) publish(kind EventKind, o op.Operation) {
	e.subMu.Lock()
	if len(e.listeners) == 0 {
		e.subMu.Unlock()
		return
	}
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	listeners := make([]Listener, 0, len(ids))
	// Registration order, so traces are deterministic.
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, e.listeners[id])
	}
	e.subMu.Unlock()

	ev := Event{Kind: kind, Op: o.Clone(), Queue: e.queue.All()}
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("listener panicked", "event", kind, "op", o.ID, "panic", r)
				}
			}()
			l(ev)
		}()
	}
}
