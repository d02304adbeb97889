package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/store"
)

const (
	opKeyPrefix      = "op/"
	attemptKeyPrefix = "attempt/"
)

func opKey(id string) string {
	return opKeyPrefix + id
}

func attemptPrefix(id string) string {
	return attemptKeyPrefix + id + "/"
}

// TxHook runs inside the store transaction that persists an operation
// mutation. o is the operation as it will be stored (for removals, as it
// was). Returning an error aborts the whole mutation.
type TxHook func(tx *store.Tx, o op.Operation) error

// Queue is the durable sync queue.
//
// The store is the source of truth. The in-memory index is derived from it
// by OpenQueue and only updated after a successful write, so a failed
// write leaves memory and disk in agreement.
//
// Thread-safety: all methods are safe for concurrent use. The mutex is held
// across the SQLite write of a mutation and never across a network call.
type Queue struct {
	mu      sync.Mutex
	store   *store.Store
	ops     map[string]op.Operation
	clock   *Clock
	ids     IDGenerator
	now     TimeSource
	backoff Backoff
}

// OpenQueue rehydrates the queue from s. Records that cannot be decoded are
// logged and left in the store untouched.
func OpenQueue(ctx context.Context, s *store.Store, ids IDGenerator, now TimeSource, backoff Backoff) (*Queue, error) {
	recs, err := s.List(ctx, opKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("rehydrate queue: %w", err)
	}

	q := &Queue{
		store:   s,
		ops:     make(map[string]op.Operation, len(recs)),
		ids:     ids,
		now:     now,
		backoff: backoff,
	}

	var maxSeq int64
	for _, r := range recs {
		o, err := op.Decode(r.Value)
		if err != nil {
			slog.Warn("skipping unreadable operation record", "key", r.Key, "error", err)
			continue
		}
		if o.Seq > maxSeq {
			maxSeq = o.Seq
		}
		q.ops[o.ID] = o
	}
	q.clock = NewClockAt(maxSeq)

	if err := q.assignMissingSeqs(ctx); err != nil {
		return nil, fmt.Errorf("rehydrate queue: %w", err)
	}

	slog.Debug("queue rehydrated", "operations", len(q.ops), "max_seq", maxSeq)
	return q, nil
}

// assignMissingSeqs gives records written without seq the next seqs in
// creation-time order and persists them in one transaction, so the order
// survives the next restart. Called before the queue is shared.
func (q *Queue) assignMissingSeqs(ctx context.Context) error {
	var assigned []op.Operation
	for _, o := range q.sortedLocked() {
		if o.Seq == 0 {
			o.Seq = q.clock.Next()
			assigned = append(assigned, o)
		}
	}
	if len(assigned) == 0 {
		return nil
	}

	err := q.store.Update(ctx, func(tx *store.Tx) error {
		for _, o := range assigned {
			data, err := op.Encode(o)
			if err != nil {
				return err
			}
			if err := tx.Put(opKey(o.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, o := range assigned {
		q.ops[o.ID] = o
	}
	slog.Info("assigned seq to legacy operations", "count", len(assigned))
	return nil
}

// Enqueue validates payload, assigns id, seq and timestamps, and persists a
// PENDING operation. hooks run in the same transaction.
//
// On any error nothing is enqueued. Storage failures are *store.Error.
func (q *Queue) Enqueue(ctx context.Context, payload op.Payload, hooks ...TxHook) (op.Operation, error) {
	if payload == nil {
		return op.Operation{}, &SyncError{Code: ErrCodeInvalidPayload, Message: "nil payload"}
	}

	id := q.ids.Generate()
	if agg, ok := payload.(op.CreateAggregate); ok && agg.RootKey == "" {
		agg.RootKey = op.MustAggregateKey(id, "root", 0)
		payload = agg
	}
	if err := payload.Validate(); err != nil {
		return op.Operation{}, &SyncError{Code: ErrCodeInvalidPayload, Message: err.Error()}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	o := op.Operation{
		ID:        id,
		Seq:       q.clock.Next(),
		Type:      payload.Type(),
		Payload:   payload,
		Status:    op.StatusPending,
		CreatedAt: q.now.Now(),
	}
	if err := q.persistLocked(ctx, o, hooks); err != nil {
		return op.Operation{}, err
	}
	q.ops[o.ID] = o
	return o.Clone(), nil
}

// Update applies mutate to a copy of operation id and persists it. The
// mutation becomes visible only after the write commits.
func (q *Queue) Update(ctx context.Context, id string, mutate func(o *op.Operation) error, hooks ...TxHook) (op.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.ops[id]
	if !ok {
		return op.Operation{}, newNotFoundError(id)
	}
	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return op.Operation{}, err
	}
	// Identity and payload are immutable.
	next.ID, next.Seq, next.Type, next.Payload, next.CreatedAt = cur.ID, cur.Seq, cur.Type, cur.Payload, cur.CreatedAt

	if err := q.persistLocked(ctx, next, hooks); err != nil {
		return op.Operation{}, err
	}
	q.ops[id] = next
	return next.Clone(), nil
}

// Remove deletes operation id and its attempt history.
func (q *Queue) Remove(ctx context.Context, id string, hooks ...TxHook) (op.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.ops[id]
	if !ok {
		return op.Operation{}, newNotFoundError(id)
	}

	err := q.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.Delete(opKey(id)); err != nil {
			return err
		}
		attempts, err := tx.List(attemptPrefix(id))
		if err != nil {
			return err
		}
		for _, a := range attempts {
			if err := tx.Delete(a.Key); err != nil {
				return err
			}
		}
		return runHooks(tx, cur, hooks)
	})
	if err != nil {
		return op.Operation{}, err
	}
	delete(q.ops, id)
	return cur.Clone(), nil
}

// Get returns a copy of operation id.
func (q *Queue) Get(id string) (op.Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	o, ok := q.ops[id]
	if !ok {
		return op.Operation{}, false
	}
	return o.Clone(), true
}

// All returns every queued operation in Seq order.
func (q *Queue) All() []op.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked()
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// PendingCount returns how many operations have not reached the remote,
// including ones that need attention.
func (q *Queue) PendingCount() int {
	return q.Len()
}

// ListDue returns the operations eligible for a cycle at now, in Seq order.
//
// An operation is due when its status is PENDING or RETRYING and its
// backoff window has elapsed. An operation is never returned ahead of an
// earlier PENDING or RETRYING operation on the same entity that is not yet
// due; FAILED and CONFLICT operations do not hold back later work.
func (q *Queue) ListDue(now time.Time) []op.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	blocked := make(map[string]bool)
	var due []op.Operation
	for _, o := range q.sortedLocked() {
		if !o.Status.Schedulable() {
			continue
		}
		entity := o.Entity()
		if blocked[entity] {
			continue
		}
		if !q.backoff.Due(o, now) {
			blocked[entity] = true
			continue
		}
		due = append(due, o)
	}
	return due
}

// Attempts returns the recorded apply history of operation id, oldest first.
func (q *Queue) Attempts(ctx context.Context, id string) ([]op.Attempt, error) {
	recs, err := q.store.List(ctx, attemptPrefix(id))
	if err != nil {
		return nil, err
	}
	attempts := make([]op.Attempt, 0, len(recs))
	for _, r := range recs {
		var a op.Attempt
		if err := json.Unmarshal(r.Value, &a); err != nil {
			return nil, fmt.Errorf("decode attempt %s: %w", r.Key, err)
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

// recordAttempt returns a hook that appends a to the operation's history.
func recordAttempt(a op.Attempt) TxHook {
	return func(tx *store.Tx, o op.Operation) error {
		existing, err := tx.List(attemptPrefix(o.ID))
		if err != nil {
			return err
		}
		a.OpID = o.ID
		a.Number = len(existing) + 1
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("encode attempt: %w", err)
		}
		return tx.Put(fmt.Sprintf("%s%06d", attemptPrefix(o.ID), a.Number), data)
	}
}

func (q *Queue) persistLocked(ctx context.Context, o op.Operation, hooks []TxHook) error {
	data, err := op.Encode(o)
	if err != nil {
		return err
	}
	return q.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.Put(opKey(o.ID), data); err != nil {
			return err
		}
		return runHooks(tx, o, hooks)
	})
}

func runHooks(tx *store.Tx, o op.Operation, hooks []TxHook) error {
	for _, h := range hooks {
		if h == nil {
			continue
		}
		if err := h(tx, o); err != nil {
			return err
		}
	}
	return nil
}

// sortedLocked returns clones in (Seq, CreatedAt, ID) order. Seq 0 sorts
// last. Caller must hold q.mu.
func (q *Queue) sortedLocked() []op.Operation {
	out := make([]op.Operation, 0, len(q.ops))
	for _, o := range q.ops {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.Seq == 0) != (b.Seq == 0) {
			return b.Seq == 0
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return strings.Compare(a.ID, b.ID) < 0
	})
	return out
}
