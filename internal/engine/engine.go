package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/store"
)

// Engine is the sync orchestrator.
//
// It owns the queue, decides when a cycle runs and records every outcome.
// Exactly one cycle runs at a time: RunCycle is guarded by an atomic flag,
// and the triggers handled by Run (connectivity, SyncNow, retry ticker)
// coalesce through a size-1 channel.
//
// Thread-safety model:
//   - Enqueue*, RetryOperation, DiscardOperation, Status, QueueSnapshot,
//     Subscribe, SyncNow: safe from any goroutine
//   - RunCycle: safe from any goroutine; overlapping calls return a
//     skipped report
//   - Run: must be called from exactly one goroutine
type Engine struct {
	store     *store.Store
	queue     *Queue
	snapshots *Snapshots
	applier   Applier
	monitor   *Monitor
	now       TimeSource
	backoff   Backoff

	retryInterval time.Duration

	running atomic.Bool
	trigger chan struct{} // Size 1; pending trigger coalesces later ones

	// inflightMu orders the applying cycle against Retry/Discard.
	inflightMu sync.Mutex
	inflight   string

	subMu     sync.Mutex
	listeners map[int]Listener
	nextSub   int
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	backoff       Backoff
	now           TimeSource
	ids           IDGenerator
	retryInterval time.Duration
}

// WithBackoff overrides DefaultBackoff.
func WithBackoff(b Backoff) Option {
	return func(o *options) { o.backoff = b }
}

// WithTimeSource overrides SystemTime. Tests pass testutil.ManualClock.
func WithTimeSource(ts TimeSource) Option {
	return func(o *options) { o.now = ts }
}

// WithIDGenerator overrides UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithRetryInterval makes Run trigger a cycle on this interval so backoff
// windows that elapse while online are picked up. Zero disables the ticker.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryInterval = d }
}

// New rehydrates the queue from s and returns an engine ready to run.
//
// Tests pass a stub applier; production code uses NewWithRemote.
func New(ctx context.Context, s *store.Store, applier Applier, monitor *Monitor, opts ...Option) (*Engine, error) {
	o := options{
		backoff: DefaultBackoff(),
		now:     SystemTime{},
		ids:     UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	q, err := OpenQueue(ctx, s, o.ids, o.now, o.backoff)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:         s,
		queue:         q,
		snapshots:     NewSnapshots(s, o.now),
		applier:       applier,
		monitor:       monitor,
		now:           o.now,
		backoff:       o.backoff,
		retryInterval: o.retryInterval,
		trigger:       make(chan struct{}, 1),
		listeners:     make(map[int]Listener),
	}
	return e, nil
}

// NewWithRemote is New with a RemoteApplier over rs and blobs sharing the
// engine's snapshot cache.
func NewWithRemote(ctx context.Context, s *store.Store, rs RemoteStore, blobs BlobStore, monitor *Monitor, opts ...Option) (*Engine, error) {
	e, err := New(ctx, s, nil, monitor, opts...)
	if err != nil {
		return nil, err
	}
	e.applier = NewRemoteApplier(rs, blobs, e.snapshots)
	return e, nil
}

// Snapshots returns the local entity cache.
func (e *Engine) Snapshots() *Snapshots {
	return e.snapshots
}

// Monitor returns the connectivity monitor.
func (e *Engine) Monitor() *Monitor {
	return e.monitor
}

// Backoff returns the retry schedule in use.
func (e *Engine) Backoff() Backoff {
	return e.backoff
}

// EnqueueEntityUpdate queues a field update and overlays the fields onto
// the cached snapshot in the same transaction.
func (e *Engine) EnqueueEntityUpdate(ctx context.Context, p op.UpdateEntity) (op.Operation, error) {
	o, err := e.queue.Enqueue(ctx, p, mergeSnapshotHook(p.Collection, p.EntityID, p.Fields, e.now.Now()))
	return e.enqueued(o, err)
}

// EnqueueBlobUpload queues an upload. CapturedAt defaults to now.
func (e *Engine) EnqueueBlobUpload(ctx context.Context, p op.UploadBlob) (op.Operation, error) {
	if p.CapturedAt.IsZero() {
		p.CapturedAt = e.now.Now()
	}
	o, err := e.queue.Enqueue(ctx, p)
	return e.enqueued(o, err)
}

// EnqueueAggregateCreation queues an aggregate and caches the root under
// its derived key so it can be read before it reaches the remote.
func (e *Engine) EnqueueAggregateCreation(ctx context.Context, p op.CreateAggregate) (op.Operation, error) {
	at := e.now.Now()
	o, err := e.queue.Enqueue(ctx, p, func(tx *store.Tx, o op.Operation) error {
		agg := o.Payload.(op.CreateAggregate)
		return mergeSnapshotHook(agg.Collection, agg.RootKey, agg.Data, at)(tx, o)
	})
	return e.enqueued(o, err)
}

func (e *Engine) enqueued(o op.Operation, err error) (op.Operation, error) {
	if err != nil {
		slog.Warn("enqueue failed", "error", err)
		return op.Operation{}, err
	}
	slog.Debug("operation enqueued", "op", o.ID, "type", o.Type, "entity", o.Entity(), "seq", o.Seq)
	e.publish(EventEnqueued, o)
	return o, nil
}

// QueueSnapshot returns every queued operation in creation order.
func (e *Engine) QueueSnapshot() []op.Operation {
	return e.queue.All()
}

// Operation returns one queued operation.
func (e *Engine) Operation(id string) (op.Operation, bool) {
	return e.queue.Get(id)
}

// History returns the apply attempts recorded for a queued operation.
func (e *Engine) History(ctx context.Context, id string) ([]op.Attempt, error) {
	return e.queue.Attempts(ctx, id)
}

// Status is the state rendered by sync indicators.
type Status struct {
	Online    bool
	Syncing   bool
	Pending   int
	Attention []op.Operation // FAILED and CONFLICT operations
}

// Status returns the current sync state.
func (e *Engine) Status() Status {
	all := e.queue.All()
	st := Status{
		Online:  e.monitor.IsOnline(),
		Syncing: e.running.Load(),
		Pending: len(all),
	}
	for _, o := range all {
		if o.Status.NeedsAttention() {
			st.Attention = append(st.Attention, o)
		}
	}
	return st
}

// RetryOperation resets a queued operation to PENDING with no retries, so
// it is due immediately. It is the only way out of FAILED and CONFLICT.
func (e *Engine) RetryOperation(ctx context.Context, id string) (op.Operation, error) {
	e.inflightMu.Lock()
	if e.inflight == id {
		e.inflightMu.Unlock()
		return op.Operation{}, newInvalidStateError(id, "operation is being applied")
	}
	o, err := e.queue.Update(ctx, id, func(o *op.Operation) error {
		o.Status = op.StatusPending
		o.Retries = 0
		o.LastAttemptAt = nil
		o.Error = ""
		return nil
	})
	e.inflightMu.Unlock()
	if err != nil {
		return op.Operation{}, err
	}
	slog.Info("operation reset for retry", "op", id)
	e.publish(EventReset, o)
	return o, nil
}

// DiscardOperation removes a queued operation without applying it.
func (e *Engine) DiscardOperation(ctx context.Context, id string) (op.Operation, error) {
	e.inflightMu.Lock()
	if e.inflight == id {
		e.inflightMu.Unlock()
		return op.Operation{}, newInvalidStateError(id, "operation is being applied")
	}
	o, err := e.queue.Remove(ctx, id)
	e.inflightMu.Unlock()
	if err != nil {
		return op.Operation{}, err
	}
	slog.Info("operation discarded", "op", id, "status", o.Status)
	e.publish(EventDiscarded, o)
	return o, nil
}

// SyncNow asks Run to start a cycle. It does not wait for the cycle.
// Returns an OFFLINE error if the monitor reports offline.
func (e *Engine) SyncNow() error {
	if !e.monitor.IsOnline() {
		return &SyncError{Code: ErrCodeOffline, Message: "cannot sync while offline"}
	}
	e.signal()
	return nil
}

func (e *Engine) signal() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drives cycles until ctx is cancelled.
//
// A cycle starts on every transition to online, on SyncNow, on each retry
// tick, and once at startup if online, so operations rehydrated from the
// store are picked up.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "pending", e.queue.Len(), "online", e.monitor.IsOnline())

	transitions, cancel := e.monitor.Subscribe()
	defer cancel()

	var tick <-chan time.Time
	if e.retryInterval > 0 {
		ticker := time.NewTicker(e.retryInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if e.monitor.IsOnline() {
		e.signal()
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("engine stopping", "reason", ctx.Err())
			return ctx.Err()
		case t := <-transitions:
			if t.Online {
				e.RunCycle(ctx)
			}
		case <-e.trigger:
			e.RunCycle(ctx)
		case <-tick:
			if e.monitor.IsOnline() && len(e.queue.ListDue(e.now.Now())) > 0 {
				e.RunCycle(ctx)
			}
		}
	}
}
