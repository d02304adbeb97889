package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/remote"
)

func TestEngine_EnqueuedOpsSurviveRestartAsPending(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, false)

	_, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"status": "done"}))
	require.NoError(t, err)
	_, err = te.EnqueueBlobUpload(ctx, op.UploadBlob{
		Collection: "tasks", EntityID: "t1", Field: "photos", Filename: "a.jpg", Data: []byte("x"),
	})
	require.NoError(t, err)
	_, err = te.EnqueueAggregateCreation(ctx, op.CreateAggregate{Collection: "purchases", Data: map[string]any{"total": 3}})
	require.NoError(t, err)

	restarted := newTestEngineOn(t, te.store, false)
	snapshot := restarted.QueueSnapshot()
	require.Len(t, snapshot, 3)
	for _, o := range snapshot {
		assert.Equal(t, op.StatusPending, o.Status, o.ID)
		assert.Equal(t, 0, o.Retries)
	}
	assert.Equal(t, []op.Type{op.TypeUpdateEntity, op.TypeUploadBlob, op.TypeCreateAggregate},
		[]op.Type{snapshot[0].Type, snapshot[1].Type, snapshot[2].Type})
}

func TestEngine_EnqueueUpdatesSnapshotOptimistically(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, false)

	_, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"status": "in_progress"}))
	require.NoError(t, err)
	_, err = te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"notes": "pump replaced"}))
	require.NoError(t, err)

	snap, found, err := te.Snapshots().Get(ctx, "tasks", "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, "in_progress", snap.Data["status"])
	assert.Equal(t, "pump replaced", snap.Data["notes"])

	o, err := te.EnqueueAggregateCreation(ctx, op.CreateAggregate{Collection: "purchases", Data: map[string]any{"total": 3}})
	require.NoError(t, err)
	root := o.Payload.(op.CreateAggregate).RootKey
	_, found, err = te.Snapshots().Get(ctx, "purchases", root)
	require.NoError(t, err)
	assert.True(t, found, "aggregate root is readable offline")
}

func TestEngine_CycleIsNoopWhileOffline(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, false)
	_, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"a": 1}))
	require.NoError(t, err)

	report := te.RunCycle(ctx)

	assert.Equal(t, SkipOffline, report.Skipped)
	assert.Empty(t, te.applier.Applied())
	assert.Len(t, te.QueueSnapshot(), 1)
	assert.True(t, IsOffline(te.SyncNow()))
}

func TestEngine_SuccessRemovesOperation(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true)
	o, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"a": 1}))
	require.NoError(t, err)

	report := te.RunCycle(ctx)

	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, te.QueueSnapshot())
	_, found, err := te.store.Get(ctx, opKey(o.ID))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_BackoffSpacing(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true, WithBackoff(Backoff{Base: time.Second, Ceiling: 30 * time.Second, MaxRetries: 10}))
	te.applier.fn = func(op.Operation) error { return remote.ErrTransient }

	o, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"a": 1}))
	require.NoError(t, err)

	te.RunCycle(ctx) // First attempt, immediately due
	require.Len(t, te.applier.Applied(), 1)

	for n := 1; n <= 7; n++ {
		window := time.Duration(1<<n) * time.Second
		if window > 30*time.Second {
			window = 30 * time.Second
		}

		te.clock.Advance(window - time.Millisecond)
		te.RunCycle(ctx)
		require.Len(t, te.applier.Applied(), n, "retry %d attempted before %s", n, window)

		te.clock.Advance(time.Millisecond)
		te.RunCycle(ctx)
		require.Len(t, te.applier.Applied(), n+1, "retry %d not attempted at %s", n, window)
	}

	cur, ok := te.Operation(o.ID)
	require.True(t, ok)
	assert.Equal(t, op.StatusRetrying, cur.Status)
	assert.Equal(t, 8, cur.Retries)
}

func TestEngine_FiveFailuresReachFailedAndStop(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true)
	te.applier.fn = func(op.Operation) error { return fmt.Errorf("server 503: %w", remote.ErrTransient) }

	o, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"a": 1}))
	require.NoError(t, err)

	var events []EventKind
	te.Subscribe(func(ev Event) { events = append(events, ev.Kind) })

	for i := 0; i < 10; i++ {
		te.RunCycle(ctx)
		te.clock.Advance(time.Minute)
	}

	assert.Len(t, te.applier.Applied(), 5, "never auto-retried after FAILED")
	cur, ok := te.Operation(o.ID)
	require.True(t, ok)
	assert.Equal(t, op.StatusFailed, cur.Status)
	assert.Equal(t, 5, cur.Retries)
	assert.True(t, strings.HasPrefix(cur.Error, ExhaustedPrefix), cur.Error)
	assert.True(t, IsRetryExhausted(OperationError(cur)))
	assert.Equal(t, []EventKind{EventRescheduled, EventRescheduled, EventRescheduled, EventRescheduled, EventFailed}, events)

	history, err := te.History(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)
	for i, a := range history {
		assert.Equal(t, i+1, a.Number)
		assert.Equal(t, op.OutcomeRetryable, a.Outcome)
	}

	st := te.Status()
	assert.Equal(t, 1, st.Pending)
	require.Len(t, st.Attention, 1)
	assert.Equal(t, o.ID, st.Attention[0].ID)
}

func TestEngine_ConflictAfterOneAttempt(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true)
	te.applier.fn = func(op.Operation) error { return fmt.Errorf("update tasks/t1: %w", remote.ErrVersionConflict) }

	o, err := te.EnqueueEntityUpdate(ctx, op.UpdateEntity{Collection: "tasks", EntityID: "t1", Fields: map[string]any{"a": 1}, IfVersion: 3})
	require.NoError(t, err)

	report := te.RunCycle(ctx)
	assert.Equal(t, 1, report.Conflicted)

	for i := 0; i < 5; i++ {
		te.clock.Advance(time.Minute)
		te.RunCycle(ctx)
	}

	assert.Len(t, te.applier.Applied(), 1)
	cur, _ := te.Operation(o.ID)
	assert.Equal(t, op.StatusConflict, cur.Status)
	assert.Equal(t, 0, cur.Retries, "conflict bypasses the retry budget")
	assert.Contains(t, cur.Error, "version conflict")
	assert.True(t, IsConflict(OperationError(cur)))
}

func TestEngine_FatalFailsImmediately(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true)
	te.applier.fn = func(op.Operation) error { return fmt.Errorf("permission denied: %w", remote.ErrFatal) }

	o, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"a": 1}))
	require.NoError(t, err)
	te.RunCycle(ctx)

	cur, _ := te.Operation(o.ID)
	assert.Equal(t, op.StatusFailed, cur.Status)
	assert.True(t, strings.HasPrefix(cur.Error, FatalPrefix), cur.Error)
	assert.True(t, IsFatal(OperationError(cur)))
}

func TestEngine_RetryOperationResets(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true)
	fail := true
	te.applier.fn = func(op.Operation) error {
		if fail {
			return remote.ErrVersionConflict
		}
		return nil
	}

	o, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"a": 1}))
	require.NoError(t, err)
	te.RunCycle(ctx)

	reset, err := te.RetryOperation(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, op.StatusPending, reset.Status)
	assert.Equal(t, 0, reset.Retries)
	assert.Nil(t, reset.LastAttemptAt)
	assert.Empty(t, reset.Error)

	// Immediately due, no clock movement.
	assert.Equal(t, []string{o.ID}, queueIDs(te.queue.ListDue(te.clock.Now())))

	fail = false
	te.RunCycle(ctx)
	assert.Empty(t, te.QueueSnapshot())
}

func TestEngine_DiscardRemoves(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, false)
	o, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"a": 1}))
	require.NoError(t, err)

	_, err = te.DiscardOperation(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, te.QueueSnapshot())

	_, err = te.DiscardOperation(ctx, o.ID)
	assert.True(t, IsNotFound(err))
	_, err = te.RetryOperation(ctx, o.ID)
	assert.True(t, IsNotFound(err))
}

func TestEngine_DiscardInFlightIsInvalidState(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true)

	var discardErr, retryErr error
	te.applier.fn = func(o op.Operation) error {
		_, discardErr = te.DiscardOperation(ctx, o.ID)
		_, retryErr = te.RetryOperation(ctx, o.ID)
		return nil
	}

	_, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"a": 1}))
	require.NoError(t, err)
	te.RunCycle(ctx)

	assert.True(t, IsInvalidState(discardErr), "%v", discardErr)
	assert.True(t, IsInvalidState(retryErr), "%v", retryErr)
	assert.Empty(t, te.QueueSnapshot(), "the apply completed normally")
}

func TestEngine_SameEntityHeldAfterFailure(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true)

	a, err := te.EnqueueEntityUpdate(ctx, update("tasks", "x", map[string]any{"step": 1}))
	require.NoError(t, err)
	b, err := te.EnqueueEntityUpdate(ctx, update("tasks", "x", map[string]any{"step": 2}))
	require.NoError(t, err)
	c, err := te.EnqueueEntityUpdate(ctx, update("tasks", "y", map[string]any{"step": 1}))
	require.NoError(t, err)

	aFails := 1
	te.applier.fn = func(o op.Operation) error {
		if o.ID == a.ID && aFails > 0 {
			aFails--
			return remote.ErrTransient
		}
		return nil
	}

	report := te.RunCycle(ctx)
	assert.Equal(t, 1, report.Held)
	assert.Equal(t, []string{a.ID, c.ID}, te.applier.Applied(), "B never applied while A is retrying")

	// Still inside A's window: B stays held.
	te.clock.Advance(500 * time.Millisecond)
	te.RunCycle(ctx)
	assert.Equal(t, []string{a.ID, c.ID}, te.applier.Applied())

	te.clock.Advance(500 * time.Millisecond)
	te.RunCycle(ctx)
	assert.Equal(t, []string{a.ID, c.ID, a.ID, b.ID}, te.applier.Applied())
	assert.Empty(t, te.QueueSnapshot())
}

func TestEngine_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true)

	first, err := te.EnqueueEntityUpdate(ctx, update("tasks", "1", map[string]any{"a": 1}))
	require.NoError(t, err)
	_, err = te.EnqueueEntityUpdate(ctx, update("tasks", "2", map[string]any{"a": 1}))
	require.NoError(t, err)

	te.applier.fn = func(o op.Operation) error {
		if o.ID == first.ID {
			return fmt.Errorf("validation: %w", remote.ErrFatal)
		}
		return nil
	}
	report := te.RunCycle(ctx)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, []string{first.ID}, queueIDs(te.QueueSnapshot()))
}

func TestEngine_SingleFlight(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t, true)

	entered := make(chan struct{})
	release := make(chan struct{})
	te.applier.fn = func(op.Operation) error {
		close(entered)
		<-release
		return nil
	}
	_, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"a": 1}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		te.RunCycle(ctx)
	}()

	<-entered
	assert.True(t, te.Status().Syncing)
	assert.Equal(t, SkipBusy, te.RunCycle(ctx).Skipped)
	close(release)
	wg.Wait()

	assert.Len(t, te.applier.Applied(), 1)
	assert.False(t, te.Status().Syncing)
}

func TestEngine_OfflineToOnlineRunsCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	te := newTestEngine(t, false)

	done := make(chan EventKind, 4)
	te.Subscribe(func(ev Event) {
		if ev.Kind == EventSucceeded {
			done <- ev.Kind
		}
	})

	_, err := te.EnqueueEntityUpdate(ctx, update("tasks", "t1", map[string]any{"status": "done"}))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- te.Run(ctx) }()

	// Let Run subscribe before the transition.
	require.Eventually(t, func() bool {
		te.monitor.mu.Lock()
		defer te.monitor.mu.Unlock()
		return len(te.monitor.subs) == 1
	}, time.Second, time.Millisecond)

	assert.True(t, te.monitor.Report(true))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cycle did not run after going online")
	}
	assert.Empty(t, te.QueueSnapshot())

	cancel()
	assert.ErrorIs(t, <-runErr, context.Canceled)
}

func TestEngine_ThreeOpsWithFlakyFirst(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	rs := remote.NewLocal(s, remote.Options{})
	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := rs.Seed(ctx, "tasks", id, map[string]any{"status": "open"})
		require.NoError(t, err)
	}

	te := newTestEngineOn(t, s, false)
	applier := NewRemoteApplier(rs, nil, te.Snapshots())

	firstFails := 2
	te.Engine.applier = ApplierFunc(func(ctx context.Context, o op.Operation) error {
		if o.Entity() == "tasks/t1" && firstFails > 0 {
			firstFails--
			return remote.ErrTransient
		}
		return applier.Apply(ctx, o)
	})

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := te.EnqueueEntityUpdate(ctx, update("tasks", id, map[string]any{"status": "done"}))
		require.NoError(t, err)
	}

	te.monitor.Report(true)
	r1 := te.RunCycle(ctx)
	assert.Equal(t, 2, r1.Succeeded)
	assert.Equal(t, 1, r1.Retrying)

	te.clock.Advance(te.Backoff().Delay(1))
	r2 := te.RunCycle(ctx)
	assert.Equal(t, 1, r2.Retrying)

	te.clock.Advance(te.Backoff().Delay(2))
	r3 := te.RunCycle(ctx)
	assert.Equal(t, 1, r3.Succeeded)

	assert.Empty(t, te.QueueSnapshot())
	for _, id := range []string{"t1", "t2", "t3"} {
		doc, found, err := rs.Document(ctx, "tasks", id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "done", doc.Data["status"], id)
	}
}
