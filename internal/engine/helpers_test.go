package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// recordingApplier records every applied op id and returns the result of
// fn (nil when fn is nil).
type recordingApplier struct {
	mu      sync.Mutex
	applied []string
	fn      func(o op.Operation) error
}

func (a *recordingApplier) Apply(_ context.Context, o op.Operation) error {
	a.mu.Lock()
	a.applied = append(a.applied, o.ID)
	fn := a.fn
	a.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(o)
}

func (a *recordingApplier) Applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.applied...)
}

type testEngine struct {
	*Engine
	store   *store.Store
	clock   *testutil.ManualClock
	monitor *Monitor
	applier *recordingApplier
}

func newTestEngine(t *testing.T, online bool, opts ...Option) *testEngine {
	t.Helper()
	return newTestEngineOn(t, setupTestStore(t), online, opts...)
}

func newTestEngineOn(t *testing.T, s *store.Store, online bool, opts ...Option) *testEngine {
	t.Helper()
	clock := testutil.NewManualClock()
	monitor := NewMonitor(MonitorOptions{Initial: online, Now: clock})
	applier := &recordingApplier{}

	all := append([]Option{
		WithTimeSource(clock),
		WithIDGenerator(testutil.NewSequentialIDs("op")),
	}, opts...)
	e, err := New(context.Background(), s, applier, monitor, all...)
	require.NoError(t, err)

	return &testEngine{Engine: e, store: s, clock: clock, monitor: monitor, applier: applier}
}

func update(collection, id string, fields map[string]any) op.UpdateEntity {
	return op.UpdateEntity{Collection: collection, EntityID: id, Fields: fields}
}

func queueIDs(ops []op.Operation) []string {
	ids := make([]string, 0, len(ops))
	for _, o := range ops {
		ids = append(ids, o.ID)
	}
	return ids
}
