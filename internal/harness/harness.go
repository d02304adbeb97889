package harness

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// Harness runs one scenario against a real engine, a reference remote and
// a manual clock.
type Harness struct {
	store   *store.Store
	remote  *remote.Local
	faults  *faultSet
	engine  *engine.Engine
	monitor *engine.Monitor
	clock   *testutil.ManualClock
	opts    []engine.Option
	result  *Result

	unsubscribe func()
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in fresh databases under a temporary directory, with
// sequential operation ids and a manual clock starting at testutil.Epoch,
// so the same scenario always produces the same trace.
//
// Execution flow:
// 1. Create the local store and the reference remote
// 2. Seed remote documents and install faults
// 3. Execute steps, recording engine events as the trace
// 4. Evaluate assertions against the final state
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "fieldsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "local.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	defer st.Close()

	remoteDB, err := store.Open(filepath.Join(dir, "remote.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}
	defer remoteDB.Close()

	clock := testutil.NewManualClock()
	h := &Harness{
		store:  st,
		faults: newFaultSet(scenario.Faults),
		clock:  clock,
		result: NewResult(),
	}
	h.remote = remote.NewLocal(remoteDB, remote.Options{
		BlobDir: filepath.Join(dir, "blobs"),
		Now:     clock.Now,
	})
	h.remote.SetFault(func(c remote.Call) error {
		return h.faults.check(c, false)
	})
	h.monitor = engine.NewMonitor(engine.MonitorOptions{
		Initial: scenario.Online,
		Now:     clock,
	})

	h.opts = []engine.Option{
		engine.WithTimeSource(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("op")),
	}
	if scenario.Backoff != nil {
		b, err := scenario.Backoff.backoff()
		if err != nil {
			return nil, err
		}
		h.opts = append(h.opts, engine.WithBackoff(b))
	}

	for _, doc := range scenario.Seed {
		if _, err := h.remote.Seed(ctx, doc.Collection, doc.ID, doc.Data); err != nil {
			return nil, fmt.Errorf("failed to seed %s/%s: %w", doc.Collection, doc.ID, err)
		}
	}

	if err := h.start(ctx); err != nil {
		return nil, err
	}
	defer func() { h.unsubscribe() }()

	for i, step := range scenario.Steps {
		if err := h.execute(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	h.result.Queue = h.engine.QueueSnapshot()

	actx := &AssertionContext{
		Ctx:    ctx,
		Engine: h.engine,
		Remote: h.remote,
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// start builds an engine over the local store and subscribes the trace.
func (h *Harness) start(ctx context.Context) error {
	rs := faultingRemote{Local: h.remote, faults: h.faults}
	eng, err := engine.NewWithRemote(ctx, h.store, rs, h.remote, h.monitor, h.opts...)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	h.engine = eng
	h.unsubscribe = eng.Subscribe(func(ev engine.Event) {
		h.result.addOperation(h.offset(), string(ev.Kind), ev.Op)
	})
	return nil
}

func (h *Harness) offset() time.Duration {
	return h.clock.Now().Sub(testutil.Epoch)
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	switch {
	case step.Update != nil:
		u := step.Update
		_, err := h.engine.EnqueueEntityUpdate(ctx, op.UpdateEntity{
			Collection: u.Collection,
			EntityID:   u.ID,
			Fields:     u.Fields,
			IfVersion:  u.IfVersion,
		})
		return h.rejected(op.TypeUpdateEntity, err)

	case step.Blob != nil:
		b := step.Blob
		data, err := blobData(b.Data)
		if err != nil {
			return err
		}
		_, err = h.engine.EnqueueBlobUpload(ctx, op.UploadBlob{
			Collection:  b.Collection,
			EntityID:    b.ID,
			Field:       b.Field,
			Filename:    b.Filename,
			ContentType: b.ContentType,
			Data:        data,
			Kind:        b.Kind,
		})
		return h.rejected(op.TypeUploadBlob, err)

	case step.Aggregate != nil:
		p, err := step.Aggregate.payload()
		if err != nil {
			return err
		}
		_, err = h.engine.EnqueueAggregateCreation(ctx, p)
		return h.rejected(op.TypeCreateAggregate, err)

	case step.Online != nil:
		if !h.monitor.Report(*step.Online) {
			return nil
		}
		if *step.Online {
			h.result.addNote(h.offset(), TraceOnline, "")
			h.cycle(ctx)
		} else {
			h.result.addNote(h.offset(), TraceOffline, "")
		}
		return nil

	case step.Advance != "":
		d, err := parseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		return nil

	case step.Cycle:
		h.cycle(ctx)
		return nil

	case step.Retry != "":
		_, err := h.engine.RetryOperation(ctx, step.Retry)
		return h.refused("retry "+step.Retry, err)

	case step.Discard != "":
		_, err := h.engine.DiscardOperation(ctx, step.Discard)
		return h.refused("discard "+step.Discard, err)

	case step.Restart:
		h.unsubscribe()
		if err := h.start(ctx); err != nil {
			return err
		}
		h.result.addNote(h.offset(), TraceRestart, fmt.Sprintf("pending=%d", h.engine.Status().Pending))
		return nil

	case step.HealRemote:
		h.faults.clear()
		h.result.addNote(h.offset(), TraceHealed, "")
		return nil
	}
	return errors.New("empty step")
}

func (h *Harness) cycle(ctx context.Context) {
	r := h.engine.RunCycle(ctx)
	if r.Skipped != engine.SkipNone {
		h.result.addNote(h.offset(), TraceCycle, "skipped="+string(r.Skipped))
		return
	}
	h.result.addNote(h.offset(), TraceCycle, fmt.Sprintf(
		"due=%d succeeded=%d retrying=%d failed=%d conflicted=%d held=%d",
		r.Due, r.Succeeded, r.Retrying, r.Failed, r.Conflicted, r.Held))
}

// rejected records an enqueue the engine refused. Refusals are part of
// the trace, not harness failures.
func (h *Harness) rejected(t op.Type, err error) error {
	if err == nil {
		return nil
	}
	if !engine.IsInvalidPayload(err) {
		return err
	}
	h.result.Trace = append(h.result.Trace, TraceEvent{
		At:     h.offset(),
		Kind:   TraceRejected,
		Detail: string(t),
		Error:  err.Error(),
	})
	return nil
}

// refused records a retry or discard the engine refused.
func (h *Harness) refused(what string, err error) error {
	if err == nil {
		return nil
	}
	var se *engine.SyncError
	if !errors.As(err, &se) {
		return err
	}
	h.result.Trace = append(h.result.Trace, TraceEvent{
		At:     h.offset(),
		Kind:   TraceRejected,
		Detail: what,
		Error:  string(se.Code),
	})
	return nil
}

func (b BackoffSpec) backoff() (engine.Backoff, error) {
	base, err := parseDuration(b.Base)
	if err != nil {
		return engine.Backoff{}, fmt.Errorf("backoff.base: %w", err)
	}
	ceiling, err := parseDuration(b.Ceiling)
	if err != nil {
		return engine.Backoff{}, fmt.Errorf("backoff.ceiling: %w", err)
	}
	return engine.Backoff{Base: base, Ceiling: ceiling, MaxRetries: b.MaxRetries}, nil
}

func (a AggregateStep) payload() (op.CreateAggregate, error) {
	p := op.CreateAggregate{Collection: a.Collection, Data: a.Data}
	if a.Parent != "" {
		coll, id, ok := strings.Cut(a.Parent, "/")
		if !ok || coll == "" || id == "" {
			return op.CreateAggregate{}, fmt.Errorf("aggregate parent %q: want collection/id", a.Parent)
		}
		p.Parent = &op.EntityRef{Collection: coll, ID: id}
	}
	for _, c := range a.Children {
		p.Children = append(p.Children, op.ChildWrite{
			Collection:  c.Collection,
			Data:        c.Data,
			ParentField: c.ParentField,
		})
	}
	return p, nil
}

// blobData decodes "base64:" prefixed data and passes anything else
// through as text.
func blobData(s string) ([]byte, error) {
	if enc, ok := strings.CutPrefix(s, "base64:"); ok {
		data, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("blob data: %w", err)
		}
		return data, nil
	}
	return []byte(s), nil
}

// faultSet holds the scenario's injected failures and how many times each
// may still fire.
type faultSet struct {
	mu     sync.Mutex
	faults []activeFault
}

type activeFault struct {
	spec FaultSpec
	left int // -1 is unlimited
}

func newFaultSet(specs []FaultSpec) *faultSet {
	fs := &faultSet{}
	for _, s := range specs {
		left := s.Times
		if left == 0 {
			left = -1
		}
		fs.faults = append(fs.faults, activeFault{spec: s, left: left})
	}
	return fs
}

// check returns the error of the first matching fault with budget left.
// after selects faults that fire once the call has been performed.
func (fs *faultSet) check(c remote.Call, after bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for i := range fs.faults {
		f := &fs.faults[i]
		if f.left == 0 || f.spec.AfterApply != after || !f.matches(c) {
			continue
		}
		if f.left > 0 {
			f.left--
		}
		return faultError(f.spec.Error)
	}
	return nil
}

func (fs *faultSet) clear() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.faults = nil
}

func (f activeFault) matches(c remote.Call) bool {
	if f.spec.Method != c.Method {
		return false
	}
	if f.spec.Collection != "" && f.spec.Collection != c.Collection {
		return false
	}
	return f.spec.ID == "" || f.spec.ID == c.ID
}

func faultError(kind string) error {
	switch kind {
	case FaultConflict:
		return remote.ErrVersionConflict
	case FaultFatal:
		return remote.ErrFatal
	case FaultNotFound:
		return remote.ErrNotFound
	default:
		return remote.ErrTransient
	}
}

// faultingRemote performs document writes and then consults after-apply
// faults, so the remote keeps the write but the engine sees a failure.
type faultingRemote struct {
	*remote.Local
	faults *faultSet
}

func (r faultingRemote) UpdateDocument(ctx context.Context, collection, id string, patch remote.Patch) error {
	if err := r.Local.UpdateDocument(ctx, collection, id, patch); err != nil {
		return err
	}
	return r.faults.check(remote.Call{Method: "UpdateDocument", Collection: collection, ID: id}, true)
}

func (r faultingRemote) CreateDocument(ctx context.Context, collection, key string, data map[string]any) (string, error) {
	id, err := r.Local.CreateDocument(ctx, collection, key, data)
	if err != nil {
		return "", err
	}
	if err := r.faults.check(remote.Call{Method: "CreateDocument", Collection: collection, ID: key}, true); err != nil {
		return "", err
	}
	return id, nil
}
