package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/remote"
)

// RemoteStore is the authoritative document store.
//
// UpdateDocument returns nil, or an error wrapping remote.ErrVersionConflict,
// remote.ErrNotFound or remote.ErrTransient. CreateDocument must return the
// id created by an earlier call with the same idempotency key instead of
// creating a second document.
type RemoteStore interface {
	UpdateDocument(ctx context.Context, collection, id string, patch remote.Patch) error
	CreateDocument(ctx context.Context, collection, idempotencyKey string, data map[string]any) (string, error)
}

// DocumentReader is implemented by remote stores that can return the
// current document. RemoteApplier uses it to refresh the merge base before
// writing blob references.
type DocumentReader interface {
	Document(ctx context.Context, collection, id string) (remote.Document, bool, error)
}

// BlobStore stores uploaded bytes.
type BlobStore interface {
	PutBlob(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Locator(ctx context.Context, path string) (string, error)
}

// Applier applies one operation to the remote. The returned error is
// passed to Classify.
//
// Implementations must be idempotent: an operation whose success was not
// recorded locally is applied again.
type Applier interface {
	Apply(ctx context.Context, o op.Operation) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, o op.Operation) error

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, o op.Operation) error {
	return f(ctx, o)
}

// RemoteApplier applies operations against a RemoteStore and BlobStore.
type RemoteApplier struct {
	remote    RemoteStore
	blobs     BlobStore
	snapshots *Snapshots
}

// NewRemoteApplier creates the production applier. blobs may be nil if no
// UploadBlob operations are expected; such operations then fail fatally.
func NewRemoteApplier(rs RemoteStore, blobs BlobStore, snapshots *Snapshots) *RemoteApplier {
	return &RemoteApplier{remote: rs, blobs: blobs, snapshots: snapshots}
}

// Apply dispatches on the payload type.
func (a *RemoteApplier) Apply(ctx context.Context, o op.Operation) error {
	switch p := o.Payload.(type) {
	case op.UpdateEntity:
		return a.applyUpdate(ctx, o.ID, p)
	case op.UploadBlob:
		return a.applyBlob(ctx, o.ID, p)
	case op.CreateAggregate:
		return a.applyAggregate(ctx, o.ID, p)
	default:
		return &SyncError{Code: ErrCodeFatal, Message: fmt.Sprintf("no applier for payload %T", o.Payload), OpID: o.ID}
	}
}

func (a *RemoteApplier) applyUpdate(ctx context.Context, opID string, p op.UpdateEntity) error {
	err := a.remote.UpdateDocument(ctx, p.Collection, p.EntityID, remote.Patch{
		Set:       p.Fields,
		IfVersion: p.IfVersion,
		OpID:      opID,
	})
	if err != nil {
		a.forgetMissing(ctx, p.Collection, p.EntityID, err)
		return fmt.Errorf("update %s: %w", p.Entity(), err)
	}
	return nil
}

// applyBlob uploads to a path derived from the operation id, so a repeat
// overwrites the same object, then appends the reference to the cached
// snapshot and writes the merged list to the remote document.
//
// The list is written whole, so the snapshot must hold every reference the
// remote already has. When the remote can be read, its references are
// merged into the snapshot first; otherwise a missing snapshot fails the
// operation instead of replacing the remote list with a single entry.
func (a *RemoteApplier) applyBlob(ctx context.Context, opID string, p op.UploadBlob) error {
	if a.blobs == nil {
		return &SyncError{Code: ErrCodeFatal, Message: "no blob store configured", OpID: opID}
	}
	if err := a.refreshMergeBase(ctx, opID, p); err != nil {
		return err
	}

	path := op.BlobPath(p, opID)
	locator, err := a.blobs.PutBlob(ctx, path, p.Data, p.ContentType)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	url, err := a.blobs.Locator(ctx, locator)
	if err != nil {
		return fmt.Errorf("locate %s: %w", locator, err)
	}

	ref := op.BlobRef{
		ID:          opID,
		URL:         url,
		Path:        locator,
		Type:        p.Kind,
		ContentType: p.ContentType,
		Description: p.Description,
		CapturedAt:  p.CapturedAt,
		Location:    p.Location,
	}

	var refs []op.BlobRef
	_, err = a.snapshots.Update(ctx, p.Collection, p.EntityID, func(s *op.EntitySnapshot) error {
		refs, _ = s.AppendBlobRef(p.Field, ref)
		return nil
	})
	if err != nil {
		// Local write failed; the upload is repeated on retry.
		return &SyncError{Code: ErrCodeTransient, Message: "merge blob reference", OpID: opID, Err: err}
	}

	err = a.remote.UpdateDocument(ctx, p.Collection, p.EntityID, remote.Patch{
		Set:  map[string]any{p.Field: refs},
		OpID: opID,
	})
	if err != nil {
		a.forgetMissing(ctx, p.Collection, p.EntityID, err)
		return fmt.Errorf("attach %s to %s: %w", path, p.Entity(), err)
	}

	slog.Debug("blob attached", "op", opID, "entity", p.Entity(), "field", p.Field, "refs", len(refs))
	return nil
}

// refreshMergeBase brings the remote's references under p.Field into the
// cached snapshot. An uncached entity is cached from the remote document.
func (a *RemoteApplier) refreshMergeBase(ctx context.Context, opID string, p op.UploadBlob) error {
	_, cached, err := a.snapshots.Get(ctx, p.Collection, p.EntityID)
	if err != nil {
		return &SyncError{Code: ErrCodeTransient, Message: "read snapshot", OpID: opID, Err: err}
	}

	reader, ok := a.remote.(DocumentReader)
	if !ok {
		if !cached {
			return &SyncError{
				Code:    ErrCodeFatal,
				Message: fmt.Sprintf("no snapshot of %s to merge %s into", p.Entity(), p.Field),
				OpID:    opID,
			}
		}
		return nil
	}

	doc, found, err := reader.Document(ctx, p.Collection, p.EntityID)
	if err != nil {
		return fmt.Errorf("read %s: %w", p.Entity(), err)
	}
	if !found {
		// Nothing to preserve; UpdateDocument decides whether the entity
		// may be created.
		return nil
	}

	if !cached {
		if _, err := a.snapshots.Put(ctx, p.Collection, p.EntityID, doc.Data); err != nil {
			return &SyncError{Code: ErrCodeTransient, Message: "cache snapshot", OpID: opID, Err: err}
		}
		return nil
	}

	remoteRefs := op.EntitySnapshot{Data: doc.Data}.BlobRefs(p.Field)
	if len(remoteRefs) == 0 {
		return nil
	}
	_, err = a.snapshots.Update(ctx, p.Collection, p.EntityID, func(s *op.EntitySnapshot) error {
		for _, r := range remoteRefs {
			s.AppendBlobRef(p.Field, r)
		}
		return nil
	})
	if err != nil {
		return &SyncError{Code: ErrCodeTransient, Message: "merge remote references", OpID: opID, Err: err}
	}
	return nil
}

// forgetMissing drops the cached snapshot of an entity the remote reports
// as not found.
func (a *RemoteApplier) forgetMissing(ctx context.Context, collection, id string, err error) {
	if !errors.Is(err, remote.ErrNotFound) {
		return
	}
	if derr := a.snapshots.Delete(ctx, collection, id); derr != nil {
		slog.Warn("failed to drop snapshot", "entity", op.EntityKey(collection, id), "error", derr)
	}
}

// applyAggregate creates the root then each child. Every create is keyed by
// an id derived from the operation id, so a partially or fully applied
// aggregate converges to exactly one root and one of each child on retry.
func (a *RemoteApplier) applyAggregate(ctx context.Context, opID string, p op.CreateAggregate) error {
	rootKey := p.RootKey
	if rootKey == "" {
		rootKey = op.MustAggregateKey(opID, "root", 0)
	}

	data := copyFields(p.Data)
	if p.Parent != nil {
		data["parent"] = op.EntityKey(p.Parent.Collection, p.Parent.ID)
	}
	rootID, err := a.remote.CreateDocument(ctx, p.Collection, rootKey, data)
	if err != nil {
		return fmt.Errorf("create %s root: %w", p.Collection, err)
	}

	for i, child := range p.Children {
		childData := copyFields(child.Data)
		childData[child.ParentFieldOrDefault()] = rootID
		key := op.MustAggregateKey(opID, "child", i)
		if _, err := a.remote.CreateDocument(ctx, child.Collection, key, childData); err != nil {
			return fmt.Errorf("create %s child %d: %w", child.Collection, i, err)
		}
	}

	slog.Debug("aggregate created", "op", opID, "collection", p.Collection, "root", rootID, "children", len(p.Children))
	return nil
}

func copyFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
