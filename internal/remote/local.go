package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/fieldsync/internal/store"
)

// maxAppliedOps bounds the per-document OpID dedupe window.
const maxAppliedOps = 64

// Document is a stored remote document.
type Document struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Version    int64          `json:"version"`
	Data       map[string]any `json:"data"`
	UpdatedAt  time.Time      `json:"updated_at"`
	AppliedOps []string       `json:"applied_ops,omitempty"`
}

// Call describes one remote request, passed to a Fault hook.
type Call struct {
	Method     string // "UpdateDocument", "CreateDocument", "PutBlob", "Locator"
	Collection string // Empty for blob calls
	ID         string // Document id, idempotency key or blob path
}

// Fault is consulted before every call. A non-nil return is returned to
// the caller instead of performing the call.
type Fault func(c Call) error

// Options configures a Local store.
type Options struct {
	// BlobDir is where PutBlob writes objects. Required for blob calls.
	BlobDir string

	// CreateMissing makes UpdateDocument create absent documents instead of
	// returning ErrNotFound.
	CreateMissing bool

	// Now overrides the timestamp source. Defaults to time.Now.
	Now func() time.Time
}

// Local is an authoritative store kept in a SQLite database and a blob
// directory.
//
// Thread-safety: Local is safe for concurrent use. Writes are serialized
// through SQLite transactions.
type Local struct {
	db   *store.Store
	opts Options

	mu    sync.Mutex
	fault Fault
	calls map[string]int
}

// NewLocal wraps an open store. The caller keeps ownership of db.
func NewLocal(db *store.Store, opts Options) *Local {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Local{db: db, opts: opts, calls: make(map[string]int)}
}

// SetFault installs a fault hook, replacing any previous one. Pass nil to
// clear it.
func (l *Local) SetFault(f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fault = f
}

// Calls returns how many times method was invoked, including faulted calls.
func (l *Local) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

func (l *Local) before(c Call) error {
	l.mu.Lock()
	l.calls[c.Method]++
	f := l.fault
	l.mu.Unlock()

	if f == nil {
		return nil
	}
	if err := f(c); err != nil {
		slog.Debug("remote fault injected", "method", c.Method, "collection", c.Collection, "id", c.ID, "error", err)
		return err
	}
	return nil
}

func docKey(collection, id string) string {
	return "doc/" + collection + "/" + id
}

func idemKey(collection, key string) string {
	return "idem/" + collection + "/" + key
}

// UpdateDocument applies patch to collection/id.
//
// A patch whose OpID was already applied succeeds without changes. A
// non-zero IfVersion that does not match the stored version returns
// ErrVersionConflict.
func (l *Local) UpdateDocument(ctx context.Context, collection, id string, patch Patch) error {
	if err := l.before(Call{Method: "UpdateDocument", Collection: collection, ID: id}); err != nil {
		return err
	}

	err := l.db.Update(ctx, func(tx *store.Tx) error {
		doc, found, err := getDoc(tx, collection, id)
		if err != nil {
			return err
		}
		if !found {
			if !l.opts.CreateMissing {
				return fmt.Errorf("update %s/%s: %w", collection, id, ErrNotFound)
			}
			doc = Document{Collection: collection, ID: id, Data: map[string]any{}}
		}

		if patch.OpID != "" && slices.Contains(doc.AppliedOps, patch.OpID) {
			return nil
		}
		if patch.IfVersion != 0 && doc.Version != patch.IfVersion {
			return fmt.Errorf("update %s/%s: at version %d, expected %d: %w",
				collection, id, doc.Version, patch.IfVersion, ErrVersionConflict)
		}

		if doc.Data == nil {
			doc.Data = make(map[string]any, len(patch.Set))
		}
		for k, v := range patch.Set {
			doc.Data[k] = v
		}
		doc.Version++
		doc.UpdatedAt = l.opts.Now().UTC()
		if patch.OpID != "" {
			doc.AppliedOps = append(doc.AppliedOps, patch.OpID)
			if len(doc.AppliedOps) > maxAppliedOps {
				doc.AppliedOps = doc.AppliedOps[len(doc.AppliedOps)-maxAppliedOps:]
			}
		}
		return putDoc(tx, doc)
	})
	return classifyStoreErr(err)
}

// CreateDocument creates a document in collection. Repeating a call with
// the same idempotency key returns the id created the first time and
// leaves the document untouched.
//
// The idempotency key doubles as the document id. An empty key gets a
// random id and no dedupe.
func (l *Local) CreateDocument(ctx context.Context, collection, idempotencyKey string, data map[string]any) (string, error) {
	if err := l.before(Call{Method: "CreateDocument", Collection: collection, ID: idempotencyKey}); err != nil {
		return "", err
	}
	if collection == "" {
		return "", fmt.Errorf("create document: empty collection: %w", ErrFatal)
	}

	var id string
	err := l.db.Update(ctx, func(tx *store.Tx) error {
		if idempotencyKey != "" {
			existing, found, err := tx.Get(idemKey(collection, idempotencyKey))
			if err != nil {
				return err
			}
			if found {
				id = string(existing)
				return nil
			}
			id = idempotencyKey
		} else {
			id = uuid.NewString()
		}

		if _, found, err := getDoc(tx, collection, id); err != nil {
			return err
		} else if found {
			return fmt.Errorf("create %s/%s: document exists: %w", collection, id, ErrFatal)
		}

		doc := Document{
			Collection: collection,
			ID:         id,
			Version:    1,
			Data:       copyMap(data),
			UpdatedAt:  l.opts.Now().UTC(),
		}
		if err := putDoc(tx, doc); err != nil {
			return err
		}
		if idempotencyKey != "" {
			return tx.Put(idemKey(collection, idempotencyKey), []byte(id))
		}
		return nil
	})
	if err != nil {
		return "", classifyStoreErr(err)
	}
	return id, nil
}

// PutBlob writes data under path in the blob directory and returns path as
// the locator. Writing the same path again overwrites the object.
func (l *Local) PutBlob(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := l.before(Call{Method: "PutBlob", ID: path}); err != nil {
		return "", err
	}
	full, err := l.blobPath(path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("put blob %s: %v: %w", path, err, ErrTransient)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("put blob %s: %v: %w", path, err, ErrTransient)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // No-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("put blob %s: %v: %w", path, err, ErrTransient)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("put blob %s: %v: %w", path, err, ErrTransient)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", fmt.Errorf("put blob %s: %v: %w", path, err, ErrTransient)
	}

	slog.Debug("blob stored", "path", path, "bytes", len(data), "content_type", contentType)
	return path, nil
}

// Locator returns a file:// URL for a stored blob.
func (l *Local) Locator(ctx context.Context, path string) (string, error) {
	if err := l.before(Call{Method: "Locator", ID: path}); err != nil {
		return "", err
	}
	full, err := l.blobPath(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("locate blob %s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("locate blob %s: %v: %w", path, err, ErrTransient)
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("locate blob %s: %v: %w", path, err, ErrTransient)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// Document reads a stored document.
func (l *Local) Document(ctx context.Context, collection, id string) (Document, bool, error) {
	raw, found, err := l.db.Get(ctx, docKey(collection, id))
	if err != nil || !found {
		return Document{}, found, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, false, fmt.Errorf("decode document %s/%s: %w", collection, id, err)
	}
	return doc, true, nil
}

// Documents lists all documents in collection ordered by id.
func (l *Local) Documents(ctx context.Context, collection string) ([]Document, error) {
	recs, err := l.db.List(ctx, "doc/"+collection+"/")
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(recs))
	for _, r := range recs {
		var doc Document
		if err := json.Unmarshal(r.Value, &doc); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", r.Key, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Seed writes a document directly, bypassing faults and version checks.
// The stored version is 1, or one more than the existing version.
func (l *Local) Seed(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	var doc Document
	err := l.db.Update(ctx, func(tx *store.Tx) error {
		existing, found, err := getDoc(tx, collection, id)
		if err != nil {
			return err
		}
		doc = Document{Collection: collection, ID: id, Version: 1, Data: copyMap(data), UpdatedAt: l.opts.Now().UTC()}
		if found {
			doc.Version = existing.Version + 1
			doc.AppliedOps = existing.AppliedOps
		}
		return putDoc(tx, doc)
	})
	return doc, err
}

func (l *Local) blobPath(path string) (string, error) {
	if l.opts.BlobDir == "" {
		return "", fmt.Errorf("blob store not configured: %w", ErrFatal)
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if path == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob path %q: %w", path, ErrFatal)
	}
	return filepath.Join(l.opts.BlobDir, clean), nil
}

func getDoc(tx *store.Tx, collection, id string) (Document, bool, error) {
	raw, found, err := tx.Get(docKey(collection, id))
	if err != nil || !found {
		return Document{}, found, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, false, fmt.Errorf("decode document %s/%s: %v: %w", collection, id, err, ErrFatal)
	}
	return doc, true, nil
}

func putDoc(tx *store.Tx, doc Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %v: %w", doc.Collection, doc.ID, err, ErrFatal)
	}
	return tx.Put(docKey(doc.Collection, doc.ID), raw)
}

// classifyStoreErr maps local persistence failures to ErrTransient, the
// way a network backend would surface a server-side storage failure.
func classifyStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if store.IsStorageError(err) {
		return fmt.Errorf("%v: %w", err, ErrTransient)
	}
	return err
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
