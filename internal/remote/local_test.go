package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/store"
)

func newTestLocal(t *testing.T, opts Options) *Local {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "remote.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if opts.Now == nil {
		fixed := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
		opts.Now = func() time.Time { return fixed }
	}
	return NewLocal(db, opts)
}

func TestUpdateDocument_MergesFieldsAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, Options{})

	_, err := l.Seed(ctx, "tasks", "t1", map[string]any{"status": "open", "title": "Pump"})
	require.NoError(t, err)

	require.NoError(t, l.UpdateDocument(ctx, "tasks", "t1", Patch{Set: map[string]any{"status": "done"}, OpID: "op-1"}))

	doc, found, err := l.Document(ctx, "tasks", "t1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, "done", doc.Data["status"])
	assert.Equal(t, "Pump", doc.Data["title"])
	assert.Equal(t, []string{"op-1"}, doc.AppliedOps)
}

func TestUpdateDocument_DedupesByOpID(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, Options{})
	_, err := l.Seed(ctx, "tasks", "t1", map[string]any{"n": 1})
	require.NoError(t, err)

	patch := Patch{Set: map[string]any{"n": 2}, IfVersion: 1, OpID: "op-1"}
	require.NoError(t, l.UpdateDocument(ctx, "tasks", "t1", patch))
	// Lost ack: the same patch is replayed. The version check would fail
	// now, but the OpID was already applied.
	require.NoError(t, l.UpdateDocument(ctx, "tasks", "t1", patch))

	doc, _, err := l.Document(ctx, "tasks", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
}

func TestUpdateDocument_VersionConflict(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, Options{})
	_, err := l.Seed(ctx, "tasks", "t1", map[string]any{"n": 1})
	require.NoError(t, err)
	_, err = l.Seed(ctx, "tasks", "t1", map[string]any{"n": 5}) // someone else wrote
	require.NoError(t, err)

	err = l.UpdateDocument(ctx, "tasks", "t1", Patch{Set: map[string]any{"n": 2}, IfVersion: 1, OpID: "op-1"})
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestUpdateDocument_NotFound(t *testing.T) {
	l := newTestLocal(t, Options{})

	err := l.UpdateDocument(context.Background(), "tasks", "missing", Patch{Set: map[string]any{"a": 1}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateDocument_CreateMissing(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, Options{CreateMissing: true})

	require.NoError(t, l.UpdateDocument(ctx, "tasks", "new", Patch{Set: map[string]any{"a": "b"}}))

	doc, found, err := l.Document(ctx, "tasks", "new")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), doc.Version)
}

func TestCreateDocument_Idempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, Options{})

	id1, err := l.CreateDocument(ctx, "purchases", "key-1", map[string]any{"total": 10})
	require.NoError(t, err)
	id2, err := l.CreateDocument(ctx, "purchases", "key-1", map[string]any{"total": 99})
	require.NoError(t, err)

	assert.Equal(t, "key-1", id1)
	assert.Equal(t, id1, id2)

	docs, err := l.Documents(ctx, "purchases")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.EqualValues(t, 10, docs[0].Data["total"], "repeat must not overwrite")
}

func TestCreateDocument_EmptyKeyGetsRandomID(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, Options{})

	id1, err := l.CreateDocument(ctx, "notes", "", map[string]any{"a": 1})
	require.NoError(t, err)
	id2, err := l.CreateDocument(ctx, "notes", "", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestFaultHook(t *testing.T) {
	ctx := context.Background()
	l := newTestLocal(t, Options{})
	_, err := l.Seed(ctx, "tasks", "t1", map[string]any{"n": 1})
	require.NoError(t, err)

	failures := 2
	l.SetFault(func(c Call) error {
		if c.Method == "UpdateDocument" && failures > 0 {
			failures--
			return ErrTransient
		}
		return nil
	})

	patch := Patch{Set: map[string]any{"n": 2}, OpID: "op-1"}
	assert.ErrorIs(t, l.UpdateDocument(ctx, "tasks", "t1", patch), ErrTransient)
	assert.ErrorIs(t, l.UpdateDocument(ctx, "tasks", "t1", patch), ErrTransient)
	assert.NoError(t, l.UpdateDocument(ctx, "tasks", "t1", patch))
	assert.Equal(t, 3, l.Calls("UpdateDocument"))

	l.SetFault(nil)
	assert.NoError(t, l.UpdateDocument(ctx, "tasks", "t1", patch))
}

func TestPutBlobAndLocator(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := newTestLocal(t, Options{BlobDir: dir})

	loc, err := l.PutBlob(ctx, "tasks/t1/abc-photo.jpg", []byte("jpeg"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "tasks/t1/abc-photo.jpg", loc)

	// Re-upload overwrites in place.
	_, err = l.PutBlob(ctx, "tasks/t1/abc-photo.jpg", []byte("jpeg2"), "image/jpeg")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "tasks", "t1", "abc-photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg2", string(data))

	url, err := l.Locator(ctx, loc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.True(t, strings.HasSuffix(url, "/tasks/t1/abc-photo.jpg"))

	_, err = l.Locator(ctx, "tasks/t1/missing.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutBlob_RejectsEscapingPaths(t *testing.T) {
	l := newTestLocal(t, Options{BlobDir: t.TempDir()})

	for _, p := range []string{"", "../evil", "a/../../evil", "/abs/path"} {
		_, err := l.PutBlob(context.Background(), p, []byte("x"), "")
		assert.ErrorIs(t, err, ErrFatal, "path %q", p)
	}
}

func TestPutBlob_NotConfigured(t *testing.T) {
	l := newTestLocal(t, Options{})

	_, err := l.PutBlob(context.Background(), "a/b", []byte("x"), "")
	assert.True(t, errors.Is(err, ErrFatal))
}
