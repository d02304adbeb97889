package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/remote"
)

func writeConfig(t *testing.T, te *testEnv, cue string) string {
	t.Helper()
	path := filepath.Join(te.dir, "fieldsync.cue")
	require.NoError(t, os.WriteFile(path, []byte(cue), 0o644))
	return path
}

func TestSyncAppliesUpdate(t *testing.T) {
	te := newTestEnv(t)
	te.seed(t, "tasks", "t1", map[string]any{"status": "open", "owner": "ana"})

	_, err := te.run(t, "enqueue", "update", "tasks", "t1", "--set", "status=done")
	require.NoError(t, err)

	var cycle CycleView
	_, err = te.runJSON(t, &cycle, "sync")
	require.NoError(t, err)
	assert.Equal(t, CycleView{Due: 1, Succeeded: 1}, cycle)

	doc := te.remoteDoc(t, "tasks", "t1")
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, "done", doc.Data["status"])
	assert.Equal(t, "ana", doc.Data["owner"])

	assert.Equal(t, 0, te.status(t).Pending)
}

func TestSyncTextOutput(t *testing.T) {
	te := newTestEnv(t)

	out, err := te.run(t, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "0 due: 0 applied")
}

func TestSyncAppliesInOrder(t *testing.T) {
	te := newTestEnv(t)
	te.seed(t, "tasks", "t1", map[string]any{"status": "open"})

	_, err := te.run(t, "enqueue", "update", "tasks", "t1", "--set", "status=started")
	require.NoError(t, err)
	_, err = te.run(t, "enqueue", "update", "tasks", "t1", "--set", "status=done")
	require.NoError(t, err)

	var cycle CycleView
	_, err = te.runJSON(t, &cycle, "sync")
	require.NoError(t, err)
	assert.Equal(t, 2, cycle.Succeeded)

	doc := te.remoteDoc(t, "tasks", "t1")
	assert.Equal(t, "done", doc.Data["status"])
	assert.Equal(t, int64(3), doc.Version)
}

func TestSyncMissingDocumentFails(t *testing.T) {
	te := newTestEnv(t)

	_, err := te.run(t, "enqueue", "update", "tasks", "ghost", "--set", "status=done")
	require.NoError(t, err)

	var cycle CycleView
	_, err = te.runJSON(t, &cycle, "sync")
	require.NoError(t, err, "a failed operation does not fail the cycle")
	assert.Equal(t, 1, cycle.Failed)
	assert.Equal(t, 1, cycle.Remaining)

	st := te.status(t)
	assert.Equal(t, 1, st.Attention)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, op.StatusFailed, st.Queue[0].Status)
	assert.Contains(t, st.Queue[0].Error, "not found")
}

func TestSyncVersionConflict(t *testing.T) {
	te := newTestEnv(t)
	te.seed(t, "tasks", "t1", map[string]any{"status": "open"})
	te.seed(t, "tasks", "t1", map[string]any{"status": "reopened"})

	_, err := te.run(t, "enqueue", "update", "tasks", "t1", "--set", "status=done", "--if-version", "1")
	require.NoError(t, err)

	var cycle CycleView
	_, err = te.runJSON(t, &cycle, "sync")
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.Conflicted)

	st := te.status(t)
	require.Len(t, st.Queue, 1)
	assert.Equal(t, op.StatusConflict, st.Queue[0].Status)
	assert.Equal(t, "reopened", te.remoteDoc(t, "tasks", "t1").Data["status"])
}

func TestSyncOffline(t *testing.T) {
	te := newTestEnv(t)
	cfg := writeConfig(t, te, `connectivity: initial: false`)

	_, err := te.run(t, "--config", cfg, "enqueue", "update", "tasks", "t1", "--set", "status=done")
	require.NoError(t, err, "enqueue never needs connectivity")

	resp, err := te.runJSON(t, nil, "--config", cfg, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(engine.ErrCodeOffline), resp.Error.Code)

	var st StatusView
	_, err = te.runJSON(t, &st, "--config", cfg, "status")
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.Equal(t, 1, st.Pending)
}

func TestSyncBlobUpload(t *testing.T) {
	te := newTestEnv(t)
	te.seed(t, "jobs", "j1", map[string]any{"title": "boiler"})
	photo := filepath.Join(te.dir, "before.jpg")
	require.NoError(t, os.WriteFile(photo, []byte("jpeg bytes"), 0o644))

	_, err := te.run(t, "enqueue", "blob", "jobs", "j1", photo, "--field", "photos", "--kind", "before")
	require.NoError(t, err)

	var cycle CycleView
	_, err = te.runJSON(t, &cycle, "sync")
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.Succeeded)

	doc := te.remoteDoc(t, "jobs", "j1")
	refs, ok := doc.Data["photos"].([]any)
	require.True(t, ok, "photos = %#v", doc.Data["photos"])
	assert.Len(t, refs, 1)
}

func TestSyncAggregate(t *testing.T) {
	te := newTestEnv(t)
	te.seed(t, "jobs", "j1", map[string]any{"title": "boiler"})

	_, err := te.run(t, "enqueue", "aggregate", "purchases",
		"--data", `{"item":"pipe","qty":3}`,
		"--parent", "jobs/j1",
		"--child", `movements={"item":"pipe","delta":-3}`)
	require.NoError(t, err)

	var cycle CycleView
	_, err = te.runJSON(t, &cycle, "sync")
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.Succeeded)

	te.withRemote(t, func(l *remote.Local) {
		purchases, err := l.Documents(context.Background(), "purchases")
		require.NoError(t, err)
		require.Len(t, purchases, 1)
		assert.Equal(t, "pipe", purchases[0].Data["item"])

		movements, err := l.Documents(context.Background(), "movements")
		require.NoError(t, err)
		require.Len(t, movements, 1)
		assert.Equal(t, purchases[0].ID, movements[0].Data["parent_id"])
	})
}
