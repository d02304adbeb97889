package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/remote"
	"github.com/roach88/fieldsync/internal/store"
)

// testEnv points every command at databases under one temp dir.
type testEnv struct {
	dir    string
	db     string
	remote string
	blobs  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return &testEnv{
		dir:    dir,
		db:     filepath.Join(dir, "local.db"),
		remote: filepath.Join(dir, "remote.db"),
		blobs:  filepath.Join(dir, "blobs"),
	}
}

// args prefixes the storage flags to a command line.
func (te *testEnv) args(args ...string) []string {
	return append([]string{"--db", te.db, "--remote", te.remote, "--blobs", te.blobs}, args...)
}

// run executes the root command and returns its stdout.
func (te *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(te.args(args...))
	err := cmd.Execute()
	return buf.String(), err
}

// runJSON executes a command with --format json and decodes the response
// data into data.
func (te *testEnv) runJSON(t *testing.T, data any, args ...string) (CLIResponse, error) {
	t.Helper()
	out, err := te.run(t, append([]string{"--format", "json"}, args...)...)

	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
		Error  *CLIError       `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return CLIResponse{Status: resp.Status, Error: resp.Error}, err
}

// withRemote opens the reference remote for direct access.
func (te *testEnv) withRemote(t *testing.T, fn func(l *remote.Local)) {
	t.Helper()
	db, err := store.Open(te.remote)
	require.NoError(t, err)
	defer db.Close()
	fn(remote.NewLocal(db, remote.Options{BlobDir: te.blobs}))
}

func (te *testEnv) seed(t *testing.T, collection, id string, data map[string]any) {
	t.Helper()
	te.withRemote(t, func(l *remote.Local) {
		_, err := l.Seed(context.Background(), collection, id, data)
		require.NoError(t, err)
	})
}

func (te *testEnv) remoteDoc(t *testing.T, collection, id string) remote.Document {
	t.Helper()
	var doc remote.Document
	te.withRemote(t, func(l *remote.Local) {
		var found bool
		var err error
		doc, found, err = l.Document(context.Background(), collection, id)
		require.NoError(t, err)
		require.True(t, found, "remote document %s/%s", collection, id)
	})
	return doc
}

func (te *testEnv) status(t *testing.T) StatusView {
	t.Helper()
	var st StatusView
	_, err := te.runJSON(t, &st, "status")
	require.NoError(t, err)
	return st
}
