package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/op"
)

// DefaultInboxDebounce is how long a request file must stay unchanged
// before it is ingested. Writers that create then fill a file are read
// once, after the last write.
const DefaultInboxDebounce = 100 * time.Millisecond

// RejectedSuffix is appended to request files that cannot be enqueued.
const RejectedSuffix = ".rejected"

// EnqueueFunc queues one payload.
type EnqueueFunc func(ctx context.Context, p op.Payload) (op.Operation, error)

// Inbox ingests *.json enqueue requests dropped into a directory by
// another process. Each file is enqueued and deleted; a file that is not a
// valid request is renamed with RejectedSuffix.
type Inbox struct {
	dir      string
	debounce time.Duration
	enqueue  EnqueueFunc

	pending map[string]time.Time // path -> last event
}

// NewInbox creates an inbox for dir.
func NewInbox(dir string, debounce time.Duration, enqueue EnqueueFunc) *Inbox {
	if debounce <= 0 {
		debounce = DefaultInboxDebounce
	}
	return &Inbox{
		dir:      dir,
		debounce: debounce,
		enqueue:  enqueue,
		pending:  make(map[string]time.Time),
	}
}

// Run watches the directory until ctx is cancelled. Files already present
// when Run starts are ingested too.
func (in *Inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", in.dir, err)
	}
	slog.Info("inbox watching", "dir", in.dir)

	if err := in.scan(); err != nil {
		return err
	}

	ticker := time.NewTicker(in.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if isRequestFile(event.Name) {
				in.pending[event.Name] = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("inbox watcher error", "error", err)

		case now := <-ticker.C:
			in.processPending(ctx, now)
		}
	}
}

// scan queues the request files already in the directory.
func (in *Inbox) scan() error {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("failed to read inbox %s: %w", in.dir, err)
	}
	for _, e := range entries {
		path := filepath.Join(in.dir, e.Name())
		if e.Type().IsRegular() && isRequestFile(path) {
			in.pending[path] = time.Time{}
		}
	}
	return nil
}

// processPending ingests files that have been quiet for the debounce window.
func (in *Inbox) processPending(ctx context.Context, now time.Time) {
	for path, seen := range in.pending {
		if now.Sub(seen) < in.debounce {
			continue
		}
		if in.Ingest(ctx, path) {
			delete(in.pending, path)
		}
	}
}

// Ingest enqueues one request file. It returns false if the file should be
// tried again later because the local store could not take the operation.
func (in *Inbox) Ingest(ctx context.Context, path string) bool {
	p, err := readRequest(path)
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err == nil {
		var o op.Operation
		o, err = in.enqueue(ctx, p)
		if err == nil {
			slog.Info("inbox request enqueued", "file", filepath.Base(path), "op", o.ID, "type", o.Type)
			if rmErr := os.Remove(path); rmErr != nil {
				slog.Error("failed to remove ingested request", "file", path, "error", rmErr)
			}
			return true
		}
		if !engine.IsInvalidPayload(err) {
			slog.Error("inbox enqueue failed; will retry", "file", filepath.Base(path), "error", err)
			return false
		}
	}

	slog.Warn("inbox request rejected", "file", filepath.Base(path), "error", err)
	if rnErr := os.Rename(path, path+RejectedSuffix); rnErr != nil {
		slog.Error("failed to reject request", "file", path, "error", rnErr)
	}
	return true
}

func isRequestFile(path string) bool {
	return filepath.Ext(path) == ".json"
}
