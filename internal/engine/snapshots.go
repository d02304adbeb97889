package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/fieldsync/internal/op"
	"github.com/roach88/fieldsync/internal/store"
)

const snapKeyPrefix = "snap/"

func snapKey(collection, id string) string {
	return snapKeyPrefix + collection + "/" + id
}

// Snapshots is the cache of entity snapshots in the local store.
//
// Every write is a read-modify-write inside one store transaction and bumps
// Version, so two writers touching the same entity cannot lose each
// other's changes.
type Snapshots struct {
	store *store.Store
	now   TimeSource
}

// NewSnapshots creates a snapshot cache over s.
func NewSnapshots(s *store.Store, now TimeSource) *Snapshots {
	return &Snapshots{store: s, now: now}
}

// Get returns the cached snapshot of collection/id.
func (c *Snapshots) Get(ctx context.Context, collection, id string) (op.EntitySnapshot, bool, error) {
	raw, found, err := c.store.Get(ctx, snapKey(collection, id))
	if err != nil || !found {
		return op.EntitySnapshot{}, found, err
	}
	snap, err := op.DecodeSnapshot(raw)
	if err != nil {
		return op.EntitySnapshot{}, false, err
	}
	return snap, true, nil
}

// List returns every cached snapshot in collection ordered by id.
func (c *Snapshots) List(ctx context.Context, collection string) ([]op.EntitySnapshot, error) {
	recs, err := c.store.List(ctx, snapKeyPrefix+collection+"/")
	if err != nil {
		return nil, err
	}
	snaps := make([]op.EntitySnapshot, 0, len(recs))
	for _, r := range recs {
		snap, err := op.DecodeSnapshot(r.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.Key, err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// Update applies fn to the latest snapshot of collection/id (an empty one
// if none is cached) and writes it back in one transaction.
func (c *Snapshots) Update(ctx context.Context, collection, id string, fn func(s *op.EntitySnapshot) error) (op.EntitySnapshot, error) {
	var out op.EntitySnapshot
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		out, err = updateSnapshotTx(tx, collection, id, c.now.Now(), fn)
		return err
	})
	return out, err
}

// Put overwrites collection/id with data, e.g. after a successful remote read.
func (c *Snapshots) Put(ctx context.Context, collection, id string, data map[string]any) (op.EntitySnapshot, error) {
	return c.Update(ctx, collection, id, func(s *op.EntitySnapshot) error {
		s.Data = data
		return nil
	})
}

// Delete drops the cached snapshot, used when the remote reports the
// entity missing.
func (c *Snapshots) Delete(ctx context.Context, collection, id string) error {
	return c.store.Delete(ctx, snapKey(collection, id))
}

// mergeSnapshotHook returns a hook that optimistically overlays fields onto
// the cached snapshot in the enqueue transaction.
func mergeSnapshotHook(collection, id string, fields map[string]any, at time.Time) TxHook {
	return func(tx *store.Tx, _ op.Operation) error {
		_, err := updateSnapshotTx(tx, collection, id, at, func(s *op.EntitySnapshot) error {
			s.Merge(fields)
			return nil
		})
		return err
	}
}

func updateSnapshotTx(tx *store.Tx, collection, id string, at time.Time, fn func(s *op.EntitySnapshot) error) (op.EntitySnapshot, error) {
	key := snapKey(collection, id)
	snap := op.EntitySnapshot{Collection: collection, ID: id}

	raw, found, err := tx.Get(key)
	if err != nil {
		return op.EntitySnapshot{}, err
	}
	if found {
		if snap, err = op.DecodeSnapshot(raw); err != nil {
			return op.EntitySnapshot{}, fmt.Errorf("%s: %w", key, err)
		}
	}

	if err := fn(&snap); err != nil {
		return op.EntitySnapshot{}, err
	}
	snap.Collection, snap.ID = collection, id
	snap.Version++
	snap.UpdatedAt = at

	data, err := op.EncodeSnapshot(snap)
	if err != nil {
		return op.EntitySnapshot{}, err
	}
	if err := tx.Put(key, data); err != nil {
		return op.EntitySnapshot{}, err
	}
	return snap, nil
}
