package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record is one key/value pair returned by List.
type Record struct {
	Key   string
	Value []byte
}

// querier is satisfied by *sql.DB and *sql.Tx so single calls and
// transactional calls share one implementation.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Put stores value under key, replacing any existing value.
// The write is durable when Put returns nil.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	return put(ctx, s.db, key, value)
}

// Get returns the value stored under key. found is false when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	return get(ctx, s.db, key)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	return del(ctx, s.db, key)
}

// List returns every record whose key starts with prefix, ordered by key.
func (s *Store) List(ctx context.Context, prefix string) ([]Record, error) {
	return list(ctx, s.db, prefix)
}

// Tx is a read-modify-write transaction handed to Update callbacks.
// It must not be used after the callback returns.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

// Get reads key inside the transaction.
func (t *Tx) Get(key string) ([]byte, bool, error) {
	return get(t.ctx, t.tx, key)
}

// Put writes key inside the transaction.
func (t *Tx) Put(key string, value []byte) error {
	return put(t.ctx, t.tx, key, value)
}

// Delete removes key inside the transaction.
func (t *Tx) Delete(key string) error {
	return del(t.ctx, t.tx, key)
}

// List lists prefix inside the transaction.
func (t *Tx) List(prefix string) ([]Record, error) {
	return list(t.ctx, t.tx, prefix)
}

// Update runs fn in a single SQL transaction. All writes made through the
// Tx commit together, or none do.
//
// If fn returns an error the transaction is rolled back and that error is
// returned unchanged, so callers can return their own sentinel errors.
// Begin and commit failures are returned as *Error.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: "update", Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer sqlTx.Rollback() // No-op if committed

	if err := fn(&Tx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return &Error{Op: "update", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func put(ctx context.Context, q querier, key string, value []byte) error {
	if key == "" {
		return &Error{Op: "put", Err: errors.New("empty key")}
	}
	if value == nil {
		value = []byte{}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return &Error{Op: "put", Key: key, Err: err}
	}
	return nil
}

func get(ctx context.Context, q querier, key string) ([]byte, bool, error) {
	var value []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

func del(ctx context.Context, q querier, key string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

func list(ctx context.Context, q querier, prefix string) ([]Record, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT key, value FROM kv
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key ASC
	`, prefix, prefix)
	if err != nil {
		return nil, &Error{Op: "list", Key: prefix, Err: err}
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, &Error{Op: "list", Key: prefix, Err: err}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &Error{Op: "list", Key: prefix, Err: err}
	}
	return records, nil
}
