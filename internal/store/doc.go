// Package store provides the SQLite-backed durable local store for fieldsync.
//
// The store is a key/value table with ordered prefix listing and
// multi-key transactions. It holds:
//   - Operations: op/<id>, the persisted sync queue
//   - Entity snapshots: snap/<collection>/<id>, the offline merge base
//   - Attempt history: attempt/<op-id>/<n>, one record per apply attempt
//
// The store is the single source of truth. Any in-memory index built on
// top of it (such as the engine's queue) is derived and rebuilt from here
// on startup.
//
// # Failure contract
//
// Every failure is returned as *Error. A failed Put or Update means the
// write did not happen; callers report this synchronously instead of
// pretending the data was accepted.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: A returned Put survives power loss
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - Single connection: One writer, no SQLITE_BUSY between our own calls
package store
