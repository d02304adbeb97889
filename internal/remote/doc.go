// Package remote defines the contracts of the authoritative document and
// blob stores the sync engine replays operations against, and provides
// Local, a reference implementation backed by SQLite and the filesystem.
//
// The engine depends only on the error sentinels and Patch type defined
// here; it never sees a concrete backend. Local exists so the CLI and the
// scenario harness have a real authoritative store with version checks,
// idempotency keys and injectable faults.
package remote
