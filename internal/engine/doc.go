// Package engine implements the offline sync engine.
//
// Local mutations are enqueued as operations, persisted before the call
// returns, and replayed against the remote store when connectivity allows.
//
// ARCHITECTURE:
//
// Durable Queue:
// The store holds the source of truth (op/<id>). Queue keeps a derived
// in-memory index rehydrated by OpenQueue and updated only after each
// write commits.
//
// Single-Flight Cycles:
// RunCycle applies due operations one at a time in creation order (Seq).
// An atomic flag rejects overlapping cycles; Run coalesces triggers from the
// connectivity Monitor, SyncNow and the retry ticker through a size-1
// channel.
//
// Operation Lifecycle:
//
//	PENDING -> (apply) -> removed on success
//	        -> RETRYING (retryable; backoff min(base*2^r, ceiling))
//	        -> FAILED   ("fatal: ..." or "retry budget exhausted: ...")
//	        -> CONFLICT (remote precondition failed)
//
// FAILED and CONFLICT are never retried automatically; RetryOperation and
// DiscardOperation are the only exits.
//
// Ordering:
// An operation is never due ahead of an earlier PENDING or RETRYING
// operation on the same entity, and once an operation fails in a cycle the
// rest of its entity's operations wait for the next cycle.
//
// Idempotency:
// Appliers may run twice for one operation (a success can be lost before
// removal). RemoteApplier makes repeats harmless: updates carry the op id
// for remote dedupe, blobs go to a path derived from the op id, and
// aggregate writes use keys derived from the op id.
package engine
