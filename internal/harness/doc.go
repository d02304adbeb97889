// Package harness runs sync scenarios against the real engine.
//
// A scenario seeds the reference remote, injects faults, and drives the
// engine through enqueues, connectivity changes, clock advances and
// cycles. Every queue change the engine publishes is recorded as a trace
// line, and the trace is compared against a golden file. Operation ids are
// sequential and time comes from a manual clock, so a scenario always
// produces the same trace.
//
// # Scenario Format
//
//	name: flaky_first_operation
//	description: "What this scenario validates"
//	online: true
//	backoff: { base: 1s, ceiling: 30s, max_retries: 5 }
//	seed:
//	  - collection: tasks
//	    id: t1
//	    data: { status: open }
//	faults:
//	  - method: UpdateDocument
//	    id: t1
//	    error: transient
//	    times: 2
//	steps:
//	  - update: { collection: tasks, id: t1, fields: { status: done } }
//	  - cycle: true
//	  - advance: 1s
//	  - online: false
//	assertions:
//	  - type: queue_count
//	    count: 0
//	  - type: remote_doc
//	    collection: tasks
//	    id: t1
//	    expect: { status: done }
//
// # Steps
//
//   - update, blob, aggregate: enqueue an operation
//   - online: report connectivity; a transition to online runs a cycle
//   - advance: move the manual clock
//   - cycle: run one sync cycle
//   - retry, discard: act on an operation id
//   - restart: rebuild the engine on the same store
//   - heal_remote: clear all faults
//
// # Faults
//
// A fault matches remote calls by method, and optionally collection and
// id. It fails Times matching calls (every call when zero) with one of
// transient, conflict, fatal or not_found. With after_apply the write is
// performed and then reported as failed, which is how a lost
// acknowledgement looks to the engine.
//
// # Assertion Types
//
//   - queue_count: the queue holds exactly Count operations
//   - op_status: a queued operation's status, retries and error prefix
//   - remote_doc: a remote document contains the expected fields
//   - remote_count: a remote collection holds Count documents
//   - remote_refs: a remote document field holds Count blob references
//   - snapshot: the local snapshot contains the expected fields
//
// # Golden Files
//
// Traces are stored in testdata/golden/{name}.golden. Regenerate with
//
//	go test ./internal/harness -update
package harness
