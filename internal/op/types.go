package op

import (
	"fmt"
	"time"
)

// Type identifies which payload an Operation carries.
type Type string

const (
	// TypeUpdateEntity patches fields of an existing remote document.
	TypeUpdateEntity Type = "UpdateEntity"
	// TypeUploadBlob uploads bytes and appends a reference to a document.
	TypeUploadBlob Type = "UploadBlob"
	// TypeCreateAggregate creates a root document plus dependent child writes.
	TypeCreateAggregate Type = "CreateAggregate"
)

// Valid reports whether t is one of the known operation types.
func (t Type) Valid() bool {
	switch t {
	case TypeUpdateEntity, TypeUploadBlob, TypeCreateAggregate:
		return true
	}
	return false
}

// Status is the position of an Operation in its state machine.
//
// A successful operation is deleted from the queue, so there is no
// success status. FAILED and CONFLICT are terminal for the scheduler and
// only leave through an explicit retry or discard.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRetrying Status = "RETRYING"
	StatusFailed   Status = "FAILED"
	StatusConflict Status = "CONFLICT"
)

// Schedulable reports whether the automatic scheduler may pick up an
// operation in this status.
func (s Status) Schedulable() bool {
	return s == StatusPending || s == StatusRetrying
}

// NeedsAttention reports whether the status requires a manual retry or discard.
func (s Status) NeedsAttention() bool {
	return s == StatusFailed || s == StatusConflict
}

// Operation is a single pending mutation awaiting application to the remote store.
type Operation struct {
	ID            string
	Seq           int64 // Logical creation order
	Type          Type
	Payload       Payload
	Status        Status
	Retries       int
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	Error         string
}

// Entity returns the ordering key of the entity this operation touches.
func (o Operation) Entity() string {
	if o.Payload == nil {
		return ""
	}
	return o.Payload.Entity()
}

// Clone returns a copy that shares no mutable state with o.
// Payloads are immutable, so they are shared.
func (o Operation) Clone() Operation {
	c := o
	if o.LastAttemptAt != nil {
		t := *o.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return c
}

// String returns a short human-readable description for logs.
func (o Operation) String() string {
	return fmt.Sprintf("%s %s %s (%s, retries=%d)", o.ID, o.Type, o.Entity(), o.Status, o.Retries)
}

// EntityKey joins a collection and document id into an ordering key.
func EntityKey(collection, id string) string {
	return collection + "/" + id
}
