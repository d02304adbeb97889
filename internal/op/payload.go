package op

import (
	"errors"
	"fmt"
	"time"
)

// Payload is the type-specific body of an Operation.
//
// The set of implementations is closed: UpdateEntity, UploadBlob and
// CreateAggregate. The unexported marker keeps other packages from adding
// variants the applier cannot handle.
type Payload interface {
	// Type returns the tag stored alongside the payload.
	Type() Type
	// Entity returns the ordering key (collection/id) of the touched entity.
	Entity() string
	// Validate checks structural completeness before the payload is queued.
	Validate() error

	payloadMarker()
}

// UpdateEntity patches fields of a remote document.
type UpdateEntity struct {
	Collection string         `json:"collection"`
	EntityID   string         `json:"entity_id"`
	Fields     map[string]any `json:"fields"`

	// IfVersion, when non-zero, makes the update conditional on the remote
	// document still being at that version.
	IfVersion int64 `json:"if_version,omitempty"`
}

func (UpdateEntity) Type() Type { return TypeUpdateEntity }

func (p UpdateEntity) Entity() string { return EntityKey(p.Collection, p.EntityID) }

func (p UpdateEntity) Validate() error {
	if p.Collection == "" || p.EntityID == "" {
		return errors.New("update entity: collection and entity id are required")
	}
	if len(p.Fields) == 0 {
		return errors.New("update entity: at least one field is required")
	}
	return nil
}

func (UpdateEntity) payloadMarker() {}

// GeoPoint is an optional capture location.
type GeoPoint struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy,omitempty"`
}

// UploadBlob uploads bytes to the blob store and appends a BlobRef to the
// list stored under Field on the target document.
type UploadBlob struct {
	Collection  string    `json:"collection"`
	EntityID    string    `json:"entity_id"`
	Field       string    `json:"field"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type,omitempty"`
	Data        []byte    `json:"data"`
	Kind        string    `json:"kind,omitempty"` // e.g. "before", "after", "evidence"
	Description string    `json:"description,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
	Location    *GeoPoint `json:"location,omitempty"`
}

func (UploadBlob) Type() Type { return TypeUploadBlob }

func (p UploadBlob) Entity() string { return EntityKey(p.Collection, p.EntityID) }

func (p UploadBlob) Validate() error {
	if p.Collection == "" || p.EntityID == "" {
		return errors.New("upload blob: collection and entity id are required")
	}
	if p.Field == "" {
		return errors.New("upload blob: target field is required")
	}
	if p.Filename == "" {
		return errors.New("upload blob: filename is required")
	}
	if len(p.Data) == 0 {
		return errors.New("upload blob: data is empty")
	}
	return nil
}

func (UploadBlob) payloadMarker() {}

// EntityRef points at an existing document.
type EntityRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// ChildWrite is a dependent document created after the aggregate root,
// e.g. an inventory movement belonging to a purchase.
type ChildWrite struct {
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`

	// ParentField names the field that receives the root document id.
	// Defaults to "parent_id".
	ParentField string `json:"parent_field,omitempty"`
}

// CreateAggregate creates a root document and its children as one logical
// remote transaction. Every write is keyed by an id derived from the
// operation id, so repeating the apply cannot double-create.
type CreateAggregate struct {
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
	Parent     *EntityRef     `json:"parent,omitempty"`
	Children   []ChildWrite   `json:"children,omitempty"`

	// RootKey is the derived idempotency key of the root document. It is
	// fixed at enqueue time so the ordering key and optimistic snapshot can
	// refer to the aggregate before it exists remotely.
	RootKey string `json:"root_key"`
}

func (CreateAggregate) Type() Type { return TypeCreateAggregate }

// Entity orders the aggregate behind other work on its parent, when it has
// one. Otherwise the aggregate is its own entity.
func (p CreateAggregate) Entity() string {
	if p.Parent != nil && p.Parent.ID != "" {
		return EntityKey(p.Parent.Collection, p.Parent.ID)
	}
	return EntityKey(p.Collection, p.RootKey)
}

func (p CreateAggregate) Validate() error {
	if p.Collection == "" {
		return errors.New("create aggregate: collection is required")
	}
	if len(p.Data) == 0 {
		return errors.New("create aggregate: root data is empty")
	}
	if p.Parent != nil && (p.Parent.Collection == "" || p.Parent.ID == "") {
		return errors.New("create aggregate: parent reference is incomplete")
	}
	for i, c := range p.Children {
		if c.Collection == "" {
			return fmt.Errorf("create aggregate: child %d has no collection", i)
		}
	}
	return nil
}

func (CreateAggregate) payloadMarker() {}

// ParentFieldOrDefault returns the field that links a child to its root.
func (c ChildWrite) ParentFieldOrDefault() string {
	if c.ParentField == "" {
		return "parent_id"
	}
	return c.ParentField
}
