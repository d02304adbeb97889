package op

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntitySnapshot is the locally cached copy of a remote document.
//
// It is read while offline and used as the merge base before derived
// fields (such as blob references) are written back.
type EntitySnapshot struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Version    int64          `json:"version"` // Local revision, bumped on every write
	Data       map[string]any `json:"data"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Key returns the ordering key of the snapshot's entity.
func (s EntitySnapshot) Key() string {
	return EntityKey(s.Collection, s.ID)
}

// Merge overlays fields onto the snapshot data. Nested values are replaced,
// not merged, matching document-store field update semantics.
func (s *EntitySnapshot) Merge(fields map[string]any) {
	if s.Data == nil {
		s.Data = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		s.Data[k] = v
	}
}

// BlobRef is the structured reference appended to a document after an upload.
type BlobRef struct {
	ID          string    `json:"id"` // Operation id that produced the upload
	URL         string    `json:"url"`
	Path        string    `json:"path"`
	Type        string    `json:"type,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Description string    `json:"description"`
	CapturedAt  time.Time `json:"captured_at"`
	Location    *GeoPoint `json:"location,omitempty"`
}

// BlobRefs reads the list of references stored under field. Values that
// were round-tripped through JSON come back as []any of maps and are
// converted; entries that cannot be read are skipped.
func (s EntitySnapshot) BlobRefs(field string) []BlobRef {
	raw, ok := s.Data[field]
	if !ok || raw == nil {
		return nil
	}
	if refs, ok := raw.([]BlobRef); ok {
		return append([]BlobRef(nil), refs...)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var refs []BlobRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil
	}
	return refs
}

// AppendBlobRef adds ref to the list under field unless a reference with
// the same ID is already present. Returns the resulting list and whether
// it changed.
func (s *EntitySnapshot) AppendBlobRef(field string, ref BlobRef) ([]BlobRef, bool) {
	refs := s.BlobRefs(field)
	for _, existing := range refs {
		if existing.ID == ref.ID {
			return refs, false
		}
	}
	refs = append(refs, ref)
	s.Merge(map[string]any{field: refs})
	return refs, true
}

// EncodeSnapshot serializes a snapshot for the local store.
func EncodeSnapshot(s EntitySnapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %s: %w", s.Key(), err)
	}
	return data, nil
}

// DecodeSnapshot parses a stored snapshot.
func DecodeSnapshot(data []byte) (EntitySnapshot, error) {
	var s EntitySnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return EntitySnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// Outcome classifies the result of one apply attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeConflict  Outcome = "conflict"
	OutcomeFatal     Outcome = "fatal"
)

// Attempt is one entry of an operation's apply history.
type Attempt struct {
	OpID    string    `json:"op_id"`
	Number  int       `json:"number"`
	At      time.Time `json:"at"`
	Outcome Outcome   `json:"outcome"`
	Error   string    `json:"error,omitempty"`
}
