package op

import (
	"encoding/json"
	"fmt"
	"time"
)

// record is the persisted shape of an Operation.
//
// Every field except id, type and payload may be missing in older or
// hand-written records; decoding fills safe defaults (retries=0,
// status=PENDING).
type record struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq,omitempty"`
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status,omitempty"`
	Retries       int             `json:"retries,omitempty"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Error         string          `json:"error,omitempty"`
}

// Encode serializes an Operation to its persisted JSON form.
func Encode(o Operation) ([]byte, error) {
	if o.Payload == nil {
		return nil, fmt.Errorf("encode operation %s: missing payload", o.ID)
	}
	if o.Payload.Type() != o.Type {
		return nil, fmt.Errorf("encode operation %s: payload type %s does not match %s", o.ID, o.Payload.Type(), o.Type)
	}
	payload, err := json.Marshal(o.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode operation %s: payload: %w", o.ID, err)
	}
	return json.Marshal(record{
		ID:            o.ID,
		Seq:           o.Seq,
		Type:          o.Type,
		Payload:       payload,
		Status:        o.Status,
		Retries:       o.Retries,
		LastAttemptAt: o.LastAttemptAt,
		CreatedAt:     o.CreatedAt,
		Error:         o.Error,
	})
}

// Decode parses a persisted operation record.
func Decode(data []byte) (Operation, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	if rec.ID == "" {
		return Operation{}, fmt.Errorf("decode operation: missing id")
	}

	payload, err := DecodePayload(rec.Type, rec.Payload)
	if err != nil {
		return Operation{}, fmt.Errorf("decode operation %s: %w", rec.ID, err)
	}

	status := rec.Status
	switch status {
	case StatusPending, StatusRetrying, StatusFailed, StatusConflict:
	default:
		status = StatusPending
	}
	retries := rec.Retries
	if retries < 0 {
		retries = 0
	}

	return Operation{
		ID:            rec.ID,
		Seq:           rec.Seq,
		Type:          rec.Type,
		Payload:       payload,
		Status:        status,
		Retries:       retries,
		LastAttemptAt: rec.LastAttemptAt,
		CreatedAt:     rec.CreatedAt,
		Error:         rec.Error,
	}, nil
}

// DecodePayload parses raw JSON into the payload variant selected by t.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing payload for %q", t)
	}
	switch t {
	case TypeUpdateEntity:
		var p UpdateEntity
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("payload %s: %w", t, err)
		}
		return p, nil
	case TypeUploadBlob:
		var p UploadBlob
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("payload %s: %w", t, err)
		}
		return p, nil
	case TypeCreateAggregate:
		var p CreateAggregate
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("payload %s: %w", t, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown operation type %q", t)
	}
}
