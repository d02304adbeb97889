package op

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for derived keys.
// Version suffix enables future algorithm migration.
const (
	DomainAggregate = "fieldsync/aggregate/v1"
	DomainBlob      = "fieldsync/blob/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// AggregateKey derives the idempotency key of one write inside an
// aggregate creation. The same (opID, step, index) always yields the same
// key, so a retried apply addresses the documents the first attempt created.
//
// Keys are truncated to 32 hex characters (128 bits) to stay usable as
// document ids.
func AggregateKey(opID, step string, index int) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"op_id": opID,
		"step":  step,
		"index": index,
	})
	if err != nil {
		return "", fmt.Errorf("AggregateKey: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainAggregate, canonical)[:32], nil
}

// MustAggregateKey is like AggregateKey but panics on error.
// The inputs are always canonically encodable.
func MustAggregateKey(opID, step string, index int) string {
	key, err := AggregateKey(opID, step, index)
	if err != nil {
		panic(err)
	}
	return key
}

// BlobPath returns the deterministic blob store path for an upload so a
// repeated upload overwrites the same object instead of creating a new one.
func BlobPath(p UploadBlob, opID string) string {
	canonical, err := MarshalCanonical(map[string]any{
		"op_id":    opID,
		"filename": p.Filename,
	})
	if err != nil {
		// Strings only; cannot fail.
		panic(err)
	}
	return fmt.Sprintf("%s/%s/%s-%s", p.Collection, p.EntityID, hashWithDomain(DomainBlob, canonical)[:16], p.Filename)
}
