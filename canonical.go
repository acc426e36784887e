package useaid

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalJSON returns the canonical encoding of v: object keys sorted,
// no insignificant whitespace, and numbers preserved exactly as written.
// Hashes and seal signatures are computed over this encoding; any other
// encoding breaks cross-implementation verification.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal for canonicalization: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var norm any
	if err := dec.Decode(&norm); err != nil {
		return nil, fmt.Errorf("failed to normalize for canonicalization: %w", err)
	}
	// encoding/json writes map keys in sorted order, which together with
	// json.Number round-tripping yields a stable byte sequence.
	canon, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical form: %w", err)
	}
	return canon, nil
}

// HashHex returns the lowercase hex SHA-256 of data.
func HashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RecordHash computes the hash of a chain record from its hashed fields.
// The hash and signature fields themselves are excluded; prev_hash is
// included, which is what links the chain.
func RecordHash(recordType RecordType, sessionID, timestamp string, data any, prevHash string) (string, error) {
	canon, err := CanonicalJSON(map[string]any{
		"type":       string(recordType),
		"session_id": sessionID,
		"timestamp":  timestamp,
		"data":       data,
		"prev_hash":  prevHash,
	})
	if err != nil {
		return "", err
	}
	return HashHex(canon), nil
}

// VerifyRecordHash recomputes r's hash and reports whether it matches the
// recorded value.
func VerifyRecordHash(r *ChainRecord) (bool, error) {
	h, err := RecordHash(r.Type, r.SessionID, r.Timestamp, r.Data, r.PrevHash)
	if err != nil {
		return false, err
	}
	return h == r.Hash, nil
}
