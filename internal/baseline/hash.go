package baseline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"reflowline/internal/domain"
)

const AlgoSHA256 = "sha256"

// CanonicalJSON encodes v with object keys sorted at every level and without HTML escaping.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func snapshotPayload(s domain.BaselineSnapshot) any {
	if s.Entities == nil {
		return map[string]any{}
	}
	return s.Entities
}

// ComputeSnapshotHash hashes the canonical form of the snapshot entities.
func ComputeSnapshotHash(s domain.BaselineSnapshot) (domain.SnapshotHash, error) {
	payload, err := CanonicalJSON(snapshotPayload(s))
	if err != nil {
		return domain.SnapshotHash{}, err
	}
	sum := sha256.Sum256(payload)
	return domain.SnapshotHash{Algo: AlgoSHA256, Value: hex.EncodeToString(sum[:])}, nil
}

// ValidateSnapshotHash is true when no hash is recorded or the recorded sha256 matches.
// Any other algorithm fails.
func ValidateSnapshotHash(b domain.Baseline) bool {
	h := b.Snapshot.Hash
	if h == nil || h.Algo == "" || h.Value == "" {
		return true
	}
	if !strings.EqualFold(h.Algo, AlgoSHA256) {
		return false
	}
	computed, err := ComputeSnapshotHash(b.Snapshot)
	if err != nil {
		return false
	}
	return computed.Value == h.Value
}
