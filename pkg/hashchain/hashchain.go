// Package hashchain computes the content and chain fingerprints that make the
// decision ledger tamper-evident.
//
// The content fingerprint is the SHA-256 hex digest of the RFC 8785 (JCS)
// canonical JSON of this fixed field set:
//
//	id, sequence_number, service_name, decision_type, input, model, prompt,
//	output, tool_calls, metadata, created_at
//
// created_at is encoded as RFC 3339 with nanoseconds in UTC. Absent payloads
// encode as null. JCS fixes key order (UTF-16 code unit order), number format
// and string escaping, so any implementation can reproduce the digest byte for byte.
//
// The chain fingerprint is SHA-256 hex of content_hash + ":" + previous_hash.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/cybertechsoft/loopgrid/pkg/contracts"
)

// Genesis is the previous_hash of the first decision in a ledger.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// hashedFields is the canonical hashed surface of a decision.
type hashedFields struct {
	ID             string             `json:"id"`
	SequenceNumber int64              `json:"sequence_number"`
	ServiceName    string             `json:"service_name"`
	DecisionType   string             `json:"decision_type"`
	Input          json.RawMessage    `json:"input"`
	Model          contracts.ModelRef `json:"model"`
	Prompt         json.RawMessage    `json:"prompt"`
	Output         json.RawMessage    `json:"output"`
	ToolCalls      json.RawMessage    `json:"tool_calls"`
	Metadata       json.RawMessage    `json:"metadata"`
	CreatedAt      string             `json:"created_at"`
}

// Canonical returns the JCS serialization of the decision's hashed fields.
func Canonical(d *contracts.Decision) ([]byte, error) {
	in := d.DecisionInput.Normalized()
	return Canonicalize(hashedFields{
		ID:             d.ID,
		SequenceNumber: d.SequenceNumber,
		ServiceName:    in.ServiceName,
		DecisionType:   in.DecisionType,
		Input:          in.Input,
		Model:          in.Model,
		Prompt:         in.Prompt,
		Output:         in.Output,
		ToolCalls:      in.ToolCalls,
		Metadata:       in.Metadata,
		CreatedAt:      FormatTime(d.CreatedAt),
	})
}

// Canonicalize returns the JCS form of any JSON-marshalable value.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("hashchain: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("hashchain: canonicalize: %w", err)
	}
	return out, nil
}

// ContentHash fingerprints the decision's hashed fields.
func ContentHash(d *contracts.Decision) (string, error) {
	b, err := Canonical(d)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// ChainHash links a content fingerprint to its predecessor's chain fingerprint.
func ChainHash(contentHash, previousChainHash string) string {
	return HashBytes([]byte(contentHash + ":" + previousChainHash))
}

// Seal fills the decision's linkage fields against the given predecessor.
func Seal(d *contracts.Decision, previousChainHash string) error {
	content, err := ContentHash(d)
	if err != nil {
		return err
	}
	d.PreviousHash = previousChainHash
	d.ContentHash = content
	d.ChainHash = ChainHash(content, previousChainHash)
	return nil
}

// HashBytes returns the SHA-256 hex digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FormatTime renders a timestamp the way the content fingerprint expects.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Equal reports whether two values have the same canonical JSON form.
func Equal(a, b any) bool {
	ca, errA := Canonicalize(a)
	cb, errB := Canonicalize(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ca) == string(cb)
}
