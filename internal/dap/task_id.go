package dap

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// TaskIdLen is the length in bytes of a DAP task id (spec.md Glossary:
// VDAF/DAP task identifiers are fixed-width random values).
const TaskIdLen = 32

// TaskId identifies one provisioned DAP task (one aggregation round).
// Task ids are globally unique random values (spec.md Section 4.1: "Two
// is a bug sentinel: task ids are globally unique random values").
type TaskId [TaskIdLen]byte

// RandomTaskId generates a fresh random task id.
func RandomTaskId() (TaskId, error) {
	var id TaskId
	if _, err := rand.Read(id[:]); err != nil {
		return TaskId{}, fmt.Errorf("generate random task id: %w", err)
	}
	return id, nil
}

// b64 is base64url without padding, matching spec.md Section 6:
// "Task ids: base64url without padding over the VDAF's encoded task-id
// bytes."
var b64 = base64.RawURLEncoding

// Encode renders the task id as base64url without padding.
func (id TaskId) Encode() string {
	return b64.EncodeToString(id[:])
}

// String is an alias for Encode, so task ids print readably in logs.
func (id TaskId) String() string {
	return id.Encode()
}

// DecodeTaskId parses a base64url-without-padding task id, as produced by Encode.
func DecodeTaskId(s string) (TaskId, error) {
	raw, err := b64.DecodeString(s)
	if err != nil {
		return TaskId{}, fmt.Errorf("decode task id %q: %w", s, err)
	}
	if len(raw) != TaskIdLen {
		return TaskId{}, fmt.Errorf("decode task id %q: got %d bytes, want %d", s, len(raw), TaskIdLen)
	}
	var id TaskId
	copy(id[:], raw)
	return id, nil
}

// MarshalJSON renders the task id as its base64url string form, matching
// the *Encoded-suffixed wire field names of spec.md Section 6.
func (id TaskId) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.Encode())
}

// UnmarshalJSON parses the task id from its base64url string form.
func (id *TaskId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal task id: %w", err)
	}
	decoded, err := DecodeTaskId(s)
	if err != nil {
		return err
	}
	*id = decoded
	return nil
}
