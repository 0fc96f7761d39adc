// Package dap holds the wire types shared by the Manager, Controller, and
// Client: TrainingSessionId, VdafParameter, task ids, locations, and the
// JSON request/response envelopes of spec.md Section 6. It plays the
// role the teacher's generated protobuf package played, except these
// types are plain Go structs with encoding/json tags, since spec.md
// Section 6 mandates "JSON over HTTP, field names camelCase" rather than
// a protobuf wire format.
package dap

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// TrainingSessionId is a 16-bit unsigned opaque session identifier
// (spec.md Section 3) with stable display/encode/decode.
type TrainingSessionId uint16

// String renders the id in the conventional 0xHHHH hex form used in logs
// and error messages (spec.md Section 8 scenario 1: "sid=0x4A2F").
func (id TrainingSessionId) String() string {
	return fmt.Sprintf("0x%04X", uint16(id))
}

// Encode renders the id as its wire representation: a big-endian uint16.
func (id TrainingSessionId) Encode() [2]byte {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(id))
	return buf
}

// DecodeTrainingSessionId parses the wire representation produced by Encode.
func DecodeTrainingSessionId(buf [2]byte) TrainingSessionId {
	return TrainingSessionId(binary.BigEndian.Uint16(buf[:]))
}

// MarshalJSON renders the id as a bare JSON number, matching spec.md
// Section 6's CreateTrainingSessionResponse { trainingSessionId: u16 }.
func (id TrainingSessionId) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint16(id))
}

// UnmarshalJSON parses the id from a bare JSON number.
func (id *TrainingSessionId) UnmarshalJSON(data []byte) error {
	var v uint16
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal training session id: %w", err)
	}
	*id = TrainingSessionId(v)
	return nil
}

// RandomTrainingSessionId generates a fresh random 16-bit session id, used
// by the Manager when no target id is supplied to create_session
// (spec.md Section 4.1: "Otherwise, generate a random 16-bit id").
func RandomTrainingSessionId() (TrainingSessionId, error) {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate random training session id: %w", err)
	}
	return DecodeTrainingSessionId(buf), nil
}

// Role is the DAP aggregator role a Manager/TrainingSession plays.
type Role uint8

const (
	// RoleLeader is the DAP Leader aggregator role.
	RoleLeader Role = iota
	// RoleHelper is the DAP Helper aggregator role.
	RoleHelper
)

// String renders the role the way it appears on the wire ("leader"/"helper").
func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleHelper:
		return "helper"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// MarshalJSON renders the role as its lowercase wire string.
func (r Role) MarshalJSON() ([]byte, error) {
	if r != RoleLeader && r != RoleHelper {
		return nil, fmt.Errorf("marshal role: %w", ErrInvalidRole)
	}
	return json.Marshal(r.String())
}

// UnmarshalJSON parses the role from its wire string.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal role: %w", err)
	}
	switch s {
	case "leader":
		*r = RoleLeader
	case "helper":
		*r = RoleHelper
	default:
		return fmt.Errorf("unmarshal role %q: %w", s, ErrInvalidRole)
	}
	return nil
}

// ErrInvalidRole indicates a role string other than "leader" or "helper".
var ErrInvalidRole = errors.New(`role must be "leader" or "helper"`)

// Other returns the peer role: Leader's other is Helper and vice versa.
func (r Role) Other() Role {
	if r == RoleLeader {
		return RoleHelper
	}
	return RoleLeader
}
