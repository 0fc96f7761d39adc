// Package vdaf provides the compile-time-typed fixed-point VDAF dispatch
// layer: the FixedTypeTag enum, the per-width fixed-point element types,
// and the Prio3FixedPointBoundedL2VecSum instance derivation described in
// spec.md Section 4.3.
//
// The cryptographic VDAF primitive itself (secret sharing, the L2-norm
// proof, zCDP noise sampling) is an external collaborator per spec.md
// Section 1; this package stops at the boundary of selecting and
// parameterizing that primitive from a runtime type tag.
package vdaf

import (
	"errors"
	"fmt"
)

// FixedTypeTag identifies the fixed-point bit width of a VDAF's gradient
// components. The set of widths is fixed at three (spec.md Section 4.3);
// this is intentionally a closed enum, not an open interface.
type FixedTypeTag uint8

const (
	// Fixed16 tags Q15 fixed-point components (1 sign bit, 15 fractional bits).
	Fixed16 FixedTypeTag = iota
	// Fixed32 tags Q31 fixed-point components.
	Fixed32
	// Fixed64 tags Q63 fixed-point components.
	Fixed64
)

// ErrUnknownTypeTag indicates a FixedTypeTag value outside {Fixed16, Fixed32, Fixed64}.
var ErrUnknownTypeTag = errors.New("unknown fixed-point type tag")

// ErrTypeTagMismatch indicates a measurement's runtime variant tag does not
// match the session's configured submission_type (spec.md Section 4.3,
// Section 8 scenario 3).
var ErrTypeTagMismatch = errors.New("measurement type tag does not match vdaf parameter submission type")

// String renders the tag the way it appears on the wire and in error
// messages ("Fixed16", "Fixed32", "Fixed64").
func (t FixedTypeTag) String() string {
	switch t {
	case Fixed16:
		return "Fixed16"
	case Fixed32:
		return "Fixed32"
	case Fixed64:
		return "Fixed64"
	default:
		return fmt.Sprintf("FixedTypeTag(%d)", uint8(t))
	}
}

// Bitsize returns the fixed-point element's bit width: 16, 32, or 64.
func (t FixedTypeTag) Bitsize() (int, error) {
	switch t {
	case Fixed16:
		return 16, nil
	case Fixed32:
		return 32, nil
	case Fixed64:
		return 64, nil
	default:
		return 0, fmt.Errorf("%s: %w", t, ErrUnknownTypeTag)
	}
}

// Valid reports whether t is one of the three recognized tags.
func (t FixedTypeTag) Valid() bool {
	_, err := t.Bitsize()
	return err == nil
}

// MarshalJSON renders the tag as its wire string form.
func (t FixedTypeTag) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("marshal type tag: %s: %w", t, ErrUnknownTypeTag)
	}
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON parses the tag from its wire string form.
func (t *FixedTypeTag) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	switch s {
	case "Fixed16":
		*t = Fixed16
	case "Fixed32":
		*t = Fixed32
	case "Fixed64":
		*t = Fixed64
	default:
		return fmt.Errorf("unmarshal type tag %q: %w", s, ErrUnknownTypeTag)
	}
	return nil
}

// FixedPoint16 is a Q15 fixed-point value: one sign bit, 15 fractional
// bits, range [-1, 1-2^-15]. Represented as its raw signed 16-bit encoding.
type FixedPoint16 int16

// FixedPoint32 is a Q31 fixed-point value, range [-1, 1-2^-31].
type FixedPoint32 int32

// FixedPoint64 is a Q63 fixed-point value, range [-1, 1-2^-63].
type FixedPoint64 int64

// VecFixedAny is the sealed tagged union consumed at the dispatch
// boundary: a runtime gradient vector tagged with its fixed-point width.
// Exactly one of the three fields is meaningful, selected by Tag.
//
// This is a closed sum, not an open interface: the set of widths is fixed
// at three and every consumer is expected to exhaustively switch on Tag.
type VecFixedAny struct {
	Tag FixedTypeTag

	fixed16 []FixedPoint16
	fixed32 []FixedPoint32
	fixed64 []FixedPoint64
}

// NewVecFixed16 constructs a VecFixedAny tagged Fixed16.
func NewVecFixed16(v []FixedPoint16) VecFixedAny {
	return VecFixedAny{Tag: Fixed16, fixed16: v}
}

// NewVecFixed32 constructs a VecFixedAny tagged Fixed32.
func NewVecFixed32(v []FixedPoint32) VecFixedAny {
	return VecFixedAny{Tag: Fixed32, fixed32: v}
}

// NewVecFixed64 constructs a VecFixedAny tagged Fixed64.
func NewVecFixed64(v []FixedPoint64) VecFixedAny {
	return VecFixedAny{Tag: Fixed64, fixed64: v}
}

// Len returns the length of the tagged sequence, regardless of width.
func (v VecFixedAny) Len() int {
	switch v.Tag {
	case Fixed16:
		return len(v.fixed16)
	case Fixed32:
		return len(v.fixed32)
	case Fixed64:
		return len(v.fixed64)
	default:
		return 0
	}
}

// Fixed16 returns the inner sequence and true if v is tagged Fixed16.
func (v VecFixedAny) Fixed16() ([]FixedPoint16, bool) {
	return v.fixed16, v.Tag == Fixed16
}

// Fixed32 returns the inner sequence and true if v is tagged Fixed32.
func (v VecFixedAny) Fixed32() ([]FixedPoint32, bool) {
	return v.fixed32, v.Tag == Fixed32
}

// Fixed64 returns the inner sequence and true if v is tagged Fixed64.
func (v VecFixedAny) Fixed64() ([]FixedPoint64, bool) {
	return v.fixed64, v.Tag == Fixed64
}

// CheckTag verifies that v's runtime tag equals want, as required before
// instantiating a VDAF client or server for v (spec.md Section 4.3,
// Section 8 scenario 3: "error before upload").
func CheckTag(v VecFixedAny, want FixedTypeTag) error {
	if v.Tag != want {
		return fmt.Errorf("measurement tagged %s, session expects %s: %w", v.Tag, want, ErrTypeTagMismatch)
	}
	return nil
}
