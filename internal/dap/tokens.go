package dap

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// BearerToken is a bearer-token secret, canonicalized internally to a
// byte string regardless of how it arrived on the wire (spec.md Section 9:
// "canonicalize internally to byte strings"). spec.md Section 6 encodes
// the collector token as base64url and the leader token as a raw UTF-8
// string; BearerToken itself is encoding-agnostic, and the two wire
// representations below (B64URLToken, RawToken) carry that asymmetry.
type BearerToken []byte

// Equal reports whether two tokens are identical, in constant time to
// avoid leaking timing information about bearer-token contents.
func (t BearerToken) Equal(other BearerToken) bool {
	return subtle.ConstantTimeCompare(t, other) == 1
}

// Hash returns a SHA-256 digest of the token, used by the Leader
// Manager's AggregatorTask.CollectorAuthTokenHash and the Helper's
// AggregatorTask.LeaderAuthTokenHash (spec.md Section 4.1).
func (t BearerToken) Hash() [32]byte {
	return sha256.Sum256(t)
}

// B64URLToken is the base64url-without-padding wire encoding used for
// collectorAuthTokenEncoded (spec.md Section 6).
type B64URLToken BearerToken

// MarshalJSON renders the token as base64url without padding.
func (t B64URLToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.RawURLEncoding.EncodeToString(t))
}

// UnmarshalJSON parses the token from its base64url-without-padding form.
func (t *B64URLToken) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal b64url token: %w", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decode b64url token: %w", err)
	}
	*t = B64URLToken(raw)
	return nil
}

// Bytes returns the canonical byte-string form of the token.
func (t B64URLToken) Bytes() BearerToken {
	return BearerToken(t)
}

// RawToken is the raw-UTF-8-string wire encoding used for
// leaderAuthTokenEncoded (spec.md Section 6 / Section 9: "the source
// encodes ... the leader token as a raw string; preserve this on the
// wire for interop").
type RawToken BearerToken

// MarshalJSON renders the token as a plain JSON string of its bytes.
func (t RawToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// UnmarshalJSON parses the token from a plain JSON string.
func (t *RawToken) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("unmarshal raw token: %w", err)
	}
	*t = RawToken(s)
	return nil
}

// Bytes returns the canonical byte-string form of the token.
func (t RawToken) Bytes() BearerToken {
	return BearerToken(t)
}
