package dap

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	circlhpke "github.com/cloudflare/circl/hpke"

	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf/hpke"
)

// HpkeConfig is the wire representation of an HPKE public configuration
// (RFC 9180), used both for CreateTrainingSessionRequest.collectorHpkeConfig
// and for the Manager's own per-session public key advertised alongside a
// task (spec.md Section 3, Section 6).
type HpkeConfig struct {
	ID        hpke.ConfigID `json:"id"`
	KemID     uint16        `json:"kemId"`
	KdfID     uint16        `json:"kdfId"`
	AeadID    uint16        `json:"aeadId"`
	PublicKey []byte        `json:"publicKey"`
}

// FromHpkeConfig converts an internal hpke.Config to its wire form.
func FromHpkeConfig(cfg hpke.Config) HpkeConfig {
	return HpkeConfig{
		ID:        cfg.ID,
		KemID:     uint16(cfg.KEM),
		KdfID:     uint16(cfg.KDF),
		AeadID:    uint16(cfg.AEAD),
		PublicKey: cfg.PublicKey,
	}
}

// ToHpkeConfig converts the wire form back to an internal hpke.Config.
func (c HpkeConfig) ToHpkeConfig() hpke.Config {
	return hpke.Config{
		ID:        c.ID,
		KEM:       circlhpke.KEM(c.KemID),
		KDF:       circlhpke.KDF(c.KdfID),
		AEAD:      circlhpke.AEAD(c.AeadID),
		PublicKey: c.PublicKey,
	}
}

// Equal reports whether two HpkeConfigs are byte-identical. The Manager's
// idempotent task upsert uses it to compare collector HPKE configs.
func (c HpkeConfig) Equal(other HpkeConfig) bool {
	if c.ID != other.ID || c.KemID != other.KemID || c.KdfID != other.KdfID || c.AeadID != other.AeadID {
		return false
	}
	if len(c.PublicKey) != len(other.PublicKey) {
		return false
	}
	for i := range c.PublicKey {
		if c.PublicKey[i] != other.PublicKey[i] {
			return false
		}
	}
	return true
}

// hpkeConfigWire mirrors HpkeConfig's JSON shape but with PublicKey as a
// base64 string, matching how public key bytes are conventionally carried
// in DAP HPKE config JSON.
type hpkeConfigWire struct {
	ID        hpke.ConfigID `json:"id"`
	KemID     uint16        `json:"kemId"`
	KdfID     uint16        `json:"kdfId"`
	AeadID    uint16        `json:"aeadId"`
	PublicKey string        `json:"publicKey"`
}

// MarshalJSON renders the public key as standard base64 (with padding),
// distinct from the unpadded base64url used for task ids and tokens, to
// match typical DAP HPKE config JSON encodings.
func (c HpkeConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(hpkeConfigWire{
		ID:        c.ID,
		KemID:     c.KemID,
		KdfID:     c.KdfID,
		AeadID:    c.AeadID,
		PublicKey: base64.StdEncoding.EncodeToString(c.PublicKey),
	})
}

// UnmarshalJSON parses an HpkeConfig from its wire form.
func (c *HpkeConfig) UnmarshalJSON(data []byte) error {
	var w hpkeConfigWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("unmarshal hpke config: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(w.PublicKey)
	if err != nil {
		return fmt.Errorf("decode hpke config public key: %w", err)
	}
	*c = HpkeConfig{ID: w.ID, KemID: w.KemID, KdfID: w.KdfID, AeadID: w.AeadID, PublicKey: raw}
	return nil
}
