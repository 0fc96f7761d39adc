// Package hpke wraps github.com/cloudflare/circl/hpke for the two HPKE
// suites spec.md Section 6 names: the collector suite
// (X25519-HKDF-SHA256 / HKDF-SHA256 / AES-256-GCM) used to seal the final
// aggregate to the Controller, and the per-session server suite
// (X25519-HKDF-SHA256 / HKDF-SHA256 / AES-128-GCM) used for the Manager's
// HpkeConfigRegistry keypairs.
package hpke

import (
	"crypto/rand"
	"errors"
	"fmt"

	circlhpke "github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

// ConfigID identifies one entry in a Manager's HpkeConfigRegistry
// (spec.md Section 3): a single byte, capacity 256.
type ConfigID uint8

// Suite names the three HPKE algorithm identifiers (KEM, KDF, AEAD) that
// together select a circl hpke.Suite.
type Suite struct {
	KEM  circlhpke.KEM
	KDF  circlhpke.KDF
	AEAD circlhpke.AEAD
}

// CollectorSuite is the HPKE suite used to seal the aggregate to the
// Controller: X25519-HKDF-SHA256 / HKDF-SHA256 / AES-256-GCM.
var CollectorSuite = Suite{
	KEM:  circlhpke.KEM_X25519_HKDF_SHA256,
	KDF:  circlhpke.KDF_HKDF_SHA256,
	AEAD: circlhpke.AEAD_AES256GCM,
}

// ServerSuite is the per-session HPKE suite used for the Manager's
// session keypairs: X25519-HKDF-SHA256 / HKDF-SHA256 / AES-128-GCM.
var ServerSuite = Suite{
	KEM:  circlhpke.KEM_X25519_HKDF_SHA256,
	KDF:  circlhpke.KDF_HKDF_SHA256,
	AEAD: circlhpke.AEAD_AES128GCM,
}

func (s Suite) circl() circlhpke.Suite {
	return circlhpke.NewSuite(s.KEM, s.KDF, s.AEAD)
}

// ErrGenerateKeyPair wraps a failure from the underlying KEM scheme.
var ErrGenerateKeyPair = errors.New("generate hpke keypair")

// KeyPair is a generated HPKE keypair together with the config id and
// suite it was generated under.
type KeyPair struct {
	ID        ConfigID
	Suite     Suite
	PublicKey kem.PublicKey
	SecretKey kem.PrivateKey
}

// Config is the wire-facing public half of a KeyPair: the HpkeConfig
// spec.md Section 3/6 refers to (config id, KEM/KDF/AEAD identifiers,
// and the encoded public key).
type Config struct {
	ID        ConfigID
	KEM       circlhpke.KEM
	KDF       circlhpke.KDF
	AEAD      circlhpke.AEAD
	PublicKey []byte
}

// GenerateKeyPair generates a fresh keypair for id under suite, as the
// Manager's HpkeConfigRegistry does lazily on first reference to a
// previously-unseen ConfigID (spec.md Section 3).
func GenerateKeyPair(id ConfigID, suite Suite) (KeyPair, error) {
	pk, sk, err := suite.circl().KEM.Scheme().GenerateKeyPair()
	if err != nil {
		return KeyPair{}, fmt.Errorf("%s: %w", ErrGenerateKeyPair, err)
	}
	return KeyPair{ID: id, Suite: suite, PublicKey: pk, SecretKey: sk}, nil
}

// PublicConfig returns the wire-facing Config for kp.
func (kp KeyPair) PublicConfig() (Config, error) {
	raw, err := kp.PublicKey.MarshalBinary()
	if err != nil {
		return Config{}, fmt.Errorf("marshal hpke public key: %w", err)
	}
	return Config{
		ID:        kp.ID,
		KEM:       kp.Suite.KEM,
		KDF:       kp.Suite.KDF,
		AEAD:      kp.Suite.AEAD,
		PublicKey: raw,
	}, nil
}

// Seal encrypts plaintext to cfg's public key with the given additional
// authenticated data and per-message info string, returning the HPKE
// encapsulated key and ciphertext. Used by aggregators (external
// collaborators) to seal the final aggregate to the Controller; kept here
// because the Controller side (Open) lives in this repository and the
// two must agree on wire format.
func Seal(cfg Config, info, aad, plaintext []byte) (encapsulatedKey, ciphertext []byte, err error) {
	suite := Suite{KEM: cfg.KEM, KDF: cfg.KDF, AEAD: cfg.AEAD}.circl()

	pk, err := suite.KEM.Scheme().UnmarshalBinaryPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal hpke public key: %w", err)
	}

	sender, err := suite.NewSender(pk, info)
	if err != nil {
		return nil, nil, fmt.Errorf("new hpke sender: %w", err)
	}

	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("setup hpke sender: %w", err)
	}

	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, nil, fmt.Errorf("hpke seal: %w", err)
	}

	return enc, ct, nil
}

// Open decrypts a ciphertext sealed by Seal, using kp's secret key.
// Called by the Controller when decoding a collected aggregate.
func Open(kp KeyPair, encapsulatedKey, info, aad, ciphertext []byte) ([]byte, error) {
	suite := kp.Suite.circl()

	receiver, err := suite.NewReceiver(kp.SecretKey, info)
	if err != nil {
		return nil, fmt.Errorf("new hpke receiver: %w", err)
	}

	opener, err := receiver.Setup(encapsulatedKey)
	if err != nil {
		return nil, fmt.Errorf("setup hpke receiver: %w", err)
	}

	pt, err := opener.Open(ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("hpke open: %w", err)
	}

	return pt, nil
}
