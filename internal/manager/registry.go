package manager

import (
	"fmt"
	"sync"

	"github.com/dpsa4fl/dpsa4fl-go/internal/vdaf/hpke"
)

// hpkeRegistryCapacity bounds the effective keypair pool to the size of
// hpke.ConfigID's range (spec.md Section 3: "a one-byte config id space,
// so the effective keypair pool size is at most 256").
const hpkeRegistryCapacity = 256

// HpkeConfigRegistry lazily generates and caches one HPKE keypair per
// config id. A config id is first-referenced by whichever session happens
// to land on it; from then on, every session sharing that id reuses the
// same keypair (spec.md Section 3: "a key is created on first reference
// and reused thereafter; collisions are expected and simply collapse to
// key reuse across sessions").
type HpkeConfigRegistry struct {
	suite hpke.Suite

	mu   sync.Mutex
	keys map[hpke.ConfigID]hpke.KeyPair
}

// NewHpkeConfigRegistry returns a registry that generates keypairs under
// the given HPKE suite.
func NewHpkeConfigRegistry(suite hpke.Suite) *HpkeConfigRegistry {
	return &HpkeConfigRegistry{
		suite: suite,
		keys:  make(map[hpke.ConfigID]hpke.KeyPair, hpkeRegistryCapacity),
	}
}

// Get returns the keypair bound to id, generating and caching one on
// first reference.
func (r *HpkeConfigRegistry) Get(id hpke.ConfigID) (hpke.KeyPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kp, ok := r.keys[id]; ok {
		return kp, nil
	}
	kp, err := hpke.GenerateKeyPair(id, r.suite)
	if err != nil {
		return hpke.KeyPair{}, fmt.Errorf("generate hpke keypair for config id %d: %w", id, err)
	}
	r.keys[id] = kp
	return kp, nil
}

// ConfigIDForSession deterministically selects a config id for a session,
// folding the 16-bit session id down into hpke.ConfigID's one-byte range.
// Two sessions can and will land on the same id; Get makes that safe.
func ConfigIDForSession(sessionOrdinal uint16) hpke.ConfigID {
	return hpke.ConfigID(byte(sessionOrdinal) ^ byte(sessionOrdinal>>8))
}
