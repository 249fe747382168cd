// Package secure keeps credential material protected while it lives in
// process memory. Material sits in an encrypted memguard enclave between the
// moment a source generates it and the moment the store persists it.
package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Material is credential secret material held in an encrypted enclave.
// Plaintext exists only inside Reveal and is wiped when the callback returns.
type Material struct {
	enclave   *memguard.Enclave
	mu        sync.RWMutex
	destroyed bool
}

// NewMaterial seals the given bytes into a protected enclave. The caller
// should zero its own copy afterwards.
func NewMaterial(data []byte) *Material {
	return &Material{enclave: memguard.NewEnclave(data)}
}

// Reveal decrypts the material, hands the plaintext to fn and wipes it again
// before returning. The slice passed to fn is only valid for the duration of
// the call.
func (m *Material) Reveal(fn func(plaintext []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.destroyed {
		return fn(nil)
	}

	locked, err := m.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()
	return fn(locked.Bytes())
}

// String returns the plaintext as a Go string. Prefer Reveal; this exists for
// the persistence boundary, which stores material as an opaque column value.
func (m *Material) String() (string, error) {
	var out string
	err := m.Reveal(func(plaintext []byte) error {
		out = string(plaintext)
		return nil
	})
	return out, err
}

// Destroy marks the material as unusable. Idempotent; after Destroy, Reveal
// sees an empty value.
func (m *Material) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return
	}
	m.enclave = nil
	m.destroyed = true
}

// Purge wipes every enclave the process holds. Call it from main on exit.
func Purge() {
	memguard.Purge()
}
