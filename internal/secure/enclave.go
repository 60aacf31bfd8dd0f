package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// Sealed keeps bytes encrypted in memory (XSalsa20Poly1305 under a
// process-local key) until Open is called. The key-management layer uses it
// to cache derived data keys between operations.
type Sealed struct {
	enclave *memguard.Enclave
	mu      sync.RWMutex
	// destroyed allows idempotent Destroy and blocks use after destroy
	destroyed bool
}

// Seal moves data into an enclave. The source slice is wiped.
func Seal(data []byte) *Sealed {
	return &Sealed{enclave: memguard.NewEnclave(data)}
}

// Open decrypts the enclave into a Secret. The caller must Destroy it.
func (s *Sealed) Open() (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed || s.enclave == nil {
		return nil, ErrDestroyed
	}

	locked, err := s.enclave.Open()
	if err != nil {
		return nil, err
	}
	return &Secret{buf: locked}, nil
}

// Destroy drops the enclave reference. The ciphertext left behind is
// unreadable without the process key, which memguard.Purge wipes on exit.
func (s *Sealed) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.enclave = nil
	s.destroyed = true
}
