package secure

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned when a Secret is used after Destroy
var ErrDestroyed = errors.New("secret has been destroyed")

const redacted = "[REDACTED]"

// Secret is plaintext key material in a locked buffer
type Secret struct {
	mu        sync.RWMutex
	buf       *memguard.LockedBuffer
	destroyed bool
	wiped     atomic.Bool
}

// NewSecret moves data into a locked buffer. The source slice is wiped.
func NewSecret(data []byte) *Secret {
	return &Secret{buf: memguard.NewBufferFromBytes(data)}
}

// SecretFromString copies s into a locked buffer. The string itself cannot be
// wiped, so callers should only use this at trust boundaries (request decoding,
// CLI input) and drop the string immediately.
func SecretFromString(s string) *Secret {
	return NewSecret([]byte(s))
}

// Len returns the length of the plaintext, or 0 once destroyed
func (s *Secret) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed || s.buf == nil || s.wiped.Load() {
		return 0
	}
	return s.buf.Size()
}

// Bytes returns the plaintext. The slice aliases the locked buffer and is only
// valid until Destroy; never retain it.
func (s *Secret) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed || s.buf == nil || s.wiped.Load() {
		return nil
	}
	return s.buf.Bytes()
}

// Use calls fn with the plaintext while holding a read lock, so a concurrent
// Destroy waits for fn to return.
func (s *Secret) Use(fn func([]byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed || s.wiped.Load() {
		return ErrDestroyed
	}
	if s.buf == nil {
		return fn(nil)
	}
	return fn(s.buf.Bytes())
}

// Clone returns an independent copy that must be destroyed separately
func (s *Secret) Clone() (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed || s.wiped.Load() {
		return nil, ErrDestroyed
	}
	if s.buf == nil {
		return NewSecret(nil), nil
	}
	cp := make([]byte, s.buf.Size())
	copy(cp, s.buf.Bytes())
	return NewSecret(cp), nil
}

// Equal compares two secrets in constant time
func (s *Secret) Equal(other *Secret) bool {
	if other == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s == other {
		return !s.destroyed && !s.wiped.Load()
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	if s.destroyed || other.destroyed || s.wiped.Load() || other.wiped.Load() {
		return false
	}
	if s.buf == nil || other.buf == nil {
		return s.buf == other.buf
	}
	return s.buf.EqualTo(other.buf.Bytes())
}

// Destroy wipes the plaintext. Safe to call more than once.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if s.buf != nil {
		s.buf.Destroy()
	}
	s.buf = nil
	s.destroyed = true
}

// Wipe zeroes the plaintext in place without waiting for callers inside Use,
// whose slice reads as zeros from then on. Later Use, Bytes and Clone calls
// fail as if destroyed. The buffer itself is released by Destroy.
func (s *Secret) Wipe() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed || !s.wiped.CompareAndSwap(false, true) {
		return
	}
	if s.buf != nil {
		s.buf.Wipe()
	}
}

// Destroyed reports whether Destroy or Wipe has been called
func (s *Secret) Destroyed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed || s.wiped.Load()
}

func (s *Secret) String() string   { return redacted }
func (s *Secret) GoString() string { return redacted }

// Format keeps %x, %q and friends from printing the buffer
func (s *Secret) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(redacted))
}

// MarshalJSON never emits the plaintext
func (s *Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}
