package kms

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/systmms/dskeys/internal/secure"
)

// StaticSource holds master keys in process memory. It is meant for tests
// and throwaway local runs.
type StaticSource struct {
	mu      sync.Mutex
	keys    map[string]*secure.Sealed
	current string
}

// NewStaticSource creates a source whose first version is derived from seed
func NewStaticSource(version string, seed byte) *StaticSource {
	s := &StaticSource{keys: make(map[string]*secure.Sealed)}
	s.AddVersion(version, bytes.Repeat([]byte{seed}, dataKeyLen))
	return s
}

// AddVersion stores key as version and makes it current. key is wiped.
func (s *StaticSource) AddVersion(version string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[version] = secure.Seal(key)
	s.current = version
}

func (s *StaticSource) Kind() string { return "static" }

func (s *StaticSource) Fetch(_ context.Context, version string) (*secure.Secret, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version == "" {
		version = s.current
	}
	sealed, ok := s.keys[version]
	if !ok {
		return nil, "", fmt.Errorf("%w %q", ErrUnknownVersion, version)
	}
	key, err := sealed.Open()
	if err != nil {
		return nil, "", err
	}
	return key, version, nil
}
