package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/crypto/hkdf"

	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/secure"
)

const (
	nonceLen   = 12
	dataKeyLen = 32

	// DefaultVersionTTL is how long the resolved current version is trusted
	DefaultVersionTTL = 5 * time.Minute
)

var hkdfSalt = []byte("dskeys/envelope/v1")

// EnvelopeManager is the built-in KeyManager. Each master key version gets
// its own HKDF-derived data key, cached sealed in memory.
type EnvelopeManager struct {
	source     MasterKeySource
	clock      clock.Clock
	logger     *logging.Logger
	versionTTL time.Duration

	mu             sync.Mutex
	dataKeys       map[string]*secure.Sealed
	currentVersion string
	resolvedAt     time.Time
}

// EnvelopeOption configures an EnvelopeManager
type EnvelopeOption func(*EnvelopeManager)

// WithClock replaces the wall clock, for tests
func WithClock(c clock.Clock) EnvelopeOption {
	return func(m *EnvelopeManager) { m.clock = c }
}

// WithVersionTTL overrides DefaultVersionTTL
func WithVersionTTL(d time.Duration) EnvelopeOption {
	return func(m *EnvelopeManager) { m.versionTTL = d }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) EnvelopeOption {
	return func(m *EnvelopeManager) { m.logger = l }
}

// NewEnvelopeManager creates a manager over source
func NewEnvelopeManager(source MasterKeySource, opts ...EnvelopeOption) *EnvelopeManager {
	m := &EnvelopeManager{
		source:     source,
		clock:      clock.WallClock,
		logger:     logging.Discard(),
		versionTTL: DefaultVersionTTL,
		dataKeys:   make(map[string]*secure.Sealed),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the manager name, qualified by the master key source
func (m *EnvelopeManager) Name() string {
	return "envelope/" + m.source.Kind()
}

// Source exposes the master key source
func (m *EnvelopeManager) Source() MasterKeySource {
	return m.source
}

// CurrentVersion returns the master key version new ciphertexts use
func (m *EnvelopeManager) CurrentVersion(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentVersionLocked(ctx)
}

// Refresh drops the cached current version so the next call re-resolves it
func (m *EnvelopeManager) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentVersion = ""
}

func (m *EnvelopeManager) currentVersionLocked(ctx context.Context) (string, error) {
	if m.currentVersion != "" && m.clock.Now().Sub(m.resolvedAt) < m.versionTTL {
		return m.currentVersion, nil
	}

	master, version, err := m.source.Fetch(ctx, "")
	if err != nil {
		return "", err
	}
	defer master.Destroy()

	if _, ok := m.dataKeys[version]; !ok {
		dk, err := deriveDataKey(master, version)
		if err != nil {
			return "", err
		}
		m.dataKeys[version] = dk
	}
	if m.currentVersion != "" && m.currentVersion != version {
		m.logger.Info("Master key version changed: %s -> %s", m.currentVersion, version)
	}
	m.currentVersion = version
	m.resolvedAt = m.clock.Now()
	return version, nil
}

func (m *EnvelopeManager) dataKey(ctx context.Context, version string) (*secure.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sealed, ok := m.dataKeys[version]
	if !ok {
		master, got, err := m.source.Fetch(ctx, version)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrUnknownVersion, version, err)
		}
		defer master.Destroy()
		if got != version {
			return nil, fmt.Errorf("%w %q: source returned %q", ErrUnknownVersion, version, got)
		}
		if sealed, err = deriveDataKey(master, version); err != nil {
			return nil, err
		}
		m.dataKeys[version] = sealed
	}
	return sealed.Open()
}

// Encrypt seals plaintext under the current master key version
func (m *EnvelopeManager) Encrypt(ctx context.Context, plaintext *secure.Secret) ([]byte, error) {
	m.mu.Lock()
	version, err := m.currentVersionLocked(ctx)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	key, err := m.dataKey(ctx, version)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	var payload []byte
	err = plaintext.Use(func(pt []byte) error {
		aead, err := newAEAD(key.Bytes())
		if err != nil {
			return err
		}
		nonce := make([]byte, nonceLen)
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("generating nonce: %w", err)
		}
		sealed := aead.Seal(nil, nonce, pt, additionalData(version))
		payload = make([]byte, nonceLen+len(sealed))
		copy(payload, nonce)
		copy(payload[nonceLen:], sealed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return FormatCiphertext(version, payload), nil
}

// Decrypt opens a ciphertext produced by Encrypt under any known version
func (m *EnvelopeManager) Decrypt(ctx context.Context, ciphertext []byte) (*secure.Secret, error) {
	version, payload, err := ParseCiphertext(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(payload) < nonceLen+1 {
		return nil, fmt.Errorf("%w: payload too short", ErrMalformedCiphertext)
	}

	key, err := m.dataKey(ctx, version)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	aead, err := newAEAD(key.Bytes())
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, payload[:nonceLen], payload[nonceLen:], additionalData(version))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return secure.NewSecret(pt), nil
}

// Close wipes cached data keys
func (m *EnvelopeManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for v, dk := range m.dataKeys {
		dk.Destroy()
		delete(m.dataKeys, v)
	}
	m.currentVersion = ""
}

func deriveDataKey(master *secure.Secret, version string) (*secure.Sealed, error) {
	var sealed *secure.Sealed
	err := master.Use(func(mk []byte) error {
		if len(mk) < dataKeyLen {
			return fmt.Errorf("master key must be at least %d bytes, got %d", dataKeyLen, len(mk))
		}
		r := hkdf.New(sha256.New, mk, hkdfSalt, []byte("data-key:"+version))
		dk := make([]byte, dataKeyLen)
		if _, err := io.ReadFull(r, dk); err != nil {
			return fmt.Errorf("deriving data key for version %s: %w", version, err)
		}
		sealed = secure.Seal(dk)
		return nil
	})
	return sealed, err
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aead, nil
}

func additionalData(version string) []byte {
	return []byte(ciphertextPrefix + version)
}
