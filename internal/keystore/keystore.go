// Package keystore is the only component that handles plaintext API keys.
// Keys are encrypted through a kms.KeyManager before they reach storage, and
// plaintext is only handed out inside WithDecrypted scopes.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/kms"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

// DefaultScopeBudget is how long a decrypt scope may stay open before it is
// counted as an overrun. It must exceed the longest probe timeout, since the
// reconciler probes inside the scope.
const DefaultScopeBudget = 15 * time.Second

// ErrExportDisabled is returned by Export unless plaintext export is enabled
var ErrExportDisabled = errors.New("plaintext export is disabled")

// Config holds key store settings
type Config struct {
	AllowPlaintextExport bool
	ScopeBudget          time.Duration
	// MasterKeySource names the kms source kind, for Configuration
	MasterKeySource string
}

// Configuration is the observable state the vault auditor evaluates
type Configuration struct {
	KMSName              string
	CurrentKMSVersion    string
	MasterKeySource      string
	AllowPlaintextExport bool
	ScopeBudget          time.Duration
	OpenScopes           int64
	// OverrunScopes counts scopes that overran since the previous
	// Configuration call
	OverrunScopes int64
}

// KeyStore stores encrypted key records
type KeyStore struct {
	repo   storage.KeyRepository
	kms    kms.KeyManager
	clock  clock.Clock
	logger *logging.Logger
	cfg    Config
	newID  func() string

	openScopes    atomic.Int64
	overrunScopes atomic.Int64
}

// Option configures a KeyStore
type Option func(*KeyStore)

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(ks *KeyStore) { ks.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(ks *KeyStore) { ks.logger = l }
}

// WithIDGenerator replaces uuid generation, for deterministic tests
func WithIDGenerator(fn func() string) Option {
	return func(ks *KeyStore) { ks.newID = fn }
}

// New creates a key store
func New(repo storage.KeyRepository, km kms.KeyManager, cfg Config, opts ...Option) *KeyStore {
	if cfg.ScopeBudget <= 0 {
		cfg.ScopeBudget = DefaultScopeBudget
	}
	ks := &KeyStore{
		repo:   repo,
		kms:    km,
		clock:  clock.WallClock,
		logger: logging.Discard(),
		cfg:    cfg,
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// Create encrypts plaintext and stores a new record. The store takes
// ownership of plaintext and destroys it before returning.
func (ks *KeyStore) Create(ctx context.Context, ownerID string, provider credential.ProviderType, plaintext *secure.Secret) (credential.KeyRecord, error) {
	defer plaintext.Destroy()

	if strings.TrimSpace(ownerID) == "" {
		return credential.KeyRecord{}, dserrors.ValidationError{Field: "owner", Message: "owner id is required"}
	}
	if err := ValidateFormat(provider, plaintext); err != nil {
		return credential.KeyRecord{}, err
	}

	if _, err := ks.repo.FindKey(ctx, ownerID, provider); err == nil {
		return credential.KeyRecord{}, dserrors.ErrDuplicateActiveKey
	} else if !errors.Is(err, storage.ErrNotFound) {
		return credential.KeyRecord{}, err
	}

	ct, version, fp, err := ks.seal(ctx, plaintext)
	if err != nil {
		return credential.KeyRecord{}, err
	}

	now := ks.clock.Now().UTC()
	rec := credential.KeyRecord{
		ID:            ks.newID(),
		OwnerID:       ownerID,
		Provider:      provider,
		Ciphertext:    ct,
		KMSVersion:    version,
		Fingerprint:   fp,
		CreatedAt:     now,
		LastRotatedAt: now,
	}
	if err := ks.repo.InsertKey(ctx, rec); err != nil {
		return credential.KeyRecord{}, err
	}
	ks.logger.Debug("Stored %s key %s for owner %s (kms version %s)", provider, rec.ID, ownerID, version)
	return rec, nil
}

// Rotate replaces a record's ciphertext in place. Ownership of newPlaintext
// passes to the store.
func (ks *KeyStore) Rotate(ctx context.Context, keyID string, newPlaintext *secure.Secret) (credential.KeyRecord, error) {
	defer newPlaintext.Destroy()

	rec, err := ks.repo.GetKey(ctx, keyID)
	if err != nil {
		return credential.KeyRecord{}, err
	}
	if err := ValidateFormat(rec.Provider, newPlaintext); err != nil {
		return credential.KeyRecord{}, err
	}

	ct, version, fp, err := ks.seal(ctx, newPlaintext)
	if err != nil {
		return credential.KeyRecord{}, err
	}
	rec.Ciphertext = ct
	rec.KMSVersion = version
	rec.Fingerprint = fp
	rec.LastRotatedAt = ks.clock.Now().UTC()

	if err := ks.repo.UpdateKey(ctx, rec); err != nil {
		return credential.KeyRecord{}, err
	}
	ks.logger.Debug("Rotated key %s (kms version %s)", keyID, version)
	return rec, nil
}

// Reencrypt moves a record onto the current master key version without
// changing the key material or its rotation time
func (ks *KeyStore) Reencrypt(ctx context.Context, keyID string) (credential.KeyRecord, bool, error) {
	rec, err := ks.repo.GetKey(ctx, keyID)
	if err != nil {
		return credential.KeyRecord{}, false, err
	}
	current, err := ks.kms.CurrentVersion(ctx)
	if err != nil {
		return credential.KeyRecord{}, false, err
	}
	if rec.KMSVersion == current {
		return rec, false, nil
	}

	err = ks.WithDecrypted(ctx, keyID, func(pt *secure.Secret) error {
		ct, err := ks.kms.Encrypt(ctx, pt)
		if err != nil {
			return err
		}
		rec.Ciphertext = ct
		rec.KMSVersion, err = kms.VersionOf(ct)
		return err
	})
	if err != nil {
		return credential.KeyRecord{}, false, err
	}
	if err := ks.repo.UpdateKey(ctx, rec); err != nil {
		return credential.KeyRecord{}, false, err
	}
	return rec, true, nil
}

// Delete removes a record. Deleting an unknown id is not an error.
func (ks *KeyStore) Delete(ctx context.Context, keyID string) (bool, error) {
	return ks.repo.DeleteKey(ctx, keyID)
}

// Get returns the record without decrypting it
func (ks *KeyStore) Get(ctx context.Context, keyID string) (credential.KeyRecord, error) {
	return ks.repo.GetKey(ctx, keyID)
}

// Find returns the owner's record for provider
func (ks *KeyStore) Find(ctx context.Context, ownerID string, provider credential.ProviderType) (credential.KeyRecord, error) {
	return ks.repo.FindKey(ctx, ownerID, provider)
}

// List returns records matching filter
func (ks *KeyStore) List(ctx context.Context, filter storage.KeyFilter) ([]credential.KeyRecord, error) {
	return ks.repo.ListKeys(ctx, filter)
}

// Exists reports whether keyID is stored
func (ks *KeyStore) Exists(ctx context.Context, keyID string) (bool, error) {
	_, err := ks.repo.GetKey(ctx, keyID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// WithDecrypted decrypts a key and calls fn with the plaintext. The plaintext
// is destroyed when fn returns, fails or panics; fn must not retain it.
func (ks *KeyStore) WithDecrypted(ctx context.Context, keyID string, fn func(*secure.Secret) error) error {
	rec, err := ks.repo.GetKey(ctx, keyID)
	if err != nil {
		return err
	}

	pt, err := ks.kms.Decrypt(ctx, rec.Ciphertext)
	if err != nil {
		return dserrors.DecryptError{KeyID: keyID, Err: err}
	}

	ks.openScopes.Add(1)
	start := ks.clock.Now()
	defer func() {
		pt.Destroy()
		ks.openScopes.Add(-1)
		if elapsed := ks.clock.Now().Sub(start); elapsed > ks.cfg.ScopeBudget {
			ks.overrunScopes.Add(1)
			ks.logger.Warn("Decrypt scope for key %s stayed open %s (budget %s)", keyID, elapsed, ks.cfg.ScopeBudget)
		}
	}()

	return fn(pt)
}

// Export returns a copy of the plaintext for migration tooling. It only works
// when plaintext export is enabled, which the auditor reports as critical.
func (ks *KeyStore) Export(ctx context.Context, keyID string) (*secure.Secret, error) {
	if !ks.cfg.AllowPlaintextExport {
		return nil, ErrExportDisabled
	}
	var out *secure.Secret
	err := ks.WithDecrypted(ctx, keyID, func(pt *secure.Secret) error {
		var err error
		out, err = pt.Clone()
		return err
	})
	if err != nil {
		return nil, err
	}
	ks.logger.Warn("Plaintext of key %s exported", keyID)
	return out, nil
}

// Configuration reports the store's observable configuration. Each call
// starts a new overrun window.
func (ks *KeyStore) Configuration(ctx context.Context) (Configuration, error) {
	version, err := ks.kms.CurrentVersion(ctx)
	if err != nil {
		return Configuration{}, fmt.Errorf("resolve current kms version: %w", err)
	}
	return Configuration{
		KMSName:              ks.kms.Name(),
		CurrentKMSVersion:    version,
		MasterKeySource:      ks.cfg.MasterKeySource,
		AllowPlaintextExport: ks.cfg.AllowPlaintextExport,
		ScopeBudget:          ks.cfg.ScopeBudget,
		OpenScopes:           ks.openScopes.Load(),
		OverrunScopes:        ks.overrunScopes.Swap(0),
	}, nil
}

func (ks *KeyStore) seal(ctx context.Context, pt *secure.Secret) ([]byte, string, string, error) {
	fp, err := Fingerprint(pt)
	if err != nil {
		return nil, "", "", err
	}
	ct, err := ks.kms.Encrypt(ctx, pt)
	if err != nil {
		return nil, "", "", fmt.Errorf("encrypt key: %w", err)
	}
	version, err := kms.VersionOf(ct)
	if err != nil {
		return nil, "", "", err
	}
	return ct, version, fp, nil
}
