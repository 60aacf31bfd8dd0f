package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/kms"
	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/internal/storage/memory"
	"github.com/systmms/dskeys/pkg/credential"
)

const (
	openAIKey  = "sk-proj-abcdefghijklmnopqrstuvwxyz012345"
	openAIKey2 = "sk-proj-zyxwvutsrqponmlkjihgfedcba543210"
)

type fixture struct {
	ks     *KeyStore
	store  *memory.Store
	source *kms.StaticSource
	km     *kms.EnvelopeManager
	clock  *testclock.Clock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	src := kms.NewStaticSource("1", 0x11)
	km := kms.NewEnvelopeManager(src, kms.WithClock(clk), kms.WithVersionTTL(0))
	store := memory.New()
	n := 0
	ks := New(store, km, cfg, WithClock(clk), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("key-%d", n)
	}))
	return &fixture{ks: ks, store: store, source: src, km: km, clock: clk}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	input := secure.SecretFromString(openAIKey)
	rec, err := f.ks.Create(ctx, "alice", credential.ProviderOpenAI, input)
	require.NoError(t, err)

	assert.True(t, input.Destroyed(), "input is consumed")
	assert.Equal(t, "key-1", rec.ID)
	assert.Equal(t, "1", rec.KMSVersion)
	assert.Len(t, rec.Fingerprint, 16)
	assert.NotContains(t, string(rec.Ciphertext), openAIKey)
	assert.Equal(t, rec.CreatedAt, rec.LastRotatedAt)

	_, err = f.ks.Create(ctx, "alice", credential.ProviderOpenAI, secure.SecretFromString(openAIKey2))
	assert.ErrorIs(t, err, dserrors.ErrDuplicateActiveKey)

	_, err = f.ks.Create(ctx, "bob", credential.ProviderOpenAI, secure.SecretFromString(openAIKey))
	assert.NoError(t, err, "same key for a different owner is allowed")
}

func TestCreate_Validation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name     string
		owner    string
		provider credential.ProviderType
		key      string
		field    string
	}{
		{name: "missing owner", owner: " ", provider: credential.ProviderOpenAI, key: openAIKey, field: "owner"},
		{name: "unknown provider", owner: "alice", provider: "acme", key: openAIKey, field: "provider"},
		{name: "empty key", owner: "alice", provider: credential.ProviderOpenAI, key: "", field: "key"},
		{name: "wrong shape", owner: "alice", provider: credential.ProviderAnthropic, key: openAIKey, field: "key"},
		{name: "gemini too short", owner: "alice", provider: credential.ProviderGemini, key: "AIzaShort", field: "key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ks.Create(ctx, tt.owner, tt.provider, secure.SecretFromString(tt.key))
			var verr dserrors.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
			assert.NotContains(t, err.Error(), openAIKey)
		})
	}

	keys, err := f.store.ListKeys(ctx, storage.KeyFilter{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRotate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	rec, err := f.ks.Create(ctx, "alice", credential.ProviderOpenAI, secure.SecretFromString(openAIKey))
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	rotated, err := f.ks.Rotate(ctx, rec.ID, secure.SecretFromString(openAIKey2))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rotated.ID)
	assert.Equal(t, rec.CreatedAt, rotated.CreatedAt)
	assert.True(t, rotated.LastRotatedAt.After(rec.LastRotatedAt))
	assert.NotEqual(t, rec.Fingerprint, rotated.Fingerprint)

	err = f.ks.WithDecrypted(ctx, rec.ID, func(pt *secure.Secret) error {
		assert.Equal(t, openAIKey2, string(pt.Bytes()))
		return nil
	})
	require.NoError(t, err)

	_, err = f.ks.Rotate(ctx, "missing", secure.SecretFromString(openAIKey2))
	assert.ErrorIs(t, err, dserrors.ErrNotFound)
}

func TestDelete_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	rec, err := f.ks.Create(ctx, "alice", credential.ProviderGroq, secure.SecretFromString("gsk_abcdefghijklmnopqrstuvwx"))
	require.NoError(t, err)

	deleted, err := f.ks.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = f.ks.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	exists, err := f.ks.Exists(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWithDecrypted_NoPlaintextEscapes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	rec, err := f.ks.Create(ctx, "alice", credential.ProviderOpenAI, secure.SecretFromString(openAIKey))
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		var leaked *secure.Secret
		err := f.ks.WithDecrypted(ctx, rec.ID, func(pt *secure.Secret) error {
			leaked = pt
			assert.Equal(t, openAIKey, string(pt.Bytes()))
			return nil
		})
		require.NoError(t, err)
		assert.True(t, leaked.Destroyed())
		assert.Nil(t, leaked.Bytes())
	})

	t.Run("error", func(t *testing.T) {
		var leaked *secure.Secret
		boom := errors.New("probe failed")
		err := f.ks.WithDecrypted(ctx, rec.ID, func(pt *secure.Secret) error {
			leaked = pt
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.True(t, leaked.Destroyed())
	})

	t.Run("panic", func(t *testing.T) {
		var leaked *secure.Secret
		assert.Panics(t, func() {
			_ = f.ks.WithDecrypted(ctx, rec.ID, func(pt *secure.Secret) error {
				leaked = pt
				panic("adapter bug")
			})
		})
		assert.True(t, leaked.Destroyed())
	})

	t.Run("formatting", func(t *testing.T) {
		_ = f.ks.WithDecrypted(ctx, rec.ID, func(pt *secure.Secret) error {
			for _, s := range []string{fmt.Sprint(pt), fmt.Sprintf("%v %+v %#v %s %x %q", pt, pt, pt, pt, pt, pt)} {
				assert.NotContains(t, s, "sk-proj")
			}
			return nil
		})
	})

	cfg, err := f.ks.Configuration(ctx)
	require.NoError(t, err)
	assert.Zero(t, cfg.OpenScopes)
}

func TestWithDecrypted_Errors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	err := f.ks.WithDecrypted(ctx, "missing", func(*secure.Secret) error { return nil })
	assert.ErrorIs(t, err, dserrors.ErrNotFound)

	require.NoError(t, f.store.InsertKey(ctx, credential.KeyRecord{
		ID: "broken", OwnerID: "alice", Provider: credential.ProviderOpenAI,
		Ciphertext: []byte("garbage"),
	}))
	called := false
	err = f.ks.WithDecrypted(ctx, "broken", func(*secure.Secret) error {
		called = true
		return nil
	})
	var derr dserrors.DecryptError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "broken", derr.KeyID)
	assert.False(t, called)
}

func TestWithDecrypted_CountsOverruns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{ScopeBudget: time.Second})
	ctx := context.Background()
	rec, err := f.ks.Create(ctx, "alice", credential.ProviderOpenAI, secure.SecretFromString(openAIKey))
	require.NoError(t, err)

	require.NoError(t, f.ks.WithDecrypted(ctx, rec.ID, func(*secure.Secret) error {
		f.clock.Advance(3 * time.Second)
		return nil
	}))

	cfg, err := f.ks.Configuration(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cfg.OverrunScopes)
	assert.Equal(t, time.Second, cfg.ScopeBudget)

	cfg, err = f.ks.Configuration(ctx)
	require.NoError(t, err)
	assert.Zero(t, cfg.OverrunScopes, "each Configuration call starts a new window")
}

func TestReencrypt(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()
	rec, err := f.ks.Create(ctx, "alice", credential.ProviderOpenAI, secure.SecretFromString(openAIKey))
	require.NoError(t, err)

	_, changed, err := f.ks.Reencrypt(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	f.source.AddVersion("2", []byte(strings.Repeat("v", 32)))
	moved, changed, err := f.ks.Reencrypt(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "2", moved.KMSVersion)
	assert.Equal(t, rec.LastRotatedAt, moved.LastRotatedAt)
	assert.Equal(t, rec.Fingerprint, moved.Fingerprint)

	require.NoError(t, f.ks.WithDecrypted(ctx, rec.ID, func(pt *secure.Secret) error {
		assert.Equal(t, openAIKey, string(pt.Bytes()))
		return nil
	}))
}

func TestExport(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	disabled := newFixture(t, Config{})
	rec, err := disabled.ks.Create(ctx, "alice", credential.ProviderOpenAI, secure.SecretFromString(openAIKey))
	require.NoError(t, err)
	_, err = disabled.ks.Export(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrExportDisabled)

	enabled := newFixture(t, Config{AllowPlaintextExport: true, MasterKeySource: "env"})
	rec, err = enabled.ks.Create(ctx, "alice", credential.ProviderOpenAI, secure.SecretFromString(openAIKey))
	require.NoError(t, err)
	out, err := enabled.ks.Export(ctx, rec.ID)
	require.NoError(t, err)
	defer out.Destroy()
	assert.Equal(t, openAIKey, string(out.Bytes()))

	cfg, err := enabled.ks.Configuration(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.AllowPlaintextExport)
	assert.Equal(t, "env", cfg.MasterKeySource)
	assert.Equal(t, "envelope/static", cfg.KMSName)
	assert.Equal(t, "1", cfg.CurrentKMSVersion)
}

func TestValidateFormat(t *testing.T) {
	t.Parallel()

	valid := map[credential.ProviderType]string{
		credential.ProviderOpenAI:       "sk-abcdefghijklmnopqrstuvwxyz",
		credential.ProviderAnthropic:    "sk-ant-REDACTED",
		credential.ProviderGemini:       "AIza" + strings.Repeat("x", 35),
		credential.ProviderMistral:      strings.Repeat("a", 32),
		credential.ProviderGroq:         "gsk_" + strings.Repeat("b", 24),
		credential.ProviderXAI:          "xai-" + strings.Repeat("c", 24),
		credential.ProviderCohere:       strings.Repeat("d", 40),
		credential.ProviderPerplexity:   "pplx-" + strings.Repeat("e", 24),
		credential.ProviderMicroservice: "svc-token-0123456789",
	}
	for _, p := range credential.AllProviders() {
		key, ok := valid[p]
		require.True(t, ok, "no sample for %s", p)
		assert.NoError(t, ValidateFormat(p, secure.SecretFromString(key)), string(p))
	}
}
