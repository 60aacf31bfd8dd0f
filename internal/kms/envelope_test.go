package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dskeys/internal/secure"
)

// FakeSource serves master keys from memory
type FakeSource struct {
	mu       sync.Mutex
	keys     map[string][]byte
	current  string
	fetches  int
	fetchErr error
}

func NewFakeSource() *FakeSource {
	return &FakeSource{keys: make(map[string][]byte)}
}

// AddVersion stores a deterministic key for version and makes it current
func (f *FakeSource) AddVersion(version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[version] = bytes.Repeat([]byte(version[:1]), 32)
	f.current = version
}

func (f *FakeSource) Kind() string { return "fake" }

func (f *FakeSource) Fetch(_ context.Context, version string) (*secure.Secret, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, "", f.fetchErr
	}
	if version == "" {
		version = f.current
	}
	k, ok := f.keys[version]
	if !ok {
		return nil, "", fmt.Errorf("no version %s", version)
	}
	cp := make([]byte, len(k))
	copy(cp, k)
	return secure.NewSecret(cp), version, nil
}

func (f *FakeSource) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func TestEnvelopeManager_RoundTrip(t *testing.T) {
	t.Parallel()

	src := NewFakeSource()
	src.AddVersion("1")
	m := NewEnvelopeManager(src)
	defer m.Close()
	ctx := context.Background()

	ct, err := m.Encrypt(ctx, secure.SecretFromString("sk-live-abc"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(ct, []byte("dsk1:1:")))
	assert.NotContains(t, string(ct), "sk-live-abc")

	pt, err := m.Decrypt(ctx, ct)
	require.NoError(t, err)
	defer pt.Destroy()
	assert.Equal(t, "sk-live-abc", string(pt.Bytes()))

	v, err := VersionOf(ct)
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Equal(t, "envelope/fake", m.Name())
}

func TestEnvelopeManager_NoncesDiffer(t *testing.T) {
	t.Parallel()

	src := NewFakeSource()
	src.AddVersion("1")
	m := NewEnvelopeManager(src)
	ctx := context.Background()

	a, err := m.Encrypt(ctx, secure.SecretFromString("same"))
	require.NoError(t, err)
	b, err := m.Encrypt(ctx, secure.SecretFromString("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEnvelopeManager_OldVersionsStayReadable(t *testing.T) {
	t.Parallel()

	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	src := NewFakeSource()
	src.AddVersion("1")
	m := NewEnvelopeManager(src, WithClock(clk), WithVersionTTL(time.Minute))
	ctx := context.Background()

	old, err := m.Encrypt(ctx, secure.SecretFromString("first"))
	require.NoError(t, err)

	src.AddVersion("2")
	v, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", v, "cached until the TTL passes")

	clk.Advance(2 * time.Minute)
	v, err = m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	fresh, err := m.Encrypt(ctx, secure.SecretFromString("second"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(fresh, []byte("dsk1:2:")))

	pt, err := m.Decrypt(ctx, old)
	require.NoError(t, err)
	assert.Equal(t, "first", string(pt.Bytes()))
	pt.Destroy()
}

func TestEnvelopeManager_DataKeysAreCached(t *testing.T) {
	t.Parallel()

	src := NewFakeSource()
	src.AddVersion("1")
	m := NewEnvelopeManager(src)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ct, err := m.Encrypt(ctx, secure.SecretFromString("k"))
		require.NoError(t, err)
		pt, err := m.Decrypt(ctx, ct)
		require.NoError(t, err)
		pt.Destroy()
	}
	assert.Equal(t, 1, src.Fetches())

	m.Refresh()
	_, err := m.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, src.Fetches())
}

func TestEnvelopeManager_Tampering(t *testing.T) {
	t.Parallel()

	src := NewFakeSource()
	src.AddVersion("1")
	src.AddVersion("2")
	m := NewEnvelopeManager(src)
	ctx := context.Background()

	ct, err := m.Encrypt(ctx, secure.SecretFromString("payload"))
	require.NoError(t, err)
	_, payload, err := ParseCiphertext(ct)
	require.NoError(t, err)

	t.Run("flipped byte", func(t *testing.T) {
		bad := append([]byte(nil), payload...)
		bad[len(bad)-1] ^= 0xff
		_, err := m.Decrypt(ctx, FormatCiphertext("2", bad))
		assert.Error(t, err)
	})

	t.Run("relabelled version", func(t *testing.T) {
		_, err := m.Decrypt(ctx, FormatCiphertext("1", payload))
		assert.Error(t, err)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := m.Decrypt(ctx, FormatCiphertext("9", payload))
		assert.ErrorIs(t, err, ErrUnknownVersion)
	})
}

func TestParseCiphertext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		version string
		wantErr bool
	}{
		{name: "valid", input: "dsk1:v7:" + base64.StdEncoding.EncodeToString([]byte("abc")), version: "v7"},
		{name: "missing prefix", input: "v7:YWJj", wantErr: true},
		{name: "missing version", input: "dsk1::YWJj", wantErr: true},
		{name: "bad base64", input: "dsk1:v7:***", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, err := ParseCiphertext([]byte(tt.input))
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrMalformedCiphertext))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.version, v)
		})
	}
}

func TestEnvelopeManager_SourceFailure(t *testing.T) {
	t.Parallel()

	src := NewFakeSource()
	src.fetchErr = errors.New("vault sealed")
	m := NewEnvelopeManager(src)

	_, err := m.Encrypt(context.Background(), secure.SecretFromString("x"))
	assert.ErrorContains(t, err, "vault sealed")
}

func TestEnvelopeManager_ShortMasterKey(t *testing.T) {
	t.Parallel()

	src := NewFakeSource()
	src.keys["1"] = []byte("short")
	src.current = "1"
	m := NewEnvelopeManager(src)

	_, err := m.CurrentVersion(context.Background())
	assert.ErrorContains(t, err, "at least 32 bytes")
}
