package probe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/pkg/credential"
)

// FakeProbe is a scriptable Probe for tests. Verdicts are looked up by key
// value first, then taken from the shared sequence; the last entry repeats.
type FakeProbe struct {
	ProviderType credential.ProviderType
	Delay        time.Duration

	mu       sync.Mutex
	sequence []Verdict
	byKey    map[string][]Verdict
	calls    int
}

// NewFakeProbe returns a probe that answers Valid until scripted otherwise
func NewFakeProbe(p credential.ProviderType) *FakeProbe {
	return &FakeProbe{ProviderType: p, byKey: make(map[string][]Verdict)}
}

// SetVerdicts scripts the shared verdict sequence
func (f *FakeProbe) SetVerdicts(v ...Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequence = v
}

// SetVerdictsFor scripts the verdicts returned for one key value
func (f *FakeProbe) SetVerdictsFor(key string, v ...Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKey[key] = v
}

// Calls returns how many times Validate ran
func (f *FakeProbe) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeProbe) Provider() credential.ProviderType {
	return f.ProviderType
}

func (f *FakeProbe) Validate(ctx context.Context, key *secure.Secret) Verdict {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return TransientError(ctx.Err().Error())
		}
	}

	var value string
	if err := key.Use(func(b []byte) error {
		value = string(b)
		return nil
	}); err != nil {
		return TransientError(err.Error())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if seq, ok := f.byKey[value]; ok && len(seq) > 0 {
		v := seq[0]
		if len(seq) > 1 {
			f.byKey[value] = seq[1:]
		}
		return v
	}
	if len(f.sequence) == 0 {
		return Valid()
	}
	v := f.sequence[0]
	if len(f.sequence) > 1 {
		f.sequence = f.sequence[1:]
	}
	return v
}

// ContractTest is the behaviour every built-in probe must show
type ContractTest struct {
	// NewProbe builds the probe under test, usually pointed at an httptest
	// server that accepts ValidKey and rejects everything else.
	NewProbe   func(t *testing.T) Probe
	ValidKey   string
	InvalidKey string
}

// RunContractTests runs the standard probe contract suite
func RunContractTests(t *testing.T, c ContractTest) {
	t.Run("Contract", func(t *testing.T) {
		t.Run("ValidKey", func(t *testing.T) {
			p := c.NewProbe(t)
			key := secure.SecretFromString(c.ValidKey)
			defer key.Destroy()
			if v := p.Validate(context.Background(), key); v.Kind != KindValid {
				t.Fatalf("valid key: got %s", v)
			}
		})

		t.Run("InvalidKey", func(t *testing.T) {
			p := c.NewProbe(t)
			key := secure.SecretFromString(c.InvalidKey)
			defer key.Destroy()
			if v := p.Validate(context.Background(), key); v.Kind != KindInvalid {
				t.Fatalf("invalid key: got %s", v)
			}
		})

		t.Run("CancelledContext", func(t *testing.T) {
			p := c.NewProbe(t)
			key := secure.SecretFromString(c.ValidKey)
			defer key.Destroy()
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			if v := p.Validate(ctx, key); v.Kind != KindTransientError {
				t.Fatalf("cancelled context: got %s", v)
			}
		})

		t.Run("DestroyedKey", func(t *testing.T) {
			p := c.NewProbe(t)
			key := secure.SecretFromString(c.ValidKey)
			key.Destroy()
			if v := p.Validate(context.Background(), key); v.Kind == KindValid {
				t.Fatalf("destroyed key must never validate")
			}
		})
	})
}
