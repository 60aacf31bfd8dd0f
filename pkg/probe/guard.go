package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/pkg/credential"
)

// DefaultTimeout bounds a single probe call when the provider config sets none
const DefaultTimeout = 10 * time.Second

type guarded struct {
	inner   Probe
	timeout time.Duration
}

// WithTimeout wraps p so that every call finishes within timeout. A probe that
// overruns or panics yields TransientError instead of hanging or crashing the
// caller, and a result arriving after the deadline is dropped. The inner probe
// works on its own copy of the key. That copy is zeroed before Validate
// returns on timeout or cancellation, and released when the inner probe
// finally returns.
func WithTimeout(p Probe, timeout time.Duration) Probe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &guarded{inner: p, timeout: timeout}
}

func (g *guarded) Provider() credential.ProviderType {
	return g.inner.Provider()
}

func (g *guarded) Validate(ctx context.Context, key *secure.Secret) Verdict {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	own, err := key.Clone()
	if err != nil {
		return TransientError(err.Error())
	}

	done := make(chan Verdict, 1)
	go func() {
		defer own.Destroy()
		defer func() {
			if r := recover(); r != nil {
				done <- TransientError(fmt.Sprintf("probe panicked: %v", r))
			}
		}()
		done <- g.inner.Validate(ctx, own)
	}()

	select {
	case v := <-done:
		if v.Kind != KindValid && ctx.Err() == context.DeadlineExceeded {
			return TransientError(fmt.Sprintf("probe timed out after %s", g.timeout))
		}
		return v
	case <-ctx.Done():
		own.Wipe()
		if ctx.Err() == context.DeadlineExceeded {
			return TransientError(fmt.Sprintf("probe timed out after %s", g.timeout))
		}
		return TransientError("probe cancelled")
	}
}

// Unwrap returns the probe inside a WithTimeout wrapper, or p itself
func Unwrap(p Probe) Probe {
	if g, ok := p.(*guarded); ok {
		return g.inner
	}
	return p
}
