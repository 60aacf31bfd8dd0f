// Package probe defines how dskeys asks a provider whether an API key works.
//
// A Probe validates one key against its provider's API and reports a Verdict.
// Ordinary negative outcomes are verdicts, not errors: a rejected key is
// Invalid, a throttled request is RateLimited and a network failure is
// TransientError. The reconciler treats every probe the same way, whatever
// the provider's endpoint, auth header or response shape.
//
// Implementations must read key material only inside secure.Secret.Use and
// must not retain the slice passed to it.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/pkg/credential"
)

// Probe validates API keys for one provider
type Probe interface {
	// Provider returns the provider type this probe speaks to.
	Provider() credential.ProviderType

	// Validate checks key against the provider. It must honour ctx and must
	// not panic for ordinary failures.
	Validate(ctx context.Context, key *secure.Secret) Verdict
}

// Kind enumerates verdict outcomes
type Kind int

const (
	KindValid Kind = iota
	KindInvalid
	KindRateLimited
	KindTransientError
)

func (k Kind) String() string {
	switch k {
	case KindValid:
		return "valid"
	case KindInvalid:
		return "invalid"
	case KindRateLimited:
		return "rate_limited"
	case KindTransientError:
		return "transient_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Verdict is the outcome of validating one key
type Verdict struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
}

// Valid reports the key was accepted
func Valid() Verdict {
	return Verdict{Kind: KindValid}
}

// Invalid reports the provider rejected the key
func Invalid(reason string) Verdict {
	return Verdict{Kind: KindInvalid, Reason: reason}
}

// RateLimited reports the provider asked us to come back later
func RateLimited(retryAfter time.Duration) Verdict {
	return Verdict{Kind: KindRateLimited, RetryAfter: retryAfter, Reason: "rate limited"}
}

// TransientError reports the provider could not be reached or answered with a server error
func TransientError(reason string) Verdict {
	return Verdict{Kind: KindTransientError, Reason: reason}
}

func (v Verdict) String() string {
	switch v.Kind {
	case KindValid:
		return "valid"
	case KindRateLimited:
		return fmt.Sprintf("rate_limited(retry_after=%s)", v.RetryAfter)
	default:
		return fmt.Sprintf("%s(%s)", v.Kind, v.Reason)
	}
}
