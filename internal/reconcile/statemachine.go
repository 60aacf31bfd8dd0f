package reconcile

import (
	"time"

	"github.com/systmms/dskeys/pkg/credential"
	"github.com/systmms/dskeys/pkg/probe"
)

const (
	// DefaultRevokeThreshold is the consecutive failure count at which an
	// Invalid verdict revokes a key
	DefaultRevokeThreshold = 3

	// DefaultRetryAfter applies when a rate-limited verdict carries no delay
	DefaultRetryAfter = 60 * time.Second
)

// Policy holds the tunable thresholds of the state machine
type Policy struct {
	RevokeThreshold   int
	DefaultRetryAfter time.Duration
}

// DefaultPolicy returns the documented defaults
func DefaultPolicy() Policy {
	return Policy{RevokeThreshold: DefaultRevokeThreshold, DefaultRetryAfter: DefaultRetryAfter}
}

func (p Policy) withDefaults() Policy {
	if p.RevokeThreshold < 1 {
		p.RevokeThreshold = DefaultRevokeThreshold
	}
	if p.DefaultRetryAfter <= 0 {
		p.DefaultRetryAfter = DefaultRetryAfter
	}
	return p
}

// Outcome is the result of applying one verdict
type Outcome struct {
	Status credential.StatusRecord
	// Previous is the state before the verdict was applied
	Previous credential.State
	// RetryAfter is set when the verdict asked for a deferred retry
	RetryAfter time.Duration
}

// Changed reports whether the verdict moved the key to a different state
func (o Outcome) Changed() bool {
	return o.Status.State != o.Previous
}

// Apply merges a verdict into the current status. It never mutates cur and
// keeps cur.Version, so the result can be written back with a version check.
// A Revoked status is returned unchanged.
func Apply(cur credential.StatusRecord, v probe.Verdict, now time.Time, policy Policy) Outcome {
	policy = policy.withDefaults()
	next := cur
	out := Outcome{Previous: cur.State}

	if cur.State == credential.StateRevoked {
		out.Status = next
		return out
	}

	checked := now
	next.LastCheckedAt = &checked
	next.UpdatedAt = now

	switch v.Kind {
	case probe.KindValid:
		next.State = credential.StateActive
		next.ConsecutiveFailures = 0
		next.ErrorMessage = ""
		next.NextCheckAt = nil

	case probe.KindRateLimited:
		wait := v.RetryAfter
		if wait <= 0 {
			wait = policy.DefaultRetryAfter
		}
		at := now.Add(wait)
		next.NextCheckAt = &at
		out.RetryAfter = wait

	default:
		next.ConsecutiveFailures++
		next.ErrorMessage = v.Reason
		next.NextCheckAt = nil
		next.State = credential.StateError
		if v.Kind == probe.KindInvalid && next.ConsecutiveFailures >= policy.RevokeThreshold {
			next.State = credential.StateRevoked
		}
	}

	out.Status = next
	return out
}

// MarkUnknown records that probing could not be attempted. The failure
// counter is left alone because the credential itself was never tested.
func MarkUnknown(cur credential.StatusRecord, reason string, now time.Time) Outcome {
	out := Outcome{Previous: cur.State}
	next := cur
	if cur.State != credential.StateRevoked {
		checked := now
		next.State = credential.StateUnknown
		next.ErrorMessage = reason
		next.LastCheckedAt = &checked
		next.NextCheckAt = nil
		next.UpdatedAt = now
	}
	out.Status = next
	return out
}
