// Package notify delivers alerts to external channels: webhooks, Slack,
// PagerDuty and the process log.
package notify

import (
	"context"
	"strings"

	"github.com/systmms/dskeys/pkg/credential"
)

// EventType says whether an alert is being raised or cleared
type EventType string

const (
	// EventOpened is sent when an alert is created
	EventOpened EventType = "opened"

	// EventResolved is sent when an alert is resolved
	EventResolved EventType = "resolved"
)

// EventFor derives the event type from the alert's state
func EventFor(a credential.Alert) EventType {
	if a.ResolvedAt != nil {
		return EventResolved
	}
	return EventOpened
}

// Channel delivers alerts to one destination
type Channel interface {
	// Name returns the channel name (e.g., "slack", "pagerduty", "webhook:ops").
	Name() string

	// Send delivers the alert. An error means the alert must be retried.
	Send(ctx context.Context, alert credential.Alert) error

	// Accepts reports whether this channel wants the alert at all.
	Accepts(alert credential.Alert) bool

	// Validate checks the channel configuration.
	Validate(ctx context.Context) error
}

// Filter selects alerts by event type and minimum severity
type Filter struct {
	// Events lists accepted event types; empty accepts all.
	Events []string

	// MinSeverity drops alerts below this severity; empty accepts all.
	MinSeverity credential.Severity
}

// Accepts reports whether a passes the filter
func (f Filter) Accepts(a credential.Alert) bool {
	if f.MinSeverity != "" && a.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if len(f.Events) == 0 {
		return true
	}
	event := string(EventFor(a))
	for _, e := range f.Events {
		if strings.EqualFold(e, event) {
			return true
		}
	}
	return false
}
