package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/systmms/dskeys/pkg/credential"
)

// PagerDuty Events API v2 endpoint
const pagerDutyAPIURL = "https://events.pagerduty.com/v2/enqueue"

// PagerDutyConfig holds configuration for PagerDuty notifications.
type PagerDutyConfig struct {
	// IntegrationKey is the Events API v2 routing key.
	IntegrationKey string

	// Filter selects alerts. The default accepts everything.
	Filter Filter

	// AutoResolve resolves the incident when the alert resolves.
	AutoResolve bool
}

// PagerDutyChannel triggers and resolves PagerDuty incidents
type PagerDutyChannel struct {
	config PagerDutyConfig
	client *http.Client
	apiURL string
}

// NewPagerDutyChannel creates a PagerDuty channel
func NewPagerDutyChannel(config PagerDutyConfig) *PagerDutyChannel {
	return &PagerDutyChannel{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
		apiURL: pagerDutyAPIURL,
	}
}

func (c *PagerDutyChannel) Name() string { return "pagerduty" }

// Accepts filters alerts; resolutions are only wanted with AutoResolve
func (c *PagerDutyChannel) Accepts(a credential.Alert) bool {
	if EventFor(a) == EventResolved && !c.config.AutoResolve {
		return false
	}
	return c.config.Filter.Accepts(a)
}

func (c *PagerDutyChannel) Validate(context.Context) error {
	if c.config.IntegrationKey == "" {
		return fmt.Errorf("integration key is required")
	}
	return nil
}

func (c *PagerDutyChannel) Send(ctx context.Context, a credential.Alert) error {
	body, err := json.Marshal(c.buildPayload(a))
	if err != nil {
		return fmt.Errorf("failed to marshal PagerDuty payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send PagerDuty event: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("PagerDuty returned status %d", resp.StatusCode)
	}
	return nil
}

// buildPayload creates the Events API v2 body. The alert id is the dedup key
// so a resolve closes the incident its trigger opened.
func (c *PagerDutyChannel) buildPayload(a credential.Alert) map[string]interface{} {
	action := "trigger"
	if EventFor(a) == EventResolved {
		action = "resolve"
	}

	payload := map[string]interface{}{
		"routing_key":  c.config.IntegrationKey,
		"event_action": action,
		"dedup_key":    "dskeys-" + a.ID,
	}
	if action == "resolve" {
		return payload
	}

	summary := "dskeys: " + a.Message
	if len(summary) > 1024 {
		summary = summary[:1021] + "..."
	}
	details := map[string]interface{}{
		"alert_id":     a.ID,
		"source_kind":  string(a.SourceKind),
		"reference_id": a.ReferenceID,
	}
	if a.OwnerID != "" {
		details["owner_id"] = a.OwnerID
	}
	payload["payload"] = map[string]interface{}{
		"summary":        summary,
		"severity":       pagerDutySeverity(a.Severity),
		"source":         "dskeys",
		"timestamp":      a.CreatedAt.Format(time.RFC3339),
		"custom_details": details,
	}
	return payload
}

func pagerDutySeverity(s credential.Severity) string {
	switch s {
	case credential.SeverityCritical:
		return "critical"
	case credential.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}
