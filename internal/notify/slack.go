package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/systmms/dskeys/pkg/credential"
)

// SlackConfig holds configuration for Slack webhook notifications.
type SlackConfig struct {
	// WebhookURL is the Slack incoming webhook URL.
	WebhookURL string

	// Channel overrides the webhook's default channel.
	Channel string

	Filter Filter

	// MentionOnCritical lists Slack handles mentioned on critical alerts.
	MentionOnCritical []string
}

// SlackChannel posts alerts to Slack incoming webhooks
type SlackChannel struct {
	config SlackConfig
	client *http.Client
}

// NewSlackChannel creates a Slack channel
func NewSlackChannel(config SlackConfig) *SlackChannel {
	return &SlackChannel{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Accepts(a credential.Alert) bool {
	return c.config.Filter.Accepts(a)
}

func (c *SlackChannel) Validate(context.Context) error {
	if c.config.WebhookURL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	parsed, err := url.Parse(c.config.WebhookURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid webhook URL: %s", c.config.WebhookURL)
	}
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, a credential.Alert) error {
	body, err := json.Marshal(c.buildMessage(a))
	if err != nil {
		return fmt.Errorf("failed to marshal Slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Slack notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

// buildMessage creates a Block Kit formatted message
func (c *SlackChannel) buildMessage(a credential.Alert) map[string]interface{} {
	resolved := EventFor(a) == EventResolved

	title := fmt.Sprintf("%s %s alert", severityEmoji(a.Severity), severityTitle(a.Severity))
	if resolved {
		title = ":white_check_mark: Alert resolved"
	}

	blocks := []map[string]interface{}{
		{
			"type": "header",
			"text": map[string]interface{}{"type": "plain_text", "text": title, "emoji": true},
		},
		{
			"type": "section",
			"text": map[string]interface{}{"type": "mrkdwn", "text": a.Message},
		},
		{
			"type": "section",
			"fields": []map[string]interface{}{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Source:*\n%s", a.SourceKind)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Reference:*\n%s", a.ReferenceID)},
			},
		},
	}

	if !resolved && a.Severity == credential.SeverityCritical && len(c.config.MentionOnCritical) > 0 {
		blocks = append(blocks, map[string]interface{}{
			"type": "section",
			"text": map[string]interface{}{
				"type": "mrkdwn",
				"text": "*Attention:* " + strings.Join(c.config.MentionOnCritical, " "),
			},
		})
	}

	ts := a.CreatedAt
	if resolved {
		ts = *a.ResolvedAt
	}
	blocks = append(blocks,
		map[string]interface{}{
			"type": "context",
			"elements": []map[string]interface{}{{
				"type": "mrkdwn",
				"text": fmt.Sprintf("<!date^%d^{date_short_pretty} at {time}|%s>", ts.Unix(), ts.Format(time.RFC3339)),
			}},
		},
		map[string]interface{}{"type": "divider"},
	)

	msg := map[string]interface{}{
		"text":   a.Message,
		"blocks": blocks,
	}
	if c.config.Channel != "" {
		msg["channel"] = c.config.Channel
	}
	return msg
}

func severityEmoji(s credential.Severity) string {
	switch s {
	case credential.SeverityCritical:
		return ":rotating_light:"
	case credential.SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func severityTitle(s credential.Severity) string {
	switch s {
	case credential.SeverityCritical:
		return "Critical"
	case credential.SeverityWarning:
		return "Warning"
	default:
		return "Info"
	}
}
