package config

import (
	"fmt"

	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/notify"
	"github.com/systmms/dskeys/pkg/credential"
)

// NotificationConfig holds the alert delivery channels
type NotificationConfig struct {
	// Log writes alerts to the service log. It is on by default.
	Log *LogNotificationConfig `yaml:"log,omitempty"`

	// Slack configuration for Slack webhook notifications.
	Slack *SlackNotificationConfig `yaml:"slack,omitempty"`

	// PagerDuty configuration for PagerDuty incident notifications.
	PagerDuty *PagerDutyNotificationConfig `yaml:"pagerduty,omitempty"`

	// Webhooks configuration for custom webhook notifications.
	Webhooks []WebhookNotificationConfig `yaml:"webhooks,omitempty"`
}

// LogNotificationConfig controls the log channel
type LogNotificationConfig struct {
	Enabled     *bool    `yaml:"enabled,omitempty"`
	Events      []string `yaml:"events,omitempty"`
	MinSeverity string   `yaml:"min_severity,omitempty"`
}

// SlackNotificationConfig holds Slack webhook configuration.
type SlackNotificationConfig struct {
	// WebhookURL is the Slack incoming webhook URL.
	WebhookURL string `yaml:"webhook_url"`

	// Channel is the Slack channel to post to (optional, uses webhook default).
	Channel string `yaml:"channel,omitempty"`

	// Events specifies which alert events trigger notifications.
	// Valid values: opened, resolved. If empty, all events are sent.
	Events []string `yaml:"events,omitempty"`

	MinSeverity string `yaml:"min_severity,omitempty"`

	// MentionOnCritical lists Slack handles to mention on critical alerts.
	// Examples: ["@oncall", "@platform-team"]
	MentionOnCritical []string `yaml:"mention_on_critical,omitempty"`
}

// PagerDutyNotificationConfig holds PagerDuty configuration.
type PagerDutyNotificationConfig struct {
	// IntegrationKey is the PagerDuty Events API integration key.
	IntegrationKey string `yaml:"integration_key"`

	Events []string `yaml:"events,omitempty"`

	// MinSeverity defaults to critical so warnings do not page.
	MinSeverity string `yaml:"min_severity,omitempty"`

	// AutoResolve resolves the PagerDuty incident when the alert resolves.
	AutoResolve bool `yaml:"auto_resolve,omitempty"`
}

// WebhookNotificationConfig holds custom webhook configuration.
type WebhookNotificationConfig struct {
	// Name is a human-readable name for this webhook.
	Name string `yaml:"name"`

	// URL is the webhook endpoint URL.
	URL string `yaml:"url"`

	// Method is the HTTP method to use (default: POST).
	Method string `yaml:"method,omitempty"`

	// Headers are additional HTTP headers to include.
	Headers map[string]string `yaml:"headers,omitempty"`

	Events      []string `yaml:"events,omitempty"`
	MinSeverity string   `yaml:"min_severity,omitempty"`

	// PayloadTemplate is a Go template for the request body.
	// If empty, a default JSON payload is used.
	PayloadTemplate string `yaml:"payload_template,omitempty"`

	Timeout Duration `yaml:"timeout,omitempty"`

	Retry *WebhookRetryConfig `yaml:"retry,omitempty"`
}

// WebhookRetryConfig holds retry configuration for webhooks.
type WebhookRetryConfig struct {
	// MaxAttempts is the maximum number of retry attempts (default: 3).
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Backoff strategy: linear, exponential or fixed (default: exponential).
	Backoff string `yaml:"backoff,omitempty"`

	InitialWait Duration `yaml:"initial_wait,omitempty"`
}

// Channels builds the configured delivery channels. A nil config yields the
// log channel alone.
func (n *NotificationConfig) Channels(logger *logging.Logger) ([]notify.Channel, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	logCfg := &LogNotificationConfig{}
	if n != nil && n.Log != nil {
		logCfg = n.Log
	}

	var channels []notify.Channel
	if logCfg.Enabled == nil || *logCfg.Enabled {
		f, err := buildFilter("notifications.log", logCfg.Events, logCfg.MinSeverity, "")
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.NewLogChannel(logger.Named("notify"), f))
	}
	if n == nil {
		return channels, nil
	}

	if s := n.Slack; s != nil {
		f, err := buildFilter("notifications.slack", s.Events, s.MinSeverity, "")
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.NewSlackChannel(notify.SlackConfig{
			WebhookURL:        s.WebhookURL,
			Channel:           s.Channel,
			Filter:            f,
			MentionOnCritical: s.MentionOnCritical,
		}))
	}

	if p := n.PagerDuty; p != nil {
		f, err := buildFilter("notifications.pagerduty", p.Events, p.MinSeverity, credential.SeverityCritical)
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.NewPagerDutyChannel(notify.PagerDutyConfig{
			IntegrationKey: p.IntegrationKey,
			Filter:         f,
			AutoResolve:    p.AutoResolve,
		}))
	}

	for i, w := range n.Webhooks {
		field := fmt.Sprintf("notifications.webhooks[%d]", i)
		f, err := buildFilter(field, w.Events, w.MinSeverity, "")
		if err != nil {
			return nil, err
		}
		cfg := notify.WebhookConfig{
			Name:            w.Name,
			URL:             w.URL,
			Method:          w.Method,
			Headers:         w.Headers,
			Filter:          f,
			PayloadTemplate: w.PayloadTemplate,
			Timeout:         w.Timeout.Std(),
		}
		if w.Retry != nil {
			cfg.Retry = &notify.RetryConfig{
				MaxAttempts: w.Retry.MaxAttempts,
				Backoff:     w.Retry.Backoff,
				InitialWait: w.Retry.InitialWait.Std(),
			}
		}
		channels = append(channels, notify.NewWebhookChannel(cfg))
	}

	return channels, nil
}

func buildFilter(field string, events []string, minSeverity string, def credential.Severity) (notify.Filter, error) {
	f := notify.Filter{Events: events, MinSeverity: def}
	if minSeverity == "" {
		return f, nil
	}
	sev, err := credential.ParseSeverity(minSeverity)
	if err != nil {
		return notify.Filter{}, fmt.Errorf("%s.min_severity: %w", field, err)
	}
	f.MinSeverity = sev
	return f, nil
}
