package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	"github.com/systmms/dskeys/pkg/credential"
)

// RetryConfig holds retry configuration for webhooks.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (default: 3).
	MaxAttempts int

	// Backoff strategy: linear, exponential or fixed (default: exponential).
	Backoff string

	// InitialWait is the wait before the second attempt.
	InitialWait time.Duration
}

// WebhookConfig holds configuration for webhook notifications.
type WebhookConfig struct {
	// Name is a human-readable name for this webhook.
	Name string

	// URL is the webhook endpoint URL.
	URL string

	// Method is the HTTP method to use (default: POST).
	Method string

	// Headers are additional HTTP headers to include.
	Headers map[string]string

	// Filter selects which alerts are sent.
	Filter Filter

	// PayloadTemplate is a Go template for the request body.
	// If empty, a default JSON payload is used.
	PayloadTemplate string

	Retry *RetryConfig

	// Timeout for each HTTP request.
	Timeout time.Duration
}

// WebhookChannel posts alerts to an HTTP endpoint
type WebhookChannel struct {
	config   WebhookConfig
	client   *http.Client
	template *template.Template
	tmplErr  error
}

// NewWebhookChannel creates a webhook channel with defaults applied
func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retry == nil {
		config.Retry = &RetryConfig{}
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 3
	}
	if config.Retry.Backoff == "" {
		config.Retry.Backoff = "exponential"
	}
	if config.Retry.InitialWait == 0 {
		config.Retry.InitialWait = time.Second
	}

	c := &WebhookChannel{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
	if config.PayloadTemplate != "" {
		c.template, c.tmplErr = template.New("payload").Funcs(templateFuncs()).Parse(config.PayloadTemplate)
	}
	return c
}

func (c *WebhookChannel) Name() string {
	if c.config.Name != "" {
		return "webhook:" + c.config.Name
	}
	return "webhook"
}

func (c *WebhookChannel) Accepts(a credential.Alert) bool {
	return c.config.Filter.Accepts(a)
}

func (c *WebhookChannel) Validate(context.Context) error {
	if c.config.URL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(c.config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL: %s", c.config.URL)
	}

	switch strings.ToUpper(c.config.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("invalid method: %s (must be POST, PUT, or PATCH)", c.config.Method)
	}

	switch strings.ToLower(c.config.Retry.Backoff) {
	case "linear", "exponential", "fixed":
	default:
		return fmt.Errorf("invalid backoff strategy: %s (must be linear, exponential, or fixed)", c.config.Retry.Backoff)
	}

	if c.tmplErr != nil {
		return fmt.Errorf("invalid payload template: %w", c.tmplErr)
	}
	return nil
}

func (c *WebhookChannel) Send(ctx context.Context, a credential.Alert) error {
	payload, err := c.buildPayload(a)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.Retry.MaxAttempts; attempt++ {
		if lastErr = c.doSend(ctx, payload); lastErr == nil {
			return nil
		}
		if attempt < c.config.Retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", c.config.Retry.MaxAttempts, lastErr)
}

func (c *WebhookChannel) doSend(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(c.config.Method), c.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// webhookTemplateData is what payload templates see
type webhookTemplateData struct {
	Event       string
	ID          string
	Source      string
	ReferenceID string
	OwnerID     string
	Severity    string
	Message     string
	CreatedAt   string
	ResolvedAt  string
}

func (c *WebhookChannel) buildPayload(a credential.Alert) ([]byte, error) {
	if c.template == nil {
		return c.buildDefaultPayload(a)
	}
	data := webhookTemplateData{
		Event:       string(EventFor(a)),
		ID:          a.ID,
		Source:      string(a.SourceKind),
		ReferenceID: a.ReferenceID,
		OwnerID:     a.OwnerID,
		Severity:    string(a.Severity),
		Message:     a.Message,
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
	if a.ResolvedAt != nil {
		data.ResolvedAt = a.ResolvedAt.Format(time.RFC3339)
	}
	var buf bytes.Buffer
	if err := c.template.Execute(&buf, data); err != nil {
		return c.buildDefaultPayload(a)
	}
	return buf.Bytes(), nil
}

func (c *WebhookChannel) buildDefaultPayload(a credential.Alert) ([]byte, error) {
	payload := map[string]interface{}{
		"event":        string(EventFor(a)),
		"alert_id":     a.ID,
		"source":       string(a.SourceKind),
		"reference_id": a.ReferenceID,
		"severity":     string(a.Severity),
		"message":      a.Message,
		"created_at":   a.CreatedAt.Format(time.RFC3339),
	}
	if a.OwnerID != "" {
		payload["owner_id"] = a.OwnerID
	}
	if a.ResolvedAt != nil {
		payload["resolved_at"] = a.ResolvedAt.Format(time.RFC3339)
	}
	return json.Marshal(payload)
}

func (c *WebhookChannel) backoff(attempt int) time.Duration {
	initial := c.config.Retry.InitialWait
	switch strings.ToLower(c.config.Retry.Backoff) {
	case "linear":
		return initial * time.Duration(attempt)
	case "exponential":
		return initial * time.Duration(1<<(attempt-1))
	default:
		return initial
	}
}
