package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/pkg/credential"
)

var created = time.Date(2026, 4, 1, 8, 30, 0, 0, time.UTC)

func openAlert(sev credential.Severity) credential.Alert {
	return credential.Alert{
		ID:          "alert-1",
		SourceKind:  credential.SourceStatus,
		ReferenceID: "key-1",
		OwnerID:     "alice",
		Severity:    sev,
		Message:     "openai key key-1 was revoked",
		CreatedAt:   created,
	}
}

func resolvedAlert(sev credential.Severity) credential.Alert {
	a := openAlert(sev)
	at := created.Add(time.Hour)
	a.ResolvedAt = &at
	return a
}

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	header []http.Header
}

func (c *capture) server(t *testing.T, status func(n int) int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.header = append(c.header, r.Header.Clone())
		n := len(c.bodies)
		c.mu.Unlock()
		w.WriteHeader(status(n))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func (c *capture) json(t *testing.T, i int) map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(c.bodies[i], &out))
	return out
}

func always(code int) func(int) int { return func(int) int { return code } }

func TestFilter_Accepts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter Filter
		alert  credential.Alert
		want   bool
	}{
		{name: "empty accepts all", alert: openAlert(credential.SeverityInfo), want: true},
		{name: "event listed", filter: Filter{Events: []string{"opened"}}, alert: openAlert(credential.SeverityWarning), want: true},
		{name: "event not listed", filter: Filter{Events: []string{"opened"}}, alert: resolvedAlert(credential.SeverityWarning), want: false},
		{name: "case insensitive", filter: Filter{Events: []string{"RESOLVED"}}, alert: resolvedAlert(credential.SeverityWarning), want: true},
		{name: "below min severity", filter: Filter{MinSeverity: credential.SeverityCritical}, alert: openAlert(credential.SeverityWarning), want: false},
		{name: "at min severity", filter: Filter{MinSeverity: credential.SeverityWarning}, alert: openAlert(credential.SeverityWarning), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Accepts(tt.alert))
		})
	}
}

func TestWebhookChannel_Name(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "webhook", NewWebhookChannel(WebhookConfig{}).Name())
	assert.Equal(t, "webhook:ops", NewWebhookChannel(WebhookConfig{Name: "ops"}).Name())
}

func TestWebhookChannel_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  WebhookConfig
		wantErr string
	}{
		{name: "valid", config: WebhookConfig{URL: "https://hooks.example.com/dskeys"}},
		{name: "missing url", config: WebhookConfig{}, wantErr: "URL is required"},
		{name: "relative url", config: WebhookConfig{URL: "/hook"}, wantErr: "invalid URL"},
		{name: "bad method", config: WebhookConfig{URL: "https://x.example.com", Method: "GET"}, wantErr: "invalid method"},
		{name: "bad backoff", config: WebhookConfig{URL: "https://x.example.com", Retry: &RetryConfig{Backoff: "random"}}, wantErr: "invalid backoff"},
		{name: "bad template", config: WebhookConfig{URL: "https://x.example.com", PayloadTemplate: "{{.Message"}, wantErr: "invalid payload template"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewWebhookChannel(tt.config).Validate(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWebhookChannel_DefaultPayload(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, always(http.StatusOK))
	ch := NewWebhookChannel(WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Token": "abc"}})

	require.NoError(t, ch.Send(context.Background(), resolvedAlert(credential.SeverityCritical)))
	body := c.json(t, 0)
	assert.Equal(t, "resolved", body["event"])
	assert.Equal(t, "alert-1", body["alert_id"])
	assert.Equal(t, "critical", body["severity"])
	assert.Equal(t, "alice", body["owner_id"])
	assert.Equal(t, "2026-04-01T09:30:00Z", body["resolved_at"])
	assert.Equal(t, "abc", c.header[0].Get("X-Token"))
}

func TestWebhookChannel_Template(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, always(http.StatusNoContent))
	ch := NewWebhookChannel(WebhookConfig{
		URL:             srv.URL,
		PayloadTemplate: `{"text": "{{.Severity}}: {{.Message}} ({{.Event}})"}`,
	})

	require.NoError(t, ch.Send(context.Background(), openAlert(credential.SeverityWarning)))
	assert.Equal(t, "warning: openai key key-1 was revoked (opened)", c.json(t, 0)["text"])
}

func TestWebhookChannel_TemplateFuncs(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, always(http.StatusNoContent))
	ch := NewWebhookChannel(WebhookConfig{
		URL:             srv.URL,
		PayloadTemplate: `{"text": {{json .Message}}, "level": "{{upper .Severity}}", "dedup": "{{sha256 .ReferenceID}}"}`,
	})

	a := openAlert(credential.SeverityCritical)
	a.Message = `key "prod" was revoked`
	require.NoError(t, ch.Send(context.Background(), a))

	body := c.json(t, 0)
	assert.Equal(t, `key "prod" was revoked`, body["text"])
	assert.Equal(t, "CRITICAL", body["level"])
	assert.Len(t, body["dedup"], 64)
}

func TestIndent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "  a\n  b\n", indent("  ", "a\nb\n"))
	assert.Equal(t, "> x", indent("> ", "x"))
}

func TestWebhookChannel_Retries(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, func(n int) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	ch := NewWebhookChannel(WebhookConfig{
		URL:   srv.URL,
		Retry: &RetryConfig{MaxAttempts: 3, Backoff: "fixed", InitialWait: time.Millisecond},
	})

	require.NoError(t, ch.Send(context.Background(), openAlert(credential.SeverityWarning)))
	assert.Equal(t, 3, c.count())

	var failing capture
	down := failing.server(t, always(http.StatusInternalServerError))
	ch = NewWebhookChannel(WebhookConfig{
		URL:   down.URL,
		Retry: &RetryConfig{MaxAttempts: 2, Backoff: "linear", InitialWait: time.Millisecond},
	})
	err := ch.Send(context.Background(), openAlert(credential.SeverityWarning))
	assert.ErrorContains(t, err, "webhook failed after 2 attempts")
	assert.Equal(t, 2, failing.count())
}

func TestWebhookChannel_Backoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		strategy string
		attempt  int
		want     time.Duration
	}{
		{"linear", 1, time.Second},
		{"linear", 3, 3 * time.Second},
		{"exponential", 1, time.Second},
		{"exponential", 3, 4 * time.Second},
		{"fixed", 5, time.Second},
	}
	for _, tt := range tests {
		ch := NewWebhookChannel(WebhookConfig{Retry: &RetryConfig{Backoff: tt.strategy, InitialWait: time.Second}})
		assert.Equal(t, tt.want, ch.backoff(tt.attempt), "%s attempt %d", tt.strategy, tt.attempt)
	}
}

func TestSlackChannel_Message(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, always(http.StatusOK))
	ch := NewSlackChannel(SlackConfig{
		WebhookURL:        srv.URL,
		Channel:           "#security",
		MentionOnCritical: []string{"@oncall"},
	})
	require.NoError(t, ch.Validate(context.Background()))

	require.NoError(t, ch.Send(context.Background(), openAlert(credential.SeverityCritical)))
	msg := c.json(t, 0)
	assert.Equal(t, "#security", msg["channel"])
	assert.Equal(t, "openai key key-1 was revoked", msg["text"])
	raw, _ := json.Marshal(msg["blocks"])
	assert.Contains(t, string(raw), "Critical alert")
	assert.Contains(t, string(raw), "@oncall")

	require.NoError(t, ch.Send(context.Background(), resolvedAlert(credential.SeverityCritical)))
	raw, _ = json.Marshal(c.json(t, 1)["blocks"])
	assert.Contains(t, string(raw), "Alert resolved")
	assert.NotContains(t, string(raw), "@oncall")
}

func TestSlackChannel_ErrorStatus(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, always(http.StatusForbidden))
	err := NewSlackChannel(SlackConfig{WebhookURL: srv.URL}).Send(context.Background(), openAlert(credential.SeverityWarning))
	assert.ErrorContains(t, err, "slack returned status 403")

	assert.Error(t, NewSlackChannel(SlackConfig{}).Validate(context.Background()))
}

func TestPagerDutyChannel_TriggerAndResolve(t *testing.T) {
	t.Parallel()

	var c capture
	srv := c.server(t, always(http.StatusAccepted))
	ch := NewPagerDutyChannel(PagerDutyConfig{IntegrationKey: "routing-key", AutoResolve: true})
	ch.apiURL = srv.URL

	require.NoError(t, ch.Send(context.Background(), openAlert(credential.SeverityCritical)))
	trigger := c.json(t, 0)
	assert.Equal(t, "trigger", trigger["event_action"])
	assert.Equal(t, "dskeys-alert-1", trigger["dedup_key"])
	assert.Equal(t, "routing-key", trigger["routing_key"])
	payload := trigger["payload"].(map[string]interface{})
	assert.Equal(t, "critical", payload["severity"])
	assert.Equal(t, "dskeys: openai key key-1 was revoked", payload["summary"])

	require.NoError(t, ch.Send(context.Background(), resolvedAlert(credential.SeverityCritical)))
	resolve := c.json(t, 1)
	assert.Equal(t, "resolve", resolve["event_action"])
	assert.Equal(t, "dskeys-alert-1", resolve["dedup_key"])
	assert.NotContains(t, resolve, "payload")
}

func TestPagerDutyChannel_Accepts(t *testing.T) {
	t.Parallel()

	ch := NewPagerDutyChannel(PagerDutyConfig{IntegrationKey: "k", Filter: Filter{MinSeverity: credential.SeverityCritical}})
	assert.True(t, ch.Accepts(openAlert(credential.SeverityCritical)))
	assert.False(t, ch.Accepts(openAlert(credential.SeverityWarning)))
	assert.False(t, ch.Accepts(resolvedAlert(credential.SeverityCritical)), "resolve needs AutoResolve")

	assert.ErrorContains(t, NewPagerDutyChannel(PagerDutyConfig{}).Validate(context.Background()), "integration key")
}

type fakeChannel struct {
	name    string
	accepts bool
	err     error
	sent    atomic.Int32
}

func (f *fakeChannel) Name() string                   { return f.name }
func (f *fakeChannel) Accepts(credential.Alert) bool  { return f.accepts }
func (f *fakeChannel) Validate(context.Context) error { return f.err }
func (f *fakeChannel) Send(context.Context, credential.Alert) error {
	f.sent.Add(1)
	return f.err
}

func TestFanout_Notify(t *testing.T) {
	t.Parallel()

	ok := &fakeChannel{name: "ok", accepts: true}
	skipped := &fakeChannel{name: "skipped", accepts: false}
	broken := &fakeChannel{name: "broken", accepts: true, err: errors.New("connection refused")}

	f := NewFanout(nil, ok, skipped)
	require.NoError(t, f.Notify(context.Background(), openAlert(credential.SeverityWarning)))
	assert.Equal(t, int32(1), ok.sent.Load())
	assert.Zero(t, skipped.sent.Load())

	f.Register(broken)
	err := f.Notify(context.Background(), openAlert(credential.SeverityWarning))
	assert.ErrorContains(t, err, "broken: connection refused")
	assert.Equal(t, int32(2), ok.sent.Load(), "healthy channels are still attempted")
	assert.Len(t, f.Channels(), 3)
	assert.ErrorContains(t, f.Validate(context.Background()), "broken")
}

func TestLogChannel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ch := NewLogChannel(logging.NewWithWriter(&buf, false), Filter{})

	require.NoError(t, ch.Send(context.Background(), openAlert(credential.SeverityCritical)))
	require.NoError(t, ch.Send(context.Background(), resolvedAlert(credential.SeverityCritical)))

	out := buf.String()
	assert.Contains(t, out, "[alerts] [critical] openai key key-1 was revoked (alert alert-1)")
	assert.Contains(t, out, "Resolved [critical]")
}
