package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dskeys/internal/alert"
	"github.com/systmms/dskeys/internal/audit"
	"github.com/systmms/dskeys/internal/keystore"
	"github.com/systmms/dskeys/internal/kms"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/reconcile"
	"github.com/systmms/dskeys/internal/service"
	"github.com/systmms/dskeys/internal/storage/memory"
	"github.com/systmms/dskeys/pkg/credential"
	"github.com/systmms/dskeys/pkg/probe"
)

const day = 24 * time.Hour

type probeSet map[credential.ProviderType]probe.Probe

func (s probeSet) Probe(p credential.ProviderType) (probe.Probe, bool) {
	pr, ok := s[p]
	return pr, ok
}

type testEnv struct {
	server *Server
	clock  *testclock.Clock
	fake   *probe.FakeProbe
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	store := memory.New()
	km := kms.NewEnvelopeManager(kms.NewStaticSource("1", 0x55), kms.WithClock(clk), kms.WithVersionTTL(0))
	ks := keystore.New(store, km, keystore.Config{}, keystore.WithClock(clk))
	fake := probe.NewFakeProbe(credential.ProviderOpenAI)
	rec := reconcile.New(store, ks, probeSet{credential.ProviderOpenAI: fake}, reconcile.Config{}, reconcile.WithClock(clk))
	t.Cleanup(rec.Close)
	aud := audit.New(store, ks, 90*day, audit.WithClock(clk))
	disp := alert.New(store, nil, alert.WithClock(clk))
	svc := service.New(store, ks, rec, aud, disp)

	return &testEnv{
		server: New(svc, Config{MetricsPath: "/metrics"}, WithHealthCheck(store.Ping)),
		clock:  clk,
		fake:   fake,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func openAIKey(i int) string {
	return fmt.Sprintf("sk-proj-%032d", i)
}

func (e *testEnv) register(t *testing.T, owner string, i int) service.KeyView {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/owners/"+owner+"/keys", map[string]string{"provider": "openai", "key": openAIKey(i)}, owner)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[service.KeyView](t, w)
}

func TestRegisterKey(t *testing.T) {
	t.Parallel()
	env := setup(t)

	w := env.do(t, http.MethodPost, "/v1/owners/alice/keys", map[string]string{"provider": "OpenAI", "key": openAIKey(1)}, "alice")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), openAIKey(1), "plaintext never crosses the API")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	view := decode[service.KeyView](t, w)
	assert.Equal(t, "alice", view.OwnerID)
	assert.Equal(t, credential.ProviderOpenAI, view.Provider)
	assert.Equal(t, credential.StateActive, view.State)
}

func TestRegisterKey_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"invalid json", "not an object", http.StatusBadRequest, "invalid_request"},
		{"unknown provider", map[string]string{"provider": "acme", "key": openAIKey(1)}, http.StatusBadRequest, "invalid_request"},
		{"malformed key", map[string]string{"provider": "openai", "key": "hunter2"}, http.StatusBadRequest, "invalid_request"},
		{"duplicate", map[string]string{"provider": "openai", "key": openAIKey(2)}, http.StatusConflict, "duplicate_key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := setup(t)
			env.register(t, "alice", 1)

			w := env.do(t, http.MethodPost, "/v1/owners/alice/keys", tt.body, "alice")
			assert.Equal(t, tt.status, w.Code)
			body := decode[map[string]string](t, w)
			assert.Equal(t, tt.code, body["code"])
			assert.NotContains(t, w.Body.String(), "hunter2")
		})
	}
}

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()
	env := setup(t)
	view := env.register(t, "alice", 1)

	w := env.do(t, http.MethodGet, "/v1/keys/"+view.ID+"/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, view.ID, decode[service.KeyView](t, w).ID)

	w = env.do(t, http.MethodPut, "/v1/keys/"+view.ID, map[string]string{"key": openAIKey(2)}, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, view.Fingerprint, decode[service.KeyView](t, w).Fingerprint)

	w = env.do(t, http.MethodGet, "/v1/owners/alice/statuses", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[map[string][]service.KeyView](t, w)
	assert.Len(t, list["keys"], 1)

	w = env.do(t, http.MethodDelete, "/v1/keys/"+view.ID, nil, "alice")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodDelete, "/v1/keys/"+view.ID, nil, "alice")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/v1/keys/"+view.ID+"/status", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/v1/keys/"+view.ID, map[string]string{"key": openAIKey(3)}, "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconcileOwner(t *testing.T) {
	t.Parallel()
	env := setup(t)
	env.register(t, "alice", 1)
	env.fake.SetVerdicts(probe.Invalid("revoked upstream"))

	w := env.do(t, http.MethodPost, "/v1/owners/alice/reconcile", nil, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	sum := decode[map[string]int](t, w)
	assert.Equal(t, 1, sum["checked"])
	assert.Equal(t, 1, sum["transitions"])

	w = env.do(t, http.MethodGet, "/v1/alerts?open=true&source=status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[map[string][]credential.Alert](t, w)["alerts"]
	require.Len(t, alerts, 1)
	assert.Equal(t, credential.SeverityWarning, alerts[0].Severity)
}

func TestAuditAndFindings(t *testing.T) {
	t.Parallel()
	env := setup(t)
	env.register(t, "alice", 1)
	env.clock.Advance(91 * day)

	w := env.do(t, http.MethodPost, "/v1/audit", nil, "ops")
	require.Equal(t, http.StatusOK, w.Code)
	var rep struct {
		Opened     []credential.AuditFinding `json:"opened"`
		RuleErrors []ruleErrorView           `json:"rule_errors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	require.Len(t, rep.Opened, 1)
	assert.Empty(t, rep.RuleErrors)

	w = env.do(t, http.MethodGet, "/v1/findings?open=true&rule="+audit.RuleKeyRotationAge, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	findings := decode[map[string][]credential.AuditFinding](t, w)["findings"]
	require.Len(t, findings, 1)
	assert.Equal(t, rep.Opened[0].ID, findings[0].ID)

	w = env.do(t, http.MethodGet, "/v1/findings?open=maybe", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAcknowledgeAlert(t *testing.T) {
	t.Parallel()
	env := setup(t)
	env.fake.SetVerdicts(probe.Invalid("bad key"))
	env.register(t, "alice", 1)

	w := env.do(t, http.MethodGet, "/v1/alerts?owner=alice", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[map[string][]credential.Alert](t, w)["alerts"]
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	w = env.do(t, http.MethodPost, "/v1/alerts/"+id+"/ack", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "acknowledging needs an actor")

	w = env.do(t, http.MethodPost, "/v1/alerts/missing/ack", nil, "alice")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/v1/alerts/"+id+"/ack", nil, "alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decode[credential.Alert](t, w).AcknowledgedBy)

	w = env.do(t, http.MethodGet, "/v1/alerts?source=email", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type brokenService struct {
	KeyService
}

func (brokenService) GetStatus(context.Context, string) (service.KeyView, error) {
	return service.KeyView{}, errors.New("dial tcp 10.0.0.5:5432: password=s3cret rejected")
}

func TestInternalErrorsAreGeneric(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	srv := New(brokenService{}, Config{}, WithLogger(logging.NewWithWriter(&logs, false)))

	req := httptest.NewRequest(http.MethodGet, "/v1/keys/key-1/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "s3cret")
	assert.Contains(t, w.Body.String(), "internal error")
	assert.Contains(t, logs.String(), "GET /v1/keys/key-1/status failed")
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	env := setup(t)

	w := env.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	env.register(t, "alice", 1)
	w = env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "dskeys_probes_total")

	down := New(brokenService{}, Config{}, WithHealthCheck(func(context.Context) error {
		return errors.New("database is closed")
	}))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	down.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "closed")
}

func TestRouting(t *testing.T) {
	t.Parallel()
	env := setup(t)

	w := env.do(t, http.MethodGet, "/v2/anything", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[map[string]string](t, w)["code"])

	w = env.do(t, http.MethodPatch, "/v1/keys/key-1", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStreamAlerts(t *testing.T) {
	t.Parallel()
	env := setup(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/alerts/stream?owner=alice", nil)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	env.fake.SetVerdicts(probe.Invalid("bad key"))
	env.register(t, "bob", 1)
	env.register(t, "alice", 2)

	lines := bufio.NewReader(resp.Body)
	event, err := lines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: alert\n", event)
	data, err := lines.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "data: "))

	var a credential.Alert
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(data), "data: ")), &a))
	assert.Equal(t, "alice", a.OwnerID, "other owners are filtered out")

	cancel()
	_, _ = io.Copy(io.Discard, resp.Body)
}
