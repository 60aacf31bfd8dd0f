package probes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/pkg/credential"
	"github.com/systmms/dskeys/pkg/probe"
)

const goodKey = "good-key-0123456789"

// providerServer accepts goodKey wherever the HTTPSpec places it
func providerServer(t *testing.T, spec HTTPSpec) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got string
		switch spec.Auth {
		case AuthBearer:
			got = r.Header.Get("Authorization")
			if len(got) > 7 {
				got = got[7:]
			}
		case AuthHeader:
			got = r.Header.Get(spec.AuthName)
		case AuthQuery:
			got = r.URL.Query().Get(spec.AuthName)
		}
		for k, v := range spec.Headers {
			if r.Header.Get(k) != v {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
		if r.Method != spec.Method && !(spec.Method == "" && r.Method == http.MethodGet) {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if got != goodKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if spec.ValidField != "" {
			_, _ = w.Write([]byte(`{"` + spec.ValidField + `": true}`))
			return
		}
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuiltinHTTPProbes_Contract(t *testing.T) {
	t.Parallel()

	for provider, spec := range BuiltinHTTPSpecs() {
		provider, spec := provider, spec
		t.Run(string(provider), func(t *testing.T) {
			t.Parallel()
			srv := providerServer(t, spec)

			probe.RunContractTests(t, probe.ContractTest{
				NewProbe: func(t *testing.T) probe.Probe {
					r := NewRegistry(srv.Client())
					require.NoError(t, r.Configure(map[credential.ProviderType]ProviderConfig{
						provider: {Enabled: true, Endpoint: srv.URL + "/v1/check", Timeout: 2 * time.Second},
					}))
					p, ok := r.Probe(provider)
					require.True(t, ok)
					return p
				},
				ValidKey:   goodKey,
				InvalidKey: "revoked-key-0123456789",
			})
		})
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		code       int
		retryAfter string
		want       probe.Kind
		wantRetry  time.Duration
	}{
		{name: "ok", code: 200, want: probe.KindValid},
		{name: "no content", code: 204, want: probe.KindValid},
		{name: "unauthorized", code: 401, want: probe.KindInvalid},
		{name: "forbidden", code: 403, want: probe.KindInvalid},
		{name: "bad request", code: 400, want: probe.KindTransientError},
		{name: "not found", code: 404, want: probe.KindTransientError},
		{name: "method not allowed", code: 405, want: probe.KindTransientError},
		{name: "gone", code: 410, want: probe.KindTransientError},
		{name: "unprocessable", code: 422, want: probe.KindTransientError},
		{name: "request timeout", code: 408, want: probe.KindTransientError},
		{name: "rate limited seconds", code: 429, retryAfter: "30", want: probe.KindRateLimited, wantRetry: 30 * time.Second},
		{name: "rate limited date", code: 429, retryAfter: now.Add(2 * time.Minute).Format(http.TimeFormat), want: probe.KindRateLimited, wantRetry: 2 * time.Minute},
		{name: "rate limited no header", code: 429, want: probe.KindRateLimited, wantRetry: 45 * time.Second},
		{name: "rate limited garbage header", code: 429, retryAfter: "soon", want: probe.KindRateLimited, wantRetry: 45 * time.Second},
		{name: "server error", code: 500, want: probe.KindTransientError},
		{name: "bad gateway", code: 502, want: probe.KindTransientError},
		{name: "redirect", code: 302, want: probe.KindTransientError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.retryAfter != "" {
				h.Set("Retry-After", tt.retryAfter)
			}
			v := ClassifyHTTPStatus(tt.code, h, now, 45*time.Second)
			assert.Equal(t, tt.want, v.Kind)
			if tt.want == probe.KindRateLimited {
				assert.Equal(t, tt.wantRetry, v.RetryAfter)
			}
		})
	}
}

func TestParseRetryAfter_Clamped(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, MaxRetryAfter, ParseRetryAfter("99999999999999", now, time.Minute))
	assert.Equal(t, MaxRetryAfter, ParseRetryAfter(now.AddDate(5, 0, 0).Format(http.TimeFormat), now, time.Minute))
	assert.Equal(t, time.Minute, ParseRetryAfter("-5", now, time.Minute))
	assert.Equal(t, time.Duration(0), ParseRetryAfter(now.Add(-time.Hour).Format(http.TimeFormat), now, time.Minute))
}

func TestHTTPProbe_InvalidKeyResponses(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("key") {
		case "rejected-key":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"status":"INVALID_ARGUMENT","details":[{"reason":"API_KEY_INVALID"}]}}`))
		case "malformed-request":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":400,"status":"INVALID_ARGUMENT","message":"unknown field"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	spec := BuiltinHTTPSpecs()[credential.ProviderGemini]
	spec.Endpoint = srv.URL
	p := NewHTTPProbe(spec, srv.Client(), 0)

	tests := []struct {
		key  string
		want probe.Kind
	}{
		{key: "rejected-key", want: probe.KindInvalid},
		{key: "malformed-request", want: probe.KindTransientError},
		{key: "moved-endpoint", want: probe.KindTransientError},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			key := secure.SecretFromString(tt.key)
			defer key.Destroy()
			v := p.Validate(context.Background(), key)
			assert.Equal(t, tt.want, v.Kind, v.Reason)
			assert.NotContains(t, v.Reason, tt.key)
		})
	}
}

func TestHTTPProbe_RateLimitAndServerError(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProbe(HTTPSpec{Provider: credential.ProviderOpenAI, Endpoint: srv.URL}, srv.Client(), 0)
	key := secure.SecretFromString(goodKey)
	defer key.Destroy()

	v := p.Validate(context.Background(), key)
	assert.Equal(t, probe.RateLimited(2*time.Minute), v)

	status.Store(http.StatusServiceUnavailable)
	v = p.Validate(context.Background(), key)
	assert.Equal(t, probe.KindTransientError, v.Kind)
}

func TestHTTPProbe_TransportErrorHidesQueryKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := NewHTTPProbe(HTTPSpec{
		Provider: credential.ProviderGemini, Endpoint: url, Auth: AuthQuery, AuthName: "key",
	}, nil, 0)
	key := secure.SecretFromString("AIzaSECRETSECRETSECRET")
	defer key.Destroy()

	v := p.Validate(context.Background(), key)
	assert.Equal(t, probe.KindTransientError, v.Kind)
	assert.NotContains(t, v.Reason, "AIzaSECRET")
}

func TestHTTPProbe_Timeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	p := probe.WithTimeout(NewHTTPProbe(HTTPSpec{Provider: credential.ProviderMistral, Endpoint: srv.URL}, srv.Client(), 0), 100*time.Millisecond)
	key := secure.SecretFromString(goodKey)
	defer key.Destroy()

	start := time.Now()
	v := p.Validate(context.Background(), key)
	assert.Equal(t, probe.KindTransientError, v.Kind)
	assert.Contains(t, v.Reason, "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestHTTPProbe_ValidFieldFalse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"valid": false}`))
	}))
	defer srv.Close()

	spec := BuiltinHTTPSpecs()[credential.ProviderCohere]
	spec.Endpoint = srv.URL
	p := NewHTTPProbe(spec, srv.Client(), 0)
	key := secure.SecretFromString(goodKey)
	defer key.Destroy()

	v := p.Validate(context.Background(), key)
	assert.Equal(t, probe.KindInvalid, v.Kind)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	for _, p := range credential.AllProviders() {
		assert.True(t, r.IsSupported(p), string(p))
	}

	require.NoError(t, r.Configure(DefaultConfigs()))
	_, ok := r.Probe(credential.ProviderMicroservice)
	assert.False(t, ok, "microservice needs a target")
	assert.Len(t, r.Providers(), len(credential.AllProviders())-1)

	err := r.Configure(map[credential.ProviderType]ProviderConfig{
		credential.ProviderMicroservice: {Enabled: true},
	})
	assert.ErrorContains(t, err, "requires an endpoint")

	require.NoError(t, r.Configure(map[credential.ProviderType]ProviderConfig{
		credential.ProviderOpenAI: {Enabled: false},
	}))
	_, ok = r.Probe(credential.ProviderOpenAI)
	assert.False(t, ok)

	fake := probe.NewFakeProbe(credential.ProviderOpenAI)
	r.Set(fake)
	got, ok := r.Probe(credential.ProviderOpenAI)
	require.True(t, ok)
	assert.Same(t, fake, got)
	assert.NoError(t, r.Close())
}
