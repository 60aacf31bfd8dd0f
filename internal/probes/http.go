package probes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/pkg/credential"
	"github.com/systmms/dskeys/pkg/probe"
)

// DefaultRateLimitBackoff is used when a 429 carries no usable Retry-After
const DefaultRateLimitBackoff = 60 * time.Second

// MaxRetryAfter caps the backoff a provider can ask for
const MaxRetryAfter = 24 * time.Hour

// maxBodyBytes bounds how much of a response body is read
const maxBodyBytes = 64 << 10

// AuthPlacement says where the key goes on the request
type AuthPlacement int

const (
	// AuthBearer sends "Authorization: Bearer <key>"
	AuthBearer AuthPlacement = iota
	// AuthHeader sends the key in the header named by AuthName
	AuthHeader
	// AuthQuery sends the key as the query parameter named by AuthName
	AuthQuery
)

// HTTPSpec describes one provider's validation call
type HTTPSpec struct {
	Provider credential.ProviderType
	Endpoint string
	Method   string
	Auth     AuthPlacement
	AuthName string
	Headers  map[string]string
	Body     string
	// ValidField names a boolean in a 2xx JSON body that must be true
	ValidField string
	// InvalidKeyResponses are non-401/403 responses that still mean the key
	// was rejected
	InvalidKeyResponses []ResponseMatch
}

// ResponseMatch recognises a response by status code and a body substring
type ResponseMatch struct {
	Status       int
	BodyContains string
}

func (s HTTPSpec) rejectsOn(code int) bool {
	for _, m := range s.InvalidKeyResponses {
		if m.Status == code {
			return true
		}
	}
	return false
}

func (s HTTPSpec) matchInvalid(code int, body []byte) (ResponseMatch, bool) {
	for _, m := range s.InvalidKeyResponses {
		if m.Status == code && bytes.Contains(body, []byte(m.BodyContains)) {
			return m, true
		}
	}
	return ResponseMatch{}, false
}

// HTTPClient is the interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPProbe validates keys with one authenticated HTTP request
type HTTPProbe struct {
	spec    HTTPSpec
	client  HTTPClient
	backoff time.Duration
	nowFunc func() time.Time
}

// NewHTTPProbe creates a probe for spec. A nil client uses http.DefaultClient;
// the deadline comes from the caller's context.
func NewHTTPProbe(spec HTTPSpec, client HTTPClient, rateLimitBackoff time.Duration) *HTTPProbe {
	if spec.Method == "" {
		spec.Method = http.MethodGet
	}
	if client == nil {
		client = http.DefaultClient
	}
	if rateLimitBackoff <= 0 {
		rateLimitBackoff = DefaultRateLimitBackoff
	}
	return &HTTPProbe{spec: spec, client: client, backoff: rateLimitBackoff, nowFunc: time.Now}
}

func (p *HTTPProbe) Provider() credential.ProviderType {
	return p.spec.Provider
}

// Spec returns the probe's request description
func (p *HTTPProbe) Spec() HTTPSpec {
	return p.spec
}

func (p *HTTPProbe) Validate(ctx context.Context, key *secure.Secret) probe.Verdict {
	var verdict probe.Verdict
	err := key.Use(func(k []byte) error {
		if len(k) == 0 {
			verdict = probe.Invalid("empty key")
			return nil
		}
		req, err := p.newRequest(ctx, k)
		if err != nil {
			return err
		}
		verdict = p.do(ctx, req)
		return nil
	})
	if err != nil {
		return probe.TransientError(err.Error())
	}
	return verdict
}

func (p *HTTPProbe) newRequest(ctx context.Context, key []byte) (*http.Request, error) {
	endpoint := p.spec.Endpoint
	if p.spec.Auth == AuthQuery {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("bad endpoint: %w", err)
		}
		q := u.Query()
		q.Set(p.spec.AuthName, string(key))
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	var body io.Reader
	if p.spec.Body != "" {
		body = strings.NewReader(p.spec.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.spec.Method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "dskeys-probe/1")
	for k, v := range p.spec.Headers {
		req.Header.Set(k, v)
	}

	switch p.spec.Auth {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+string(key))
	case AuthHeader:
		req.Header.Set(p.spec.AuthName, string(key))
	}
	return req, nil
}

func (p *HTTPProbe) do(ctx context.Context, req *http.Request) probe.Verdict {
	resp, err := p.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return probe.TransientError("request timed out")
			}
			return probe.TransientError("request cancelled")
		}
		// url.Error text embeds the URL, which can carry a query-string key
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return probe.TransientError(fmt.Sprintf("request failed: %v", uerr.Err))
		}
		return probe.TransientError(fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	v := ClassifyHTTPStatus(resp.StatusCode, resp.Header, p.nowFunc(), p.backoff)
	if v.Kind == probe.KindValid && p.spec.ValidField != "" {
		var doc map[string]interface{}
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&doc); err != nil {
			return probe.TransientError(fmt.Sprintf("unreadable response body: %v", err))
		}
		if ok, _ := doc[p.spec.ValidField].(bool); !ok {
			return probe.Invalid(fmt.Sprintf("provider reported %s=false", p.spec.ValidField))
		}
		return v
	}

	if v.Kind == probe.KindTransientError && p.spec.rejectsOn(resp.StatusCode) {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return v
		}
		if m, ok := p.spec.matchInvalid(resp.StatusCode, body); ok {
			return probe.Invalid(fmt.Sprintf("%d %s", resp.StatusCode, m.BodyContains))
		}
		return v
	}

	// Discard body to allow connection reuse
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return v
}

// ClassifyHTTPStatus maps a provider response status to a verdict. Only 401
// and 403 mean the key was rejected.
func ClassifyHTTPStatus(code int, header http.Header, now time.Time, fallback time.Duration) probe.Verdict {
	switch {
	case code >= 200 && code < 300:
		return probe.Valid()
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return probe.Invalid(fmt.Sprintf("%d %s", code, http.StatusText(code)))
	case code == http.StatusTooManyRequests:
		return probe.RateLimited(ParseRetryAfter(header.Get("Retry-After"), now, fallback))
	case code >= 400:
		// a moved endpoint or changed request shape says nothing about the key
		return probe.TransientError(fmt.Sprintf("%d %s", code, http.StatusText(code)))
	default:
		return probe.TransientError(fmt.Sprintf("unexpected status %d", code))
	}
}

// ParseRetryAfter reads a Retry-After value in seconds or HTTP-date form
func ParseRetryAfter(value string, now time.Time, fallback time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return fallback
		}
		if secs > int(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		switch {
		case d <= 0:
			return 0
		case d > MaxRetryAfter:
			return MaxRetryAfter
		}
		return d
	}
	return fallback
}
