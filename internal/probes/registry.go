// Package probes holds the built-in provider probes: an HTTP adapter driven
// by per-provider request specs, and a gRPC health adapter for internal
// microservices.
package probes

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/systmms/dskeys/pkg/credential"
	"github.com/systmms/dskeys/pkg/probe"
)

// ProviderConfig is the per-provider probe configuration
type ProviderConfig struct {
	Enabled          bool
	Endpoint         string
	Timeout          time.Duration
	RateLimitBackoff time.Duration
	Options          map[string]interface{}
}

// ProbeFactory creates a probe from configuration
type ProbeFactory func(p credential.ProviderType, cfg ProviderConfig, client HTTPClient) (probe.Probe, error)

// Registry manages probe creation and lookup
type Registry struct {
	mu        sync.RWMutex
	factories map[credential.ProviderType]ProbeFactory
	probes    map[credential.ProviderType]probe.Probe
	client    HTTPClient
}

// NewRegistry creates a registry with the built-in factories. client is
// shared by the HTTP probes; nil uses http.DefaultClient.
func NewRegistry(client HTTPClient) *Registry {
	r := &Registry{
		factories: make(map[credential.ProviderType]ProbeFactory),
		probes:    make(map[credential.ProviderType]probe.Probe),
		client:    client,
	}
	for p := range BuiltinHTTPSpecs() {
		r.RegisterFactory(p, newHTTPProbeFactory)
	}
	r.RegisterFactory(credential.ProviderMicroservice, newGRPCProbeFactory)
	return r
}

// RegisterFactory registers a probe factory for a provider
func (r *Registry) RegisterFactory(p credential.ProviderType, factory ProbeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = factory
}

// Configure builds a probe for every enabled provider. Each probe is wrapped
// with its hard timeout.
func (r *Registry) Configure(configs map[credential.ProviderType]ProviderConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p, cfg := range configs {
		if !cfg.Enabled {
			delete(r.probes, p)
			continue
		}
		factory, ok := r.factories[p]
		if !ok {
			return fmt.Errorf("no probe factory for provider %s", p)
		}
		built, err := factory(p, cfg, r.client)
		if err != nil {
			return fmt.Errorf("configure %s probe: %w", p, err)
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = probe.DefaultTimeout
		}
		r.probes[p] = probe.WithTimeout(built, timeout)
	}
	return nil
}

// Set installs a ready-made probe, replacing any configured one
func (r *Registry) Set(pr probe.Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[pr.Provider()] = pr
}

// Probe returns the probe for p
func (r *Registry) Probe(p credential.ProviderType) (probe.Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pr, ok := r.probes[p]
	return pr, ok
}

// Providers lists providers with a configured probe
func (r *Registry) Providers() []credential.ProviderType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]credential.ProviderType, 0, len(r.probes))
	for p := range r.probes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsSupported checks if a provider has a factory
func (r *Registry) IsSupported(p credential.ProviderType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[p]
	return ok
}

// Close releases probes that hold connections
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, pr := range r.probes {
		if c, ok := probe.Unwrap(pr).(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// DefaultConfigs enables every built-in provider with default settings. The
// microservice probe needs a target, so it starts disabled.
func DefaultConfigs() map[credential.ProviderType]ProviderConfig {
	out := make(map[credential.ProviderType]ProviderConfig)
	for _, p := range credential.AllProviders() {
		out[p] = ProviderConfig{Enabled: p != credential.ProviderMicroservice, Timeout: probe.DefaultTimeout}
	}
	return out
}

func newHTTPProbeFactory(p credential.ProviderType, cfg ProviderConfig, client HTTPClient) (probe.Probe, error) {
	spec, ok := BuiltinHTTPSpecs()[p]
	if !ok {
		return nil, fmt.Errorf("no http spec for %s", p)
	}
	if cfg.Endpoint != "" {
		spec.Endpoint = cfg.Endpoint
	}
	return NewHTTPProbe(spec, client, cfg.RateLimitBackoff), nil
}

func newGRPCProbeFactory(_ credential.ProviderType, cfg ProviderConfig, _ HTTPClient) (probe.Probe, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("microservice probe requires an endpoint (host:port)")
	}
	service, _ := cfg.Options["service"].(string)
	useTLS, _ := cfg.Options["tls"].(bool)
	return NewGRPCProbe(GRPCConfig{
		Target:           cfg.Endpoint,
		Service:          service,
		TLS:              useTLS,
		RateLimitBackoff: cfg.RateLimitBackoff,
	}), nil
}
