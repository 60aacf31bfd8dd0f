package probes

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/pkg/credential"
	"github.com/systmms/dskeys/pkg/probe"
)

// GRPCConfig configures the microservice probe
type GRPCConfig struct {
	Target           string
	Service          string
	TLS              bool
	RateLimitBackoff time.Duration
	DialOptions      []grpc.DialOption
}

// GRPCProbe validates service tokens against the standard gRPC health
// service, sending the token as bearer metadata
type GRPCProbe struct {
	cfg GRPCConfig

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewGRPCProbe creates a probe. The connection is opened on first use.
func NewGRPCProbe(cfg GRPCConfig) *GRPCProbe {
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = DefaultRateLimitBackoff
	}
	return &GRPCProbe{cfg: cfg}
}

func (p *GRPCProbe) Provider() credential.ProviderType {
	return credential.ProviderMicroservice
}

func (p *GRPCProbe) client() (healthpb.HealthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if p.cfg.Target == "" {
			return nil, fmt.Errorf("microservice probe has no target configured")
		}
		creds := insecure.NewCredentials()
		if p.cfg.TLS {
			creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		}
		opts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, p.cfg.DialOptions...)
		conn, err := grpc.NewClient(p.cfg.Target, opts...)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", p.cfg.Target, err)
		}
		p.conn = conn
	}
	return healthpb.NewHealthClient(p.conn), nil
}

// Close releases the connection
func (p *GRPCProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *GRPCProbe) Validate(ctx context.Context, key *secure.Secret) probe.Verdict {
	client, err := p.client()
	if err != nil {
		return probe.TransientError(err.Error())
	}

	var resp *healthpb.HealthCheckResponse
	err = key.Use(func(k []byte) error {
		if len(k) == 0 {
			return status.Error(codes.Unauthenticated, "empty token")
		}
		md := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+string(k))
		var callErr error
		resp, callErr = client.Check(md, &healthpb.HealthCheckRequest{Service: p.cfg.Service})
		return callErr
	})
	if err != nil {
		if errors.Is(err, secure.ErrDestroyed) {
			return probe.TransientError(err.Error())
		}
		return ClassifyGRPCError(err, p.cfg.RateLimitBackoff)
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return probe.TransientError("service status " + resp.GetStatus().String())
	}
	return probe.Valid()
}

// ClassifyGRPCError maps a failed health call to a verdict
func ClassifyGRPCError(err error, fallback time.Duration) probe.Verdict {
	st, ok := status.FromError(err)
	if !ok {
		return probe.TransientError(err.Error())
	}

	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return probe.Invalid(fmt.Sprintf("%s: %s", st.Code(), st.Message()))
	case codes.ResourceExhausted:
		retry := fallback
		for _, d := range st.Details() {
			if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
				retry = info.GetRetryDelay().AsDuration()
			}
		}
		return probe.RateLimited(retry)
	default:
		return probe.TransientError(fmt.Sprintf("%s: %s", st.Code(), st.Message()))
	}
}
