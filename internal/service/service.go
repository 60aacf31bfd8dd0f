// Package service is the single entry point the API and CLI use to manage
// keys, read their status, run audits and work with alerts.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/systmms/dskeys/internal/alert"
	"github.com/systmms/dskeys/internal/audit"
	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/keystore"
	"github.com/systmms/dskeys/internal/logging"
	"github.com/systmms/dskeys/internal/reconcile"
	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

// fingerprintPrefix is how much of the fingerprint read models show
const fingerprintPrefix = 8

// KeyView is the masked read model of a key and its status. It never
// carries key material.
type KeyView struct {
	ID                  string                  `json:"id"`
	OwnerID             string                  `json:"owner_id"`
	Provider            credential.ProviderType `json:"provider"`
	Fingerprint         string                  `json:"fingerprint"`
	KMSVersion          string                  `json:"kms_version"`
	CreatedAt           time.Time               `json:"created_at"`
	LastRotatedAt       time.Time               `json:"last_rotated_at"`
	State               credential.State        `json:"state"`
	LastCheckedAt       *time.Time              `json:"last_checked_at,omitempty"`
	ErrorMessage        string                  `json:"error_message,omitempty"`
	ConsecutiveFailures int                     `json:"consecutive_failures"`
	NextCheckAt         *time.Time              `json:"next_check_at,omitempty"`
}

func newKeyView(k credential.KeyRecord, st credential.StatusRecord) KeyView {
	fp := k.Fingerprint
	if len(fp) > fingerprintPrefix {
		fp = fp[:fingerprintPrefix]
	}
	return KeyView{
		ID:                  k.ID,
		OwnerID:             k.OwnerID,
		Provider:            k.Provider,
		Fingerprint:         fp,
		KMSVersion:          k.KMSVersion,
		CreatedAt:           k.CreatedAt,
		LastRotatedAt:       k.LastRotatedAt,
		State:               st.State,
		LastCheckedAt:       st.LastCheckedAt,
		ErrorMessage:        st.ErrorMessage,
		ConsecutiveFailures: st.ConsecutiveFailures,
		NextCheckAt:         st.NextCheckAt,
	}
}

// Service is the key lifecycle façade
type Service struct {
	tx         storage.Transactor
	keys       *keystore.KeyStore
	reconciler *reconcile.Reconciler
	auditor    *audit.Auditor
	alerts     *alert.Dispatcher
	logger     *logging.Logger

	probeOnWrite bool
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l.Named("service") }
}

// WithProbeOnWrite controls whether register and rotate probe the key
// before returning. It is on by default.
func WithProbeOnWrite(enabled bool) Option {
	return func(s *Service) { s.probeOnWrite = enabled }
}

// New wires the components together. Status transitions and audit findings
// are routed to the alert dispatcher.
func New(tx storage.Transactor, keys *keystore.KeyStore, reconciler *reconcile.Reconciler, auditor *audit.Auditor, alerts *alert.Dispatcher, opts ...Option) *Service {
	s := &Service{
		tx:           tx,
		keys:         keys,
		reconciler:   reconciler,
		auditor:      auditor,
		alerts:       alerts,
		logger:       logging.Discard(),
		probeOnWrite: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	reconciler.SetTransitionHandler(alerts.OnStatusTransition)
	auditor.SetListener(alerts)
	return s
}

// RegisterKey stores a new key with a Pending status and probes it. An
// existing Revoked key for the same owner and provider is replaced; any other
// existing key fails with ErrDuplicateActiveKey. The service takes ownership
// of plaintext.
func (s *Service) RegisterKey(ctx context.Context, ownerID string, provider credential.ProviderType, plaintext *secure.Secret) (KeyView, error) {
	defer plaintext.Destroy()

	if strings.TrimSpace(ownerID) == "" {
		return KeyView{}, dserrors.ValidationError{Field: "owner", Message: "owner id is required"}
	}
	if !provider.Valid() {
		return KeyView{}, dserrors.ValidationError{Field: "provider", Message: "unsupported provider " + string(provider)}
	}

	var (
		rec      credential.KeyRecord
		replaced string
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		existing, err := s.keys.Find(ctx, ownerID, provider)
		switch {
		case err == nil:
			st, err := s.reconciler.Status(ctx, existing.ID)
			if err != nil && !errors.Is(err, dserrors.ErrNotFound) {
				return err
			}
			if st.State != credential.StateRevoked {
				return dserrors.ErrDuplicateActiveKey
			}
			if err := s.reconciler.Forget(ctx, existing.ID); err != nil {
				return err
			}
			if _, err := s.keys.Delete(ctx, existing.ID); err != nil {
				return err
			}
			replaced = existing.ID
		case !errors.Is(err, dserrors.ErrNotFound):
			return err
		}

		rec, err = s.keys.Create(ctx, ownerID, provider, plaintext)
		if err != nil {
			return err
		}
		_, err = s.reconciler.Track(ctx, rec)
		return err
	})
	if err != nil {
		return KeyView{}, err
	}

	if replaced != "" {
		s.logger.Info("Replaced revoked %s key %s of owner %s with %s", provider, replaced, ownerID, rec.ID)
		if _, err := s.alerts.ResolveForKey(ctx, replaced); err != nil {
			s.logger.Warn("Could not resolve alerts for replaced key %s: %v", replaced, err)
		}
	} else {
		s.logger.Info("Registered %s key %s for owner %s", provider, rec.ID, ownerID)
	}
	return s.afterWrite(ctx, rec)
}

// RotateKey replaces a key's material in place and probes the new material.
// A Revoked key cannot be rotated; register a replacement instead.
func (s *Service) RotateKey(ctx context.Context, keyID string, plaintext *secure.Secret) (KeyView, error) {
	defer plaintext.Destroy()

	// a probe of the old material must not overwrite the new status
	s.reconciler.Cancel(keyID)

	var rec credential.KeyRecord
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		st, err := s.reconciler.Status(ctx, keyID)
		if err != nil {
			return err
		}
		if st.State == credential.StateRevoked {
			return dserrors.ValidationError{Field: "key", Message: "key " + keyID + " is revoked; register a replacement"}
		}
		rec, err = s.keys.Rotate(ctx, keyID, plaintext)
		return err
	})
	if err != nil {
		return KeyView{}, err
	}
	s.logger.Info("Rotated key %s", keyID)
	return s.afterWrite(ctx, rec)
}

func (s *Service) afterWrite(ctx context.Context, rec credential.KeyRecord) (KeyView, error) {
	if s.probeOnWrite {
		if _, err := s.reconciler.ReconcileKey(ctx, rec.ID); err != nil {
			// the key is stored; the scheduled cycle picks it up
			s.logger.Warn("Initial probe of key %s did not complete: %v", rec.ID, err)
		}
	}
	st, err := s.reconciler.Status(ctx, rec.ID)
	if err != nil {
		return KeyView{}, err
	}
	return newKeyView(rec, st), nil
}

// DeleteKey removes a key and its status and cancels any probe in flight.
// Deleting an unknown key is not an error.
func (s *Service) DeleteKey(ctx context.Context, keyID string) error {
	var deleted bool
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.reconciler.Forget(ctx, keyID); err != nil {
			return err
		}
		var err error
		deleted, err = s.keys.Delete(ctx, keyID)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	s.logger.Info("Deleted key %s", keyID)
	if _, err := s.alerts.ResolveForKey(ctx, keyID); err != nil {
		s.logger.Warn("Could not resolve alerts for deleted key %s: %v", keyID, err)
	}
	return nil
}

// GetStatus returns the masked view of one key
func (s *Service) GetStatus(ctx context.Context, keyID string) (KeyView, error) {
	rec, err := s.keys.Get(ctx, keyID)
	if err != nil {
		return KeyView{}, err
	}
	st, err := s.reconciler.Status(ctx, keyID)
	if err != nil {
		return KeyView{}, err
	}
	return newKeyView(rec, st), nil
}

// ListStatuses returns the masked views of an owner's keys
func (s *Service) ListStatuses(ctx context.Context, ownerID string) ([]KeyView, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, dserrors.ValidationError{Field: "owner", Message: "owner id is required"}
	}
	return s.listViews(ctx, ownerID)
}

// ListAllStatuses returns every key's masked view
func (s *Service) ListAllStatuses(ctx context.Context) ([]KeyView, error) {
	return s.listViews(ctx, "")
}

func (s *Service) listViews(ctx context.Context, ownerID string) ([]KeyView, error) {
	recs, err := s.keys.List(ctx, storage.KeyFilter{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	statuses, err := s.reconciler.Statuses(ctx, storage.StatusFilter{OwnerID: ownerID})
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]credential.StatusRecord, len(statuses))
	for _, st := range statuses {
		byKey[st.KeyID] = st
	}

	views := make([]KeyView, 0, len(recs))
	for _, rec := range recs {
		st, ok := byKey[rec.ID]
		if !ok {
			// deleted between the two reads
			continue
		}
		views = append(views, newKeyView(rec, st))
	}
	return views, nil
}

// TriggerAudit runs the vault audit now
func (s *Service) TriggerAudit(ctx context.Context) (audit.Report, error) {
	return s.auditor.Run(ctx)
}

// ListFindings returns audit findings
func (s *Service) ListFindings(ctx context.Context, filter storage.FindingFilter) ([]credential.AuditFinding, error) {
	return s.auditor.Findings(ctx, filter)
}

// AcknowledgeAlert records that actor has seen an alert
func (s *Service) AcknowledgeAlert(ctx context.Context, alertID, actor string) (credential.Alert, error) {
	return s.alerts.Acknowledge(ctx, alertID, actor)
}

// ListAlerts returns alerts
func (s *Service) ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]credential.Alert, error) {
	return s.alerts.List(ctx, filter)
}

// SubscribeAlerts streams alerts as they are raised and resolved until
// cancel is called
func (s *Service) SubscribeAlerts(buffer int) (<-chan credential.Alert, func()) {
	return s.alerts.Subscribe(buffer)
}

// ReconcileNow probes the due keys of an owner, or of every owner when
// ownerID is empty
func (s *Service) ReconcileNow(ctx context.Context, ownerID string) (reconcile.Summary, error) {
	summary, err := s.reconciler.ReconcileOwner(ctx, ownerID)
	if err != nil {
		return summary, fmt.Errorf("reconcile: %w", err)
	}
	return summary, nil
}

// DeliverAlerts flushes the alert outbox
func (s *Service) DeliverAlerts(ctx context.Context) (int, error) {
	return s.alerts.Deliver(ctx)
}
