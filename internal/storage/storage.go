// Package storage defines the persistence contracts shared by the key store,
// reconciler, auditor and alert dispatcher. Each component owns its records
// and reads the others only through these interfaces.
package storage

import (
	"context"
	"errors"
	"time"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/pkg/credential"
)

var (
	// ErrNotFound aliases the engine-wide sentinel so callers can match either
	ErrNotFound = dserrors.ErrNotFound

	// ErrDuplicate is returned when (owner, provider) already has a key
	ErrDuplicate = dserrors.ErrDuplicateActiveKey

	// ErrVersionConflict is returned when a status was updated concurrently
	ErrVersionConflict = errors.New("status version conflict")
)

// KeyFilter narrows ListKeys. Zero values match everything.
type KeyFilter struct {
	OwnerID  string
	Provider credential.ProviderType
}

// StatusFilter narrows ListStatuses
type StatusFilter struct {
	OwnerID string
	States  []credential.State
}

// Matches reports whether s passes the filter
func (f StatusFilter) Matches(s credential.StatusRecord) bool {
	if f.OwnerID != "" && s.OwnerID != f.OwnerID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, st := range f.States {
		if s.State == st {
			return true
		}
	}
	return false
}

// FindingFilter narrows ListFindings
type FindingFilter struct {
	OpenOnly bool
	RuleID   string
}

// Matches reports whether f passes the filter
func (ff FindingFilter) Matches(f credential.AuditFinding) bool {
	if ff.OpenOnly && !f.Open() {
		return false
	}
	return ff.RuleID == "" || f.RuleID == ff.RuleID
}

// AlertFilter narrows ListAlerts
type AlertFilter struct {
	OpenOnly        bool
	UndeliveredOnly bool
	OwnerID         string
	SourceKind      credential.SourceKind
	ReferenceID     string
}

// Matches reports whether a passes the filter
func (af AlertFilter) Matches(a credential.Alert) bool {
	switch {
	case af.OpenOnly && !a.Open():
		return false
	case af.UndeliveredOnly && a.DeliveredAt != nil:
		return false
	case af.OwnerID != "" && a.OwnerID != af.OwnerID:
		return false
	case af.SourceKind != "" && a.SourceKind != af.SourceKind:
		return false
	case af.ReferenceID != "" && a.ReferenceID != af.ReferenceID:
		return false
	}
	return true
}

// KeyRepository persists KeyRecords
type KeyRepository interface {
	// InsertKey fails with ErrDuplicate when the owner already has a key for the provider
	InsertKey(ctx context.Context, k credential.KeyRecord) error
	// UpdateKey replaces ciphertext, version, fingerprint and rotation time
	UpdateKey(ctx context.Context, k credential.KeyRecord) error
	// DeleteKey reports whether a record was removed
	DeleteKey(ctx context.Context, id string) (bool, error)
	GetKey(ctx context.Context, id string) (credential.KeyRecord, error)
	FindKey(ctx context.Context, ownerID string, provider credential.ProviderType) (credential.KeyRecord, error)
	ListKeys(ctx context.Context, filter KeyFilter) ([]credential.KeyRecord, error)
}

// StatusRepository persists StatusRecords
type StatusRepository interface {
	// PutStatus stores s if s.Version matches the stored version (0 for a new
	// record) and returns it with the incremented version.
	PutStatus(ctx context.Context, s credential.StatusRecord) (credential.StatusRecord, error)
	GetStatus(ctx context.Context, keyID string) (credential.StatusRecord, error)
	ListStatuses(ctx context.Context, filter StatusFilter) ([]credential.StatusRecord, error)
	DeleteStatus(ctx context.Context, keyID string) error
}

// FindingRepository persists AuditFindings
type FindingRepository interface {
	InsertFinding(ctx context.Context, f credential.AuditFinding) error
	ResolveFinding(ctx context.Context, id string, at time.Time) error
	ListFindings(ctx context.Context, filter FindingFilter) ([]credential.AuditFinding, error)
}

// AlertRepository persists Alerts
type AlertRepository interface {
	InsertAlert(ctx context.Context, a credential.Alert) error
	// UpdateAlert stores the mutable fields: resolution, acknowledgement, delivery
	UpdateAlert(ctx context.Context, a credential.Alert) error
	GetAlert(ctx context.Context, id string) (credential.Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]credential.Alert, error)
}

// Transactor runs fn atomically. Repositories called with the ctx passed to
// fn join the transaction. Nested calls join the outer transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store is a complete backend
type Store interface {
	KeyRepository
	StatusRepository
	FindingRepository
	AlertRepository
	Transactor

	Ping(ctx context.Context) error
	Close() error
}
