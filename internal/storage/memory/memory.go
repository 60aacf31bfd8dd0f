// Package memory is an in-process storage backend used by tests and by
// single-node deployments that do not need durability.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

type txKey struct{}

// Store keeps every record in maps behind one mutex. A transaction holds the
// mutex for its whole duration and restores a snapshot on failure.
type Store struct {
	mu       sync.Mutex
	keys     map[string]credential.KeyRecord
	statuses map[string]credential.StatusRecord
	findings map[string]credential.AuditFinding
	alerts   map[string]credential.Alert
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		keys:     make(map[string]credential.KeyRecord),
		statuses: make(map[string]credential.StatusRecord),
		findings: make(map[string]credential.AuditFinding),
		alerts:   make(map[string]credential.Alert),
	}
}

func (s *Store) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) == s {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// InTx implements storage.Transactor
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(txKey{}) == s {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	defer func() {
		if r := recover(); r != nil {
			s.restore(snap)
			panic(r)
		}
		if err != nil {
			s.restore(snap)
		}
	}()

	return fn(context.WithValue(ctx, txKey{}, s))
}

type snapshot struct {
	keys     map[string]credential.KeyRecord
	statuses map[string]credential.StatusRecord
	findings map[string]credential.AuditFinding
	alerts   map[string]credential.Alert
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		keys:     copyMap(s.keys),
		statuses: copyMap(s.statuses),
		findings: copyMap(s.findings),
		alerts:   copyMap(s.alerts),
	}
}

func (s *Store) restore(snap snapshot) {
	s.keys = snap.keys
	s.statuses = snap.statuses
	s.findings = snap.findings
	s.alerts = snap.alerts
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func cloneKey(k credential.KeyRecord) credential.KeyRecord {
	k.Ciphertext = append([]byte(nil), k.Ciphertext...)
	return k
}

// InsertKey implements storage.KeyRepository
func (s *Store) InsertKey(ctx context.Context, k credential.KeyRecord) error {
	defer s.lock(ctx)()

	if _, ok := s.keys[k.ID]; ok {
		return fmt.Errorf("key %s: %w", k.ID, storage.ErrDuplicate)
	}
	for _, existing := range s.keys {
		if existing.OwnerID == k.OwnerID && existing.Provider == k.Provider {
			return storage.ErrDuplicate
		}
	}
	s.keys[k.ID] = cloneKey(k)
	return nil
}

func (s *Store) UpdateKey(ctx context.Context, k credential.KeyRecord) error {
	defer s.lock(ctx)()

	existing, ok := s.keys[k.ID]
	if !ok {
		return storage.ErrNotFound
	}
	existing.Ciphertext = append([]byte(nil), k.Ciphertext...)
	existing.KMSVersion = k.KMSVersion
	existing.Fingerprint = k.Fingerprint
	existing.LastRotatedAt = k.LastRotatedAt
	s.keys[k.ID] = existing
	return nil
}

func (s *Store) DeleteKey(ctx context.Context, id string) (bool, error) {
	defer s.lock(ctx)()

	if _, ok := s.keys[id]; !ok {
		return false, nil
	}
	delete(s.keys, id)
	delete(s.statuses, id)
	return true, nil
}

func (s *Store) GetKey(ctx context.Context, id string) (credential.KeyRecord, error) {
	defer s.lock(ctx)()

	k, ok := s.keys[id]
	if !ok {
		return credential.KeyRecord{}, storage.ErrNotFound
	}
	return cloneKey(k), nil
}

func (s *Store) FindKey(ctx context.Context, ownerID string, provider credential.ProviderType) (credential.KeyRecord, error) {
	defer s.lock(ctx)()

	for _, k := range s.keys {
		if k.OwnerID == ownerID && k.Provider == provider {
			return cloneKey(k), nil
		}
	}
	return credential.KeyRecord{}, storage.ErrNotFound
}

func (s *Store) ListKeys(ctx context.Context, filter storage.KeyFilter) ([]credential.KeyRecord, error) {
	defer s.lock(ctx)()

	var out []credential.KeyRecord
	for _, k := range s.keys {
		if filter.OwnerID != "" && k.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Provider != "" && k.Provider != filter.Provider {
			continue
		}
		out = append(out, cloneKey(k))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// PutStatus implements storage.StatusRepository
func (s *Store) PutStatus(ctx context.Context, st credential.StatusRecord) (credential.StatusRecord, error) {
	defer s.lock(ctx)()

	existing, ok := s.statuses[st.KeyID]
	switch {
	case !ok && st.Version != 0:
		return credential.StatusRecord{}, storage.ErrNotFound
	case ok && existing.Version != st.Version:
		return credential.StatusRecord{}, storage.ErrVersionConflict
	}
	st.Version++
	s.statuses[st.KeyID] = st
	return st, nil
}

func (s *Store) GetStatus(ctx context.Context, keyID string) (credential.StatusRecord, error) {
	defer s.lock(ctx)()

	st, ok := s.statuses[keyID]
	if !ok {
		return credential.StatusRecord{}, storage.ErrNotFound
	}
	return st, nil
}

func (s *Store) ListStatuses(ctx context.Context, filter storage.StatusFilter) ([]credential.StatusRecord, error) {
	defer s.lock(ctx)()

	var out []credential.StatusRecord
	for _, st := range s.statuses {
		if filter.Matches(st) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out, nil
}

func (s *Store) DeleteStatus(ctx context.Context, keyID string) error {
	defer s.lock(ctx)()
	delete(s.statuses, keyID)
	return nil
}

// InsertFinding implements storage.FindingRepository
func (s *Store) InsertFinding(ctx context.Context, f credential.AuditFinding) error {
	defer s.lock(ctx)()

	if _, ok := s.findings[f.ID]; ok {
		return fmt.Errorf("finding %s already exists", f.ID)
	}
	s.findings[f.ID] = f
	return nil
}

func (s *Store) ResolveFinding(ctx context.Context, id string, at time.Time) error {
	defer s.lock(ctx)()

	f, ok := s.findings[id]
	if !ok {
		return storage.ErrNotFound
	}
	f.ResolvedAt = &at
	s.findings[id] = f
	return nil
}

func (s *Store) ListFindings(ctx context.Context, filter storage.FindingFilter) ([]credential.AuditFinding, error) {
	defer s.lock(ctx)()

	var out []credential.AuditFinding
	for _, f := range s.findings {
		if filter.Matches(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// InsertAlert implements storage.AlertRepository
func (s *Store) InsertAlert(ctx context.Context, a credential.Alert) error {
	defer s.lock(ctx)()

	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	s.alerts[a.ID] = a
	return nil
}

func (s *Store) UpdateAlert(ctx context.Context, a credential.Alert) error {
	defer s.lock(ctx)()

	existing, ok := s.alerts[a.ID]
	if !ok {
		return storage.ErrNotFound
	}
	existing.ResolvedAt = a.ResolvedAt
	existing.AcknowledgedBy = a.AcknowledgedBy
	existing.AcknowledgedAt = a.AcknowledgedAt
	existing.DeliveredAt = a.DeliveredAt
	s.alerts[a.ID] = existing
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (credential.Alert, error) {
	defer s.lock(ctx)()

	a, ok := s.alerts[id]
	if !ok {
		return credential.Alert{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) ListAlerts(ctx context.Context, filter storage.AlertFilter) ([]credential.Alert, error) {
	defer s.lock(ctx)()

	var out []credential.Alert
	for _, a := range s.alerts {
		if filter.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
