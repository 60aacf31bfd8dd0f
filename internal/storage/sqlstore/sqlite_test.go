package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

func openSQLite(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "dskeys.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_KeyLifecycle(t *testing.T) {
	t.Parallel()

	s := openSQLite(t)
	ctx := context.Background()
	k := credential.KeyRecord{
		ID: "k1", OwnerID: "alice", Provider: credential.ProviderAnthropic,
		Ciphertext: []byte("dsk1:1:AAAA"), KMSVersion: "1", Fingerprint: "f00d",
		CreatedAt: t0, LastRotatedAt: t0,
	}

	require.NoError(t, s.InsertKey(ctx, k))
	dup := k
	dup.ID = "k2"
	assert.ErrorIs(t, s.InsertKey(ctx, dup), storage.ErrDuplicate)

	k.Ciphertext = []byte("dsk1:2:BBBB")
	k.KMSVersion = "2"
	k.LastRotatedAt = t0.Add(24 * time.Hour)
	require.NoError(t, s.UpdateKey(ctx, k))

	got, err := s.FindKey(ctx, "alice", credential.ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "2", got.KMSVersion)
	assert.True(t, got.LastRotatedAt.Equal(k.LastRotatedAt))
	assert.True(t, got.CreatedAt.Equal(t0))

	missing := k
	missing.ID = "nope"
	assert.ErrorIs(t, s.UpdateKey(ctx, missing), storage.ErrNotFound)
}

func TestSQLite_StatusCommitsWithKey(t *testing.T) {
	t.Parallel()

	s := openSQLite(t)
	ctx := context.Background()
	k := credential.KeyRecord{ID: "k1", OwnerID: "alice", Provider: credential.ProviderOpenAI,
		Ciphertext: []byte("x"), CreatedAt: t0, LastRotatedAt: t0}

	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.InsertKey(ctx, k); err != nil {
			return err
		}
		if _, err := s.PutStatus(ctx, credential.NewPendingStatus(k, t0)); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.GetKey(ctx, "k1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context) error {
		if err := s.InsertKey(ctx, k); err != nil {
			return err
		}
		_, err := s.PutStatus(ctx, credential.NewPendingStatus(k, t0))
		return err
	}))

	st, err := s.GetStatus(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, credential.StatePending, st.State)
	assert.Equal(t, int64(1), st.Version)

	checked := t0.Add(time.Minute)
	st.State = credential.StateError
	st.ConsecutiveFailures = 1
	st.LastCheckedAt = &checked
	st.ErrorMessage = "401 Unauthorized"
	st, err = s.PutStatus(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)

	stale := st
	stale.Version = 1
	_, err = s.PutStatus(ctx, stale)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	deleted, err := s.DeleteKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = s.GetStatus(ctx, "k1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLite_FindingsAndAlerts(t *testing.T) {
	t.Parallel()

	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.InsertFinding(ctx, credential.AuditFinding{
		ID: "f1", RuleID: "key-rotation-age", Subject: "k1", Severity: credential.SeverityWarning,
		Description: "key is 91 days old", DetectedAt: t0,
	}))
	require.NoError(t, s.InsertFinding(ctx, credential.AuditFinding{
		ID: "f2", RuleID: "master-key-source", Subject: "store", Severity: credential.SeverityInfo,
		DetectedAt: t0.Add(time.Second),
	}))
	require.NoError(t, s.ResolveFinding(ctx, "f2", t0.Add(time.Hour)))

	open, err := s.ListFindings(ctx, storage.FindingFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "key is 91 days old", open[0].Description)

	all, err := s.ListFindings(ctx, storage.FindingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.NotNil(t, all[1].ResolvedAt)

	require.NoError(t, s.InsertAlert(ctx, credential.Alert{
		ID: "a1", SourceKind: credential.SourceAudit, ReferenceID: "f1", Severity: credential.SeverityWarning,
		Message: "rotation overdue", CreatedAt: t0,
	}))
	a, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	ack := t0.Add(time.Minute)
	a.AcknowledgedBy = "ops@example.com"
	a.AcknowledgedAt = &ack
	require.NoError(t, s.UpdateAlert(ctx, a))

	alerts, err := s.ListAlerts(ctx, storage.AlertFilter{OpenOnly: true, ReferenceID: "f1"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "ops@example.com", alerts[0].AcknowledgedBy)
	assert.True(t, alerts[0].AcknowledgedAt.Equal(ack))
}
