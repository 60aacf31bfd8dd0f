package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/dskeys/internal/storage"
	"github.com/systmms/dskeys/pkg/credential"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testKey(id, owner string, p credential.ProviderType) credential.KeyRecord {
	return credential.KeyRecord{
		ID:            id,
		OwnerID:       owner,
		Provider:      p,
		Ciphertext:    []byte("dsk1:1:AAAA"),
		KMSVersion:    "1",
		CreatedAt:     t0,
		LastRotatedAt: t0,
	}
}

func TestStore_KeyUniqueness(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertKey(ctx, testKey("k1", "alice", credential.ProviderOpenAI)))
	err := s.InsertKey(ctx, testKey("k2", "alice", credential.ProviderOpenAI))
	assert.ErrorIs(t, err, storage.ErrDuplicate)

	require.NoError(t, s.InsertKey(ctx, testKey("k3", "alice", credential.ProviderGroq)))
	require.NoError(t, s.InsertKey(ctx, testKey("k4", "bob", credential.ProviderOpenAI)))

	keys, err := s.ListKeys(ctx, storage.KeyFilter{OwnerID: "alice"})
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	found, err := s.FindKey(ctx, "bob", credential.ProviderOpenAI)
	require.NoError(t, err)
	assert.Equal(t, "k4", found.ID)
}

func TestStore_ReturnedKeysAreCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertKey(ctx, testKey("k1", "alice", credential.ProviderOpenAI)))

	k, err := s.GetKey(ctx, "k1")
	require.NoError(t, err)
	k.Ciphertext[0] = 'X'

	again, err := s.GetKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, byte('d'), again.Ciphertext[0])
}

func TestStore_DeleteKeyRemovesStatus(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	k := testKey("k1", "alice", credential.ProviderOpenAI)
	require.NoError(t, s.InsertKey(ctx, k))
	_, err := s.PutStatus(ctx, credential.NewPendingStatus(k, t0))
	require.NoError(t, err)

	deleted, err := s.DeleteKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetStatus(ctx, "k1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err = s.DeleteKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_StatusVersioning(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	k := testKey("k1", "alice", credential.ProviderOpenAI)

	st, err := s.PutStatus(ctx, credential.NewPendingStatus(k, t0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	st.State = credential.StateActive
	updated, err := s.PutStatus(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// st still carries version 1
	_, err = s.PutStatus(ctx, st)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	_, err = s.PutStatus(ctx, credential.StatusRecord{KeyID: "ghost", Version: 3})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_InTxRollsBack(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(ctx context.Context) error {
		k := testKey("k1", "alice", credential.ProviderOpenAI)
		require.NoError(t, s.InsertKey(ctx, k))
		_, err := s.PutStatus(ctx, credential.NewPendingStatus(k, t0))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetKey(ctx, "k1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetStatus(ctx, "k1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_InTxRollsBackOnPanic(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = s.InTx(ctx, func(ctx context.Context) error {
			_ = s.InsertKey(ctx, testKey("k1", "alice", credential.ProviderOpenAI))
			panic("mid-transaction")
		})
	})

	keys, err := s.ListKeys(ctx, storage.KeyFilter{})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_NestedTxJoinsOuter(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context) error {
		return s.InTx(ctx, func(ctx context.Context) error {
			return s.InsertKey(ctx, testKey("k1", "alice", credential.ProviderOpenAI))
		})
	})
	require.NoError(t, err)

	_, err = s.GetKey(ctx, "k1")
	assert.NoError(t, err)
}

func TestStore_ConcurrentStatusWrites(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	k := testKey("k1", "alice", credential.ProviderOpenAI)
	_, err := s.PutStatus(ctx, credential.NewPendingStatus(k, t0))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.InTx(ctx, func(ctx context.Context) error {
				st, err := s.GetStatus(ctx, "k1")
				if err != nil {
					return err
				}
				st.ConsecutiveFailures++
				_, err = s.PutStatus(ctx, st)
				return err
			})
		}()
	}
	wg.Wait()

	st, err := s.GetStatus(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 20, st.ConsecutiveFailures)
	assert.Equal(t, int64(21), st.Version)
}

func TestStore_FindingsAndAlerts(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	require.NoError(t, s.InsertFinding(ctx, credential.AuditFinding{ID: "f1", RuleID: "key-rotation-age", Subject: "k1", DetectedAt: t0}))
	require.NoError(t, s.InsertFinding(ctx, credential.AuditFinding{ID: "f2", RuleID: "single-active-key", Subject: "alice/openai", DetectedAt: t0}))
	require.NoError(t, s.ResolveFinding(ctx, "f1", t0.Add(time.Hour)))
	assert.ErrorIs(t, s.ResolveFinding(ctx, "nope", t0), storage.ErrNotFound)

	open, err := s.ListFindings(ctx, storage.FindingFilter{OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "f2", open[0].ID)

	a := credential.Alert{ID: "a1", SourceKind: credential.SourceStatus, ReferenceID: "k1", CreatedAt: t0}
	require.NoError(t, s.InsertAlert(ctx, a))

	undelivered, err := s.ListAlerts(ctx, storage.AlertFilter{UndeliveredOnly: true})
	require.NoError(t, err)
	assert.Len(t, undelivered, 1)

	delivered := t0.Add(time.Minute)
	a.DeliveredAt = &delivered
	a.Message = "ignored"
	require.NoError(t, s.UpdateAlert(ctx, a))

	got, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.NotNil(t, got.DeliveredAt)
	assert.Empty(t, got.Message, "only mutable fields are updated")

	undelivered, err = s.ListAlerts(ctx, storage.AlertFilter{UndeliveredOnly: true})
	require.NoError(t, err)
	assert.Empty(t, undelivered)
}
