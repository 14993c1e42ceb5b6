// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package sqlitelease

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/taskhub/internal/persistence/sqlite"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "leases.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(context.Background(), db, "test-hub")
	require.NoError(t, err)
	return s
}

func TestCreateHubIfNotExists_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	hub := taskmsg.TaskHub{Name: "test-hub", PartitionCount: 4, CreatedAt: time.Unix(1000, 0)}
	require.NoError(t, s.CreateHubIfNotExists(ctx, hub))
	require.NoError(t, s.CreateHubIfNotExists(ctx, hub))
}

func TestGetOrCreateHub_ExistingRowWins(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := taskmsg.TaskHub{Name: "test-hub", PartitionCount: 4, CreatedAt: time.Unix(1000, 0)}
	got, err := s.GetOrCreateHub(ctx, first)
	require.NoError(t, err)
	require.Equal(t, 4, got.PartitionCount)

	conflicting := taskmsg.TaskHub{Name: "test-hub", PartitionCount: 99, CreatedAt: time.Unix(2000, 0)}
	got2, err := s.GetOrCreateHub(ctx, conflicting)
	require.NoError(t, err)
	require.Equal(t, 4, got2.PartitionCount, "existing row must win over a conflicting definition")
}

func TestAcquire_FreshPartition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	lease, err := s.Acquire(ctx, "p0", "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "worker-a", lease.OwnerWorkerID)
	require.Equal(t, int64(1), lease.Epoch)
	require.NotEmpty(t, lease.Token)
}

func TestAcquire_AlreadyOwnedByOther(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	_, err := s.Acquire(ctx, "p0", "worker-a", 30*time.Second)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "p0", "worker-b", 30*time.Second)
	require.ErrorIs(t, err, taskmsg.ErrAlreadyOwned)
}

func TestAcquire_TakeoverAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	first, err := s.Acquire(ctx, "p0", "worker-a", -1*time.Second) // already expired
	require.NoError(t, err)

	second, err := s.Acquire(ctx, "p0", "worker-b", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "worker-b", second.OwnerWorkerID)
	require.Greater(t, second.Epoch, first.Epoch)
}

func TestAcquire_ReacquireBySameOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	first, err := s.Acquire(ctx, "p0", "worker-a", 30*time.Second)
	require.NoError(t, err)

	second, err := s.Acquire(ctx, "p0", "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "worker-a", second.OwnerWorkerID)
	require.Greater(t, second.Epoch, first.Epoch)
}

func TestAcquire_MissingLeaseRowErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Acquire(ctx, "unknown-partition", "worker-a", 30*time.Second)
	require.Error(t, err)
}

func TestRenew_ExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	lease, err := s.Acquire(ctx, "p0", "worker-a", 30*time.Second)
	require.NoError(t, err)

	renewed, err := s.Renew(ctx, lease, time.Minute)
	require.NoError(t, err)
	require.True(t, renewed.ExpiryTime.After(lease.ExpiryTime))
}

func TestRenew_ErrLeaseLostWhenStolen(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	lease, err := s.Acquire(ctx, "p0", "worker-a", -1*time.Second)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "p0", "worker-b", 30*time.Second)
	require.NoError(t, err)

	_, err = s.Renew(ctx, lease, time.Minute)
	require.ErrorIs(t, err, taskmsg.ErrLeaseLost)
}

func TestRelease_Success(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	lease, err := s.Acquire(ctx, "p0", "worker-a", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, lease))

	leases, err := s.ListLeases(ctx)
	require.NoError(t, err)
	require.Empty(t, leases)
}

func TestRelease_ErrLeaseLostWhenAlreadyLost(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	lease, err := s.Acquire(ctx, "p0", "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, lease))

	err = s.Release(ctx, lease)
	require.ErrorIs(t, err, taskmsg.ErrLeaseLost)
}

func TestSteal_TakesUnexpiredLeaseAndFencesOldOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	held, err := s.Acquire(ctx, "p0", "worker-a", time.Minute) // unexpired
	require.NoError(t, err)

	stolen, err := s.Steal(ctx, held, "worker-b", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "worker-b", stolen.OwnerWorkerID)
	require.Greater(t, stolen.Epoch, held.Epoch)

	_, err = s.Renew(ctx, held, time.Minute)
	require.ErrorIs(t, err, taskmsg.ErrLeaseLost)
}

func TestSteal_FailsIfLeaseChangedSinceObserved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))

	stale, err := s.Acquire(ctx, "p0", "worker-a", time.Minute)
	require.NoError(t, err)

	_, err = s.Acquire(ctx, "p0", "worker-a", time.Minute) // worker-a re-acquires, bumping epoch
	require.NoError(t, err)

	_, err = s.Steal(ctx, stale, "worker-b", 30*time.Second)
	require.ErrorIs(t, err, taskmsg.ErrAlreadyOwned)
}

func TestListLeases_ReturnsOnlyOwned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p0"))
	require.NoError(t, s.CreateLeaseIfNotExists(ctx, "p1"))

	_, err := s.Acquire(ctx, "p0", "worker-a", 30*time.Second)
	require.NoError(t, err)

	leases, err := s.ListLeases(ctx)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.Equal(t, "p0", leases[0].PartitionID)
}
