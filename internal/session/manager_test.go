// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/taskhub/internal/blobstore"
	"github.com/ManuGH/taskhub/internal/controlqueue"
	"github.com/ManuGH/taskhub/internal/historystore/sqlitehistory"
	"github.com/ManuGH/taskhub/internal/persistence/sqlite"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/stretchr/testify/require"
)

func newTestHistoryStore(t *testing.T) *sqlitehistory.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := sqlitehistory.New(context.Background(), db, blobstore.NewMemoryStore())
	require.NoError(t, err)
	return s
}

func msgFor(instanceID, executionID string) controlqueue.MessageData {
	return controlqueue.MessageData{
		TaskMessage: taskmsg.TaskMessage{
			Instance: taskmsg.OrchestrationInstance{InstanceID: instanceID, ExecutionID: executionID},
			Event:    taskmsg.HistoryEvent{Type: taskmsg.EventExecutionStarted},
		},
	}
}

func TestDispatch_NewInstanceBecomesReadyWithEmptyHistory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	history := newTestHistoryStore(t)
	m := New(history, nil, Config{PartitionID: "hub-control-00"}, nil)

	m.Dispatch(ctx, msgFor("inst-1", "exec-1"))

	leased, err := m.GetNextSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "inst-1", leased.InstanceID)
	require.Equal(t, "", leased.ETag)
	require.Len(t, leased.Messages, 1)
	require.Equal(t, taskmsg.StatusPending, leased.RuntimeState.Status)
}

func TestDispatch_CoalescesMessagesWhileLeasedOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	history := newTestHistoryStore(t)
	m := New(history, nil, Config{PartitionID: "hub-control-00", ExtendedSessionsEnabled: true}, nil)

	m.Dispatch(ctx, msgFor("inst-1", "exec-1"))
	leased, err := m.GetNextSession(ctx)
	require.NoError(t, err)
	require.Len(t, leased.Messages, 1)

	// Arrives while leased out: must coalesce into a pending next batch,
	// not interleave with the in-flight batch.
	m.Dispatch(ctx, msgFor("inst-1", "exec-1"))

	m.ReleaseSession(leased.InstanceID, true)

	next, err := m.GetNextSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "inst-1", next.InstanceID)
	require.Len(t, next.Messages, 1)
}

func TestReleaseSession_DropsWhenNotExtendedAndNoPendingBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	history := newTestHistoryStore(t)
	m := New(history, nil, Config{PartitionID: "hub-control-00", ExtendedSessionsEnabled: false}, nil)

	m.Dispatch(ctx, msgFor("inst-1", "exec-1"))
	leased, err := m.GetNextSession(ctx)
	require.NoError(t, err)

	m.ReleaseSession(leased.InstanceID, true)
	require.Equal(t, 0, m.ActiveCount())
}

func TestReleaseSession_KeptIdleWhenExtendedAndStillOwned(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	history := newTestHistoryStore(t)
	m := New(history, nil, Config{PartitionID: "hub-control-00", ExtendedSessionsEnabled: true}, nil)

	m.Dispatch(ctx, msgFor("inst-1", "exec-1"))
	leased, err := m.GetNextSession(ctx)
	require.NoError(t, err)

	m.ReleaseSession(leased.InstanceID, true)
	require.Equal(t, 1, m.ActiveCount()) // kept warm, idle

	// A new message for the same instance re-arms the session without a
	// fresh history fetch being observable from the test (asserted
	// indirectly: it becomes READY again).
	m.Dispatch(ctx, msgFor("inst-1", "exec-1"))
	next, err := m.GetNextSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "inst-1", next.InstanceID)
}

func TestGetNextSession_ReturnsErrorOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	m := New(newTestHistoryStore(t), nil, Config{PartitionID: "hub-control-00"}, nil)
	_, err := m.GetNextSession(ctx)
	require.Error(t, err)
}

func TestCancelAll_RemovesEverySession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m := New(newTestHistoryStore(t), nil, Config{PartitionID: "hub-control-00"}, nil)
	m.Dispatch(ctx, msgFor("inst-1", "exec-1"))
	m.Dispatch(ctx, msgFor("inst-2", "exec-1"))

	require.Eventually(t, func() bool { return m.ActiveCount() == 2 }, time.Second, 10*time.Millisecond)

	m.CancelAll()
	require.Equal(t, 0, m.ActiveCount())
}
