// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package sqlitehistory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/taskhub/internal/blobstore"
	"github.com/ManuGH/taskhub/internal/historystore"
	"github.com/ManuGH/taskhub/internal/persistence/sqlite"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(context.Background(), db, blobstore.NewMemoryStore())
	require.NoError(t, err)
	return s
}

func startEvent(instanceID, name string) taskmsg.HistoryEvent {
	return taskmsg.HistoryEvent{
		EventID:          0,
		Type:             taskmsg.EventExecutionStarted,
		Timestamp:        time.Now(),
		ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: name, Input: "{}"},
	}
}

func TestSetNewExecution_CreatesRunningState(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SetNewExecution(ctx, "inst-1", "exec-1", startEvent("inst-1", "Workflow")))

	events, etag, err := s.GetHistory(ctx, "inst-1", "")
	require.NoError(t, err)
	require.Equal(t, "0", etag)
	require.Len(t, events, 1)
	require.Equal(t, taskmsg.EventExecutionStarted, events[0].Type)

	states, err := s.GetState(ctx, "inst-1", false)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, taskmsg.StatusRunning, states[0].Status)
}

func TestGetHistory_UnknownInstanceReturnsErrNotFound(t *testing.T) {
	_, _, err := newTestStore(t).GetHistory(context.Background(), "missing", "")
	require.ErrorIs(t, err, historystore.ErrNotFound)
}

func TestUpdateState_AppendsEventsAndBumpsETag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SetNewExecution(ctx, "inst-1", "exec-1", startEvent("inst-1", "Workflow")))

	newEvents := []taskmsg.HistoryEvent{
		{EventID: 1, Type: taskmsg.EventTaskScheduled, TaskScheduled: &taskmsg.TaskScheduledPayload{TaskID: 1, Name: "Step1"}},
	}
	newETag, err := s.UpdateState(ctx, "inst-1", "exec-1", newEvents, taskmsg.StatusRunning, "0", nil)
	require.NoError(t, err)
	require.Equal(t, "1", newETag)

	events, etag, err := s.GetHistory(ctx, "inst-1", "exec-1")
	require.NoError(t, err)
	require.Equal(t, "1", etag)
	require.Len(t, events, 2)
}

func TestUpdateState_StaleETagReturnsPreconditionFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SetNewExecution(ctx, "inst-1", "exec-1", startEvent("inst-1", "Workflow")))

	_, err := s.UpdateState(ctx, "inst-1", "exec-1", nil, taskmsg.StatusCompleted, "99", nil)
	require.ErrorIs(t, err, taskmsg.ErrPreconditionFailed)
}

func TestUpdateState_RecordsBlobNames(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SetNewExecution(ctx, "inst-1", "exec-1", startEvent("inst-1", "Workflow")))

	big := taskmsg.HistoryEvent{EventID: 1, Type: taskmsg.EventTaskCompleted, TaskCompleted: &taskmsg.TaskCompletedPayload{TaskID: 1, Result: "big"}}
	_, err := s.UpdateState(ctx, "inst-1", "exec-1", []taskmsg.HistoryEvent{big}, taskmsg.StatusRunning, "0",
		map[int64]string{1: "inst-1/blob-abc.json.gz"})
	require.NoError(t, err)

	var blobName string
	row := s.db.QueryRowContext(ctx, `SELECT blob_name FROM history_events WHERE instance_id = ? AND event_id = ?`, "inst-1", int64(1))
	require.NoError(t, row.Scan(&blobName))
	require.Equal(t, "inst-1/blob-abc.json.gz", blobName)
}

func TestGetState_AllExecutionsAfterContinueAsNew(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SetNewExecution(ctx, "inst-1", "exec-1", startEvent("inst-1", "Workflow")))
	require.NoError(t, s.SetNewExecution(ctx, "inst-1", "exec-2", startEvent("inst-1", "Workflow")))

	states, err := s.GetState(ctx, "inst-1", true)
	require.NoError(t, err)
	require.Len(t, states, 2)

	current, err := s.GetState(ctx, "inst-1", false)
	require.NoError(t, err)
	require.Len(t, current, 1)
	require.Equal(t, "exec-2", current[0].Instance.ExecutionID)
}

func TestGetStateFiltered_ByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SetNewExecution(ctx, "inst-1", "exec-1", startEvent("inst-1", "Workflow")))
	require.NoError(t, s.SetNewExecution(ctx, "inst-2", "exec-1", startEvent("inst-2", "Workflow")))

	_, err := s.UpdateState(ctx, "inst-2", "exec-1",
		[]taskmsg.HistoryEvent{{EventID: 1, Type: taskmsg.EventExecutionCompleted, ExecutionCompleted: &taskmsg.ExecutionCompletedPayload{Result: "ok"}}},
		taskmsg.StatusCompleted, "0", nil)
	require.NoError(t, err)

	completed, err := s.GetStateFiltered(ctx, historystore.StateFilter{Statuses: []taskmsg.OrchestrationStatus{taskmsg.StatusCompleted}})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	require.Equal(t, "inst-2", completed[0].Instance.InstanceID)
}

func TestRewindHistory_NeutralizesFailedTasksAndReturnsDescendants(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SetNewExecution(ctx, "inst-1", "exec-1", startEvent("inst-1", "Workflow")))

	_, err := s.UpdateState(ctx, "inst-1", "exec-1", []taskmsg.HistoryEvent{
		{EventID: 1, Type: taskmsg.EventTaskFailed, TaskFailed: &taskmsg.TaskFailedPayload{TaskID: 1, Reason: "boom"}},
		{EventID: 2, Type: taskmsg.EventSubOrchestrationCreated, SubOrchestrationCreated: &taskmsg.SubOrchestrationCreatedPayload{InstanceID: "child-1", Name: "Child"}},
	}, taskmsg.StatusFailed, "0", nil)
	require.NoError(t, err)

	descendants, err := s.RewindHistory(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, []string{"child-1"}, descendants)

	events, _, err := s.GetHistory(ctx, "inst-1", "")
	require.NoError(t, err)
	for _, ev := range events {
		require.NotEqual(t, taskmsg.EventTaskFailed, ev.Type)
	}

	states, err := s.GetState(ctx, "inst-1", false)
	require.NoError(t, err)
	require.Equal(t, taskmsg.StatusRunning, states[0].Status)
}

func TestPurgeInstanceHistory_RemovesRowsAndBlobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SetNewExecution(ctx, "inst-1", "exec-1", startEvent("inst-1", "Workflow")))
	require.NoError(t, s.blobs.Put(ctx, "inst-1/blob.json.gz", []byte("offloaded")))

	_, err := s.UpdateState(ctx, "inst-1", "exec-1",
		[]taskmsg.HistoryEvent{{EventID: 1, Type: taskmsg.EventTaskCompleted, TaskCompleted: &taskmsg.TaskCompletedPayload{TaskID: 1}}},
		taskmsg.StatusRunning, "0", map[int64]string{1: "inst-1/blob.json.gz"})
	require.NoError(t, err)

	require.NoError(t, s.PurgeInstanceHistory(ctx, "inst-1"))

	_, _, err = s.GetHistory(ctx, "inst-1", "")
	require.ErrorIs(t, err, historystore.ErrNotFound)

	_, err = s.blobs.Get(ctx, "inst-1/blob.json.gz")
	require.ErrorIs(t, err, blobstore.ErrNotFound)
}
