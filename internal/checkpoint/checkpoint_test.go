// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/taskhub/internal/blobstore"
	"github.com/ManuGH/taskhub/internal/codec"
	"github.com/ManuGH/taskhub/internal/controlqueue"
	"github.com/ManuGH/taskhub/internal/historystore/sqlitehistory"
	"github.com/ManuGH/taskhub/internal/persistence/sqlite"
	"github.com/ManuGH/taskhub/internal/queue/memory"
	"github.com/ManuGH/taskhub/internal/session"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	mq       *memory.Queue
	queues   map[string]*controlqueue.ControlQueue
	workItem *controlqueue.WorkItemQueue
	history  *sqlitehistory.Store
}

func newHarness(t *testing.T, hub string, partitionCount int) *testHarness {
	t.Helper()
	mq := memory.New()
	t.Cleanup(mq.Close)

	c := codec.New(blobstore.NewMemoryStore(), 1<<20)
	queues := make(map[string]*controlqueue.ControlQueue, partitionCount)
	for i := 0; i < partitionCount; i++ {
		name := taskmsg.PartitionName(hub, i)
		queues[name] = controlqueue.New(mq, c, name, 0, time.Minute)
	}
	workItem := controlqueue.NewWorkItemQueue(mq, c, taskmsg.WorkItemQueueName(hub), time.Minute)

	dbPath := filepath.Join(t.TempDir(), "history.db")
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	history, err := sqlitehistory.New(context.Background(), db, blobstore.NewMemoryStore())
	require.NoError(t, err)

	return &testHarness{mq: mq, queues: queues, workItem: workItem, history: history}
}

func (h *testHarness) resolve(name string) (*controlqueue.ControlQueue, bool) {
	cq, ok := h.queues[name]
	return cq, ok
}

func startedEvent(instanceID string) taskmsg.HistoryEvent {
	return taskmsg.HistoryEvent{
		EventID:          0,
		Type:             taskmsg.EventExecutionStarted,
		ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: "Workflow"},
	}
}

func TestCommit_NewInstanceCreatesExecutionAndDeletesInbound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "hub", 2)
	current := h.queues[taskmsg.PartitionName("hub", taskmsg.PartitionIndex("inst-1", 2))]

	inboundMD := controlqueue.MessageData{
		TaskMessage: taskmsg.TaskMessage{
			Instance: taskmsg.OrchestrationInstance{InstanceID: "inst-1", ExecutionID: "exec-1"},
			Event:    startedEvent("inst-1"),
		},
		OriginalMessageID: "msg-1",
		QueueName:         current.Name(),
	}
	require.NoError(t, current.Enqueue(ctx, inboundMD.TaskMessage, 0))
	dequeued, err := current.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, dequeued, 1)

	cp := New("hub", 2, h.resolve, current, h.workItem, h.history, 4)

	in := Input{
		Session: &session.LeasedSession{
			InstanceID:  "inst-1",
			ExecutionID: "exec-1",
			Messages:    dequeued,
			ETag:        "",
		},
		NewRuntimeState: taskmsg.OrchestrationRuntimeState{
			Instance: taskmsg.OrchestrationInstance{InstanceID: "inst-1", ExecutionID: "exec-1"},
			Events:   []taskmsg.HistoryEvent{startedEvent("inst-1")},
			Status:   taskmsg.StatusRunning,
		},
	}
	_, err = cp.Commit(ctx, in)
	require.NoError(t, err)

	events, etag, err := h.history.GetHistory(ctx, "inst-1", "exec-1")
	require.NoError(t, err)
	require.Equal(t, "0", etag)
	require.Len(t, events, 1)

	remaining, err := current.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Empty(t, remaining, "inbound message must be deleted by phase 3")
}

func TestCommit_RoutesOrchestratorMessagesToTargetPartition(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "hub", 4)
	selfIdx := taskmsg.PartitionIndex("inst-1", 4)
	current := h.queues[taskmsg.PartitionName("hub", selfIdx)]

	require.NoError(t, h.history.SetNewExecution(ctx, "inst-1", "exec-1", startedEvent("inst-1")))

	cp := New("hub", 4, h.resolve, current, h.workItem, h.history, 4)

	targetInstance := "inst-2"
	targetIdx := taskmsg.PartitionIndex(targetInstance, 4)
	targetQueue := h.queues[taskmsg.PartitionName("hub", targetIdx)]

	in := Input{
		Session: &session.LeasedSession{
			InstanceID:   "inst-1",
			ExecutionID:  "exec-1",
			ETag:         "0",
			RuntimeState: &taskmsg.OrchestrationRuntimeState{Events: []taskmsg.HistoryEvent{startedEvent("inst-1")}},
		},
		NewRuntimeState: taskmsg.OrchestrationRuntimeState{
			Events: []taskmsg.HistoryEvent{
				startedEvent("inst-1"),
				{EventID: 1, Type: taskmsg.EventSubOrchestrationCreated, SubOrchestrationCreated: &taskmsg.SubOrchestrationCreatedPayload{InstanceID: targetInstance, Name: "Child"}},
			},
			Status: taskmsg.StatusRunning,
		},
		OrchestratorMessages: []taskmsg.TaskMessage{
			{
				Instance: taskmsg.OrchestrationInstance{InstanceID: targetInstance, ExecutionID: "exec-1"},
				Event:    taskmsg.HistoryEvent{Type: taskmsg.EventExecutionStarted, ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: "Child"}},
			},
		},
	}
	_, err := cp.Commit(ctx, in)
	require.NoError(t, err)

	delivered, err := targetQueue.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, delivered, 1)
	require.Equal(t, targetInstance, delivered[0].TaskMessage.Instance.InstanceID)
}

func TestCommit_StaleETagReturnsPreconditionFailedAndLeavesInboundInPlace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "hub", 1)
	current := h.queues[taskmsg.PartitionName("hub", 0)]

	require.NoError(t, h.history.SetNewExecution(ctx, "inst-1", "exec-1", startedEvent("inst-1")))

	cp := New("hub", 1, h.resolve, current, h.workItem, h.history, 4)

	in := Input{
		Session: &session.LeasedSession{
			InstanceID:   "inst-1",
			ExecutionID:  "exec-1",
			ETag:         "7", // stale
			RuntimeState: &taskmsg.OrchestrationRuntimeState{Events: []taskmsg.HistoryEvent{startedEvent("inst-1")}},
		},
		NewRuntimeState: taskmsg.OrchestrationRuntimeState{
			Events: []taskmsg.HistoryEvent{startedEvent("inst-1"), {EventID: 1, Type: taskmsg.EventExecutionCompleted, ExecutionCompleted: &taskmsg.ExecutionCompletedPayload{Result: "done"}}},
			Status: taskmsg.StatusCompleted,
		},
	}
	_, err := cp.Commit(ctx, in)
	require.ErrorIs(t, err, taskmsg.ErrPreconditionFailed)
}

func TestCommit_UnownedTargetPartitionAbortsPhase1(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "hub", 2)
	current := h.queues[taskmsg.PartitionName("hub", 0)]
	delete(h.queues, taskmsg.PartitionName("hub", 1)) // simulate partition not owned

	require.NoError(t, h.history.SetNewExecution(ctx, "inst-1", "exec-1", startedEvent("inst-1")))
	cp := New("hub", 2, h.resolve, current, h.workItem, h.history, 4)

	var target string
	for i := 0; i < 10; i++ {
		candidate := "probe-" + string(rune('a'+i))
		if taskmsg.PartitionIndex(candidate, 2) == 1 {
			target = candidate
			break
		}
	}
	require.NotEmpty(t, target, "test fixture must find an instance id hashing to partition 1")

	in := Input{
		Session: &session.LeasedSession{
			InstanceID:   "inst-1",
			ExecutionID:  "exec-1",
			ETag:         "0",
			RuntimeState: &taskmsg.OrchestrationRuntimeState{Events: []taskmsg.HistoryEvent{startedEvent("inst-1")}},
		},
		NewRuntimeState: taskmsg.OrchestrationRuntimeState{
			Events: []taskmsg.HistoryEvent{startedEvent("inst-1")},
			Status: taskmsg.StatusRunning,
		},
		OrchestratorMessages: []taskmsg.TaskMessage{
			{Instance: taskmsg.OrchestrationInstance{InstanceID: target, ExecutionID: "exec-1"}},
		},
	}
	_, err := cp.Commit(ctx, in)
	require.Error(t, err)

	_, etag, histErr := h.history.GetHistory(ctx, "inst-1", "exec-1")
	require.NoError(t, histErr)
	require.Equal(t, "0", etag, "phase 2 must not have run when phase 1 aborted")
}
