// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package taskhub

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/taskhub/internal/blobstore"
	"github.com/ManuGH/taskhub/internal/codec"
	"github.com/ManuGH/taskhub/internal/historystore/sqlitehistory"
	"github.com/ManuGH/taskhub/internal/leasestore"
	"github.com/ManuGH/taskhub/internal/leasestore/sqlitelease"
	"github.com/ManuGH/taskhub/internal/persistence/sqlite"
	"github.com/ManuGH/taskhub/internal/queue/memory"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/stretchr/testify/require"
)

func newTestLeaseStore(t *testing.T, hub string) leasestore.Store {
	t.Helper()
	leaseDB, err := sqlite.Open(filepath.Join(t.TempDir(), "leases.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = leaseDB.Close() })
	leases, err := sqlitelease.New(context.Background(), leaseDB, hub)
	require.NoError(t, err)
	return leases
}

func newTestServiceWithLeases(t *testing.T, hub string, partitionCount int, leases leasestore.Store) *Service {
	t.Helper()

	mq := memory.New()
	t.Cleanup(mq.Close)

	historyDB, err := sqlite.Open(filepath.Join(t.TempDir(), "history.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = historyDB.Close() })
	blobs := blobstore.NewMemoryStore()
	history, err := sqlitehistory.New(context.Background(), historyDB, blobs)
	require.NoError(t, err)

	c := codec.New(blobs, 1<<20)

	return New(Config{
		Hub:                     hub,
		WorkerID:                "worker-1",
		PartitionCount:          partitionCount,
		AcquireInterval:         20 * time.Millisecond,
		RenewInterval:           20 * time.Millisecond,
		LeaseInterval:           time.Minute,
		Visibility:              time.Minute,
		ExtendedSessionsEnabled: false,
		MaxStorageConcurrency:   4,
		PoisonThreshold:         5,
		PoisonScanInterval:      time.Hour,
	}, mq, c, leases, history, blobs, nil)
}

func newTestService(t *testing.T, hub string, partitionCount int) *Service {
	t.Helper()
	return newTestServiceWithLeases(t, hub, partitionCount, newTestLeaseStore(t, hub))
}

func TestService_StartRejectsChangedPartitionCount(t *testing.T) {
	ctx := context.Background()
	leases := newTestLeaseStore(t, "hub")

	s1 := newTestServiceWithLeases(t, "hub", 4, leases)
	require.NoError(t, s1.Start(ctx))
	require.NoError(t, s1.Stop(ctx))

	// A second Service for the same hub backed by the same lease store,
	// but configured with a different partition count, must fail fast.
	s2 := newTestServiceWithLeases(t, "hub", 8, leases)
	err := s2.Start(ctx)
	require.Error(t, err)
}

func TestService_CreateCompleteOrchestrationRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestService(t, "hub", 1)
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(s.partitions.Held()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.CreateTaskOrchestration(ctx, "inst-1", "Workflow", `"hello"`, nil))

	wi, err := s.LockNextTaskOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "inst-1", wi.InstanceID)
	require.Equal(t, "", wi.CurrentETag)
	require.Nil(t, wi.RuntimeState.Events)

	startEvent := taskmsg.HistoryEvent{
		Type:             taskmsg.EventExecutionStarted,
		ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: "Workflow", Input: `"hello"`},
	}
	err = s.CompleteTaskOrchestrationWorkItem(ctx, wi, OrchestrationCompletion{
		NewRuntimeState: taskmsg.OrchestrationRuntimeState{
			Instance: taskmsg.OrchestrationInstance{InstanceID: "inst-1", ExecutionID: initialExecutionID},
			Events:   []taskmsg.HistoryEvent{startEvent},
			Status:   taskmsg.StatusRunning,
		},
	})
	require.NoError(t, err)

	states, err := s.GetOrchestrationState(ctx, "inst-1", false)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, taskmsg.StatusRunning, states[0].Status)
}

func TestService_DuplicateCreateRejectedWhenStatusInDedupeSet(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestService(t, "hub", 1)
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	require.NoError(t, s.history.SetNewExecution(ctx, "inst-1", initialExecutionID, taskmsg.HistoryEvent{
		Type:             taskmsg.EventExecutionStarted,
		ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: "Workflow"},
	}))

	err := s.CreateTaskOrchestration(ctx, "inst-1", "Workflow", "", []taskmsg.OrchestrationStatus{taskmsg.StatusRunning})
	require.ErrorIs(t, err, ErrDuplicateInstance)
}

func TestService_LockNextWorkItemDoesNotStrandSimultaneouslyReadySessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const partitionCount = 4
	s := newTestService(t, "hub", partitionCount)
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(s.partitions.Held()) == partitionCount
	}, time.Second, 10*time.Millisecond)

	// Pick two instance IDs that shard onto different partitions, so both
	// their sessions become READY on distinct partition goroutines at once.
	instA := "inst-0"
	var instB string
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("inst-%d", i)
		if taskmsg.PartitionIndex(candidate, partitionCount) != taskmsg.PartitionIndex(instA, partitionCount) {
			instB = candidate
			break
		}
	}

	require.NoError(t, s.CreateTaskOrchestration(ctx, instA, "Workflow", `"a"`, nil))
	require.NoError(t, s.CreateTaskOrchestration(ctx, instB, "Workflow", `"b"`, nil))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		wi, err := s.LockNextTaskOrchestrationWorkItem(ctx)
		require.NoError(t, err)
		seen[wi.InstanceID] = true
	}
	require.True(t, seen[instA], "instance %q must not be stranded LEASED_OUT", instA)
	require.True(t, seen[instB], "instance %q must not be stranded LEASED_OUT", instB)
}

func TestService_CompleteWorkItemRejectedAfterPartitionReleased(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestService(t, "hub", 1)
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(s.partitions.Held()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.CreateTaskOrchestration(ctx, "inst-1", "Workflow", `"hello"`, nil))

	wi, err := s.LockNextTaskOrchestrationWorkItem(ctx)
	require.NoError(t, err)

	held := s.partitions.Held()
	require.Len(t, held, 1)
	s.Released(ctx, held[0], "test revocation")

	err = s.CompleteTaskOrchestrationWorkItem(ctx, wi, OrchestrationCompletion{
		NewRuntimeState: taskmsg.OrchestrationRuntimeState{
			Instance: taskmsg.OrchestrationInstance{InstanceID: "inst-1", ExecutionID: initialExecutionID},
			Status:   taskmsg.StatusRunning,
		},
	})
	require.ErrorIs(t, err, ErrPartitionNotOwned)
}

func TestService_RewindTaskOrchestrationCascadesToDescendants(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestService(t, "hub", 1)
	require.NoError(t, s.Start(ctx))
	defer func() { _ = s.Stop(context.Background()) }()

	require.NoError(t, s.history.SetNewExecution(ctx, "parent", initialExecutionID, taskmsg.HistoryEvent{
		Type:             taskmsg.EventExecutionStarted,
		ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: "Parent"},
	}))
	require.NoError(t, s.history.SetNewExecution(ctx, "child", initialExecutionID, taskmsg.HistoryEvent{
		Type:             taskmsg.EventExecutionStarted,
		ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: "Child"},
	}))

	_, err := s.history.UpdateState(ctx, "parent", initialExecutionID, []taskmsg.HistoryEvent{
		{EventID: 1, Type: taskmsg.EventSubOrchestrationCreated, SubOrchestrationCreated: &taskmsg.SubOrchestrationCreatedPayload{InstanceID: "child", Name: "Child"}},
		{EventID: 2, Type: taskmsg.EventTaskFailed, TaskFailed: &taskmsg.TaskFailedPayload{TaskID: 1, Reason: "boom"}},
	}, taskmsg.StatusFailed, "0", nil)
	require.NoError(t, err)

	require.NoError(t, s.RewindTaskOrchestration(ctx, "parent"))

	states, err := s.GetOrchestrationState(ctx, "parent", false)
	require.NoError(t, err)
	require.Equal(t, taskmsg.StatusRunning, states[0].Status)
}
