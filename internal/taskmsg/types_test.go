// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package taskmsg

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestHistoryEvent_JSONRoundTrip(t *testing.T) {
	ev := HistoryEvent{
		EventID:   1,
		Type:      EventTaskCompleted,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TaskCompleted: &TaskCompletedPayload{
			TaskID: 7,
			Result: `{"ok":true}`,
		},
	}

	b, err := json.Marshal(ev)
	require.NoError(t, err)

	var got HistoryEvent
	require.NoError(t, json.Unmarshal(b, &got))

	if diff := cmp.Diff(ev, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPartitionIndex_Deterministic(t *testing.T) {
	a := PartitionIndex("instance-42", 8)
	b := PartitionIndex("instance-42", 8)
	require.Equal(t, a, b)
	require.GreaterOrEqual(t, a, 0)
	require.Less(t, a, 8)
}

func TestPartitionIndex_SinglePartition(t *testing.T) {
	require.Equal(t, 0, PartitionIndex("anything", 1))
}

func TestPartitionName_ZeroPadded(t *testing.T) {
	require.Equal(t, "myhub-control-00", PartitionName("myhub", 0))
	require.Equal(t, "myhub-control-15", PartitionName("myhub", 15))
}

func TestComputeStatus(t *testing.T) {
	tests := []struct {
		name   string
		events []HistoryEvent
		want   OrchestrationStatus
	}{
		{name: "empty", events: nil, want: StatusPending},
		{name: "started", events: []HistoryEvent{{Type: EventExecutionStarted}}, want: StatusRunning},
		{
			name: "completed",
			events: []HistoryEvent{
				{Type: EventExecutionStarted},
				{Type: EventExecutionCompleted, ExecutionCompleted: &ExecutionCompletedPayload{Result: "done"}},
			},
			want: StatusCompleted,
		},
		{
			name: "completed with failure",
			events: []HistoryEvent{
				{Type: EventExecutionStarted},
				{Type: EventExecutionCompleted, ExecutionCompleted: &ExecutionCompletedPayload{Result: "boom", Failed: true}},
			},
			want: StatusFailed,
		},
		{
			name: "terminated",
			events: []HistoryEvent{
				{Type: EventExecutionStarted},
				{Type: EventExecutionTerminated, ExecutionTerminated: &ExecutionTerminatedPayload{Reason: "manual"}},
			},
			want: StatusTerminated,
		},
		{
			name: "continued as new",
			events: []HistoryEvent{
				{Type: EventExecutionStarted},
				{Type: EventContinueAsNew},
			},
			want: StatusContinuedAsNew,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := OrchestrationRuntimeState{Events: tt.events}
			require.Equal(t, tt.want, state.ComputeStatus())
		})
	}
}
