// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package taskhub

import (
	"github.com/ManuGH/taskhub/internal/checkpoint"
	"github.com/ManuGH/taskhub/internal/controlqueue"
	"github.com/ManuGH/taskhub/internal/session"
	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// TaskOrchestrationWorkItem is a leased orchestrator turn: the inbound
// messages to replay plus the state they were computed against.
// CompleteTaskOrchestrationWorkItem, AbandonTaskOrchestrationWorkItem, or
// ReleaseTaskOrchestrationWorkItem must eventually be called with it.
type TaskOrchestrationWorkItem struct {
	InstanceID   string
	ExecutionID  string
	NewMessages  []taskmsg.TaskMessage
	RuntimeState *taskmsg.OrchestrationRuntimeState
	CurrentETag  string

	part   *ownedPartition
	leased *session.LeasedSession
}

// OrchestrationCompletion is the result of replaying a
// TaskOrchestrationWorkItem's orchestrator function, handed to
// CompleteTaskOrchestrationWorkItem.
type OrchestrationCompletion struct {
	NewRuntimeState       taskmsg.OrchestrationRuntimeState
	OrchestratorMessages  []taskmsg.TaskMessage
	TimerMessages         []checkpoint.TimerMessage
	ContinuedAsNewMessage *taskmsg.TaskMessage
	Outbound              []taskmsg.TaskMessage
	HistoryEventBlobNames map[int64]string
}

// TaskActivityWorkItem is a leased activity invocation dequeued directly
// from the hub-wide work-item queue.
type TaskActivityWorkItem struct {
	TaskID      int64
	Name        string
	Input       string
	InstanceID  string
	ExecutionID string

	raw controlqueue.MessageData
}
