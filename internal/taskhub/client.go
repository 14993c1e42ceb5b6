// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package taskhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/taskhub/internal/historystore"
	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// DefaultWaitPollInterval is how often WaitForOrchestration re-checks
// status when the caller does not specify an interval.
const DefaultWaitPollInterval = 2 * time.Second

// redispatchTimerID is the sentinel TimerID used by wake/redispatch
// messages sent by RewindTaskOrchestration: it carries no timer of its
// own, it only nudges the session manager to re-fetch history.
const redispatchTimerID = -1

// initialExecutionID is the executionId of an instance's first
// execution; ExecutionId is the generation counter that advances on
// ContinueAsNew, so the first generation is "0".
const initialExecutionID = "0"

// CreateTaskOrchestration enqueues a start event for instanceID. If an
// execution already exists and its status is in dedupeStatuses,
// ErrDuplicateInstance is returned instead and no message is sent. A nil
// dedupeStatuses always creates, matching an instance ID reused after
// purge.
func (s *Service) CreateTaskOrchestration(ctx context.Context, instanceID, name, input string, dedupeStatuses []taskmsg.OrchestrationStatus) error {
	if len(dedupeStatuses) > 0 {
		existing, err := s.history.GetState(ctx, instanceID, false)
		if err != nil && !errors.Is(err, historystore.ErrNotFound) {
			return fmt.Errorf("taskhub: check existing instance %q: %w", instanceID, err)
		}
		if len(existing) > 0 {
			for _, st := range dedupeStatuses {
				if existing[0].Status == st {
					return ErrDuplicateInstance
				}
			}
		}
	}

	msg := taskmsg.TaskMessage{
		Instance: taskmsg.OrchestrationInstance{InstanceID: instanceID, ExecutionID: initialExecutionID},
		Event: taskmsg.HistoryEvent{
			Type:             taskmsg.EventExecutionStarted,
			ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: name, Input: input},
		},
	}
	if err := s.controlQueueForInstance(instanceID).Enqueue(ctx, msg, 0); err != nil {
		return fmt.Errorf("taskhub: create orchestration %q: %w", instanceID, err)
	}
	return nil
}

// SendTaskOrchestrationMessage routes msg to its target instance's
// partition.
func (s *Service) SendTaskOrchestrationMessage(ctx context.Context, msg taskmsg.TaskMessage) error {
	if err := s.controlQueueForInstance(msg.Instance.InstanceID).Enqueue(ctx, msg, 0); err != nil {
		return fmt.Errorf("taskhub: send message to instance %q: %w", msg.Instance.InstanceID, err)
	}
	return nil
}

// SendTaskOrchestrationMessageBatch routes every message in msgs,
// stopping at the first error.
func (s *Service) SendTaskOrchestrationMessageBatch(ctx context.Context, msgs []taskmsg.TaskMessage) error {
	for _, msg := range msgs {
		if err := s.SendTaskOrchestrationMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// ForceTerminateTaskOrchestration sends an ExecutionTerminated event to
// instanceID, short-circuiting its orchestrator function on next replay.
func (s *Service) ForceTerminateTaskOrchestration(ctx context.Context, instanceID, reason string) error {
	msg := taskmsg.TaskMessage{
		Instance: taskmsg.OrchestrationInstance{InstanceID: instanceID},
		Event: taskmsg.HistoryEvent{
			Type:                taskmsg.EventExecutionTerminated,
			ExecutionTerminated: &taskmsg.ExecutionTerminatedPayload{Reason: reason},
		},
	}
	return s.SendTaskOrchestrationMessage(ctx, msg)
}

// RewindTaskOrchestration neutralizes instanceID's failed task events so
// its next replay resumes as if they never failed, cascading into every
// descendant sub-orchestration RewindHistory names. Each rewound
// instance, including descendants, receives a wake message so its
// session re-fetches the rewritten history instead of waiting for the
// next unrelated message.
func (s *Service) RewindTaskOrchestration(ctx context.Context, instanceID string) error {
	descendants, err := s.history.RewindHistory(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("taskhub: rewind instance %q: %w", instanceID, err)
	}

	if err := s.sendWake(ctx, instanceID); err != nil {
		return err
	}

	for _, child := range descendants {
		if err := s.RewindTaskOrchestration(ctx, child); err != nil {
			return fmt.Errorf("taskhub: rewind descendant %q of %q: %w", child, instanceID, err)
		}
	}
	return nil
}

func (s *Service) sendWake(ctx context.Context, instanceID string) error {
	msg := taskmsg.TaskMessage{
		Instance: taskmsg.OrchestrationInstance{InstanceID: instanceID},
		Event: taskmsg.HistoryEvent{
			Type:       taskmsg.EventTimerFired,
			TimerFired: &taskmsg.TimerFiredPayload{TimerID: redispatchTimerID},
		},
	}
	return s.SendTaskOrchestrationMessage(ctx, msg)
}

// GetOrchestrationState returns instanceID's current execution state, or
// every execution's state if allExecutions is true.
func (s *Service) GetOrchestrationState(ctx context.Context, instanceID string, allExecutions bool) ([]taskmsg.OrchestrationState, error) {
	return s.history.GetState(ctx, instanceID, allExecutions)
}

// GetOrchestrationStateFiltered returns every execution state matching filter.
func (s *Service) GetOrchestrationStateFiltered(ctx context.Context, filter historystore.StateFilter) ([]taskmsg.OrchestrationState, error) {
	return s.history.GetStateFiltered(ctx, filter)
}

// GetOrchestrationHistory returns instanceID's (or, with executionID,
// a specific execution's) history events serialized as a JSON array.
func (s *Service) GetOrchestrationHistory(ctx context.Context, instanceID, executionID string) (string, error) {
	events, _, err := s.history.GetHistory(ctx, instanceID, executionID)
	if err != nil {
		return "", fmt.Errorf("taskhub: get history for instance %q: %w", instanceID, err)
	}
	b, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("taskhub: marshal history for instance %q: %w", instanceID, err)
	}
	return string(b), nil
}

// PurgeInstanceHistory permanently removes instanceID's history and any
// off-loaded blobs.
func (s *Service) PurgeInstanceHistory(ctx context.Context, instanceID string) error {
	return s.history.PurgeInstanceHistory(ctx, instanceID)
}

// WaitForOrchestration polls instanceID's state every pollInterval (or
// DefaultWaitPollInterval if zero) until it reaches a terminal status or
// ctx is canceled.
func (s *Service) WaitForOrchestration(ctx context.Context, instanceID string, pollInterval time.Duration) (taskmsg.OrchestrationState, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultWaitPollInterval
	}

	for {
		states, err := s.history.GetState(ctx, instanceID, false)
		if err != nil {
			return taskmsg.OrchestrationState{}, fmt.Errorf("taskhub: wait for instance %q: %w", instanceID, err)
		}
		if len(states) > 0 && isTerminal(states[0].Status) {
			return states[0], nil
		}

		select {
		case <-ctx.Done():
			return taskmsg.OrchestrationState{}, ErrTimedOut
		case <-time.After(pollInterval):
		}
	}
}

func isTerminal(status taskmsg.OrchestrationStatus) bool {
	switch status {
	case taskmsg.StatusCompleted, taskmsg.StatusFailed, taskmsg.StatusTerminated:
		return true
	default:
		return false
	}
}
