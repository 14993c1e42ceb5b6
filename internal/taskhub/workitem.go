// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package taskhub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/taskhub/internal/checkpoint"
	"github.com/ManuGH/taskhub/internal/log"
	"github.com/ManuGH/taskhub/internal/session"
	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// LockNextTaskOrchestrationWorkItem blocks until a session across any
// currently-owned partition becomes READY, leases it, and returns it. It
// fans out one session.Manager.GetNextSession call per owned partition;
// GetNextSession has the side effect of transitioning the session to
// LEASED_OUT, so every goroutine that returns a session has already
// claimed it — any that aren't handed back to the caller immediately are
// queued on pendingWorkItems instead of being dropped, since nothing
// else will ever release them.
func (s *Service) LockNextTaskOrchestrationWorkItem(ctx context.Context) (*TaskOrchestrationWorkItem, error) {
	for {
		if wi := s.popPendingWorkItem(); wi != nil {
			return wi, nil
		}

		s.mu.Lock()
		parts := make([]*ownedPartition, 0, len(s.owned))
		for _, op := range s.owned {
			parts = append(parts, op)
		}
		s.mu.Unlock()

		if len(parts) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(250 * time.Millisecond):
				continue
			}
		}

		fanCtx, cancel := context.WithCancel(ctx)
		type result struct {
			leased *session.LeasedSession
			part   *ownedPartition
			err    error
		}
		resCh := make(chan result, len(parts))
		for _, op := range parts {
			op := op
			go func() {
				leased, err := op.sessions.GetNextSession(fanCtx)
				resCh <- result{leased: leased, part: op, err: err}
			}()
		}

		var won []*TaskOrchestrationWorkItem
		for i := 0; i < len(parts); i++ {
			r := <-resCh
			if i == 0 {
				cancel() // one result is enough; tell the rest to stop waiting
			}
			if r.err != nil {
				continue
			}
			won = append(won, &TaskOrchestrationWorkItem{
				InstanceID:   r.leased.InstanceID,
				ExecutionID:  r.leased.ExecutionID,
				RuntimeState: r.leased.RuntimeState,
				CurrentETag:  r.leased.ETag,
				part:         r.part,
				leased:       r.leased,
			})
		}

		if len(won) == 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		s.pushPendingWorkItems(won[1:])
		return won[0], nil
	}
}

func (s *Service) popPendingWorkItem() *TaskOrchestrationWorkItem {
	s.workItemMu.Lock()
	defer s.workItemMu.Unlock()
	if len(s.pendingWorkItems) == 0 {
		return nil
	}
	wi := s.pendingWorkItems[0]
	s.pendingWorkItems = s.pendingWorkItems[1:]
	return wi
}

func (s *Service) pushPendingWorkItems(items []*TaskOrchestrationWorkItem) {
	if len(items) == 0 {
		return
	}
	s.workItemMu.Lock()
	s.pendingWorkItems = append(s.pendingWorkItems, items...)
	s.workItemMu.Unlock()
}

// RenewTaskOrchestrationWorkItemLock extends the invisibility of every
// inbound message backing wi, so a slow orchestrator turn is not
// redelivered to another worker mid-processing.
func (s *Service) RenewTaskOrchestrationWorkItemLock(ctx context.Context, wi *TaskOrchestrationWorkItem) error {
	if !s.isPartitionOwned(wi.part) {
		return ErrPartitionNotOwned
	}
	for _, md := range wi.leased.Messages {
		if err := wi.part.queue.Renew(ctx, md); err != nil {
			return fmt.Errorf("taskhub: renew lock for instance %q: %w", wi.InstanceID, err)
		}
	}
	return nil
}

// CompleteTaskOrchestrationWorkItem runs the three-phase checkpoint
// protocol for the orchestrator turn's output. On
// taskmsg.ErrPreconditionFailed it abandons the inbound batch and
// releases the session for redelivery instead of returning a retryable
// checkpoint failure; any other error leaves the inbound messages
// invisible until their queue visibility timeout expires, so the caller
// should simply let the turn be retried from scratch.
func (s *Service) CompleteTaskOrchestrationWorkItem(ctx context.Context, wi *TaskOrchestrationWorkItem, out OrchestrationCompletion) error {
	if !s.isPartitionOwned(wi.part) {
		return ErrPartitionNotOwned
	}
	in := checkpoint.Input{
		Session:               wi.leased,
		NewRuntimeState:       out.NewRuntimeState,
		OrchestratorMessages:  out.OrchestratorMessages,
		TimerMessages:         out.TimerMessages,
		ContinuedAsNewMessage: out.ContinuedAsNewMessage,
		Outbound:              out.Outbound,
		HistoryEventBlobNames: out.HistoryEventBlobNames,
	}

	newETag, err := wi.part.checkpointer.Commit(ctx, in)
	if err != nil {
		if errors.Is(err, taskmsg.ErrPreconditionFailed) {
			_ = checkpoint.Abandon(ctx, wi.part.queue, wi.leased.Messages)
			wi.part.sessions.ReleaseSession(wi.InstanceID, true)
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return newReasonError(ReasonCheckpointFailed, "checkpoint commit failed", err)
	}

	wi.part.sessions.CacheWarm(wi.InstanceID, out.NewRuntimeState, newETag)
	wi.part.sessions.ReleaseSession(wi.InstanceID, true)
	return nil
}

// AbandonTaskOrchestrationWorkItem restores the inbound batch's
// visibility immediately, for a caller that cannot produce a checkpoint
// (e.g. the orchestrator function itself panicked).
func (s *Service) AbandonTaskOrchestrationWorkItem(ctx context.Context, wi *TaskOrchestrationWorkItem) error {
	if !s.isPartitionOwned(wi.part) {
		return ErrPartitionNotOwned
	}
	if err := checkpoint.Abandon(ctx, wi.part.queue, wi.leased.Messages); err != nil {
		return fmt.Errorf("taskhub: abandon instance %q: %w", wi.InstanceID, err)
	}
	wi.part.sessions.ReleaseSession(wi.InstanceID, true)
	return nil
}

// ReleaseTaskOrchestrationWorkItem gives up the session lock without
// completing or abandoning the inbound batch: the messages stay
// invisible until their natural visibility timeout, at which point they
// redeliver to whichever worker currently owns the partition.
func (s *Service) ReleaseTaskOrchestrationWorkItem(ctx context.Context, wi *TaskOrchestrationWorkItem) error {
	wi.part.sessions.ReleaseSession(wi.InstanceID, true)
	return nil
}

// LockNextTaskActivityWorkItem blocks until an activity invocation is
// available on the hub-wide work-item queue.
func (s *Service) LockNextTaskActivityWorkItem(ctx context.Context) (*TaskActivityWorkItem, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batch, err := s.workItemQueue.DequeueBatch(ctx)
		if err != nil {
			return nil, fmt.Errorf("taskhub: dequeue activity work item: %w", err)
		}
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(250 * time.Millisecond):
				continue
			}
		}

		md := batch[0]
		ev := md.TaskMessage.Event
		if ev.Type != taskmsg.EventTaskScheduled || ev.TaskScheduled == nil {
			log.L().Warn().Str("instanceId", md.TaskMessage.Instance.InstanceID).
				Msg("activity work item queue held a non-TaskScheduled event, abandoning")
			_ = s.workItemQueue.Abandon(ctx, md)
			continue
		}

		return &TaskActivityWorkItem{
			TaskID:      ev.TaskScheduled.TaskID,
			Name:        ev.TaskScheduled.Name,
			Input:       ev.TaskScheduled.Input,
			InstanceID:  md.TaskMessage.Instance.InstanceID,
			ExecutionID: md.TaskMessage.Instance.ExecutionID,
			raw:         md,
		}, nil
	}
}

// CompleteTaskActivityWorkItem routes exactly one of completed or failed
// back to wi's orchestration instance and removes wi from the work-item
// queue.
func (s *Service) CompleteTaskActivityWorkItem(ctx context.Context, wi *TaskActivityWorkItem, completed *taskmsg.TaskCompletedPayload, failed *taskmsg.TaskFailedPayload) error {
	var ev taskmsg.HistoryEvent
	switch {
	case completed != nil:
		ev = taskmsg.HistoryEvent{Type: taskmsg.EventTaskCompleted, TaskCompleted: completed}
	case failed != nil:
		ev = taskmsg.HistoryEvent{Type: taskmsg.EventTaskFailed, TaskFailed: failed}
	default:
		return fmt.Errorf("taskhub: complete activity work item for task %d: neither completed nor failed result given", wi.TaskID)
	}

	msg := taskmsg.TaskMessage{
		Event:    ev,
		Instance: taskmsg.OrchestrationInstance{InstanceID: wi.InstanceID, ExecutionID: wi.ExecutionID},
	}
	if err := s.controlQueueForInstance(wi.InstanceID).Enqueue(ctx, msg, 0); err != nil {
		return fmt.Errorf("taskhub: route activity result for instance %q: %w", wi.InstanceID, err)
	}
	if err := s.workItemQueue.Delete(ctx, wi.raw); err != nil {
		return fmt.Errorf("taskhub: delete completed activity work item: %w", err)
	}
	return nil
}

// AbandonTaskActivityWorkItem restores wi's visibility immediately,
// leaving DequeueCount incremented. No poison sweeper scans the
// work-item queue; sweepers run only over partition control queues.
func (s *Service) AbandonTaskActivityWorkItem(ctx context.Context, wi *TaskActivityWorkItem) error {
	if err := s.workItemQueue.Abandon(ctx, wi.raw); err != nil {
		return fmt.Errorf("taskhub: abandon activity work item for task %d: %w", wi.TaskID, err)
	}
	return nil
}
