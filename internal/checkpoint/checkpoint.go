// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package checkpoint implements the three-phase checkpoint protocol:
// commit outbound messages, commit history under optimistic concurrency,
// then delete the inbound batch that produced them. Phase 1's bounded
// parallel enqueue is grounded on golang.org/x/sync/errgroup +
// golang.org/x/sync/semaphore, generalizing the teacher's buffered-
// channel startSem/stopSem dispatch bound in
// internal/domain/session/manager/orchestrator.go into a reusable
// counting semaphore.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/taskhub/internal/controlqueue"
	"github.com/ManuGH/taskhub/internal/historystore"
	"github.com/ManuGH/taskhub/internal/metrics"
	"github.com/ManuGH/taskhub/internal/session"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// TimerMessage is a durable timer to enqueue onto the current partition
// with an initial invisibility of FireAt - now.
type TimerMessage struct {
	Message taskmsg.TaskMessage
	FireAt  time.Time
}

// Input bundles everything produced by one orchestrator turn.
type Input struct {
	// Session is the leased session this checkpoint completes. Its ETag
	// and RuntimeState (the previously-persisted state, nil for a new
	// instance) gate Phase 2; its Messages are deleted in Phase 3.
	Session *session.LeasedSession

	NewRuntimeState       taskmsg.OrchestrationRuntimeState
	OrchestratorMessages  []taskmsg.TaskMessage
	TimerMessages         []TimerMessage
	ContinuedAsNewMessage *taskmsg.TaskMessage
	Outbound              []taskmsg.TaskMessage

	// HistoryEventBlobNames maps a new event's EventID to an off-loaded
	// blob name, for events too large to store inline.
	HistoryEventBlobNames map[int64]string
}

// ControlQueueResolver resolves a partition's ControlQueue by name
// within the worker's concurrent registry of currently-owned
// partitions. ok is false if the partition is not (or no longer) owned.
type ControlQueueResolver func(partitionName string) (cq *controlqueue.ControlQueue, ok bool)

// Checkpointer runs the three-phase protocol for one hub.
type Checkpointer struct {
	hub                 string
	partitionCount      int
	resolveControlQueue ControlQueueResolver
	currentQueue        *controlqueue.ControlQueue
	workItems           *controlqueue.WorkItemQueue
	history             historystore.Store
	sem                 *semaphore.Weighted
}

// New returns a Checkpointer for currentQueue's partition. maxConcurrency
// bounds Phase 1/3 storage operation parallelism
// (MaxStorageOperationConcurrency).
func New(hub string, partitionCount int, resolve ControlQueueResolver, currentQueue *controlqueue.ControlQueue, workItems *controlqueue.WorkItemQueue, history historystore.Store, maxConcurrency int64) *Checkpointer {
	return &Checkpointer{
		hub:                 hub,
		partitionCount:      partitionCount,
		resolveControlQueue: resolve,
		currentQueue:        currentQueue,
		workItems:           workItems,
		history:             history,
		sem:                 semaphore.NewWeighted(maxConcurrency),
	}
}

// Commit runs Phase 1 (outbound), Phase 2 (history), Phase 3 (inbound
// delete), in that strict order. A taskmsg.ErrPreconditionFailed
// returned here means the caller must abandon in.Session.Messages and
// release the session for redelivery; any other error means the
// messages must be left invisible until their queue visibility timeout
// expires, so the whole checkpoint is retried from Phase 1.
func (c *Checkpointer) Commit(ctx context.Context, in Input) (string, error) {
	if err := c.commitOutbound(ctx, in); err != nil {
		return "", fmt.Errorf("checkpoint: phase 1 commit outbound: %w", err)
	}

	newETag, err := c.commitHistory(ctx, in)
	if err != nil {
		if errors.Is(err, taskmsg.ErrPreconditionFailed) {
			metrics.CheckpointConflictsTotal.Inc()
			return "", err
		}
		return "", fmt.Errorf("checkpoint: phase 2 commit history: %w", err)
	}

	if err := c.deleteInbound(ctx, in); err != nil {
		return "", fmt.Errorf("checkpoint: phase 3 delete inbound: %w", err)
	}
	return newETag, nil
}

func (c *Checkpointer) commitOutbound(ctx context.Context, in Input) error {
	timer := prometheusTimer(metrics.CheckpointDuration.WithLabelValues("outbound"))
	defer timer()

	g, gctx := errgroup.WithContext(ctx)

	enqueueOn := func(cq *controlqueue.ControlQueue, msg taskmsg.TaskMessage, delay time.Duration) {
		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)
			return cq.Enqueue(gctx, msg, delay)
		})
	}

	for _, msg := range in.OrchestratorMessages {
		idx := taskmsg.PartitionIndex(msg.Instance.InstanceID, c.partitionCount)
		name := taskmsg.PartitionName(c.hub, idx)
		cq, ok := c.resolveControlQueue(name)
		if !ok {
			return fmt.Errorf("checkpoint: partition %q not owned by this worker", name)
		}
		enqueueOn(cq, msg, 0)
	}

	for _, t := range in.TimerMessages {
		delay := time.Until(t.FireAt)
		if delay < 0 {
			delay = 0
		}
		enqueueOn(c.currentQueue, t.Message, delay)
	}

	if in.ContinuedAsNewMessage != nil {
		enqueueOn(c.currentQueue, *in.ContinuedAsNewMessage, 0)
	}

	for _, msg := range in.Outbound {
		msg := msg
		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)
			return c.workItems.Enqueue(gctx, msg, 0)
		})
	}

	return g.Wait()
}

func (c *Checkpointer) commitHistory(ctx context.Context, in Input) (string, error) {
	timer := prometheusTimer(metrics.CheckpointDuration.WithLabelValues("history"))
	defer timer()

	priorCount := 0
	if in.Session.RuntimeState != nil {
		priorCount = len(in.Session.RuntimeState.Events)
	}
	if priorCount > len(in.NewRuntimeState.Events) {
		return "", fmt.Errorf("checkpoint: new runtime state has fewer events than the persisted state")
	}
	newEvents := in.NewRuntimeState.Events[priorCount:]

	if in.Session.ETag == "" {
		if len(newEvents) == 0 {
			return "", fmt.Errorf("checkpoint: new instance %q has no events to record", in.Session.InstanceID)
		}
		if err := c.history.SetNewExecution(ctx, in.Session.InstanceID, in.Session.ExecutionID, newEvents[0]); err != nil {
			return "", err
		}
		if len(newEvents) == 1 {
			return "0", nil
		}
		return c.history.UpdateState(ctx, in.Session.InstanceID, in.Session.ExecutionID, newEvents[1:], in.NewRuntimeState.Status, "0", in.HistoryEventBlobNames)
	}

	return c.history.UpdateState(ctx, in.Session.InstanceID, in.Session.ExecutionID, newEvents, in.NewRuntimeState.Status, in.Session.ETag, in.HistoryEventBlobNames)
}

func (c *Checkpointer) deleteInbound(ctx context.Context, in Input) error {
	timer := prometheusTimer(metrics.CheckpointDuration.WithLabelValues("inbound_delete"))
	defer timer()

	g, gctx := errgroup.WithContext(ctx)
	for _, md := range in.Session.Messages {
		md := md
		g.Go(func() error {
			if err := c.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer c.sem.Release(1)
			return c.currentQueue.Delete(gctx, md)
		})
	}
	return g.Wait()
}

// Abandon restores every inbound message's visibility immediately,
// implementing the handled-failure contract: call this and then
// session.Manager.ReleaseSession on any checkpoint failure the caller
// chooses not to retry in place.
func Abandon(ctx context.Context, cq *controlqueue.ControlQueue, messages []controlqueue.MessageData) error {
	var firstErr error
	for _, md := range messages {
		if err := cq.Abandon(ctx, md); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func prometheusTimer(observer interface{ Observe(float64) }) func() {
	start := time.Now()
	return func() { observer.Observe(time.Since(start).Seconds()) }
}
