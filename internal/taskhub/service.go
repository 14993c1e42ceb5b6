// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package taskhub implements the OrchestrationService facade: it wires
// partition ownership, session management, and the checkpoint protocol
// into the work-item and client contracts a worker and its callers use,
// grounded on internal/domain/session/manager/orchestrator.go's role as
// the single place that owns a hub's per-partition goroutines.
package taskhub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/taskhub/internal/blobstore"
	"github.com/ManuGH/taskhub/internal/checkpoint"
	"github.com/ManuGH/taskhub/internal/codec"
	"github.com/ManuGH/taskhub/internal/controlqueue"
	"github.com/ManuGH/taskhub/internal/historystore"
	"github.com/ManuGH/taskhub/internal/leasestore"
	"github.com/ManuGH/taskhub/internal/log"
	"github.com/ManuGH/taskhub/internal/partition"
	"github.com/ManuGH/taskhub/internal/queue"
	"github.com/ManuGH/taskhub/internal/session"
	"github.com/ManuGH/taskhub/internal/session/warmcache"
	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// Config configures a Service.
type Config struct {
	Hub                     string
	WorkerID                string
	PartitionCount           int
	AcquireInterval          time.Duration
	RenewInterval            time.Duration
	LeaseInterval            time.Duration
	Visibility               time.Duration
	ExtendedSessionsEnabled  bool
	MaxStorageConcurrency    int64
	PoisonThreshold          int
	PoisonScanInterval       time.Duration
	LargeMessageThresholdB   int
}

// ownedPartition bundles the per-partition components wired together
// while this worker holds the partition's lease.
type ownedPartition struct {
	lease        taskmsg.Lease
	queue        *controlqueue.ControlQueue
	sessions     *session.Manager
	checkpointer *checkpoint.Checkpointer
	cancel       context.CancelFunc
}

// Service is the OrchestrationService: the single entry point a worker
// process uses to participate in a hub, and the single entry point a
// client uses to manage orchestration instances.
type Service struct {
	cfg     Config
	queue   queue.Queue
	codec   *codec.Codec
	leases  leasestore.Store
	history historystore.Store
	blobs   blobstore.Store
	warm    *warmcache.Cache

	partitions *partition.Manager

	mu            sync.Mutex
	owned         map[string]*ownedPartition // keyed by partition name
	routingQueues map[string]*controlqueue.ControlQueue
	workItemQueue *controlqueue.WorkItemQueue
	deadLetterName string

	// workItemMu guards pendingWorkItems: sessions a LockNextTaskOrchestrationWorkItem
	// fan-out leased out but did not return to its caller, queued so they
	// are handed out on a later call instead of being stranded LEASED_OUT.
	workItemMu       sync.Mutex
	pendingWorkItems []*TaskOrchestrationWorkItem
}

// New returns a Service. warm may be nil, disabling extended-session
// warm caching regardless of cfg.ExtendedSessionsEnabled.
func New(cfg Config, q queue.Queue, c *codec.Codec, leases leasestore.Store, history historystore.Store, blobs blobstore.Store, warm *warmcache.Cache) *Service {
	s := &Service{
		cfg:            cfg,
		queue:          q,
		codec:          c,
		leases:         leases,
		history:        history,
		blobs:          blobs,
		warm:           warm,
		owned:          make(map[string]*ownedPartition),
		routingQueues:  make(map[string]*controlqueue.ControlQueue),
		workItemQueue:  controlqueue.NewWorkItemQueue(q, c, taskmsg.WorkItemQueueName(cfg.Hub), cfg.Visibility),
		deadLetterName: taskmsg.WorkItemQueueName(cfg.Hub) + "-deadletter",
	}
	s.partitions = partition.New(leases, partition.Config{
		Hub:             cfg.Hub,
		WorkerID:        cfg.WorkerID,
		PartitionCount:  cfg.PartitionCount,
		AcquireInterval: cfg.AcquireInterval,
		RenewInterval:   cfg.RenewInterval,
		LeaseInterval:   cfg.LeaseInterval,
	}, s)
	return s
}

// Start verifies the hub's partition count has not changed since it was
// first created, then begins partition acquisition.
func (s *Service) Start(ctx context.Context) error {
	resolved, err := s.leases.GetOrCreateHub(ctx, taskmsg.TaskHub{
		Name:           s.cfg.Hub,
		PartitionCount: s.cfg.PartitionCount,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		return fmt.Errorf("taskhub: resolve hub %q: %w", s.cfg.Hub, err)
	}
	if resolved.PartitionCount != s.cfg.PartitionCount {
		return fmt.Errorf("taskhub: hub %q was created with partitionCount=%d, cannot start with partitionCount=%d",
			s.cfg.Hub, resolved.PartitionCount, s.cfg.PartitionCount)
	}
	return s.partitions.Start(ctx)
}

// Stop releases every held partition. Each release cancels that
// partition's dispatch pump and poison sweeper without waiting for them
// to exit.
func (s *Service) Stop(ctx context.Context) error {
	return s.partitions.Stop(ctx)
}

// Acquired implements partition.Observer: it wires the newly-owned
// partition's ControlQueue, SessionManager, Checkpointer, dispatch pump,
// and poison sweeper.
func (s *Service) Acquired(ctx context.Context, lease taskmsg.Lease) {
	cq := s.controlQueueFor(lease.PartitionID)
	sessions := session.New(s.history, s.warm, session.Config{
		PartitionID:             lease.PartitionID,
		ExtendedSessionsEnabled: s.cfg.ExtendedSessionsEnabled,
	}, s)
	cp := checkpoint.New(s.cfg.Hub, s.cfg.PartitionCount, s.resolveControlQueue, cq, s.workItemQueue, s.history, s.maxStorageConcurrency())

	pumpCtx, cancel := context.WithCancel(ctx)
	op := &ownedPartition{lease: lease, queue: cq, sessions: sessions, checkpointer: cp, cancel: cancel}

	s.mu.Lock()
	s.owned[lease.PartitionID] = op
	s.mu.Unlock()

	go s.dispatchPump(pumpCtx, op)

	sweeper := &controlqueue.PoisonSweeper{
		Queue:          s.queue,
		SourceName:     lease.PartitionID,
		DeadLetterName: s.deadLetterName,
		Threshold:      s.poisonThreshold(),
		ScanInterval:   s.cfg.PoisonScanInterval,
		Visibility:     s.cfg.Visibility,
	}
	go func() {
		if err := sweeper.Run(pumpCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.L().Error().Err(err).Str("partition", lease.PartitionID).Msg("poison sweeper exited unexpectedly")
		}
	}()
}

// Released implements partition.Observer: it tears down the partition's
// dispatch pump and cancels every in-flight session.
func (s *Service) Released(ctx context.Context, lease taskmsg.Lease, reason string) {
	s.mu.Lock()
	op, ok := s.owned[lease.PartitionID]
	delete(s.owned, lease.PartitionID)
	s.mu.Unlock()
	if !ok {
		return
	}
	op.cancel()
	op.sessions.CancelAll()
	log.L().Info().Str("partition", lease.PartitionID).Str("reason", reason).Msg("partition released")
}

// FetchHistoryFailed implements session.Observer.
func (s *Service) FetchHistoryFailed(ctx context.Context, instanceID string, err error) {
	log.L().Error().Err(err).Str("instanceId", instanceID).Msg("history fetch failed for session")
}

func (s *Service) dispatchPump(ctx context.Context, op *ownedPartition) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := op.queue.DequeueBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.L().Error().Err(err).Str("partition", op.lease.PartitionID).Msg("dispatch pump dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if len(batch) == 0 {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, md := range batch {
			op.sessions.Dispatch(ctx, md)
		}
	}
}

func (s *Service) maxStorageConcurrency() int64 {
	if s.cfg.MaxStorageConcurrency <= 0 {
		return 16
	}
	return s.cfg.MaxStorageConcurrency
}

func (s *Service) poisonThreshold() int {
	if s.cfg.PoisonThreshold <= 0 {
		return 5
	}
	return s.cfg.PoisonThreshold
}

// isPartitionOwned reports whether op is still the current owned partition
// entry for its PartitionID. A work item carries a *ownedPartition pointer
// captured at lease time; if the lease was revoked and reacquired (or
// simply dropped) between then and now, op is stale and the identity
// comparison fails even though the map key still exists.
func (s *Service) isPartitionOwned(op *ownedPartition) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.owned[op.lease.PartitionID]
	return ok && current == op
}

// resolveControlQueue satisfies checkpoint.ControlQueueResolver: unlike
// partition ownership, enqueuing onto a partition's ControlQueue requires
// no exclusive access, so any partition name can be resolved regardless
// of whether this worker currently owns it.
func (s *Service) resolveControlQueue(name string) (*controlqueue.ControlQueue, bool) {
	return s.controlQueueFor(name), true
}

func (s *Service) controlQueueFor(name string) *controlqueue.ControlQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cq, ok := s.routingQueues[name]; ok {
		return cq
	}
	cq := controlqueue.New(s.queue, s.codec, name, 0, s.cfg.Visibility)
	s.routingQueues[name] = cq
	return cq
}

func (s *Service) controlQueueForInstance(instanceID string) *controlqueue.ControlQueue {
	idx := taskmsg.PartitionIndex(instanceID, s.cfg.PartitionCount)
	return s.controlQueueFor(taskmsg.PartitionName(s.cfg.Hub, idx))
}
