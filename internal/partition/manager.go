// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package partition

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ManuGH/taskhub/internal/leasestore"
	"github.com/ManuGH/taskhub/internal/log"
	"github.com/ManuGH/taskhub/internal/metrics"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"golang.org/x/sync/errgroup"
)

// Observer is notified of partition ownership changes. Acquired is
// called strictly before any message dispatch from that partition;
// Released fires before the partition's control queue is dropped.
type Observer interface {
	Acquired(ctx context.Context, lease taskmsg.Lease)
	Released(ctx context.Context, lease taskmsg.Lease, reason string)
}

// Config configures a Manager's timing.
type Config struct {
	Hub             string
	WorkerID        string
	PartitionCount  int
	AcquireInterval time.Duration
	RenewInterval   time.Duration
	LeaseInterval   time.Duration
}

// Manager is the PartitionManager: it balances ownership of a hub's
// partitions across workers via two cooperating loops, grounded on
// internal/domain/session/manager/orchestrator.go's guard-lease
// acquisition and internal/domain/session/manager/sweeper.go's
// ticker-driven background loop shape.
type Manager struct {
	store    leasestore.Store
	cfg      Config
	observer Observer

	registry goroutineRegistry
	cancel   context.CancelFunc

	mu   sync.Mutex
	held map[string]taskmsg.Lease
}

// New returns a Manager. Start must be called to begin acquiring.
func New(store leasestore.Store, cfg Config, observer Observer) *Manager {
	return &Manager{
		store:    store,
		cfg:      cfg,
		observer: observer,
		held:     make(map[string]taskmsg.Lease),
	}
}

// Start creates the hub's lease rows if absent and launches the
// acquire and renew loops.
func (m *Manager) Start(ctx context.Context) error {
	for i := 0; i < m.cfg.PartitionCount; i++ {
		pid := taskmsg.PartitionName(m.cfg.Hub, i)
		if err := m.store.CreateLeaseIfNotExists(ctx, pid); err != nil {
			return fmt.Errorf("partition manager: initialize %q: %w", pid, err)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.registry.Go(func() { m.acquireLoop(loopCtx) })
	m.registry.Go(func() { m.renewLoop(loopCtx) })
	return nil
}

// Stop cancels both loops, joins them, and releases every held lease
// in parallel on a best-effort basis.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	joinErr := m.registry.CloseAndWait(ctx)

	m.mu.Lock()
	held := make([]taskmsg.Lease, 0, len(m.held))
	for _, l := range m.held {
		held = append(held, l)
	}
	m.held = make(map[string]taskmsg.Lease)
	m.mu.Unlock()

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()

	g, gctx := errgroup.WithContext(releaseCtx)
	for _, lease := range held {
		lease := lease
		g.Go(func() error {
			if err := m.store.Release(gctx, lease); err != nil && !errors.Is(err, taskmsg.ErrLeaseLost) {
				return err
			}
			m.observer.Released(gctx, lease, "shutdown")
			return nil
		})
	}
	releaseErr := g.Wait()

	if joinErr != nil {
		return joinErr
	}
	return releaseErr
}

// Held returns a snapshot of currently owned leases.
func (m *Manager) Held() []taskmsg.Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]taskmsg.Lease, 0, len(m.held))
	for _, l := range m.held {
		out = append(out, l)
	}
	return out
}

func (m *Manager) setHeld(lease taskmsg.Lease) {
	m.mu.Lock()
	m.held[lease.PartitionID] = lease
	metrics.PartitionsOwned.Set(float64(len(m.held)))
	m.mu.Unlock()
}

func (m *Manager) dropHeld(partitionID string) {
	m.mu.Lock()
	delete(m.held, partitionID)
	metrics.PartitionsOwned.Set(float64(len(m.held)))
	m.mu.Unlock()
}

func (m *Manager) isHeld(partitionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[partitionID]
	return ok
}

func (m *Manager) heldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *Manager) acquireLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.AcquireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.acquireOnce(ctx)
		}
	}
}

// acquireOnce computes the balanced target partition count from the
// set of active workers observed holding unexpired leases, then
// acquires unowned/expired partitions up to that target; if still
// short, it steals at most one lease from the most-loaded peer.
func (m *Manager) acquireOnce(ctx context.Context) {
	leases, err := m.store.ListLeases(ctx)
	if err != nil {
		log.L().Error().Err(err).Str("hub", m.cfg.Hub).Msg("partition manager failed to list leases")
		return
	}

	now := time.Now()
	activeWorkers := map[string]struct{}{m.cfg.WorkerID: {}}
	loadByWorker := map[string]int{}
	ownedUnexpired := map[string]taskmsg.Lease{}
	for _, l := range leases {
		if l.OwnerWorkerID == "" || l.Expired(now) {
			continue
		}
		activeWorkers[l.OwnerWorkerID] = struct{}{}
		loadByWorker[l.OwnerWorkerID]++
		ownedUnexpired[l.PartitionID] = l
	}

	target := int(math.Ceil(float64(m.cfg.PartitionCount) / float64(len(activeWorkers))))
	need := target - m.heldCount()
	if need <= 0 {
		return
	}

	acquired := 0
	for i := 0; i < m.cfg.PartitionCount && acquired < need; i++ {
		pid := taskmsg.PartitionName(m.cfg.Hub, i)
		if m.isHeld(pid) {
			continue
		}
		if _, taken := ownedUnexpired[pid]; taken {
			continue
		}

		lease, err := m.store.Acquire(ctx, pid, m.cfg.WorkerID, m.cfg.LeaseInterval)
		if err != nil {
			if !errors.Is(err, taskmsg.ErrAlreadyOwned) {
				log.L().Warn().Err(err).Str("partition", pid).Msg("partition manager acquire failed")
			}
			continue
		}
		m.setHeld(lease)
		m.observer.Acquired(ctx, lease)
		acquired++
	}

	if acquired >= need {
		return
	}

	mostLoadedWorker, maxLoad := "", 0
	for worker, load := range loadByWorker {
		if worker == m.cfg.WorkerID {
			continue
		}
		if load > maxLoad {
			maxLoad, mostLoadedWorker = load, worker
		}
	}
	if mostLoadedWorker == "" {
		return
	}

	for pid, lease := range ownedUnexpired {
		if lease.OwnerWorkerID != mostLoadedWorker {
			continue
		}
		stolen, err := m.store.Steal(ctx, lease, m.cfg.WorkerID, m.cfg.LeaseInterval)
		if err != nil {
			if !errors.Is(err, taskmsg.ErrAlreadyOwned) {
				log.L().Warn().Err(err).Str("partition", pid).Msg("partition manager steal failed")
			}
			continue
		}
		m.setHeld(stolen)
		m.observer.Acquired(ctx, stolen)
		break // at most one steal per scan
	}
}

func (m *Manager) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewOnce(ctx)
		}
	}
}

func (m *Manager) renewOnce(ctx context.Context) {
	for _, lease := range m.Held() {
		renewed, err := m.store.Renew(ctx, lease, m.cfg.LeaseInterval)
		if err != nil {
			if errors.Is(err, taskmsg.ErrLeaseLost) {
				m.dropHeld(lease.PartitionID)
				metrics.LeaseLostTotal.Inc()
				m.observer.Released(ctx, lease, "lease_lost")
				continue
			}
			log.L().Warn().Err(err).Str("partition", lease.PartitionID).Msg("partition manager renew failed")
			metrics.LeaseRenewalsTotal.WithLabelValues("error").Inc()
			continue
		}
		m.setHeld(renewed)
		metrics.LeaseRenewalsTotal.WithLabelValues("ok").Inc()
	}
}
