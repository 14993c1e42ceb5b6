// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"errors"
	"sync"

	"github.com/ManuGH/taskhub/internal/controlqueue"
	"github.com/ManuGH/taskhub/internal/historystore"
	"github.com/ManuGH/taskhub/internal/log"
	"github.com/ManuGH/taskhub/internal/metrics"
	"github.com/ManuGH/taskhub/internal/session/warmcache"
	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// Config configures a Manager.
type Config struct {
	PartitionID             string
	ExtendedSessionsEnabled bool
}

// Manager is the per-partition SessionManager. One Manager instance is
// owned exclusively by the worker currently holding PartitionID's lease.
type Manager struct {
	history historystore.Store
	warm    *warmcache.Cache // nil disables extended-session warm caching
	cfg     Config
	obs     Observer

	mu       sync.Mutex
	sessions map[string]*session
	ready    chan string
}

// New returns a Manager. warm may be nil; Observer may be nil.
func New(history historystore.Store, warm *warmcache.Cache, cfg Config, obs Observer) *Manager {
	return &Manager{
		history:  history,
		warm:     warm,
		cfg:      cfg,
		obs:      obs,
		sessions: make(map[string]*session),
		ready:    make(chan string, 256),
	}
}

// Dispatch routes an inbound message into its instance's session,
// coalescing it with any in-flight batch. It never blocks on I/O: a
// first arrival for an idle instance triggers an async history fetch.
func (m *Manager) Dispatch(ctx context.Context, md controlqueue.MessageData) {
	instanceID := md.TaskMessage.Instance.InstanceID
	executionID := md.TaskMessage.Instance.ExecutionID

	m.mu.Lock()
	s, ok := m.sessions[instanceID]
	if !ok {
		s = newSession(instanceID)
		m.sessions[instanceID] = s
	}
	wasIdle := s.state == StateIdle || s.state == StateCanceled
	s.appendMessage(md, executionID)
	if wasIdle {
		s.state = StateFetchingHistory
	}
	m.mu.Unlock()

	if wasIdle {
		go m.fetchHistory(ctx, instanceID, executionID)
	}
	m.reportGauge()
}

func (m *Manager) reportGauge() {
	m.mu.Lock()
	counts := make(map[State]int, 4)
	for _, s := range m.sessions {
		counts[s.state]++
	}
	m.mu.Unlock()
	for _, st := range []State{StateIdle, StateFetchingHistory, StateReady, StateLeasedOut} {
		metrics.SessionsActive.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Manager) fetchHistory(ctx context.Context, instanceID, executionID string) {
	var (
		runtimeState taskmsg.OrchestrationRuntimeState
		etag         string
	)

	if m.warm != nil {
		if entry, err := m.warm.Get(instanceID); err == nil && entry.RuntimeState.Instance.ExecutionID == executionID {
			runtimeState, etag = entry.RuntimeState, entry.ETag
			m.completeFetch(instanceID, runtimeState, etag)
			return
		}
	}

	events, fetchedETag, err := m.history.GetHistory(ctx, instanceID, executionID)
	switch {
	case errors.Is(err, historystore.ErrNotFound):
		runtimeState = taskmsg.OrchestrationRuntimeState{
			Instance: taskmsg.OrchestrationInstance{InstanceID: instanceID, ExecutionID: executionID},
			Status:   taskmsg.StatusPending,
		}
		etag = ""
	case err != nil:
		log.L().Error().Err(err).Str("instanceId", instanceID).Msg("session manager failed to fetch history")
		if m.obs != nil {
			m.obs.FetchHistoryFailed(ctx, instanceID, err)
		}
		return
	default:
		runtimeState = taskmsg.OrchestrationRuntimeState{
			Instance: taskmsg.OrchestrationInstance{InstanceID: instanceID, ExecutionID: executionID},
			Events:   events,
		}
		runtimeState.Status = runtimeState.ComputeStatus()
		etag = fetchedETag
	}

	m.completeFetch(instanceID, runtimeState, etag)
}

func (m *Manager) completeFetch(instanceID string, runtimeState taskmsg.OrchestrationRuntimeState, etag string) {
	m.mu.Lock()
	s, ok := m.sessions[instanceID]
	if !ok || s.state != StateFetchingHistory {
		m.mu.Unlock()
		return
	}
	s.batch.RuntimeState = &runtimeState
	s.batch.ETag = etag
	s.state = StateReady
	m.mu.Unlock()

	m.ready <- instanceID
}

// GetNextSession blocks until a READY session exists, leases it out,
// and returns it. It returns nil, ctx.Err() if ctx is canceled first.
func (m *Manager) GetNextSession(ctx context.Context) (*LeasedSession, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case instanceID := <-m.ready:
			leased := m.leaseOut(instanceID)
			m.reportGauge()
			if leased == nil {
				continue // session was canceled between signal and pickup
			}
			return leased, nil
		}
	}
}

func (m *Manager) leaseOut(instanceID string) *LeasedSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[instanceID]
	if !ok || s.state != StateReady {
		return nil
	}
	s.state = StateLeasedOut
	batch := s.batch
	s.batch = PendingMessageBatch{}

	return &LeasedSession{
		InstanceID:   batch.InstanceID,
		ExecutionID:  batch.ExecutionID,
		Messages:     batch.Messages,
		RuntimeState: batch.RuntimeState,
		ETag:         batch.ETag,
	}
}

// ReleaseSession transitions a leased-out session per the coalescing
// rule: to READY if a pending next batch arrived while it was leased
// out, to IDLE (kept warm) if extended sessions are enabled and the
// worker still owns the partition, or dropped otherwise.
func (m *Manager) ReleaseSession(instanceID string, stillOwnsPartition bool) {
	m.mu.Lock()
	s, ok := m.sessions[instanceID]
	if !ok {
		m.mu.Unlock()
		return
	}

	switch {
	case s.pendingNext != nil:
		s.batch = *s.pendingNext
		s.pendingNext = nil
		s.state = StateReady
		m.mu.Unlock()
		m.ready <- instanceID
	case m.cfg.ExtendedSessionsEnabled && stillOwnsPartition:
		s.state = StateIdle
		m.mu.Unlock()
	default:
		delete(m.sessions, instanceID)
		m.mu.Unlock()
	}
	m.reportGauge()
}

// CacheWarm persists runtimeState for instanceID so a future session
// reopen can skip HistoryStore.GetHistory, if extended sessions and a
// warm cache are both configured.
func (m *Manager) CacheWarm(instanceID string, runtimeState taskmsg.OrchestrationRuntimeState, etag string) {
	if m.warm == nil || !m.cfg.ExtendedSessionsEnabled {
		return
	}
	if err := m.warm.Put(instanceID, warmcache.Entry{RuntimeState: runtimeState, ETag: etag}); err != nil {
		log.L().Warn().Err(err).Str("instanceId", instanceID).Msg("session manager failed to warm cache state")
	}
}

// CancelAll cancels every session by removing it from the manager, for
// use when this partition's lease is lost. It does not abandon in-flight
// messages; those become visible again when their queue visibility
// timeout lapses.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	for id := range m.sessions {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	m.reportGauge()
}

// ActiveCount returns the number of instances with a live session.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
