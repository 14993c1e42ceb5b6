// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package session implements SessionManager: it turns a partition's
// message stream into per-instance sessions, ensuring only one session
// is live per instance and coalescing messages that arrive while a
// session is leased out. Grounded on
// internal/domain/session/manager/orchestrator.go's per-instance
// active-goroutine map. Extended-session warmth comes from warmcache
// snapshots that expire after the cache TTL; no ticker runs in this
// package.
package session

import (
	"context"

	"github.com/ManuGH/taskhub/internal/controlqueue"
	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// State is a session's position in its lifecycle.
type State string

const (
	StateIdle            State = "IDLE"
	StateFetchingHistory State = "FETCHING_HISTORY"
	StateReady           State = "READY"
	StateLeasedOut       State = "LEASED_OUT"
	StateCanceled        State = "CANCELED"
)

// PendingMessageBatch is a prospective unit of work for one
// (instanceId, executionId): the inbound messages plus, once fetched,
// the replayable runtime state and its ETag.
type PendingMessageBatch struct {
	InstanceID   string
	ExecutionID  string
	Messages     []controlqueue.MessageData
	RuntimeState *taskmsg.OrchestrationRuntimeState
	ETag         string
}

// LeasedSession is a session handed to the dispatcher by GetNextSession.
// ReleaseSession must eventually be called with its InstanceID.
type LeasedSession struct {
	InstanceID   string
	ExecutionID  string
	Messages     []controlqueue.MessageData
	RuntimeState *taskmsg.OrchestrationRuntimeState
	ETag         string
}

type session struct {
	instanceID  string
	state       State
	batch       PendingMessageBatch
	pendingNext *PendingMessageBatch
}

func newSession(instanceID string) *session {
	return &session{instanceID: instanceID, state: StateIdle}
}

func (s *session) appendMessage(md controlqueue.MessageData, executionID string) {
	switch s.state {
	case StateLeasedOut:
		if s.pendingNext == nil {
			s.pendingNext = &PendingMessageBatch{InstanceID: s.instanceID, ExecutionID: executionID}
		}
		s.pendingNext.Messages = append(s.pendingNext.Messages, md)
	default:
		if s.batch.InstanceID == "" {
			s.batch = PendingMessageBatch{InstanceID: s.instanceID, ExecutionID: executionID}
		}
		s.batch.Messages = append(s.batch.Messages, md)
	}
}

// Observer is notified as a background fetch completes so the manager
// can surface errors without blocking the caller of Dispatch.
type Observer interface {
	FetchHistoryFailed(ctx context.Context, instanceID string, err error)
}
