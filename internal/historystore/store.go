// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package historystore defines the HistoryStore abstraction: durable,
// optimistic-concurrency-controlled storage of OrchestrationRuntimeState.
package historystore

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// ErrNotFound is returned when no history exists for the requested
// instance (and, if given, execution).
var ErrNotFound = errors.New("historystore: instance not found")

// StateFilter narrows GetStateFiltered.
type StateFilter struct {
	CreatedTimeFrom time.Time
	CreatedTimeTo   time.Time
	Statuses        []taskmsg.OrchestrationStatus
}

// Store is the durable history backend. UpdateState is all-or-nothing
// per (instanceId, executionId): a failure must not partially append
// events.
type Store interface {
	// GetHistory returns the events and current ETag for
	// (instanceID, executionID). An empty executionID selects the
	// instance's current execution.
	GetHistory(ctx context.Context, instanceID, executionID string) ([]taskmsg.HistoryEvent, string, error)

	// UpdateState appends newEvents and advances status for
	// (instanceID, executionID), guarded by expectedETag. blobNames
	// maps an event's EventID to an off-loaded large-payload blob name,
	// recorded for purge-time cleanup. Returns ErrPreconditionFailed
	// from taskmsg if expectedETag is stale.
	UpdateState(ctx context.Context, instanceID, executionID string, newEvents []taskmsg.HistoryEvent, newStatus taskmsg.OrchestrationStatus, expectedETag string, blobNames map[int64]string) (string, error)

	// SetNewExecution allocates or advances the instance summary row
	// for a fresh execution, recording startEvent as its first event.
	SetNewExecution(ctx context.Context, instanceID, executionID string, startEvent taskmsg.HistoryEvent) error

	// GetState returns the instance's current execution state, or
	// every execution's state if allExecutions is true.
	GetState(ctx context.Context, instanceID string, allExecutions bool) ([]taskmsg.OrchestrationState, error)

	// GetStateFiltered returns every execution state matching filter.
	GetStateFiltered(ctx context.Context, filter StateFilter) ([]taskmsg.OrchestrationState, error)

	// RewindHistory locates failed events for instanceID, neutralizes
	// them so replay yields a live state, and returns the instance IDs
	// of sub-orchestrations that require revival events.
	RewindHistory(ctx context.Context, instanceID string) ([]string, error)

	// PurgeInstanceHistory removes every row and referenced blob name
	// for instanceID.
	PurgeInstanceHistory(ctx context.Context, instanceID string) error
}
