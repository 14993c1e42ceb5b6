// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package leasestore defines the LeaseStore abstraction: durable,
// optimistically-concurrent ownership of partitions plus the TaskHub
// sentinel row.
package leasestore

import (
	"context"
	"time"

	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// Store persists lease ownership and the hub sentinel. All write
// operations are optimistic: a lost race returns taskmsg.ErrAlreadyOwned
// or taskmsg.ErrLeaseLost rather than an exception-style failure.
type Store interface {
	// CreateHubIfNotExists writes the hub sentinel iff absent. Idempotent.
	CreateHubIfNotExists(ctx context.Context, hub taskmsg.TaskHub) error

	// GetOrCreateHub performs a read-through create: if the hub sentinel
	// is absent it is written with def; if present, the existing row wins
	// regardless of def (a concurrent creator's definition is authoritative).
	GetOrCreateHub(ctx context.Context, def taskmsg.TaskHub) (taskmsg.TaskHub, error)

	// CreateLeaseIfNotExists ensures a lease row exists for partitionID.
	CreateLeaseIfNotExists(ctx context.Context, partitionID string) error

	// Acquire claims partitionID for workerID. Returns
	// taskmsg.ErrAlreadyOwned if another worker holds an unexpired lease.
	Acquire(ctx context.Context, partitionID, workerID string, ttl time.Duration) (taskmsg.Lease, error)

	// Steal reassigns lease (as last observed, possibly still unexpired)
	// to workerID by bumping its epoch, provided nothing about the lease
	// has changed since it was observed. The bumped epoch fences the
	// previous owner: its next Renew or Release fails with
	// taskmsg.ErrLeaseLost even though it never saw the theft happen.
	// Returns taskmsg.ErrAlreadyOwned if lease has since been renewed,
	// released, or stolen by someone else.
	Steal(ctx context.Context, lease taskmsg.Lease, workerID string, ttl time.Duration) (taskmsg.Lease, error)

	// Renew extends lease's expiry by ttl, verified by owner+token+epoch.
	// Returns taskmsg.ErrLeaseLost if the lease has been stolen, expired
	// out from under the caller, or fenced by a newer epoch.
	Renew(ctx context.Context, lease taskmsg.Lease, ttl time.Duration) (taskmsg.Lease, error)

	// Release relinquishes lease, verified by owner+token+epoch. Returns
	// taskmsg.ErrLeaseLost if the caller no longer holds it.
	Release(ctx context.Context, lease taskmsg.Lease) error

	// ListLeases returns every currently-owned lease.
	ListLeases(ctx context.Context) ([]taskmsg.Lease, error)
}
