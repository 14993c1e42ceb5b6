// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package sqlitelease implements leasestore.Store on top of a pooled
// SQLite database, grounded on the teacher's session-lease table: a
// compare-then-write acquire, a token+epoch-checked renew, and an
// owner-checked release, generalized from a single session-keyed table
// to one keyed by (hub, partitionId) with epoch fencing.
package sqlitelease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/taskhub/internal/leasestore"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/google/uuid"
)

// Store is a leasestore.Store backed by *sql.DB.
type Store struct {
	db  *sql.DB
	hub string
}

var _ leasestore.Store = (*Store)(nil)

// New wraps db, scoping all hub-sentinel operations to hub. The schema
// is created if absent.
func New(ctx context.Context, db *sql.DB, hub string) (*Store, error) {
	s := &Store{db: db, hub: hub}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS task_hubs (
	name TEXT PRIMARY KEY,
	partition_count INTEGER NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS leases (
	partition_id TEXT PRIMARY KEY,
	owner_worker_id TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	expiry_ms INTEGER NOT NULL DEFAULT 0,
	epoch INTEGER NOT NULL DEFAULT 0
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlitelease: migrate: %w", err)
	}
	return nil
}

func (s *Store) CreateHubIfNotExists(ctx context.Context, hub taskmsg.TaskHub) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_hubs (name, partition_count, created_at_ms) VALUES (?, ?, ?)`,
		hub.Name, hub.PartitionCount, hub.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlitelease: create hub %q: %w", hub.Name, err)
	}
	return nil
}

func (s *Store) GetOrCreateHub(ctx context.Context, def taskmsg.TaskHub) (taskmsg.TaskHub, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taskmsg.TaskHub{}, fmt.Errorf("sqlitelease: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_hubs (name, partition_count, created_at_ms) VALUES (?, ?, ?)`,
		def.Name, def.PartitionCount, def.CreatedAt.UnixMilli())
	if err != nil {
		return taskmsg.TaskHub{}, fmt.Errorf("sqlitelease: insert hub %q: %w", def.Name, err)
	}

	var (
		name          string
		partitionCnt  int
		createdAtMs   int64
	)
	row := tx.QueryRowContext(ctx, `SELECT name, partition_count, created_at_ms FROM task_hubs WHERE name = ?`, def.Name)
	if err := row.Scan(&name, &partitionCnt, &createdAtMs); err != nil {
		return taskmsg.TaskHub{}, fmt.Errorf("sqlitelease: read hub %q: %w", def.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return taskmsg.TaskHub{}, fmt.Errorf("sqlitelease: commit: %w", err)
	}

	return taskmsg.TaskHub{
		Name:           name,
		PartitionCount: partitionCnt,
		CreatedAt:      time.UnixMilli(createdAtMs),
	}, nil
}

func (s *Store) CreateLeaseIfNotExists(ctx context.Context, partitionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO leases (partition_id) VALUES (?)`, partitionID)
	if err != nil {
		return fmt.Errorf("sqlitelease: create lease row %q: %w", partitionID, err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, partitionID, workerID string, ttl time.Duration) (taskmsg.Lease, error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return taskmsg.Lease{}, fmt.Errorf("sqlitelease: begin tx: %w", err)
	}
	defer tx.Rollback()

	var owner, token string
	var expiryMs, epoch int64
	row := tx.QueryRowContext(ctx,
		`SELECT owner_worker_id, token, expiry_ms, epoch FROM leases WHERE partition_id = ?`, partitionID)
	if err := row.Scan(&owner, &token, &expiryMs, &epoch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return taskmsg.Lease{}, fmt.Errorf("sqlitelease: no lease row for partition %q (CreateLeaseIfNotExists not called)", partitionID)
		}
		return taskmsg.Lease{}, fmt.Errorf("sqlitelease: read lease %q: %w", partitionID, err)
	}

	if owner != "" && owner != workerID && now.Before(time.UnixMilli(expiryMs)) {
		return taskmsg.Lease{}, taskmsg.ErrAlreadyOwned
	}

	newEpoch := epoch + 1
	newToken := uuid.New().String()
	newExpiry := now.Add(ttl)

	_, err = tx.ExecContext(ctx,
		`UPDATE leases SET owner_worker_id = ?, token = ?, expiry_ms = ?, epoch = ? WHERE partition_id = ?`,
		workerID, newToken, newExpiry.UnixMilli(), newEpoch, partitionID)
	if err != nil {
		return taskmsg.Lease{}, fmt.Errorf("sqlitelease: acquire %q: %w", partitionID, err)
	}
	if err := tx.Commit(); err != nil {
		return taskmsg.Lease{}, fmt.Errorf("sqlitelease: commit acquire %q: %w", partitionID, err)
	}

	return taskmsg.Lease{
		PartitionID:   partitionID,
		OwnerWorkerID: workerID,
		Token:         newToken,
		ExpiryTime:    newExpiry,
		Epoch:         newEpoch,
	}, nil
}

// Steal reassigns lease to workerID by bumping its epoch, regardless of
// whether it has expired, as long as owner/token/epoch still match what
// was observed. The epoch bump fences the old owner's next Renew.
func (s *Store) Steal(ctx context.Context, lease taskmsg.Lease, workerID string, ttl time.Duration) (taskmsg.Lease, error) {
	newEpoch := lease.Epoch + 1
	newToken := uuid.New().String()
	newExpiry := time.Now().Add(ttl)

	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET owner_worker_id = ?, token = ?, expiry_ms = ?, epoch = ? WHERE partition_id = ? AND owner_worker_id = ? AND token = ? AND epoch = ?`,
		workerID, newToken, newExpiry.UnixMilli(), newEpoch,
		lease.PartitionID, lease.OwnerWorkerID, lease.Token, lease.Epoch)
	if err != nil {
		return taskmsg.Lease{}, fmt.Errorf("sqlitelease: steal %q: %w", lease.PartitionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return taskmsg.Lease{}, fmt.Errorf("sqlitelease: steal %q rows affected: %w", lease.PartitionID, err)
	}
	if n == 0 {
		return taskmsg.Lease{}, taskmsg.ErrAlreadyOwned
	}

	return taskmsg.Lease{
		PartitionID:   lease.PartitionID,
		OwnerWorkerID: workerID,
		Token:         newToken,
		ExpiryTime:    newExpiry,
		Epoch:         newEpoch,
	}, nil
}

func (s *Store) Renew(ctx context.Context, lease taskmsg.Lease, ttl time.Duration) (taskmsg.Lease, error) {
	newExpiry := time.Now().Add(ttl)

	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expiry_ms = ? WHERE partition_id = ? AND owner_worker_id = ? AND token = ? AND epoch = ?`,
		newExpiry.UnixMilli(), lease.PartitionID, lease.OwnerWorkerID, lease.Token, lease.Epoch)
	if err != nil {
		return taskmsg.Lease{}, fmt.Errorf("sqlitelease: renew %q: %w", lease.PartitionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return taskmsg.Lease{}, fmt.Errorf("sqlitelease: renew %q rows affected: %w", lease.PartitionID, err)
	}
	if n == 0 {
		return taskmsg.Lease{}, taskmsg.ErrLeaseLost
	}

	renewed := lease
	renewed.ExpiryTime = newExpiry
	return renewed, nil
}

func (s *Store) Release(ctx context.Context, lease taskmsg.Lease) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET owner_worker_id = '', token = '', expiry_ms = 0 WHERE partition_id = ? AND owner_worker_id = ? AND token = ? AND epoch = ?`,
		lease.PartitionID, lease.OwnerWorkerID, lease.Token, lease.Epoch)
	if err != nil {
		return fmt.Errorf("sqlitelease: release %q: %w", lease.PartitionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlitelease: release %q rows affected: %w", lease.PartitionID, err)
	}
	if n == 0 {
		return taskmsg.ErrLeaseLost
	}
	return nil
}

func (s *Store) ListLeases(ctx context.Context) ([]taskmsg.Lease, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_id, owner_worker_id, token, expiry_ms, epoch FROM leases WHERE owner_worker_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("sqlitelease: list leases: %w", err)
	}
	defer rows.Close()

	var leases []taskmsg.Lease
	for rows.Next() {
		var l taskmsg.Lease
		var expiryMs int64
		if err := rows.Scan(&l.PartitionID, &l.OwnerWorkerID, &l.Token, &expiryMs, &l.Epoch); err != nil {
			return nil, fmt.Errorf("sqlitelease: scan lease row: %w", err)
		}
		l.ExpiryTime = time.UnixMilli(expiryMs)
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitelease: iterate leases: %w", err)
	}
	return leases, nil
}
