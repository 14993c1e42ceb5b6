// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package sqlitehistory implements historystore.Store on top of a pooled
// SQLite database, grounded on the teacher's session store: an
// ON CONFLICT ... DO UPDATE upsert for the instance row, a transactional
// check-then-insert-then-insert write for state transitions, and the
// lease store's UPDATE ... WHERE version = ? compare-then-write idiom
// generalized to history's ETag.
package sqlitehistory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuGH/taskhub/internal/blobstore"
	"github.com/ManuGH/taskhub/internal/historystore"
	"github.com/ManuGH/taskhub/internal/log"
	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// Store is a historystore.Store backed by *sql.DB. blobs is consulted
// only at purge time, to reclaim off-loaded large-event payloads
// referenced by the events being deleted.
type Store struct {
	db    *sql.DB
	blobs blobstore.Store
}

var _ historystore.Store = (*Store)(nil)

// New wraps db and blobs. The schema is created if absent.
func New(ctx context.Context, db *sql.DB, blobs blobstore.Store) (*Store, error) {
	s := &Store{db: db, blobs: blobs}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS instances (
	instance_id TEXT PRIMARY KEY,
	current_execution_id TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS instance_executions (
	instance_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (instance_id, execution_id)
);
CREATE INDEX IF NOT EXISTS idx_executions_created ON instance_executions(created_at_ms);
CREATE INDEX IF NOT EXISTS idx_executions_status ON instance_executions(status);
CREATE TABLE IF NOT EXISTS history_events (
	instance_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	event_id INTEGER NOT NULL,
	payload_json TEXT NOT NULL,
	blob_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (instance_id, execution_id, event_id)
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlitehistory: migrate: %w", err)
	}
	return nil
}

func marshalEvent(ev taskmsg.HistoryEvent) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("sqlitehistory: marshal event %d: %w", ev.EventID, err)
	}
	return string(b), nil
}

func unmarshalEvent(payload string) (taskmsg.HistoryEvent, error) {
	var ev taskmsg.HistoryEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return taskmsg.HistoryEvent{}, fmt.Errorf("sqlitehistory: unmarshal event: %w", err)
	}
	return ev, nil
}

func (s *Store) resolveExecutionID(ctx context.Context, tx *sql.Tx, instanceID, executionID string) (string, error) {
	if executionID != "" {
		return executionID, nil
	}
	var current string
	row := tx.QueryRowContext(ctx, `SELECT current_execution_id FROM instances WHERE instance_id = ?`, instanceID)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", historystore.ErrNotFound
		}
		return "", fmt.Errorf("sqlitehistory: resolve current execution for %q: %w", instanceID, err)
	}
	return current, nil
}

// GetHistory returns the events and current ETag for (instanceID, executionID).
func (s *Store) GetHistory(ctx context.Context, instanceID, executionID string) ([]taskmsg.HistoryEvent, string, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, "", fmt.Errorf("sqlitehistory: begin tx: %w", err)
	}
	defer tx.Rollback()

	execID, err := s.resolveExecutionID(ctx, tx, instanceID, executionID)
	if err != nil {
		return nil, "", err
	}

	var version int64
	row := tx.QueryRowContext(ctx,
		`SELECT version FROM instance_executions WHERE instance_id = ? AND execution_id = ?`, instanceID, execID)
	if err := row.Scan(&version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", historystore.ErrNotFound
		}
		return nil, "", fmt.Errorf("sqlitehistory: read execution %q/%q: %w", instanceID, execID, err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT payload_json FROM history_events WHERE instance_id = ? AND execution_id = ? ORDER BY event_id`,
		instanceID, execID)
	if err != nil {
		return nil, "", fmt.Errorf("sqlitehistory: list events %q/%q: %w", instanceID, execID, err)
	}
	defer rows.Close()

	var events []taskmsg.HistoryEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, "", fmt.Errorf("sqlitehistory: scan event row: %w", err)
		}
		ev, err := unmarshalEvent(payload)
		if err != nil {
			return nil, "", err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("sqlitehistory: iterate events: %w", err)
	}

	return events, strconv.FormatInt(version, 10), nil
}

// SetNewExecution allocates or advances the instance summary row for a
// fresh execution and records startEvent as its first event.
func (s *Store) SetNewExecution(ctx context.Context, instanceID, executionID string, startEvent taskmsg.HistoryEvent) error {
	now := time.Now()
	status := taskmsg.OrchestrationRuntimeState{Events: []taskmsg.HistoryEvent{startEvent}}.ComputeStatus()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitehistory: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instances (instance_id, current_execution_id, created_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET current_execution_id = excluded.current_execution_id`,
		instanceID, executionID, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlitehistory: upsert instance %q: %w", instanceID, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO instance_executions (instance_id, execution_id, status, created_at_ms, updated_at_ms, version)
		VALUES (?, ?, ?, ?, ?, 0)`,
		instanceID, executionID, string(status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlitehistory: insert execution %q/%q: %w", instanceID, executionID, err)
	}

	payload, err := marshalEvent(startEvent)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO history_events (instance_id, execution_id, event_id, payload_json, blob_name) VALUES (?, ?, ?, ?, '')`,
		instanceID, executionID, startEvent.EventID, payload)
	if err != nil {
		return fmt.Errorf("sqlitehistory: insert start event %q/%q: %w", instanceID, executionID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitehistory: commit new execution %q/%q: %w", instanceID, executionID, err)
	}
	return nil
}

// UpdateState appends newEvents and advances status, guarded by
// expectedETag. It is all-or-nothing: every write happens inside a
// single transaction, with the version bump last so a reader never
// observes new events under the old ETag.
func (s *Store) UpdateState(ctx context.Context, instanceID, executionID string, newEvents []taskmsg.HistoryEvent, newStatus taskmsg.OrchestrationStatus, expectedETag string, blobNames map[int64]string) (string, error) {
	expectedVersion, err := strconv.ParseInt(expectedETag, 10, 64)
	if err != nil {
		return "", fmt.Errorf("sqlitehistory: malformed ETag %q: %w", expectedETag, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlitehistory: begin tx: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	row := tx.QueryRowContext(ctx,
		`SELECT version FROM instance_executions WHERE instance_id = ? AND execution_id = ?`, instanceID, executionID)
	if err := row.Scan(&currentVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", historystore.ErrNotFound
		}
		return "", fmt.Errorf("sqlitehistory: read execution %q/%q: %w", instanceID, executionID, err)
	}
	if currentVersion != expectedVersion {
		return "", taskmsg.ErrPreconditionFailed
	}

	for _, ev := range newEvents {
		payload, err := marshalEvent(ev)
		if err != nil {
			return "", err
		}
		blobName := blobNames[ev.EventID]
		_, err = tx.ExecContext(ctx,
			`INSERT INTO history_events (instance_id, execution_id, event_id, payload_json, blob_name) VALUES (?, ?, ?, ?, ?)`,
			instanceID, executionID, ev.EventID, payload, blobName)
		if err != nil {
			return "", fmt.Errorf("sqlitehistory: append event %d for %q/%q: %w", ev.EventID, instanceID, executionID, err)
		}
	}

	newVersion := currentVersion + 1
	res, err := tx.ExecContext(ctx,
		`UPDATE instance_executions SET status = ?, updated_at_ms = ?, version = ? WHERE instance_id = ? AND execution_id = ? AND version = ?`,
		string(newStatus), time.Now().UnixMilli(), newVersion, instanceID, executionID, currentVersion)
	if err != nil {
		return "", fmt.Errorf("sqlitehistory: update execution %q/%q: %w", instanceID, executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("sqlitehistory: update execution %q/%q rows affected: %w", instanceID, executionID, err)
	}
	if n == 0 {
		return "", taskmsg.ErrPreconditionFailed
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlitehistory: commit update %q/%q: %w", instanceID, executionID, err)
	}

	return strconv.FormatInt(newVersion, 10), nil
}

// GetState returns the instance's current execution state, or every
// execution's state if allExecutions is true.
func (s *Store) GetState(ctx context.Context, instanceID string, allExecutions bool) ([]taskmsg.OrchestrationState, error) {
	if !allExecutions {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return nil, fmt.Errorf("sqlitehistory: begin tx: %w", err)
		}
		defer tx.Rollback()

		execID, err := s.resolveExecutionID(ctx, tx, instanceID, "")
		if err != nil {
			return nil, err
		}
		state, err := scanExecutionState(ctx, tx, instanceID, execID)
		if err != nil {
			return nil, err
		}
		return []taskmsg.OrchestrationState{state}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, execution_id, status, created_at_ms, updated_at_ms FROM instance_executions WHERE instance_id = ? ORDER BY created_at_ms`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("sqlitehistory: list executions for %q: %w", instanceID, err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

// GetStateFiltered returns every execution state matching filter.
func (s *Store) GetStateFiltered(ctx context.Context, filter historystore.StateFilter) ([]taskmsg.OrchestrationState, error) {
	query := `SELECT instance_id, execution_id, status, created_at_ms, updated_at_ms FROM instance_executions WHERE 1 = 1`
	var args []any

	if !filter.CreatedTimeFrom.IsZero() {
		query += ` AND created_at_ms >= ?`
		args = append(args, filter.CreatedTimeFrom.UnixMilli())
	}
	if !filter.CreatedTimeTo.IsZero() {
		query += ` AND created_at_ms <= ?`
		args = append(args, filter.CreatedTimeTo.UnixMilli())
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at_ms`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitehistory: filtered list: %w", err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func scanExecutionState(ctx context.Context, tx *sql.Tx, instanceID, executionID string) (taskmsg.OrchestrationState, error) {
	var status string
	var createdMs, updatedMs int64
	row := tx.QueryRowContext(ctx,
		`SELECT status, created_at_ms, updated_at_ms FROM instance_executions WHERE instance_id = ? AND execution_id = ?`,
		instanceID, executionID)
	if err := row.Scan(&status, &createdMs, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return taskmsg.OrchestrationState{}, historystore.ErrNotFound
		}
		return taskmsg.OrchestrationState{}, fmt.Errorf("sqlitehistory: read execution %q/%q: %w", instanceID, executionID, err)
	}
	return taskmsg.OrchestrationState{
		Instance:    taskmsg.OrchestrationInstance{InstanceID: instanceID, ExecutionID: executionID},
		Status:      taskmsg.OrchestrationStatus(status),
		CreatedAt:   time.UnixMilli(createdMs),
		LastUpdated: time.UnixMilli(updatedMs),
	}, nil
}

func scanExecutionRows(rows *sql.Rows) ([]taskmsg.OrchestrationState, error) {
	var out []taskmsg.OrchestrationState
	for rows.Next() {
		var instanceID, executionID, status string
		var createdMs, updatedMs int64
		if err := rows.Scan(&instanceID, &executionID, &status, &createdMs, &updatedMs); err != nil {
			return nil, fmt.Errorf("sqlitehistory: scan execution row: %w", err)
		}
		out = append(out, taskmsg.OrchestrationState{
			Instance:    taskmsg.OrchestrationInstance{InstanceID: instanceID, ExecutionID: executionID},
			Status:      taskmsg.OrchestrationStatus(status),
			CreatedAt:   time.UnixMilli(createdMs),
			LastUpdated: time.UnixMilli(updatedMs),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitehistory: iterate executions: %w", err)
	}
	return out, nil
}

// RewindHistory neutralizes failed-task events in instanceID's current
// execution so that replay produces a live, running state again, and
// returns the instance IDs of sub-orchestrations started from that
// execution, which the caller must separately revive.
func (s *Store) RewindHistory(ctx context.Context, instanceID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitehistory: begin tx: %w", err)
	}
	defer tx.Rollback()

	execID, err := s.resolveExecutionID(ctx, tx, instanceID, "")
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT event_id, payload_json FROM history_events WHERE instance_id = ? AND execution_id = ? ORDER BY event_id`,
		instanceID, execID)
	if err != nil {
		return nil, fmt.Errorf("sqlitehistory: list events for rewind %q: %w", instanceID, err)
	}

	type row struct {
		id      int64
		payload string
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlitehistory: scan rewind row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlitehistory: iterate rewind rows: %w", err)
	}
	rows.Close()

	var descendants []string
	for _, r := range all {
		ev, err := unmarshalEvent(r.payload)
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case taskmsg.EventTaskFailed:
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM history_events WHERE instance_id = ? AND execution_id = ? AND event_id = ?`,
				instanceID, execID, r.id); err != nil {
				return nil, fmt.Errorf("sqlitehistory: neutralize failed event %d: %w", r.id, err)
			}
		case taskmsg.EventSubOrchestrationCreated:
			if ev.SubOrchestrationCreated != nil {
				descendants = append(descendants, ev.SubOrchestrationCreated.InstanceID)
			}
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE instance_executions SET status = ?, updated_at_ms = ? WHERE instance_id = ? AND execution_id = ?`,
		string(taskmsg.StatusRunning), time.Now().UnixMilli(), instanceID, execID); err != nil {
		return nil, fmt.Errorf("sqlitehistory: reset status for rewind %q: %w", instanceID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitehistory: commit rewind %q: %w", instanceID, err)
	}
	return descendants, nil
}

// PurgeInstanceHistory removes every row for instanceID and reclaims any
// blobs its events referenced. Blob deletion is best-effort: a failure
// is logged, not returned, matching the codec's own soft-fail delete.
func (s *Store) PurgeInstanceHistory(ctx context.Context, instanceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitehistory: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT blob_name FROM history_events WHERE instance_id = ? AND blob_name != ''`, instanceID)
	if err != nil {
		return fmt.Errorf("sqlitehistory: list blobs for purge %q: %w", instanceID, err)
	}
	var blobNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("sqlitehistory: scan blob row: %w", err)
		}
		blobNames = append(blobNames, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("sqlitehistory: iterate blob rows: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history_events WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("sqlitehistory: delete events for %q: %w", instanceID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instance_executions WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("sqlitehistory: delete executions for %q: %w", instanceID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE instance_id = ?`, instanceID); err != nil {
		return fmt.Errorf("sqlitehistory: delete instance %q: %w", instanceID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitehistory: commit purge %q: %w", instanceID, err)
	}

	for _, name := range blobNames {
		if err := s.blobs.Delete(ctx, name); err != nil {
			log.L().Warn().Err(err).Str("instanceId", instanceID).Str("blob", name).Msg("purge failed to delete history blob")
		}
	}
	return nil
}
