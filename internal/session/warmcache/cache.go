// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package warmcache holds serialized OrchestrationRuntimeState snapshots
// for extended sessions, so a session returning to READY within its
// keep-warm window skips HistoryStore.GetHistory entirely. Backed by
// dgraph-io/badger/v4, otherwise unused by this module.
package warmcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/taskhub/internal/taskmsg"
	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned by Get when instanceID has no cached snapshot,
// including when one existed but has expired past its TTL.
var ErrNotFound = errors.New("warmcache: snapshot not found")

// Entry is the cached unit: a runtime-state snapshot plus the ETag it
// was read or written at.
type Entry struct {
	RuntimeState taskmsg.OrchestrationRuntimeState
	ETag         string
}

// Cache is an embedded, TTL-bounded key-value store of Entry snapshots.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open creates or opens a badger database at dir. ttl bounds how long a
// snapshot stays warm after its last Put.
func Open(dir string, ttl time.Duration) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("warmcache: open %q: %w", dir, err)
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores entry under instanceID with the cache's configured TTL.
func (c *Cache) Put(instanceID string, entry Entry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("warmcache: marshal %q: %w", instanceID, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(instanceID), b).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
}

// Get returns the cached entry for instanceID, or ErrNotFound if absent
// or expired.
func (c *Cache) Get(instanceID string) (Entry, error) {
	var entry Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(instanceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("warmcache: get %q: %w", instanceID, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Evict removes instanceID's cached snapshot, if any.
func (c *Cache) Evict(instanceID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(instanceID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}
