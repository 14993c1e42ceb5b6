// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package redislease implements leasestore.Store on Redis, grounded on
// redis/go-redis/v9's optimistic WATCH/MULTI transaction pattern. Each
// lease is one key whose TTL is the lease's expiry, so an expired lease
// is simply an absent key — no separate expiry bookkeeping is needed.
package redislease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/taskhub/internal/leasestore"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Store is a leasestore.Store backed by a Redis client.
type Store struct {
	client *redis.Client
	hub    string
}

var _ leasestore.Store = (*Store)(nil)

// New wraps client, namespacing all keys under hub.
func New(client *redis.Client, hub string) *Store {
	return &Store{client: client, hub: hub}
}

type leaseRecord struct {
	Owner string `json:"owner"`
	Token string `json:"token"`
	Epoch int64  `json:"epoch"`
}

func (s *Store) leaseKey(partitionID string) string {
	return fmt.Sprintf("taskhub:%s:lease:%s", s.hub, partitionID)
}

func (s *Store) hubKey() string {
	return fmt.Sprintf("taskhub:%s:sentinel", s.hub)
}

// errAlreadyOwnedSentinel lets Watch's retry callback short-circuit
// without the client library retrying a transaction we know will fail
// identically on every attempt.
var errAlreadyOwnedSentinel = errors.New("redislease: already owned")

func (s *Store) CreateHubIfNotExists(ctx context.Context, hub taskmsg.TaskHub) error {
	data, err := json.Marshal(hub)
	if err != nil {
		return fmt.Errorf("redislease: marshal hub %q: %w", hub.Name, err)
	}
	if err := s.client.SetNX(ctx, s.hubKey(), data, 0).Err(); err != nil {
		return fmt.Errorf("redislease: create hub %q: %w", hub.Name, err)
	}
	return nil
}

func (s *Store) GetOrCreateHub(ctx context.Context, def taskmsg.TaskHub) (taskmsg.TaskHub, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return taskmsg.TaskHub{}, fmt.Errorf("redislease: marshal hub %q: %w", def.Name, err)
	}
	if err := s.client.SetNX(ctx, s.hubKey(), data, 0).Err(); err != nil {
		return taskmsg.TaskHub{}, fmt.Errorf("redislease: get-or-create hub %q: %w", def.Name, err)
	}

	raw, err := s.client.Get(ctx, s.hubKey()).Result()
	if err != nil {
		return taskmsg.TaskHub{}, fmt.Errorf("redislease: read hub %q: %w", def.Name, err)
	}
	var hub taskmsg.TaskHub
	if err := json.Unmarshal([]byte(raw), &hub); err != nil {
		return taskmsg.TaskHub{}, fmt.Errorf("redislease: unmarshal hub %q: %w", def.Name, err)
	}
	return hub, nil
}

// CreateLeaseIfNotExists is a no-op: redis lease keys are created
// lazily on first Acquire, and an absent key is already the correct
// "unowned" state.
func (s *Store) CreateLeaseIfNotExists(_ context.Context, _ string) error {
	return nil
}

func (s *Store) Acquire(ctx context.Context, partitionID, workerID string, ttl time.Duration) (taskmsg.Lease, error) {
	key := s.leaseKey(partitionID)
	newEpoch := int64(0)
	newToken := uuid.New().String()

	txf := func(tx *redis.Tx) error {
		var rec leaseRecord
		raw, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			rec = leaseRecord{}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return fmt.Errorf("redislease: unmarshal lease %q: %w", partitionID, err)
			}
		}

		if rec.Owner != "" && rec.Owner != workerID {
			return errAlreadyOwnedSentinel
		}

		newEpoch = rec.Epoch + 1
		data, err := json.Marshal(leaseRecord{Owner: workerID, Token: newToken, Epoch: newEpoch})
		if err != nil {
			return fmt.Errorf("redislease: marshal lease %q: %w", partitionID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, errAlreadyOwnedSentinel) {
			return taskmsg.Lease{}, taskmsg.ErrAlreadyOwned
		}
		return taskmsg.Lease{}, fmt.Errorf("redislease: acquire %q: %w", partitionID, err)
	}

	return taskmsg.Lease{
		PartitionID:   partitionID,
		OwnerWorkerID: workerID,
		Token:         newToken,
		Epoch:         newEpoch,
		ExpiryTime:    time.Now().Add(ttl),
	}, nil
}

// Steal reassigns lease to workerID by bumping its epoch, regardless of
// whether its TTL has expired, provided the key's owner/token/epoch
// still match what was observed. The epoch bump fences the old owner's
// next Renew, which checks epoch equality and fails with ErrLeaseLost.
func (s *Store) Steal(ctx context.Context, lease taskmsg.Lease, workerID string, ttl time.Duration) (taskmsg.Lease, error) {
	key := s.leaseKey(lease.PartitionID)
	newEpoch := lease.Epoch + 1
	newToken := uuid.New().String()

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		var rec leaseRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("redislease: unmarshal lease %q: %w", lease.PartitionID, err)
		}
		if rec.Owner != lease.OwnerWorkerID || rec.Token != lease.Token || rec.Epoch != lease.Epoch {
			return errAlreadyOwnedSentinel
		}

		data, err := json.Marshal(leaseRecord{Owner: workerID, Token: newToken, Epoch: newEpoch})
		if err != nil {
			return fmt.Errorf("redislease: marshal lease %q: %w", lease.PartitionID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, errAlreadyOwnedSentinel) || errors.Is(err, redis.Nil) {
		return taskmsg.Lease{}, taskmsg.ErrAlreadyOwned
	}
	if err != nil {
		return taskmsg.Lease{}, fmt.Errorf("redislease: steal %q: %w", lease.PartitionID, err)
	}

	return taskmsg.Lease{
		PartitionID:   lease.PartitionID,
		OwnerWorkerID: workerID,
		Token:         newToken,
		Epoch:         newEpoch,
		ExpiryTime:    time.Now().Add(ttl),
	}, nil
}

func (s *Store) Renew(ctx context.Context, lease taskmsg.Lease, ttl time.Duration) (taskmsg.Lease, error) {
	key := s.leaseKey(lease.PartitionID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		var rec leaseRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("redislease: unmarshal lease %q: %w", lease.PartitionID, err)
		}
		if rec.Owner != lease.OwnerWorkerID || rec.Token != lease.Token || rec.Epoch != lease.Epoch {
			return taskmsg.ErrLeaseLost
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.Nil) {
		return taskmsg.Lease{}, taskmsg.ErrLeaseLost
	}
	if errors.Is(err, taskmsg.ErrLeaseLost) {
		return taskmsg.Lease{}, taskmsg.ErrLeaseLost
	}
	if err != nil {
		return taskmsg.Lease{}, fmt.Errorf("redislease: renew %q: %w", lease.PartitionID, err)
	}

	renewed := lease
	renewed.ExpiryTime = time.Now().Add(ttl)
	return renewed, nil
}

func (s *Store) Release(ctx context.Context, lease taskmsg.Lease) error {
	key := s.leaseKey(lease.PartitionID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return taskmsg.ErrLeaseLost
		}
		if err != nil {
			return err
		}
		var rec leaseRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("redislease: unmarshal lease %q: %w", lease.PartitionID, err)
		}
		if rec.Owner != lease.OwnerWorkerID || rec.Token != lease.Token || rec.Epoch != lease.Epoch {
			return taskmsg.ErrLeaseLost
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, taskmsg.ErrLeaseLost) {
		return taskmsg.ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("redislease: release %q: %w", lease.PartitionID, err)
	}
	return nil
}

func (s *Store) ListLeases(ctx context.Context) ([]taskmsg.Lease, error) {
	pattern := fmt.Sprintf("taskhub:%s:lease:*", s.hub)

	var leases []taskmsg.Lease
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("redislease: get %q: %w", key, err)
		}
		var rec leaseRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("redislease: unmarshal %q: %w", key, err)
		}
		ttl, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redislease: ttl %q: %w", key, err)
		}
		leases = append(leases, taskmsg.Lease{
			PartitionID:   partitionIDFromKey(s.hub, key),
			OwnerWorkerID: rec.Owner,
			Token:         rec.Token,
			Epoch:         rec.Epoch,
			ExpiryTime:    time.Now().Add(ttl),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redislease: scan leases: %w", err)
	}
	return leases, nil
}

func partitionIDFromKey(hub, key string) string {
	prefix := fmt.Sprintf("taskhub:%s:lease:", hub)
	if len(key) > len(prefix) {
		return key[len(prefix):]
	}
	return key
}
