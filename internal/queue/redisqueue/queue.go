// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package redisqueue implements queue.Queue on a Redis sorted set per
// queue: the score is the message's visible-at time in unix
// nanoseconds, so a plain ZRANGEBYSCORE up to "now" is the ready set.
// Dequeue pushes a message's score forward by the visibility timeout,
// mirroring the lease store's optimistic "claim by write, retry on
// conflict" posture rather than a hard per-message lock.
package redisqueue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuGH/taskhub/internal/queue"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue is a queue.Queue backed by a Redis client.
type Queue struct {
	client *redis.Client
}

var _ queue.Queue = (*Queue)(nil)

// New wraps client. All keys are namespaced by queue name.
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) zsetKey(queueName string) string {
	return fmt.Sprintf("taskhub:queue:%s:visibility", queueName)
}

func (q *Queue) dataKey(queueName, id string) string {
	return fmt.Sprintf("taskhub:queue:%s:msg:%s", queueName, id)
}

func (q *Queue) seqKey(queueName string) string {
	return fmt.Sprintf("taskhub:queue:%s:seq", queueName)
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	seq, err := q.client.Incr(ctx, q.seqKey(queueName)).Result()
	if err != nil {
		return "", fmt.Errorf("redisqueue: allocate sequence for %q: %w", queueName, err)
	}

	id := uuid.New().String()
	visibleAt := time.Now().Add(opts.InitialDelay)

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.dataKey(queueName, id), map[string]any{
		"payload":      payload,
		"dequeueCount": 0,
		"sequenceNum":  seq,
	})
	pipe.ZAdd(ctx, q.zsetKey(queueName), redis.Z{
		Score:  float64(visibleAt.UnixNano()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redisqueue: enqueue to %q: %w", queueName, err)
	}
	return id, nil
}

func (q *Queue) DequeueBatch(ctx context.Context, queueName string, upTo int, visibilityTimeout time.Duration) ([]queue.Message, error) {
	now := time.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.zsetKey(queueName), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixNano(), 10),
		Count: int64(upTo),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: scan ready set for %q: %w", queueName, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	newVisibleAt := now.Add(visibilityTimeout)
	msgs := make([]queue.Message, 0, len(ids))
	for _, id := range ids {
		dataKey := q.dataKey(queueName, id)

		pipe := q.client.Pipeline()
		incr := pipe.HIncrBy(ctx, dataKey, "dequeueCount", 1)
		get := pipe.HGetAll(ctx, dataKey)
		pipe.ZAdd(ctx, q.zsetKey(queueName), redis.Z{Score: float64(newVisibleAt.UnixNano()), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			continue // claimed or deleted concurrently
		}

		fields := get.Val()
		if len(fields) == 0 {
			continue
		}
		seq, _ := strconv.ParseInt(fields["sequenceNum"], 10, 64)
		msgs = append(msgs, queue.Message{
			ID:           id,
			QueueName:    queueName,
			Payload:      []byte(fields["payload"]),
			DequeueCount: int(incr.Val()),
			SequenceNum:  seq,
			EnqueueTime:  now,
		})
	}
	return msgs, nil
}

func (q *Queue) Renew(ctx context.Context, queueName, messageID string, visibilityTimeout time.Duration) error {
	_, err := q.client.ZAdd(ctx, q.zsetKey(queueName), redis.Z{
		Score:  float64(time.Now().Add(visibilityTimeout).UnixNano()),
		Member: messageID,
	}).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: renew %q in %q: %w", messageID, queueName, err)
	}
	return nil
}

func (q *Queue) Delete(ctx context.Context, queueName, messageID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.zsetKey(queueName), messageID)
	pipe.Del(ctx, q.dataKey(queueName, messageID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisqueue: delete %q from %q: %w", messageID, queueName, err)
	}
	return nil
}

func (q *Queue) Abandon(ctx context.Context, queueName, messageID string) error {
	_, err := q.client.ZAdd(ctx, q.zsetKey(queueName), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: messageID,
	}).Result()
	if err != nil {
		return fmt.Errorf("redisqueue: abandon %q in %q: %w", messageID, queueName, err)
	}
	return nil
}
