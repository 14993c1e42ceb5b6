// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package controlqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuGH/taskhub/internal/codec"
	"github.com/ManuGH/taskhub/internal/log"
	"github.com/ManuGH/taskhub/internal/queue"
	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// DefaultBatchSize is ControlQueueBatchSize when none is configured.
const DefaultBatchSize = 32

// ControlQueue is one partition's ordered-ish, visibility-timeout
// delivery of TaskMessages, with large-payload indirection through
// codec.Codec.
type ControlQueue struct {
	q          queue.Queue
	codec      *codec.Codec
	name       string
	batchSize  int
	visibility time.Duration
}

// New returns a ControlQueue named name, backed by q and codec. A
// batchSize of 0 selects DefaultBatchSize.
func New(q queue.Queue, c *codec.Codec, name string, batchSize int, visibility time.Duration) *ControlQueue {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &ControlQueue{q: q, codec: c, name: name, batchSize: batchSize, visibility: visibility}
}

// Name returns the underlying queue name.
func (cq *ControlQueue) Name() string { return cq.name }

// Enqueue encodes msg and pushes it, optionally invisible until
// initialDelay elapses (used for timer messages).
func (cq *ControlQueue) Enqueue(ctx context.Context, msg taskmsg.TaskMessage, initialDelay time.Duration) error {
	env, err := cq.codec.Encode(ctx, msg)
	if err != nil {
		return fmt.Errorf("controlqueue: encode for %q: %w", cq.name, err)
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("controlqueue: marshal envelope for %q: %w", cq.name, err)
	}
	if _, err := cq.q.Enqueue(ctx, cq.name, raw, queue.EnqueueOptions{InitialDelay: initialDelay}); err != nil {
		return fmt.Errorf("controlqueue: enqueue to %q: %w", cq.name, err)
	}
	return nil
}

// DequeueBatch pulls up to the configured batch size of messages,
// decoding each. A message whose envelope cannot be decoded is
// abandoned immediately rather than returned: it is a poison candidate
// and PoisonSweeper will dead-letter it once DequeueCount crosses the
// configured threshold.
func (cq *ControlQueue) DequeueBatch(ctx context.Context) ([]MessageData, error) {
	raws, err := cq.q.DequeueBatch(ctx, cq.name, cq.batchSize, cq.visibility)
	if err != nil {
		return nil, fmt.Errorf("controlqueue: dequeue from %q: %w", cq.name, err)
	}

	out := make([]MessageData, 0, len(raws))
	for _, m := range raws {
		var env codec.Envelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			log.L().Warn().Str("queue", cq.name).Str("message_id", m.ID).Err(err).
				Msg("control queue envelope decode failed, abandoning")
			_ = cq.q.Abandon(ctx, cq.name, m.ID)
			continue
		}

		msg, err := cq.codec.Decode(ctx, env)
		if err != nil {
			log.L().Warn().Str("queue", cq.name).Str("message_id", m.ID).Err(err).
				Msg("control queue payload decode failed, abandoning")
			_ = cq.q.Abandon(ctx, cq.name, m.ID)
			continue
		}

		out = append(out, MessageData{
			TaskMessage:        msg,
			OriginalMessageID:  m.ID,
			CompressedBlobName: env.BlobName,
			TotalBytes:         len(m.Payload),
			SequenceNumber:     m.SequenceNum,
			QueueName:          cq.name,
			DequeueCount:       m.DequeueCount,
		})
	}
	return out, nil
}

// Renew extends md's invisibility to now + visibility.
func (cq *ControlQueue) Renew(ctx context.Context, md MessageData) error {
	if err := cq.q.Renew(ctx, cq.name, md.OriginalMessageID, cq.visibility); err != nil {
		return fmt.Errorf("controlqueue: renew in %q: %w", cq.name, err)
	}
	return nil
}

// Delete permanently removes md and its off-loaded blob, if any.
func (cq *ControlQueue) Delete(ctx context.Context, md MessageData) error {
	if err := cq.q.Delete(ctx, cq.name, md.OriginalMessageID); err != nil {
		return fmt.Errorf("controlqueue: delete from %q: %w", cq.name, err)
	}
	if err := cq.codec.DeleteBlob(ctx, md.CompressedBlobName); err != nil {
		log.L().Warn().Str("queue", cq.name).Str("blob", md.CompressedBlobName).Err(err).
			Msg("failed to delete off-loaded blob after message delete")
	}
	return nil
}

// Abandon restores md's visibility immediately. The off-loaded blob,
// if any, is intentionally left in place — only Delete removes it.
func (cq *ControlQueue) Abandon(ctx context.Context, md MessageData) error {
	if err := cq.q.Abandon(ctx, cq.name, md.OriginalMessageID); err != nil {
		return fmt.Errorf("controlqueue: abandon in %q: %w", cq.name, err)
	}
	return nil
}
