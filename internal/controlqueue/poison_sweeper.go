// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package controlqueue

import (
	"context"
	"time"

	"github.com/ManuGH/taskhub/internal/log"
	"github.com/ManuGH/taskhub/internal/metrics"
	"github.com/ManuGH/taskhub/internal/queue"
)

const defaultSweepInterval = 10 * time.Second

// PoisonSweeper periodically scans a queue for messages whose
// DequeueCount has crossed Threshold and moves them to a dead-letter
// queue instead of letting them redeliver forever. Grounded on
// internal/pipeline/worker/lease_expiry.go's ticker-driven scan of a
// filtered row set.
type PoisonSweeper struct {
	Queue          queue.Queue
	SourceName     string
	DeadLetterName string
	Threshold      int
	ScanInterval   time.Duration
	BatchSize      int
	Visibility     time.Duration
}

// Run blocks, sweeping every ScanInterval until ctx is canceled.
func (p *PoisonSweeper) Run(ctx context.Context) error {
	interval := p.ScanInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.L().Info().Str("queue", p.SourceName).Dur("interval", interval).
		Msg("poison sweeper started")

	for {
		select {
		case <-ticker.C:
			p.sweep(ctx)
		case <-ctx.Done():
			log.L().Info().Str("queue", p.SourceName).Msg("poison sweeper stopped")
			return ctx.Err()
		}
	}
}

func (p *PoisonSweeper) sweep(ctx context.Context) {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	visibility := p.Visibility
	if visibility == 0 {
		visibility = defaultSweepInterval
	}

	msgs, err := p.Queue.DequeueBatch(ctx, p.SourceName, batchSize, visibility)
	if err != nil {
		log.L().Error().Str("queue", p.SourceName).Err(err).Msg("poison sweeper failed to scan queue")
		return
	}

	moved := 0
	for _, m := range msgs {
		if m.DequeueCount < p.Threshold {
			_ = p.Queue.Abandon(ctx, p.SourceName, m.ID)
			continue
		}

		if _, err := p.Queue.Enqueue(ctx, p.DeadLetterName, m.Payload, queue.EnqueueOptions{}); err != nil {
			log.L().Error().Str("queue", p.SourceName).Str("message_id", m.ID).Err(err).
				Msg("poison sweeper failed to dead-letter message")
			_ = p.Queue.Abandon(ctx, p.SourceName, m.ID)
			continue
		}

		if err := p.Queue.Delete(ctx, p.SourceName, m.ID); err != nil {
			log.L().Error().Str("queue", p.SourceName).Str("message_id", m.ID).Err(err).
				Msg("poison sweeper failed to delete dead-lettered message from source")
			continue
		}

		metrics.QueuePoisonTotal.WithLabelValues(p.SourceName).Inc()
		moved++
	}

	if moved > 0 {
		log.L().Info().Str("queue", p.SourceName).Int("moved", moved).
			Msg("poison sweeper moved messages to dead-letter queue")
	}
}
