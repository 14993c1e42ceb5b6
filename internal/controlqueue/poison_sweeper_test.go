// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package controlqueue

import (
	"context"
	"testing"
	"time"

	"github.com/ManuGH/taskhub/internal/queue"
	"github.com/ManuGH/taskhub/internal/queue/memory"
	"github.com/stretchr/testify/require"
)

func TestPoisonSweeper_DeadLettersAfterThreshold(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	mq := memory.New()
	defer mq.Close()

	_, err := mq.Enqueue(ctx, "source", []byte("poison"), queue.EnqueueOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		msgs, err := mq.DequeueBatch(ctx, "source", 1, time.Millisecond)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		time.Sleep(70 * time.Millisecond) // let the reap loop return it to ready before next dequeue
	}

	sweeper := &PoisonSweeper{
		Queue:          mq,
		SourceName:     "source",
		DeadLetterName: "source-deadletter",
		Threshold:      3,
		ScanInterval:   20 * time.Millisecond,
		BatchSize:      10,
		Visibility:     time.Minute,
	}

	go func() { _ = sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		dead, err := mq.DequeueBatch(ctx, "source-deadletter", 1, time.Minute)
		return err == nil && len(dead) == 1 && string(dead[0].Payload) == "poison"
	}, 2*time.Second, 20*time.Millisecond)

	remaining, err := mq.DequeueBatch(ctx, "source", 1, time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, remaining, "poisoned message must have been removed from source")
}

func TestPoisonSweeper_AbandonsBelowThreshold(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	mq := memory.New()
	defer mq.Close()

	_, err := mq.Enqueue(ctx, "source", []byte("healthy"), queue.EnqueueOptions{})
	require.NoError(t, err)

	sweeper := &PoisonSweeper{
		Queue:          mq,
		SourceName:     "source",
		DeadLetterName: "source-deadletter",
		Threshold:      5,
		ScanInterval:   20 * time.Millisecond,
		BatchSize:      10,
		Visibility:     time.Minute,
	}

	go func() { _ = sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		msgs, err := mq.DequeueBatch(ctx, "source", 1, time.Minute)
		return err == nil && len(msgs) == 1
	}, 1*time.Second, 20*time.Millisecond, "message below threshold must be abandoned back to source")
}
