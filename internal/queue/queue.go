// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package queue defines the MessageQueue abstraction: a named,
// visibility-timeout queue of opaque byte payloads. ControlQueue and
// WorkItemQueue are built on top of it.
package queue

import (
	"context"
	"time"
)

// Message is one dequeued item. ID identifies it for Delete/Abandon;
// DequeueCount is the number of times it has been handed out (1 on
// first delivery) and drives poison-message detection upstream.
type Message struct {
	ID           string
	QueueName    string
	Payload      []byte
	DequeueCount int
	SequenceNum  int64
	EnqueueTime  time.Time
}

// EnqueueOptions controls initial visibility. A zero InitialDelay makes
// the message visible immediately; a positive one defers visibility,
// used for timer messages enqueued ahead of their fire time.
type EnqueueOptions struct {
	InitialDelay time.Duration
}

// Queue is a named visibility-timeout message queue. Implementations
// provide at-least-once delivery: a dequeued message stays invisible
// for visibilityTimeout and reappears automatically unless deleted or
// explicitly abandoned first.
type Queue interface {
	// Enqueue appends payload to queueName, returning its message ID.
	Enqueue(ctx context.Context, queueName string, payload []byte, opts EnqueueOptions) (string, error)

	// DequeueBatch claims up to upTo currently-visible messages from
	// queueName, making each invisible for visibilityTimeout.
	DequeueBatch(ctx context.Context, queueName string, upTo int, visibilityTimeout time.Duration) ([]Message, error)

	// Renew extends an in-flight message's invisibility by
	// visibilityTimeout from now, for long-running processing.
	Renew(ctx context.Context, queueName, messageID string, visibilityTimeout time.Duration) error

	// Delete permanently removes a message after successful processing.
	Delete(ctx context.Context, queueName, messageID string) error

	// Abandon makes an in-flight message immediately visible again,
	// without incrementing DequeueCount beyond what the triggering
	// DequeueBatch already recorded.
	Abandon(ctx context.Context, queueName, messageID string) error
}
