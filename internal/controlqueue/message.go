// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package controlqueue builds ControlQueue and WorkItemQueue framework
// semantics on top of the internal/queue MessageQueue abstraction and
// the large-message codec.
package controlqueue

import "github.com/ManuGH/taskhub/internal/taskmsg"

// MessageData is one decoded, in-flight queue message. It exists from
// receive until it is acked (deleted) or abandoned.
type MessageData struct {
	TaskMessage        taskmsg.TaskMessage
	OriginalMessageID  string
	CompressedBlobName string
	TotalBytes         int
	SequenceNumber     int64
	QueueName          string
	DequeueCount       int
}
