// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package controlqueue

import (
	"time"

	"github.com/ManuGH/taskhub/internal/codec"
	"github.com/ManuGH/taskhub/internal/queue"
)

// WorkItemQueue carries activity invocations. It is hub-wide rather
// than per-partition and dequeues exactly one activity per call.
type WorkItemQueue struct {
	*ControlQueue
}

// NewWorkItemQueue returns a WorkItemQueue named name.
func NewWorkItemQueue(q queue.Queue, c *codec.Codec, name string, visibility time.Duration) *WorkItemQueue {
	return &WorkItemQueue{ControlQueue: New(q, c, name, 1, visibility)}
}
