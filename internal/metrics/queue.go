// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskhub_queue_drop_total",
		Help: "Total number of in-memory queue message drops (backpressure)",
	}, []string{"queue"})

	QueueDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskhub_queue_dropped_total",
		Help: "Total number of in-memory queue message drops by queue and reason",
	}, []string{"queue", "reason"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskhub_queue_depth",
		Help: "Current number of visible messages enqueued per queue",
	}, []string{"queue"})

	QueuePoisonTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskhub_queue_poison_total",
		Help: "Total number of messages moved to the dead-letter path after exceeding the dequeue count threshold",
	}, []string{"queue"})
)

// IncQueueDrop records a dropped queue message for the given queue.
func IncQueueDrop(queue string) {
	IncQueueDropReason(queue, "full")
}

// IncQueueDropReason records a dropped queue message with a concrete reason.
func IncQueueDropReason(queue, reason string) {
	if queue == "" {
		queue = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	QueueDropsTotal.WithLabelValues(queue).Inc()
	QueueDroppedTotal.WithLabelValues(queue, reason).Inc()
}
