// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PartitionsOwned = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskhub_partitions_owned",
		Help: "Number of partitions currently leased by this worker",
	})

	LeaseRenewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskhub_lease_renewals_total",
		Help: "Total number of partition lease renewal attempts",
	}, []string{"result"})

	LeaseLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskhub_lease_lost_total",
		Help: "Total number of partition leases lost to lease expiry or fencing",
	})

	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskhub_sessions_active",
		Help: "Number of orchestration sessions currently held in a given lifecycle state",
	}, []string{"state"})

	CheckpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskhub_checkpoint_duration_seconds",
		Help:    "Duration of the three-phase checkpoint protocol by phase",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	CheckpointConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskhub_checkpoint_conflicts_total",
		Help: "Total number of checkpoint commits rejected by optimistic concurrency",
	})

	BlobOffloadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskhub_blob_offloads_total",
		Help: "Total number of orchestration messages offloaded to blob storage for exceeding the inline size threshold",
	})
)
