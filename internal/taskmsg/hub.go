// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package taskmsg

import "time"

// TaskHub is the named namespace that owns a fixed number of partitions.
type TaskHub struct {
	Name           string    `json:"name"`
	PartitionCount int       `json:"partitionCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Lease is an expiring claim of exclusive ownership of one partition.
type Lease struct {
	PartitionID   string    `json:"partitionId"`
	OwnerWorkerID string    `json:"ownerWorkerId"`
	Token         string    `json:"token"`
	ExpiryTime    time.Time `json:"expiryTime"`
	Epoch         int64     `json:"epoch"`
}

// Expired reports whether the lease's TTL has passed as of now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiryTime)
}
