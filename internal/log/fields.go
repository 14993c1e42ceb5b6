// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldInstanceID    = "instance_id"
	FieldExecutionID   = "execution_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"
	FieldHubName       = "hub_name"

	// Partitioning / ownership fields
	FieldPartitionID = "partition_id"
	FieldLeaseOwner  = "lease_owner"
	FieldLeaseKey    = "lease_key"
	FieldLeaseEpoch  = "lease_epoch"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// Checkpoint / history fields
	FieldCheckpointPhase = "checkpoint_phase"
	FieldSequenceNumber  = "sequence_number"
	FieldETag            = "etag"
	FieldHistorySize     = "history_size_bytes"

	// Queue fields
	FieldQueueName    = "queue_name"
	FieldMessageID    = "message_id"
	FieldDequeueCount = "dequeue_count"
	FieldVisibleAfter = "visible_after"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Blob storage fields
	FieldBlobKey  = "blob_key"
	FieldBlobSize = "blob_size_bytes"
)
