// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for the orchestration service.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the service.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"
	HTTPUserAgentKey  = "http.user_agent"

	// Orchestration identity attributes
	InstanceIDKey  = "orchestration.instance_id"
	ExecutionIDKey = "orchestration.execution_id"
	HubNameKey     = "orchestration.hub_name"

	// Partition / lease attributes
	PartitionIDKey = "partition.id"
	LeaseOwnerKey  = "partition.lease_owner"
	LeaseEpochKey  = "partition.lease_epoch"

	// Checkpoint attributes
	CheckpointPhaseKey = "checkpoint.phase"
	SequenceNumberKey  = "checkpoint.sequence_number"
	HistorySizeKey     = "checkpoint.history_size_bytes"

	// Queue attributes
	QueueNameKey    = "queue.name"
	MessageIDKey    = "queue.message_id"
	DequeueCountKey = "queue.dequeue_count"

	// Job attributes
	JobTypeKey     = "job.type"
	JobStatusKey   = "job.status"
	JobDurationKey = "job.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// OrchestrationAttributes creates span attributes identifying an orchestration instance.
func OrchestrationAttributes(hubName, instanceID, executionID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if hubName != "" {
		attrs = append(attrs, attribute.String(HubNameKey, hubName))
	}
	if instanceID != "" {
		attrs = append(attrs, attribute.String(InstanceIDKey, instanceID))
	}
	if executionID != "" {
		attrs = append(attrs, attribute.String(ExecutionIDKey, executionID))
	}
	return attrs
}

// PartitionAttributes creates span attributes for partition-lease operations.
func PartitionAttributes(partitionID int, leaseOwner string, leaseEpoch int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(PartitionIDKey, partitionID),
		attribute.String(LeaseOwnerKey, leaseOwner),
		attribute.Int64(LeaseEpochKey, leaseEpoch),
	}
}

// CheckpointAttributes creates span attributes for the three-phase checkpoint protocol.
func CheckpointAttributes(phase string, sequenceNumber int64, historySizeBytes int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(CheckpointPhaseKey, phase),
		attribute.Int64(SequenceNumberKey, sequenceNumber),
		attribute.Int(HistorySizeKey, historySizeBytes),
	}
}

// QueueAttributes creates span attributes for control/work-item queue operations.
func QueueAttributes(queueName, messageID string, dequeueCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(QueueNameKey, queueName),
		attribute.String(MessageIDKey, messageID),
		attribute.Int(DequeueCountKey, dequeueCount),
	}
}

// JobAttributes creates job-related span attributes.
func JobAttributes(jobType, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobTypeKey, jobType),
		attribute.String(JobStatusKey, status),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
