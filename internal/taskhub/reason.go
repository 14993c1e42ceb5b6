// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package taskhub

import (
	"context"
	"errors"

	"github.com/ManuGH/taskhub/internal/taskmsg"
)

// ReasonCode classifies why a facade operation failed, independent of
// the specific error text, so callers (the HTTP surface, metrics,
// logging) can branch on a stable value instead of string-matching.
type ReasonCode string

const (
	ReasonNone               ReasonCode = ""
	ReasonOperationCanceled  ReasonCode = "operation_canceled"
	ReasonPreconditionFailed ReasonCode = "precondition_failed"
	ReasonLeaseLost          ReasonCode = "lease_lost"
	ReasonCheckpointFailed   ReasonCode = "checkpoint_failed"
	ReasonDecodeFailed       ReasonCode = "decode_failed"
	ReasonUnknown            ReasonCode = "unknown"
)

type reasonError struct {
	reason ReasonCode
	detail string
	err    error
}

func (e *reasonError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return string(e.reason)
}

func (e *reasonError) Unwrap() error { return e.err }

func newReasonError(reason ReasonCode, detail string, err error) error {
	return &reasonError{reason: reason, detail: detail, err: err}
}

// ClassifyReason recovers the ReasonCode and an optional human-readable
// detail from err. It checks, in order: an error already wrapped by
// this package, context cancellation/deadline, the sentinel errors this
// module's storage layers return, then falls back to ReasonUnknown for
// anything else so a caller never has to handle a missing classification.
func ClassifyReason(err error) (ReasonCode, string) {
	if err == nil {
		return ReasonNone, ""
	}

	var re *reasonError
	if errors.As(err, &re) {
		return re.reason, re.detail
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ReasonOperationCanceled, "context canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonOperationCanceled, "deadline exceeded"
	case errors.Is(err, ErrTimedOut):
		return ReasonOperationCanceled, "wait timed out"
	case errors.Is(err, taskmsg.ErrPreconditionFailed):
		return ReasonPreconditionFailed, "stale etag"
	case errors.Is(err, ErrPartitionNotOwned):
		return ReasonLeaseLost, "partition lease no longer held by this worker"
	case errors.Is(err, ErrDuplicateInstance):
		return ReasonPreconditionFailed, "instance already exists"
	default:
		return ReasonUnknown, err.Error()
	}
}
