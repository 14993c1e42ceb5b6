// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package taskmsg

import "errors"

// Sentinel errors shared across the orchestration core's leaf components.
// Callers use errors.Is to classify failures per the taxonomy in §7.
var (
	// ErrPreconditionFailed is returned by HistoryStore.UpdateState when the
	// caller's expected ETag does not match the stored one.
	ErrPreconditionFailed = errors.New("taskmsg: precondition failed")

	// ErrAlreadyOwned is returned by LeaseStore.Acquire when another worker
	// holds an unexpired lease for the requested partition.
	ErrAlreadyOwned = errors.New("taskmsg: lease already owned")

	// ErrLeaseLost is returned by LeaseStore.Renew/Release when the caller
	// no longer holds the lease (stolen, expired, or fenced by a newer epoch).
	ErrLeaseLost = errors.New("taskmsg: lease lost")

	// ErrPermanentDecode is returned when a message payload cannot be
	// decoded and redelivery would not help (malformed envelope, unknown
	// blob, corrupt gzip stream).
	ErrPermanentDecode = errors.New("taskmsg: permanent decode error")

	// ErrInstanceNotExecutable is returned when a message batch targets an
	// instance that does not exist or has already reached a terminal state.
	ErrInstanceNotExecutable = errors.New("taskmsg: instance not executable")

	// ErrOperationCanceled wraps context cancellation observed inside a
	// leaf component's blocking call.
	ErrOperationCanceled = errors.New("taskmsg: operation canceled")
)
