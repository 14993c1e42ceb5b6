// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package taskhub

import "errors"

// ErrPartitionNotOwned is returned by any operation that requires local
// ownership of a partition this worker does not currently hold.
var ErrPartitionNotOwned = errors.New("taskhub: partition not owned by this worker")

// ErrDuplicateInstance is returned by CreateTaskOrchestration when an
// existing instance's status is in the caller's dedupe set.
var ErrDuplicateInstance = errors.New("taskhub: instance already exists with a non-dedupeable status")

// ErrTimedOut is returned by WaitForOrchestration when timeout elapses
// before the orchestration reaches a terminal status.
var ErrTimedOut = errors.New("taskhub: wait for orchestration timed out")
