// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package taskhub

import (
	"context"
	"fmt"
	"testing"

	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/stretchr/testify/require"
)

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		reason ReasonCode
	}{
		{"nil", nil, ReasonNone},
		{"canceled", context.Canceled, ReasonOperationCanceled},
		{"deadline", context.DeadlineExceeded, ReasonOperationCanceled},
		{"timed out", ErrTimedOut, ReasonOperationCanceled},
		{"precondition failed", taskmsg.ErrPreconditionFailed, ReasonPreconditionFailed},
		{"partition not owned", ErrPartitionNotOwned, ReasonLeaseLost},
		{"duplicate instance", ErrDuplicateInstance, ReasonPreconditionFailed},
		{"wrapped checkpoint failure", newReasonError(ReasonCheckpointFailed, "commit failed", fmt.Errorf("boom")), ReasonCheckpointFailed},
		{"unknown", fmt.Errorf("something else"), ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reason, _ := ClassifyReason(tc.err)
			require.Equal(t, tc.reason, reason)
		})
	}
}

func TestClassifyReason_WrapsAndUnwraps(t *testing.T) {
	inner := fmt.Errorf("sqlite: disk full")
	err := newReasonError(ReasonCheckpointFailed, "checkpoint commit failed", inner)

	reason, detail := ClassifyReason(err)
	require.Equal(t, ReasonCheckpointFailed, reason)
	require.Equal(t, "checkpoint commit failed", detail)
	require.ErrorIs(t, err, inner)
}
