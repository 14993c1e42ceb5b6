// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"net/http"

	"github.com/ManuGH/taskhub/internal/log"
	"github.com/ManuGH/taskhub/internal/taskhub"
)

// APIError is a structured, machine-readable error response body.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

func (e *APIError) Error() string { return e.Message }

var (
	errInvalidInput = &APIError{Code: "INVALID_INPUT", Message: "invalid input parameters"}
	errNotFound     = &APIError{Code: "INSTANCE_NOT_FOUND", Message: "orchestration instance not found"}
	errDuplicate    = &APIError{Code: "INSTANCE_ALREADY_EXISTS", Message: "orchestration instance already exists"}
	errInternal     = &APIError{Code: "INTERNAL_ERROR", Message: "an internal error occurred"}
)

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondError writes a structured error response, stamping the
// request's correlation ID onto it.
func respondError(w http.ResponseWriter, r *http.Request, status int, apiErr *APIError) {
	resp := &APIError{Code: apiErr.Code, Message: apiErr.Message, RequestID: log.RequestIDFromContext(r.Context())}
	writeJSON(w, status, resp)
}

// respondHubError classifies an error returned from a taskhub.Service
// call via taskhub.ClassifyReason and writes the matching status and
// error code, instead of collapsing every failure to a bare 500.
func respondHubError(w http.ResponseWriter, r *http.Request, err error) {
	reason, detail := taskhub.ClassifyReason(err)
	switch reason {
	case taskhub.ReasonPreconditionFailed:
		respondError(w, r, http.StatusConflict, &APIError{Code: "PRECONDITION_FAILED", Message: detail})
	case taskhub.ReasonLeaseLost:
		respondError(w, r, http.StatusConflict, &APIError{Code: "LEASE_LOST", Message: detail})
	case taskhub.ReasonOperationCanceled:
		respondError(w, r, http.StatusRequestTimeout, &APIError{Code: "OPERATION_CANCELED", Message: detail})
	default:
		respondError(w, r, http.StatusInternalServerError, errInternal)
	}
}
