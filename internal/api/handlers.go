// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ManuGH/taskhub/internal/historystore"
	"github.com/ManuGH/taskhub/internal/taskhub"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

type createOrchestrationRequest struct {
	InstanceID     string                        `json:"instanceId"`
	Name           string                        `json:"name"`
	Input          string                        `json:"input"`
	DedupeStatuses []taskmsg.OrchestrationStatus `json:"dedupeStatuses"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrchestrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, errInvalidInput)
		return
	}
	if req.InstanceID == "" || req.Name == "" {
		respondError(w, r, http.StatusBadRequest, errInvalidInput)
		return
	}

	err := s.hub.CreateTaskOrchestration(r.Context(), req.InstanceID, req.Name, req.Input, req.DedupeStatuses)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, taskhub.ErrDuplicateInstance):
		respondError(w, r, http.StatusConflict, errDuplicate)
	default:
		respondHubError(w, r, err)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	var allExecutions bool
	if err := runtime.BindQueryParameter("form", true, false, "allExecutions", r.URL.Query(), &allExecutions); err != nil {
		respondError(w, r, http.StatusBadRequest, errInvalidInput)
		return
	}

	states, err := s.hub.GetOrchestrationState(r.Context(), instanceID, allExecutions)
	if errors.Is(err, historystore.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, errNotFound)
		return
	}
	if err != nil {
		respondHubError(w, r, err)
		return
	}
	if len(states) == 0 {
		respondError(w, r, http.StatusNotFound, errNotFound)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")
	if err := s.hub.PurgeInstanceHistory(r.Context(), instanceID); err != nil {
		respondHubError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")
	executionID := r.URL.Query().Get("executionId")

	history, err := s.hub.GetOrchestrationHistory(r.Context(), instanceID, executionID)
	if err != nil {
		respondHubError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(history))
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	var msg taskmsg.TaskMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, r, http.StatusBadRequest, errInvalidInput)
		return
	}
	msg.Instance.InstanceID = instanceID

	if err := s.hub.SendTaskOrchestrationMessage(r.Context(), msg); err != nil {
		respondHubError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	var req terminateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, errInvalidInput)
			return
		}
	}

	if err := s.hub.ForceTerminateTaskOrchestration(r.Context(), instanceID, req.Reason); err != nil {
		respondHubError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRewind(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")
	if err := s.hub.RewindTaskOrchestration(r.Context(), instanceID); err != nil {
		respondHubError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceId")

	timeoutSeconds := 60
	if v := r.URL.Query().Get("timeoutSeconds"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			timeoutSeconds = i
		}
	}

	ctx, cancel := context.WithTimeoutCause(r.Context(), time.Duration(timeoutSeconds)*time.Second, errWaitTimeout)
	defer cancel()

	state, err := s.hub.WaitForOrchestration(ctx, instanceID, 0)
	if err != nil {
		if errors.Is(err, taskhub.ErrTimedOut) {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		respondHubError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

var errWaitTimeout = errors.New("api: wait for orchestration request timeout")
