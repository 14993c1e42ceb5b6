// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	apimw "github.com/ManuGH/taskhub/internal/api/middleware"
	"github.com/ManuGH/taskhub/internal/blobstore"
	"github.com/ManuGH/taskhub/internal/codec"
	"github.com/ManuGH/taskhub/internal/config"
	"github.com/ManuGH/taskhub/internal/historystore/sqlitehistory"
	"github.com/ManuGH/taskhub/internal/leasestore/sqlitelease"
	"github.com/ManuGH/taskhub/internal/persistence/sqlite"
	"github.com/ManuGH/taskhub/internal/queue/memory"
	"github.com/ManuGH/taskhub/internal/taskhub"
	"github.com/ManuGH/taskhub/internal/taskmsg"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	mq := memory.New()
	t.Cleanup(mq.Close)

	leaseDB, err := sqlite.Open(filepath.Join(t.TempDir(), "leases.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = leaseDB.Close() })
	leases, err := sqlitelease.New(context.Background(), leaseDB, "hub")
	require.NoError(t, err)

	historyDB, err := sqlite.Open(filepath.Join(t.TempDir(), "history.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = historyDB.Close() })
	blobs := blobstore.NewMemoryStore()
	history, err := sqlitehistory.New(context.Background(), historyDB, blobs)
	require.NoError(t, err)

	c := codec.New(blobs, 1<<20)

	hub := taskhub.New(taskhub.Config{
		Hub:                "hub",
		WorkerID:           "worker-1",
		PartitionCount:     1,
		AcquireInterval:    20 * time.Millisecond,
		RenewInterval:      20 * time.Millisecond,
		LeaseInterval:      time.Minute,
		Visibility:         time.Minute,
		PoisonThreshold:    5,
		PoisonScanInterval: time.Hour,
	}, mq, c, leases, history, blobs, nil)

	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() { _ = hub.Stop(context.Background()) })

	srv, err := NewServer(config.HTTPConfig{
		ListenAddr:      ":0",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: time.Second,
	}, hub, apimw.StackConfig{})
	require.NoError(t, err)
	return srv
}

func TestServer_CreateAndGetOrchestration(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.routes(apimw.StackConfig{})

	body, _ := json.Marshal(createOrchestrationRequest{InstanceID: "inst-1", Name: "Workflow", Input: `"hi"`})
	req := httptest.NewRequest(http.MethodPost, "/v1/orchestrations", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		wi, err := srv.hub.LockNextTaskOrchestrationWorkItem(context.Background())
		if err != nil {
			return false
		}
		completion := taskhub.OrchestrationCompletion{
			NewRuntimeState: taskmsg.OrchestrationRuntimeState{
				Instance: taskmsg.OrchestrationInstance{InstanceID: wi.InstanceID, ExecutionID: "0"},
				Events: []taskmsg.HistoryEvent{{
					Type:             taskmsg.EventExecutionStarted,
					ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: "Workflow", Input: `"hi"`},
				}},
				Status: taskmsg.StatusRunning,
			},
		}
		return srv.hub.CompleteTaskOrchestrationWorkItem(context.Background(), wi, completion) == nil
	}, time.Second, 10*time.Millisecond)

	req2 := httptest.NewRequest(http.MethodGet, "/v1/orchestrations/inst-1", nil)
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusOK, rr2.Code)
}

func TestServer_GetUnknownInstanceReturnsNotFound(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.routes(apimw.StackConfig{})

	req := httptest.NewRequest(http.MethodGet, "/v1/orchestrations/does-not-exist", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_DuplicateCreateReturnsConflict(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.routes(apimw.StackConfig{})

	body, _ := json.Marshal(createOrchestrationRequest{InstanceID: "inst-dup", Name: "Workflow", Input: `"hi"`})
	req := httptest.NewRequest(http.MethodPost, "/v1/orchestrations", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		wi, err := srv.hub.LockNextTaskOrchestrationWorkItem(context.Background())
		if err != nil {
			return false
		}
		completion := taskhub.OrchestrationCompletion{
			NewRuntimeState: taskmsg.OrchestrationRuntimeState{
				Instance: taskmsg.OrchestrationInstance{InstanceID: wi.InstanceID, ExecutionID: "0"},
				Events: []taskmsg.HistoryEvent{{
					Type:             taskmsg.EventExecutionStarted,
					ExecutionStarted: &taskmsg.ExecutionStartedPayload{Name: "Workflow", Input: `"hi"`},
				}},
				Status: taskmsg.StatusRunning,
			},
		}
		return srv.hub.CompleteTaskOrchestrationWorkItem(context.Background(), wi, completion) == nil
	}, time.Second, 10*time.Millisecond)

	dupBody, _ := json.Marshal(createOrchestrationRequest{
		InstanceID:     "inst-dup",
		Name:           "Workflow",
		Input:          `"hi"`,
		DedupeStatuses: []taskmsg.OrchestrationStatus{taskmsg.StatusRunning},
	})
	req2 := httptest.NewRequest(http.MethodPost, "/v1/orchestrations", bytes.NewReader(dupBody))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusConflict, rr2.Code)
}

func TestServer_CreateWithMissingFieldsIsBadRequest(t *testing.T) {
	srv := newTestServer(t)
	handler := srv.routes(apimw.StackConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/orchestrations", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
