// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestConfigure_DefaultsService(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Level: "info"})

	L().Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log line: %v", err)
	}
	if entry["service"] != "taskhub" {
		t.Errorf("expected service=taskhub, got %v", entry["service"])
	}
}

func TestSetLevel_InvalidLevel(t *testing.T) {
	Configure(Config{Output: &bytes.Buffer{}})
	if err := SetLevel(context.Background(), "operator", "not-a-level"); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestSetLevel_EmitsAuditEvent(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Level: "warn"})

	if err := SetLevel(context.Background(), "operator-1", "debug"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(buf.String(), `"event":"log.level_changed"`) {
		t.Errorf("expected audit event in output, got: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"who":"operator-1"`) {
		t.Errorf("expected principal recorded in audit event, got: %s", buf.String())
	}
}

func TestAuditInfo_BypassesLevelGate(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Level: "error"})

	AuditInfo(context.Background(), "orchestration.purged", "history purged", map[string]any{"instance_id": "abc"})

	if !strings.Contains(buf.String(), `"event":"orchestration.purged"`) {
		t.Errorf("expected audit log to bypass the error-level gate, got: %s", buf.String())
	}
}

func TestWithComponent_AddsField(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	WithComponent("partition").Info().Msg("started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected valid JSON log line: %v", err)
	}
	if entry["component"] != "partition" {
		t.Errorf("expected component=partition, got %v", entry["component"])
	}
}
