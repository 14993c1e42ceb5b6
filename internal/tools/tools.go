// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build tools

// Package tools records build-time-only tool dependencies so `go mod tidy`
// does not prune them from go.sum. It is never compiled into taskhubd.
package tools

import (
	_ "github.com/oapi-codegen/oapi-codegen/v2/cmd/oapi-codegen"
)
