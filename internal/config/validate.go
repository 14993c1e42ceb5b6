// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig wraps every validation failure returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Validate checks an AppConfig for self-consistency. PartitionCount is
// immutable for a hub's lifetime (taskhub.Service.Start enforces that
// against the persisted lease store), but it must at least be positive
// before a Service is ever constructed.
func Validate(cfg AppConfig) error {
	var errs []string

	if cfg.Hub == "" {
		errs = append(errs, "hub must not be empty")
	}
	if cfg.WorkerID == "" {
		errs = append(errs, "workerId must not be empty")
	}
	if cfg.PartitionCount <= 0 {
		errs = append(errs, "partitionCount must be positive")
	}
	if cfg.AcquireInterval <= 0 {
		errs = append(errs, "acquireInterval must be positive")
	}
	if cfg.RenewInterval <= 0 {
		errs = append(errs, "renewInterval must be positive")
	}
	if cfg.LeaseInterval <= cfg.RenewInterval {
		errs = append(errs, "leaseInterval must be greater than renewInterval")
	}
	if cfg.Visibility <= 0 {
		errs = append(errs, "visibility must be positive")
	}
	if cfg.MaxStorageConcurrency <= 0 {
		errs = append(errs, "maxStorageConcurrency must be positive")
	}
	if cfg.PoisonThreshold <= 0 {
		errs = append(errs, "poisonThreshold must be positive")
	}
	if cfg.LargeMessageThresholdB <= 0 {
		errs = append(errs, "largeMessageThresholdBytes must be positive")
	}
	if cfg.DataDir == "" {
		errs = append(errs, "dataDir must not be empty")
	}
	switch cfg.Backend {
	case BackendSQLite:
	case BackendRedis:
		if cfg.RedisAddr == "" {
			errs = append(errs, "redisAddr must be set when backend=redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend must be %q or %q", BackendSQLite, BackendRedis))
	}
	if cfg.HTTP.ListenAddr == "" {
		errs = append(errs, "http.listenAddr must not be empty")
	}
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.ExporterType != "grpc" && cfg.Telemetry.ExporterType != "http" {
			errs = append(errs, "telemetry.exporterType must be \"grpc\" or \"http\" when telemetry.enabled")
		}
		if cfg.Telemetry.Endpoint == "" {
			errs = append(errs, "telemetry.endpoint must be set when telemetry.enabled")
		}
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			errs = append(errs, "telemetry.samplingRate must be between 0 and 1")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	msg := errs[0]
	for _, e := range errs[1:] {
		msg += "; " + e
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
