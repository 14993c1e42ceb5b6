// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// AppConfig is the fully resolved configuration for a taskhubd process:
// defaults, merged with an optional YAML file, merged with environment
// overrides.
type AppConfig struct {
	Version string `yaml:"-"`

	Hub            string `yaml:"hub"`
	WorkerID       string `yaml:"workerId"`
	PartitionCount int    `yaml:"partitionCount"`

	AcquireInterval time.Duration `yaml:"acquireInterval"`
	RenewInterval   time.Duration `yaml:"renewInterval"`
	LeaseInterval   time.Duration `yaml:"leaseInterval"`
	Visibility      time.Duration `yaml:"visibility"`

	ExtendedSessionsEnabled bool  `yaml:"extendedSessionsEnabled"`
	MaxStorageConcurrency   int64 `yaml:"maxStorageConcurrency"`

	PoisonThreshold        int           `yaml:"poisonThreshold"`
	PoisonScanInterval     time.Duration `yaml:"poisonScanInterval"`
	LargeMessageThresholdB int           `yaml:"largeMessageThresholdBytes"`

	WarmCacheEnabled bool          `yaml:"warmCacheEnabled"`
	WarmCacheTTL     time.Duration `yaml:"warmCacheTTL"`

	DataDir string `yaml:"dataDir"`

	// Backend selects the storage implementation for leases and the
	// control-plane queue: "sqlite" (single-process, file-backed) or
	// "redis" (shared across worker processes). History storage is
	// sqlite-backed regardless of Backend.
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redisAddr"`

	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// HTTPConfig configures the management/worker HTTP surface.
type HTTPConfig struct {
	ListenAddr      string        `yaml:"listenAddr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// TelemetryConfig configures OpenTelemetry trace export. Disabled by
// default: a taskhubd with no collector nearby should not fail requests
// waiting on export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Environment  string  `yaml:"environment"`
	ExporterType string  `yaml:"exporterType"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// FileConfig is the strict YAML decoding target: every field is a pointer
// or zero-value-distinguishable so the loader can tell "absent from file"
// apart from "explicitly set to the zero value".
type FileConfig struct {
	Hub            string `yaml:"hub,omitempty"`
	WorkerID       string `yaml:"workerId,omitempty"`
	PartitionCount *int   `yaml:"partitionCount,omitempty"`

	AcquireInterval string `yaml:"acquireInterval,omitempty"`
	RenewInterval   string `yaml:"renewInterval,omitempty"`
	LeaseInterval   string `yaml:"leaseInterval,omitempty"`
	Visibility      string `yaml:"visibility,omitempty"`

	ExtendedSessionsEnabled *bool  `yaml:"extendedSessionsEnabled,omitempty"`
	MaxStorageConcurrency   *int64 `yaml:"maxStorageConcurrency,omitempty"`

	PoisonThreshold        *int   `yaml:"poisonThreshold,omitempty"`
	PoisonScanInterval     string `yaml:"poisonScanInterval,omitempty"`
	LargeMessageThresholdB *int   `yaml:"largeMessageThresholdBytes,omitempty"`

	WarmCacheEnabled *bool  `yaml:"warmCacheEnabled,omitempty"`
	WarmCacheTTL     string `yaml:"warmCacheTTL,omitempty"`

	DataDir string `yaml:"dataDir,omitempty"`

	Backend   string `yaml:"backend,omitempty"`
	RedisAddr string `yaml:"redisAddr,omitempty"`

	HTTP      *FileHTTPConfig      `yaml:"http,omitempty"`
	Logging   *FileLoggingConfig   `yaml:"logging,omitempty"`
	Telemetry *FileTelemetryConfig `yaml:"telemetry,omitempty"`
}

// FileHTTPConfig is FileConfig's nested HTTP block.
type FileHTTPConfig struct {
	ListenAddr      string `yaml:"listenAddr,omitempty"`
	ReadTimeout     string `yaml:"readTimeout,omitempty"`
	WriteTimeout    string `yaml:"writeTimeout,omitempty"`
	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
}

// FileLoggingConfig is FileConfig's nested logging block.
type FileLoggingConfig struct {
	Level   string `yaml:"level,omitempty"`
	Service string `yaml:"service,omitempty"`
}

// FileTelemetryConfig is FileConfig's nested telemetry block.
type FileTelemetryConfig struct {
	Enabled      *bool   `yaml:"enabled,omitempty"`
	Environment  string  `yaml:"environment,omitempty"`
	ExporterType string  `yaml:"exporterType,omitempty"`
	Endpoint     string  `yaml:"endpoint,omitempty"`
	SamplingRate *float64 `yaml:"samplingRate,omitempty"`
}

// Defaults returns the baseline AppConfig applied before any file or
// environment override.
func Defaults() AppConfig {
	return AppConfig{
		Hub:                     "default",
		WorkerID:                "worker-1",
		PartitionCount:          12,
		AcquireInterval:         5 * time.Second,
		RenewInterval:           10 * time.Second,
		LeaseInterval:           30 * time.Second,
		Visibility:              30 * time.Second,
		ExtendedSessionsEnabled: true,
		MaxStorageConcurrency:   16,
		PoisonThreshold:         5,
		PoisonScanInterval:      time.Minute,
		LargeMessageThresholdB:  256 * 1024,
		WarmCacheEnabled:        true,
		WarmCacheTTL:            10 * time.Minute,
		DataDir:                 "./data",
		Backend:                 BackendSQLite,
		HTTP: HTTPConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Service: "taskhub",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			Environment:  "development",
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}
