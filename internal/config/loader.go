// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/taskhub/internal/log"
	"gopkg.in/yaml.v3"
)

// envPrefix namespaces every taskhubd environment variable.
const envPrefix = "TASKHUB_"

// Loader resolves an AppConfig with precedence ENV > File > Defaults.
type Loader struct {
	configPath string
	version    string
	lookupFn   envLookupFunc
}

// NewLoader returns a Loader reading configPath (ignored if empty) and
// stamping version into the resolved AppConfig.
func NewLoader(configPath, version string) *Loader {
	return NewLoaderWithEnv(configPath, version, osEnvLookup)
}

// NewLoaderWithEnv is NewLoader with an injectable environment source, for
// tests that must not depend on process-global environment variables.
func NewLoaderWithEnv(configPath, version string, lookup envLookupFunc) *Loader {
	if lookup == nil {
		lookup = osEnvLookup
	}
	return &Loader{configPath: configPath, version: version, lookupFn: lookup}
}

// Load resolves defaults, merges an optional YAML file, then applies
// environment overrides, and validates the result.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		fileCfg, err := l.loadFile(l.configPath)
		if err != nil {
			return cfg, fmt.Errorf("config: load file: %w", err)
		}
		mergeFileConfig(&cfg, fileCfg)
	}

	l.mergeEnvConfig(&cfg)
	cfg.Version = l.version

	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// loadFile parses path as strict YAML: unknown fields are a fatal error,
// since a typo'd key silently taking a default is worse than failing fast.
func (l *Loader) loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return &fileCfg, nil
}

func mergeFileConfig(cfg *AppConfig, f *FileConfig) {
	if f == nil {
		return
	}
	if f.Hub != "" {
		cfg.Hub = f.Hub
	}
	if f.WorkerID != "" {
		cfg.WorkerID = f.WorkerID
	}
	if f.PartitionCount != nil {
		cfg.PartitionCount = *f.PartitionCount
	}
	if d, ok := parseFileDuration(f.AcquireInterval); ok {
		cfg.AcquireInterval = d
	}
	if d, ok := parseFileDuration(f.RenewInterval); ok {
		cfg.RenewInterval = d
	}
	if d, ok := parseFileDuration(f.LeaseInterval); ok {
		cfg.LeaseInterval = d
	}
	if d, ok := parseFileDuration(f.Visibility); ok {
		cfg.Visibility = d
	}
	if f.ExtendedSessionsEnabled != nil {
		cfg.ExtendedSessionsEnabled = *f.ExtendedSessionsEnabled
	}
	if f.MaxStorageConcurrency != nil {
		cfg.MaxStorageConcurrency = *f.MaxStorageConcurrency
	}
	if f.PoisonThreshold != nil {
		cfg.PoisonThreshold = *f.PoisonThreshold
	}
	if d, ok := parseFileDuration(f.PoisonScanInterval); ok {
		cfg.PoisonScanInterval = d
	}
	if f.LargeMessageThresholdB != nil {
		cfg.LargeMessageThresholdB = *f.LargeMessageThresholdB
	}
	if f.WarmCacheEnabled != nil {
		cfg.WarmCacheEnabled = *f.WarmCacheEnabled
	}
	if d, ok := parseFileDuration(f.WarmCacheTTL); ok {
		cfg.WarmCacheTTL = d
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Backend != "" {
		cfg.Backend = f.Backend
	}
	if f.RedisAddr != "" {
		cfg.RedisAddr = f.RedisAddr
	}
	if f.HTTP != nil {
		if f.HTTP.ListenAddr != "" {
			cfg.HTTP.ListenAddr = f.HTTP.ListenAddr
		}
		if d, ok := parseFileDuration(f.HTTP.ReadTimeout); ok {
			cfg.HTTP.ReadTimeout = d
		}
		if d, ok := parseFileDuration(f.HTTP.WriteTimeout); ok {
			cfg.HTTP.WriteTimeout = d
		}
		if d, ok := parseFileDuration(f.HTTP.ShutdownTimeout); ok {
			cfg.HTTP.ShutdownTimeout = d
		}
	}
	if f.Logging != nil {
		if f.Logging.Level != "" {
			cfg.Logging.Level = f.Logging.Level
		}
		if f.Logging.Service != "" {
			cfg.Logging.Service = f.Logging.Service
		}
	}
	if f.Telemetry != nil {
		if f.Telemetry.Enabled != nil {
			cfg.Telemetry.Enabled = *f.Telemetry.Enabled
		}
		if f.Telemetry.Environment != "" {
			cfg.Telemetry.Environment = f.Telemetry.Environment
		}
		if f.Telemetry.ExporterType != "" {
			cfg.Telemetry.ExporterType = f.Telemetry.ExporterType
		}
		if f.Telemetry.Endpoint != "" {
			cfg.Telemetry.Endpoint = f.Telemetry.Endpoint
		}
		if f.Telemetry.SamplingRate != nil {
			cfg.Telemetry.SamplingRate = *f.Telemetry.SamplingRate
		}
	}
}

func parseFileDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

// mergeEnvConfig applies TASKHUB_* environment overrides, the highest
// precedence tier.
func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	logger := log.WithComponent("config")
	lookup := l.lookupFn

	cfg.Hub = parseStringWithLookup(logger, lookup, envPrefix+"HUB", cfg.Hub)
	cfg.WorkerID = parseStringWithLookup(logger, lookup, envPrefix+"WORKER_ID", cfg.WorkerID)
	cfg.PartitionCount = parseIntWithLookup(logger, lookup, envPrefix+"PARTITION_COUNT", cfg.PartitionCount)
	cfg.AcquireInterval = parseDurationWithLookup(logger, lookup, envPrefix+"ACQUIRE_INTERVAL", cfg.AcquireInterval)
	cfg.RenewInterval = parseDurationWithLookup(logger, lookup, envPrefix+"RENEW_INTERVAL", cfg.RenewInterval)
	cfg.LeaseInterval = parseDurationWithLookup(logger, lookup, envPrefix+"LEASE_INTERVAL", cfg.LeaseInterval)
	cfg.Visibility = parseDurationWithLookup(logger, lookup, envPrefix+"VISIBILITY", cfg.Visibility)
	cfg.ExtendedSessionsEnabled = parseBoolWithLookup(logger, lookup, envPrefix+"EXTENDED_SESSIONS_ENABLED", cfg.ExtendedSessionsEnabled)
	cfg.MaxStorageConcurrency = parseInt64WithLookup(logger, lookup, envPrefix+"MAX_STORAGE_CONCURRENCY", cfg.MaxStorageConcurrency)
	cfg.PoisonThreshold = parseIntWithLookup(logger, lookup, envPrefix+"POISON_THRESHOLD", cfg.PoisonThreshold)
	cfg.PoisonScanInterval = parseDurationWithLookup(logger, lookup, envPrefix+"POISON_SCAN_INTERVAL", cfg.PoisonScanInterval)
	cfg.LargeMessageThresholdB = parseIntWithLookup(logger, lookup, envPrefix+"LARGE_MESSAGE_THRESHOLD_BYTES", cfg.LargeMessageThresholdB)
	cfg.WarmCacheEnabled = parseBoolWithLookup(logger, lookup, envPrefix+"WARM_CACHE_ENABLED", cfg.WarmCacheEnabled)
	cfg.WarmCacheTTL = parseDurationWithLookup(logger, lookup, envPrefix+"WARM_CACHE_TTL", cfg.WarmCacheTTL)
	cfg.DataDir = parseStringWithLookup(logger, lookup, envPrefix+"DATA_DIR", cfg.DataDir)
	cfg.Backend = parseStringWithLookup(logger, lookup, envPrefix+"BACKEND", cfg.Backend)
	cfg.RedisAddr = parseStringWithLookup(logger, lookup, envPrefix+"REDIS_ADDR", cfg.RedisAddr)
	cfg.HTTP.ListenAddr = parseStringWithLookup(logger, lookup, envPrefix+"HTTP_LISTEN_ADDR", cfg.HTTP.ListenAddr)
	cfg.HTTP.ReadTimeout = parseDurationWithLookup(logger, lookup, envPrefix+"HTTP_READ_TIMEOUT", cfg.HTTP.ReadTimeout)
	cfg.HTTP.WriteTimeout = parseDurationWithLookup(logger, lookup, envPrefix+"HTTP_WRITE_TIMEOUT", cfg.HTTP.WriteTimeout)
	cfg.HTTP.ShutdownTimeout = parseDurationWithLookup(logger, lookup, envPrefix+"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTP.ShutdownTimeout)
	cfg.Logging.Level = parseStringWithLookup(logger, lookup, envPrefix+"LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Service = parseStringWithLookup(logger, lookup, envPrefix+"LOG_SERVICE", cfg.Logging.Service)
	cfg.Telemetry.Enabled = parseBoolWithLookup(logger, lookup, envPrefix+"TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Environment = parseStringWithLookup(logger, lookup, envPrefix+"TELEMETRY_ENVIRONMENT", cfg.Telemetry.Environment)
	cfg.Telemetry.ExporterType = parseStringWithLookup(logger, lookup, envPrefix+"TELEMETRY_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = parseStringWithLookup(logger, lookup, envPrefix+"TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = parseFloatWithLookup(logger, lookup, envPrefix+"TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
