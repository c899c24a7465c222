// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the control plane configuration.
//
// # Description
//
// Values are resolved by viper in this order, highest first: command-line
// flags, WARDEN_* environment variables, the optional YAML file, and the
// defaults from DefaultConfig. Nested keys map to environment variables by
// replacing "." with "_", so circuitBreaker.failureThreshold is read from
// WARDEN_CIRCUITBREAKER_FAILURETHRESHOLD.
//
// Durations are plain millisecond integers to keep the file and the
// environment surface identical.
package config

import (
	"time"

	"github.com/AleutianAI/warden/services/control/breaker"
	"github.com/AleutianAI/warden/services/control/budget"
	"github.com/AleutianAI/warden/services/control/observability"
	"github.com/AleutianAI/warden/services/control/supervisor"
)

// Config is the complete service configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"logLevel" yaml:"logLevel" validate:"oneof=debug info warn error"`

	// LogDir enables a JSON log file in this directory when non-empty.
	LogDir string `mapstructure:"logDir" yaml:"logDir"`

	WatchdogLimitMs int64 `mapstructure:"watchdogLimitMs" yaml:"watchdogLimitMs" validate:"gt=0"`
	SafetyBufferMs  int64 `mapstructure:"safetyBufferMs" yaml:"safetyBufferMs" validate:"gte=0,ltefield=WatchdogLimitMs"`

	// BudgetDisabled bypasses budget enforcement. Reloaded without restart.
	BudgetDisabled bool `mapstructure:"budgetDisabled" yaml:"budgetDisabled"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitBreaker" yaml:"circuitBreaker"`

	HeartbeatTimeoutMs     int64 `mapstructure:"heartbeatTimeoutMs" yaml:"heartbeatTimeoutMs" validate:"gt=0"`
	WorkerRestartThreshold int   `mapstructure:"workerRestartThreshold" yaml:"workerRestartThreshold" validate:"gte=1"`
	QuarantineCooldownMs   int64 `mapstructure:"quarantineCooldownMs" yaml:"quarantineCooldownMs" validate:"gte=0"`
	HealthyCyclesToRecover int   `mapstructure:"healthyCyclesToRecover" yaml:"healthyCyclesToRecover" validate:"gte=1"`

	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// OperatorToken authenticates release calls. Empty rejects every release.
	OperatorToken string `mapstructure:"operatorToken" yaml:"operatorToken"`

	// ReleaseRatePerMinute limits release calls. Zero disables the limit.
	ReleaseRatePerMinute int `mapstructure:"releaseRatePerMinute" yaml:"releaseRatePerMinute" validate:"gte=0"`

	// AuditDir selects the badger audit store. Empty keeps release events
	// in the log only.
	AuditDir string `mapstructure:"auditDir" yaml:"auditDir"`

	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port" validate:"gte=1,lte=65535"`
}

// CircuitBreakerConfig is the default configuration of every breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int   `mapstructure:"failureThreshold" yaml:"failureThreshold" validate:"gte=1"`
	ResetTimeoutMs   int64 `mapstructure:"resetTimeoutMs" yaml:"resetTimeoutMs" validate:"gt=0"`
	HalfOpenMaxCalls int   `mapstructure:"halfOpenMaxCalls" yaml:"halfOpenMaxCalls" validate:"gte=1"`
}

// DatabaseConfig configures the Postgres advisory lock store.
type DatabaseConfig struct {
	// DSN enables cross-process locking. Empty keeps locks process-local.
	DSN string `mapstructure:"dsn" yaml:"dsn"`

	// PingIntervalMs is the period of the Postgres liveness job.
	PingIntervalMs int64 `mapstructure:"pingIntervalMs" yaml:"pingIntervalMs" validate:"gt=0"`
}

// TelemetryConfig selects the OpenTelemetry exporters.
type TelemetryConfig struct {
	TraceExporter  string `mapstructure:"traceExporter" yaml:"traceExporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `mapstructure:"metricExporter" yaml:"metricExporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `mapstructure:"otlpEndpoint" yaml:"otlpEndpoint" validate:"required_if=TraceExporter otlp"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Server:          ServerConfig{Port: 12310},
		LogLevel:        "info",
		WatchdogLimitMs: budget.DefaultWatchdogLimit.Milliseconds(),
		SafetyBufferMs:  budget.DefaultSafetyBuffer.Milliseconds(),
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutMs:   30_000,
			HalfOpenMaxCalls: 1,
		},
		HeartbeatTimeoutMs:     30_000,
		WorkerRestartThreshold: 3,
		QuarantineCooldownMs:   300_000,
		HealthyCyclesToRecover: 3,
		Database:               DatabaseConfig{PingIntervalMs: 15_000},
		ReleaseRatePerMinute:   30,
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "none",
		},
	}
}

// BudgetConfig converts to the watchdog configuration.
func (c Config) BudgetConfig() budget.Config {
	return budget.Config{
		WatchdogLimit: ms(c.WatchdogLimitMs),
		SafetyBuffer:  ms(c.SafetyBufferMs),
		Disabled:      c.BudgetDisabled,
	}
}

// BreakerConfig converts to the default breaker configuration. The state
// change callback is wired by the caller.
func (c Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.CircuitBreaker.FailureThreshold,
		ResetTimeout:     ms(c.CircuitBreaker.ResetTimeoutMs),
		HalfOpenMaxCalls: c.CircuitBreaker.HalfOpenMaxCalls,
	}
}

// SupervisorConfig converts to the supervisor configuration.
func (c Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		HeartbeatTimeout:       ms(c.HeartbeatTimeoutMs),
		WorkerRestartThreshold: c.WorkerRestartThreshold,
		QuarantineCooldown:     ms(c.QuarantineCooldownMs),
		HealthyCyclesToRecover: c.HealthyCyclesToRecover,
	}
}

// TelemetryConfig converts to the observability configuration.
func (c Config) TelemetryConfig(version string) observability.TelemetryConfig {
	tc := observability.DefaultTelemetryConfig()
	tc.ServiceVersion = version
	tc.TraceExporter = c.Telemetry.TraceExporter
	tc.MetricExporter = c.Telemetry.MetricExporter
	tc.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	return tc
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.OperatorToken != "" {
		c.OperatorToken = redacted
	}
	if c.Database.DSN != "" {
		c.Database.DSN = redacted
	}
	return c
}

const redacted = "********"

func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
