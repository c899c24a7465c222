// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func writeFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader(discard).Load("")

	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, t.TempDir(), `
watchdogLimitMs: 10000
safetyBufferMs: 500
circuitBreaker:
  failureThreshold: 2
database:
  dsn: postgres://localhost/warden
`)

	cfg, err := NewLoader(discard).Load(path)

	require.NoError(t, err)
	assert.Equal(t, int64(10000), cfg.WatchdogLimitMs)
	assert.Equal(t, int64(500), cfg.SafetyBufferMs)
	assert.Equal(t, 2, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 1, cfg.CircuitBreaker.HalfOpenMaxCalls)
	assert.Equal(t, "postgres://localhost/warden", cfg.Database.DSN)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader(discard).Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "circuitBreaker:\n  failureThreshold: 2\n")
	t.Setenv("WARDEN_CIRCUITBREAKER_FAILURETHRESHOLD", "7")
	t.Setenv("WARDEN_BUDGETDISABLED", "true")
	t.Setenv("WARDEN_OPERATORTOKEN", "s3cret")

	cfg, err := NewLoader(discard).Load(path)

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.CircuitBreaker.FailureThreshold)
	assert.True(t, cfg.BudgetDisabled)
	assert.Equal(t, "s3cret", cfg.OperatorToken)
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("WARDEN_SERVER_PORT", "9000")
	loader := NewLoader(discard)
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, loader.RegisterFlags(fs))

	cfg, err := loader.Load("")
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port, "unset flag does not shadow env")

	require.NoError(t, fs.Parse([]string{"--port", "9100", "--log-level", "debug"}))
	cfg, err = loader.Load("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		file string
	}{
		{"buffer above limit", "watchdogLimitMs: 1000\nsafetyBufferMs: 2000\n"},
		{"zero threshold", "workerRestartThreshold: 0\n"},
		{"bad log level", "logLevel: loud\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"unknown exporter", "telemetry:\n  traceExporter: zipkin\n"},
		{"otlp without endpoint", "telemetry:\n  traceExporter: otlp\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file)
			_, err := NewLoader(discard).Load(path)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()

	b := cfg.BudgetConfig()
	assert.Equal(t, 45*time.Second, b.WatchdogLimit)
	assert.Equal(t, 2*time.Second, b.SafetyBuffer)
	assert.False(t, b.Disabled)

	br := cfg.BreakerConfig()
	assert.Equal(t, 5, br.FailureThreshold)
	assert.Equal(t, 30*time.Second, br.ResetTimeout)
	assert.Equal(t, 1, br.HalfOpenMaxCalls)

	s := cfg.SupervisorConfig()
	assert.Equal(t, 30*time.Second, s.HeartbeatTimeout)
	assert.Equal(t, 3, s.WorkerRestartThreshold)
	assert.Equal(t, 5*time.Minute, s.QuarantineCooldown)
	assert.Equal(t, 3, s.HealthyCyclesToRecover)

	tc := cfg.TelemetryConfig("1.2.3")
	assert.Equal(t, "1.2.3", tc.ServiceVersion)
	assert.Equal(t, "none", tc.TraceExporter)
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OperatorToken = "s3cret"
	cfg.Database.DSN = "postgres://user:pw@db/warden"

	r := cfg.Redacted()

	assert.NotContains(t, r.OperatorToken, "s3cret")
	assert.NotContains(t, r.Database.DSN, "pw")
	assert.Equal(t, "s3cret", cfg.OperatorToken, "original untouched")
	assert.Empty(t, DefaultConfig().Redacted().OperatorToken)
}

func TestYAML_LoadsBack(t *testing.T) {
	out, err := YAML(DefaultConfig())
	require.NoError(t, err)

	var parsed Config
	require.NoError(t, yaml.Unmarshal(out, &parsed))
	assert.Equal(t, DefaultConfig(), parsed)

	path := writeFile(t, t.TempDir(), string(out))
	cfg, err := NewLoader(discard).Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestWatch_ReloadsBudgetDisabled(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "budgetDisabled: false\n")
	loader := NewLoader(discard)
	_, err := loader.Load(path)
	require.NoError(t, err)

	var disabled atomic.Bool
	loader.Watch(func(cfg Config) { disabled.Store(cfg.BudgetDisabled) })

	require.NoError(t, os.WriteFile(path, []byte("budgetDisabled: true\n"), 0o600))

	assert.Eventually(t, disabled.Load, 5*time.Second, 20*time.Millisecond)
}

func TestWatch_NoFileIsNoop(t *testing.T) {
	loader := NewLoader(discard)
	_, err := loader.Load("")
	require.NoError(t, err)

	assert.NotPanics(t, func() { loader.Watch(func(Config) {}) })
}
