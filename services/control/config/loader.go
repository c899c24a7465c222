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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "warden"

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid configuration")

// flagBindings maps command-line flags to config keys.
var flagBindings = map[string]string{
	"port":            "server.port",
	"log-level":       "logLevel",
	"log-dir":         "logDir",
	"database-dsn":    "database.dsn",
	"audit-dir":       "auditDir",
	"budget-disabled": "budgetDisabled",
	"trace-exporter":  "telemetry.traceExporter",
	"otlp-endpoint":   "telemetry.otlpEndpoint",
}

// Loader resolves a Config from flags, environment, file and defaults.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate
	logger   *slog.Logger
}

// NewLoader creates a Loader with every default registered, so that each
// key can be overridden from the environment even without a file.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	return &Loader{
		v:        v,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With(slog.String("component", "config")),
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("logDir", d.LogDir)
	v.SetDefault("watchdogLimitMs", d.WatchdogLimitMs)
	v.SetDefault("safetyBufferMs", d.SafetyBufferMs)
	v.SetDefault("budgetDisabled", d.BudgetDisabled)
	v.SetDefault("circuitBreaker.failureThreshold", d.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuitBreaker.resetTimeoutMs", d.CircuitBreaker.ResetTimeoutMs)
	v.SetDefault("circuitBreaker.halfOpenMaxCalls", d.CircuitBreaker.HalfOpenMaxCalls)
	v.SetDefault("heartbeatTimeoutMs", d.HeartbeatTimeoutMs)
	v.SetDefault("workerRestartThreshold", d.WorkerRestartThreshold)
	v.SetDefault("quarantineCooldownMs", d.QuarantineCooldownMs)
	v.SetDefault("healthyCyclesToRecover", d.HealthyCyclesToRecover)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.pingIntervalMs", d.Database.PingIntervalMs)
	v.SetDefault("operatorToken", d.OperatorToken)
	v.SetDefault("releaseRatePerMinute", d.ReleaseRatePerMinute)
	v.SetDefault("auditDir", d.AuditDir)
	v.SetDefault("telemetry.traceExporter", d.Telemetry.TraceExporter)
	v.SetDefault("telemetry.metricExporter", d.Telemetry.MetricExporter)
	v.SetDefault("telemetry.otlpEndpoint", d.Telemetry.OTLPEndpoint)
}

// RegisterFlags defines the override flags on fs and binds them. Flags only
// take precedence when set on the command line.
func (l *Loader) RegisterFlags(fs *pflag.FlagSet) error {
	d := DefaultConfig()
	fs.Int("port", d.Server.Port, "HTTP listen port")
	fs.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	fs.String("log-dir", d.LogDir, "directory for the JSON log file")
	fs.String("database-dsn", d.Database.DSN, "Postgres DSN for cross-process execution locks")
	fs.String("audit-dir", d.AuditDir, "directory of the release audit store")
	fs.Bool("budget-disabled", d.BudgetDisabled, "bypass runtime budget enforcement")
	fs.String("trace-exporter", d.Telemetry.TraceExporter, "trace exporter (none, stdout, otlp)")
	fs.String("otlp-endpoint", d.Telemetry.OTLPEndpoint, "OTLP gRPC collector address")

	for name, key := range flagBindings {
		if err := l.v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads path when non-empty and returns the validated configuration.
func (l *Loader) Load(path string) (Config, error) {
	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		l.logger.Info("configuration file loaded", slog.String("path", path))
	}
	return l.current()
}

func (l *Loader) current() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := l.validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// Watch calls onChange with the new configuration whenever the loaded file
// changes. An invalid edit is logged and ignored, leaving the previous
// values in effect. Watch is a no-op when no file was loaded.
func (l *Loader) Watch(onChange func(Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.current()
		if err != nil {
			l.logger.Warn("ignoring invalid configuration change",
				slog.String("path", e.Name),
				slog.String("error", err.Error()))
			return
		}
		l.logger.Info("configuration reloaded", slog.String("path", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// YAML renders cfg as a config file.
func YAML(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}
