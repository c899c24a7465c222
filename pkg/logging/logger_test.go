// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_ConsoleAutoIsJSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Service: "warden", Console: &buf})
	require.NoError(t, err)

	logger.Slog().Info("started", "port", 12310)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "started", rec["msg"])
	assert.Equal(t, "warden", rec["service"])
	assert.Equal(t, float64(12310), rec["port"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Format: FormatText, Console: &buf})
	require.NoError(t, err)

	logger.Slog().Info("started")

	assert.Contains(t, buf.String(), "msg=started")
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: LevelWarn, Format: FormatText, Console: &buf})
	require.NoError(t, err)

	logger.Slog().Info("hidden")
	logger.Slog().Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_LogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	logger, err := New(Config{Service: "warden", LogDir: dir, Format: FormatText, Console: &buf})
	require.NoError(t, err)

	logger.With("component", "test").Slog().Info("to both")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "second close is a no-op")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "warden_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "to both", rec["msg"])
	assert.Equal(t, "test", rec["component"])
	assert.Contains(t, buf.String(), "to both")
}

func TestNew_LogDirFailureKeepsConsole(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	var buf bytes.Buffer
	logger, err := New(Config{LogDir: filepath.Join(blocker, "logs"), Console: &buf})
	assert.Error(t, err)
	require.NotNil(t, logger)

	logger.Slog().Info("still logging")
	assert.Contains(t, buf.String(), "still logging")
	assert.NoError(t, logger.Close())
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	logger, err := New(Config{Quiet: true, LogDir: dir, Console: &buf})
	require.NoError(t, err)
	defer logger.Close()

	logger.Slog().Info("file only")
	assert.Empty(t, buf.String())
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".warden/logs"), expandPath("~/.warden/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}
