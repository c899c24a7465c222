// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records operator quarantine-release attempts.
//
// Release events are history, unlike the safety state itself, which is
// rebuilt from zero on restart. The default sink only logs; BadgerSink keeps
// events in an embedded BadgerDB so they survive restarts.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Release paths.
const (
	PathWorker    = "worker"
	PathIntegrity = "integrity"
)

// ReleaseEvent is one operator release attempt, successful or not.
type ReleaseEvent struct {
	ID           string    `json:"id"`
	QuarantineID string    `json:"quarantineId"`
	EntityID     string    `json:"entityId,omitempty"`
	Category     string    `json:"category,omitempty"`
	Path         string    `json:"path"`
	Actor        string    `json:"actor"`
	Note         string    `json:"note,omitempty"`
	Released     bool      `json:"released"`
	Reason       string    `json:"reason,omitempty"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
	At           time.Time `json:"at"`
}

// Sink stores release events.
type Sink interface {
	// Record stores ev. Failures must not undo the release itself.
	Record(ctx context.Context, ev ReleaseEvent) error

	// List returns up to limit events, newest first.
	List(ctx context.Context, limit int) ([]ReleaseEvent, error)

	Close() error
}

// DefaultRecent is how many events LogSink keeps for List.
const DefaultRecent = 100

// LogSink writes events to a logger and keeps the most recent ones in memory.
type LogSink struct {
	logger *slog.Logger
	max    int

	mu     sync.Mutex
	recent []ReleaseEvent
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{
		logger: logger.With(slog.String("component", "audit")),
		max:    DefaultRecent,
	}
}

// Record logs ev.
func (s *LogSink) Record(ctx context.Context, ev ReleaseEvent) error {
	level := slog.LevelInfo
	if !ev.Released {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, "quarantine release",
		slog.String("event_id", ev.ID),
		slog.String("quarantine_id", ev.QuarantineID),
		slog.String("path", ev.Path),
		slog.String("actor", ev.Actor),
		slog.Bool("released", ev.Released),
		slog.String("reason", ev.Reason))

	s.mu.Lock()
	s.recent = append(s.recent, ev)
	if len(s.recent) > s.max {
		s.recent = s.recent[len(s.recent)-s.max:]
	}
	s.mu.Unlock()
	return nil
}

// List returns the retained events, newest first.
func (s *LogSink) List(_ context.Context, limit int) ([]ReleaseEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]ReleaseEvent, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// Close is a no-op.
func (s *LogSink) Close() error { return nil }
