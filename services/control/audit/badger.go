// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var releasePrefix = []byte("release/")

// BadgerConfig configures a BadgerSink.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files.
	// Required unless InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum garbage ratio that triggers GC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production settings for path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns settings for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerSink persists release events in BadgerDB.
//
// # Description
//
// Keys are "release/" + big-endian nanosecond timestamp + event id, so a
// reverse prefix scan yields events newest first. Values are JSON.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerSink struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// OpenBadgerSink opens the database and starts value log GC when configured.
func OpenBadgerSink(cfg BadgerConfig) (*BadgerSink, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent audit store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create audit directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerSink{db: db, logger: logger.With(slog.String("component", "audit"))}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Record stores ev.
func (s *BadgerSink) Record(ctx context.Context, ev ReleaseEvent) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}

	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal release event: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(ev), value)
	})
}

// List returns up to limit events, newest first. A non-positive limit
// returns every event.
func (s *BadgerSink) List(ctx context.Context, limit int) ([]ReleaseEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	var out []ReleaseEvent
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = releasePrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seeking in reverse starts at the largest key <= seek.
		seek := append(append([]byte{}, releasePrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(releasePrefix); it.Next() {
			var ev ReleaseEvent
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &ev)
			}); err != nil {
				return fmt.Errorf("decode release event: %w", err)
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Close stops GC and closes the database.
func (s *BadgerSink) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

func (s *BadgerSink) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("audit value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func eventKey(ev ReleaseEvent) []byte {
	key := make([]byte, 0, len(releasePrefix)+8+len(ev.ID))
	key = append(key, releasePrefix...)
	key = binary.BigEndian.AppendUint64(key, uint64(ev.At.UnixNano()))
	return append(key, ev.ID...)
}
