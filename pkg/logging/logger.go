// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process-wide slog logger.
//
// # Description
//
// The console handler writes to stderr. Its format follows the terminal:
// human-readable text when stderr is a TTY, JSON when it is redirected to a
// file or a log collector. An optional log directory adds a JSON file
// handler next to the console one. Components receive the resulting
// *slog.Logger and add their own "component" attribute.
//
// # Example
//
//	logger, err := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    Service: "warden",
//	    LogDir:  "/var/log/warden",
//	})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a case-insensitive level name. "warning" is accepted
// as an alias of "warn".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Format selects the console encoding.
type Format string

const (
	// FormatAuto picks text on a terminal and JSON otherwise.
	FormatAuto Format = ""
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config configures New. The zero value logs Info and above to stderr.
type Config struct {
	// Level sets the minimum level. Default: LevelInfo.
	Level Level

	// LogDir enables a JSON log file "{Service}_{YYYY-MM-DD}.log" in this
	// directory. A leading ~ expands to the home directory.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// Format selects the console encoding. Default: FormatAuto.
	Format Format

	// Quiet disables the console handler.
	Quiet bool

	// Console overrides stderr. Tests use a buffer. A non-file writer is
	// never a terminal, so FormatAuto resolves to JSON.
	Console io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger owns the handlers and the optional log file.
type Logger struct {
	slog *slog.Logger
	file *logFile
}

// logFile is shared by a Logger and its children.
type logFile struct {
	mu sync.Mutex
	f  *os.File
}

// New creates a Logger.
//
// # Outputs
//
//   - *Logger: Always usable. If the log file cannot be opened the logger
//     still writes to the console.
//   - error: Non-nil when LogDir was set but the file could not be opened.
func New(config Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: config.Level.toSlogLevel()}
	logger := &Logger{file: &logFile{}}

	var handlers []slog.Handler
	if !config.Quiet {
		console := config.Console
		if console == nil {
			console = os.Stderr
		}
		if resolveFormat(config.Format, console) == FormatJSON {
			handlers = append(handlers, slog.NewJSONHandler(console, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(console, opts))
		}
	}

	var fileErr error
	if config.LogDir != "" {
		file, err := openLogFile(config.LogDir, config.Service)
		if err != nil {
			fileErr = err
		} else {
			logger.file.f = file
			handlers = append(handlers, slog.NewJSONHandler(file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	logger.slog = slog.New(handler)
	return logger, fileErr
}

// resolveFormat maps FormatAuto to text for terminals and JSON otherwise.
func resolveFormat(f Format, w io.Writer) Format {
	if f != FormatAuto {
		return f
	}
	if file, ok := w.(*os.File); ok {
		fd := file.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			return FormatText
		}
	}
	return FormatJSON
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if service == "" {
		service = "warden"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// With returns a child Logger sharing the parent's handlers and file.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), file: l.file}
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file. Safe to call more than once and on
// children; the shared file is closed once.
func (l *Logger) Close() error {
	l.file.mu.Lock()
	defer l.file.mu.Unlock()

	if l.file.f == nil {
		return nil
	}
	err := errors.Join(l.file.f.Sync(), l.file.f.Close())
	l.file.f = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans records out to the console and file handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle writes r to every enabled handler and joins their errors.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
