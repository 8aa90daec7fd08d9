// Package logger builds the process-wide slog handler.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ekisa-team/detserve/internal/env"
)

type options struct {
	logToFile  bool
	logFile    string
	level      slog.Leveler
	output     io.Writer
	maxSizeMB  int
	maxBackups int
}

// Option configures New.
type Option func(*options)

// WithLogToFile also writes logs to a rotated file.
func WithLogToFile(enabled bool) Option {
	return func(o *options) { o.logToFile = enabled }
}

// WithLogFile sets the rotated log file path.
func WithLogFile(path string) Option {
	return func(o *options) { o.logFile = path }
}

// WithLevel sets the minimum level.
func WithLevel(level slog.Leveler) Option {
	return func(o *options) { o.level = level }
}

// WithOutput replaces stdout as the console destination.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithRotation sets the file size limit and the number of kept backups.
func WithRotation(maxSizeMB, maxBackups int) Option {
	return func(o *options) {
		o.maxSizeMB = maxSizeMB
		o.maxBackups = maxBackups
	}
}

// New returns a logger for environment. Development gets colored console
// output, every other environment JSON lines.
func New(environment env.Environment, opts ...Option) *slog.Logger {
	o := &options{
		logFile:    "logs/detserve.log",
		output:     os.Stdout,
		maxSizeMB:  50,
		maxBackups: 3,
	}
	if environment.IsDevelopment() {
		o.level = slog.LevelDebug
	} else {
		o.level = slog.LevelInfo
	}
	for _, opt := range opts {
		opt(o)
	}

	var console slog.Handler
	if environment.IsDevelopment() {
		console = tint.NewHandler(o.output, &tint.Options{
			Level:      o.level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		console = slog.NewJSONHandler(o.output, &slog.HandlerOptions{Level: o.level})
	}

	if !o.logToFile {
		return slog.New(console)
	}

	file := slog.NewJSONHandler(&lumberjack.Logger{
		Filename:   o.logFile,
		MaxSize:    o.maxSizeMB,
		MaxBackups: o.maxBackups,
		Compress:   true,
	}, &slog.HandlerOptions{Level: o.level})

	return slog.New(fanout{console, file})
}

// ParseLevel converts debug/info/warn/error to a level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// fanout sends every record to all handlers.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
