// Package worker contains the process entry points for troupe worker
// binaries: the stdio frame server a forked child runs, the environment
// check that diverts a re-exec'd binary into worker mode, and the logging
// setup shared by workers and the listener daemon.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
	"github.com/jrick/logrotate/rotator"

	"github.com/roasbeef/troupe/actor"
	"github.com/roasbeef/troupe/transport"
)

const (
	// defaultMaxLogFiles is how many rotated log files are kept.
	defaultMaxLogFiles = 10

	// defaultMaxLogFileSize is the rotation threshold in megabytes.
	defaultMaxLogFileSize = 20
)

// LogConfig controls where worker logs go. Workers always log to stderr,
// which a forked child inherits from its parent; Dir adds a rotating file
// stream next to it.
type LogConfig struct {
	// Dir, when set, enables the rotating file stream in that directory.
	Dir string

	// Filename overrides the log file name.
	Filename string

	// Level is the btclog level string, "info" when empty.
	Level string
}

// logSet fans one log record out to every configured stream. It implements
// btclog.Handler so subsystem tags and level changes apply to all streams at
// once.
type logSet struct {
	level btclogv1.Level
	set   []btclog.Handler
}

func newLogSet(handlers ...btclog.Handler) *logSet {
	s := &logSet{set: handlers, level: btclogv1.LevelInfo}
	s.SetLevel(s.level)

	return s
}

// Enabled reports whether every stream accepts records at the given level.
func (s *logSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range s.set {
		if !h.Enabled(ctx, level) {
			return false
		}
	}

	return true
}

// Handle dispatches the record to every stream.
func (s *logSet) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range s.set {
		if err := h.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

// subSet is the result of WithAttrs/WithGroup: the fan-out without the
// btclog-specific surface, which slog does not need.
type subSet struct {
	set []slog.Handler
}

func (s *subSet) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range s.set {
		if !h.Enabled(ctx, level) {
			return false
		}
	}

	return true
}

func (s *subSet) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range s.set {
		if err := h.Handle(ctx, record); err != nil {
			return err
		}
	}

	return nil
}

func (s *subSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &subSet{set: make([]slog.Handler, len(s.set))}
	for i, h := range s.set {
		next.set[i] = h.WithAttrs(attrs)
	}

	return next
}

func (s *subSet) WithGroup(name string) slog.Handler {
	next := &subSet{set: make([]slog.Handler, len(s.set))}
	for i, h := range s.set {
		next.set[i] = h.WithGroup(name)
	}

	return next
}

func (s *logSet) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &subSet{set: make([]slog.Handler, len(s.set))}
	for i, h := range s.set {
		next.set[i] = h.WithAttrs(attrs)
	}

	return next
}

func (s *logSet) WithGroup(name string) slog.Handler {
	next := &subSet{set: make([]slog.Handler, len(s.set))}
	for i, h := range s.set {
		next.set[i] = h.WithGroup(name)
	}

	return next
}

// Level returns the shared level of the set.
func (s *logSet) Level() btclogv1.Level {
	return s.level
}

// SetLevel applies the level to every stream.
func (s *logSet) SetLevel(level btclogv1.Level) {
	s.level = level
	for _, h := range s.set {
		h.SetLevel(level)
	}
}

// SubSystem tags every stream with the given subsystem.
func (s *logSet) SubSystem(tag string) btclog.Handler {
	next := &logSet{level: s.level,
		set: make([]btclog.Handler, len(s.set))}
	for i, h := range s.set {
		next.set[i] = h.SubSystem(tag)
	}

	return next
}

// WithPrefix prefixes every stream's messages with the given string.
func (s *logSet) WithPrefix(prefix string) btclog.Handler {
	next := &logSet{level: s.level,
		set: make([]btclog.Handler, len(s.set))}
	for i, h := range s.set {
		next.set[i] = h.WithPrefix(prefix)
	}

	return next
}

// rotatingWriter feeds a jrick/logrotate rotator through a pipe so it can be
// used wherever an io.Writer is expected.
type rotatingWriter struct {
	pipe *io.PipeWriter
	rot  *rotator.Rotator
}

func newRotatingWriter(dir, filename string) (*rotatingWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	path := filepath.Join(dir, filename)
	rot, err := rotator.New(
		path, defaultMaxLogFileSize*1024, false, defaultMaxLogFiles,
	)
	if err != nil {
		return nil, fmt.Errorf("create log rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		_ = rot.Run(pr)
	}()

	return &rotatingWriter{pipe: pw, rot: rot}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	return w.pipe.Write(p)
}

func (w *rotatingWriter) Close() error {
	_ = w.pipe.Close()

	return w.rot.Close()
}

// SetupLogging installs loggers for every troupe subsystem and returns a
// cleanup function flushing the file stream, if one was configured.
func SetupLogging(cfg LogConfig) (func(), error) {
	handlers := []btclog.Handler{
		btclog.NewDefaultHandler(os.Stderr),
	}

	cleanup := func() {}
	if cfg.Dir != "" {
		filename := cfg.Filename
		if filename == "" {
			filename = "troupe.log"
		}

		w, err := newRotatingWriter(cfg.Dir, filename)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, btclog.NewDefaultHandler(w))
		cleanup = func() {
			_ = w.Close()
		}
	}

	set := newLogSet(handlers...)
	if cfg.Level != "" {
		level, ok := btclogv1.LevelFromString(cfg.Level)
		if !ok {
			cleanup()
			return nil, fmt.Errorf("unknown log level %q",
				cfg.Level)
		}
		set.SetLevel(level)
	}

	actor.UseLogger(btclog.NewSLogger(set.SubSystem("ACTR")))
	transport.UseLogger(btclog.NewSLogger(set.SubSystem("TRNS")))

	return cleanup, nil
}
