// Package logger is mnemo's structured logger: log/slog with a runtime
// adjustable level and trace ids taken from the context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// Level is a logging threshold.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel

	// silentLevel is above every level a caller can log at.
	silentLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l >= DebugLevel && l <= ErrorLevel {
		return levelNames[l]
	}
	return "unknown"
}

// ParseLevel maps a config string to a Level. Unknown strings are info.
func ParseLevel(s string) Level {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "warning":
		return WarnLevel
	default:
		for i, name := range levelNames {
			if s == name {
				return Level(i)
			}
		}
		return InfoLevel
	}
}

func (l Level) slog() slog.Level {
	if l >= silentLevel {
		return slog.LevelError + 4
	}
	return slog.Level((int(l) - 1) * 4)
}

// Config selects the level, encoding and destination.
type Config struct {
	Level  Level
	Format string // "json" (default) or "text"
	Output string // "stdout" (default), "stderr" or a file path
}

// Logger is the logging surface the rest of mnemo depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// The Context variants add trace_id and span_id when ctx carries a span.
	DebugContext(ctx context.Context, msg string, args ...any)
	InfoContext(ctx context.Context, msg string, args ...any)
	WarnContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)

	With(args ...any) Logger

	SetLevel(level Level)
	GetLevel() Level

	Close() error
}

type slogLogger struct {
	*slog.Logger
	level  *slog.LevelVar
	closer io.Closer
}

type holder struct{ Logger }

var global atomic.Pointer[holder]

func init() {
	SetGlobal(New(&Config{Level: InfoLevel, Format: "text"}))
}

// New builds a Logger from cfg. An output file that cannot be opened falls
// back to stderr with a warning.
func New(cfg *Config) Logger {
	if cfg == nil {
		cfg = &Config{Level: InfoLevel}
	}
	var (
		w       io.Writer = os.Stdout
		closer  io.Closer
		openErr error
	)
	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w, openErr = os.Stderr, err
			break
		}
		w, closer = f, f
	}

	l := build(w, cfg.Format, cfg.Level)
	l.closer = closer
	if openErr != nil {
		l.Warn("log file unavailable, writing to stderr", "path", cfg.Output, "error", openErr)
	}
	return l
}

// NewWithWriter builds a Logger writing to w.
func NewWithWriter(w io.Writer, format string, level Level) Logger {
	return build(w, format, level)
}

// Nop discards everything.
func Nop() Logger {
	return build(io.Discard, "text", silentLevel)
}

func build(w io.Writer, format string, level Level) *slogLogger {
	lv := new(slog.LevelVar)
	lv.Set(level.slog())
	opts := &slog.HandlerOptions{Level: lv, AddSource: true, ReplaceAttr: renameAttr}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return &slogLogger{Logger: slog.New(traceHandler{h}), level: lv}
}

// renameAttr writes "message" instead of "msg" and shortens the source
// to dir/file.go:line.
func renameAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.MessageKey:
		a.Key = "message"
	case slog.SourceKey:
		if src, ok := a.Value.Any().(*slog.Source); ok && src != nil {
			file := filepath.Join(filepath.Base(filepath.Dir(src.File)), filepath.Base(src.File))
			a.Value = slog.StringValue(file + ":" + strconv.Itoa(src.Line))
		}
	}
	return a
}

// traceHandler stamps records with the span from the record's context.
type traceHandler struct{ slog.Handler }

func (h traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return traceHandler{h.Handler.WithAttrs(attrs)}
}

func (h traceHandler) WithGroup(name string) slog.Handler {
	return traceHandler{h.Handler.WithGroup(name)}
}

// With shares the level with its parent but does not own the output file.
func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{Logger: l.Logger.With(args...), level: l.level}
}

func (l *slogLogger) SetLevel(level Level) { l.level.Set(level.slog()) }

func (l *slogLogger) GetLevel() Level {
	lv := l.level.Level()
	if lv > slog.LevelError {
		return silentLevel
	}
	return Level(int(lv)/4 + 1)
}

func (l *slogLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	if err := l.closer.Close(); err != nil {
		return fmt.Errorf("close log output: %w", err)
	}
	return nil
}

// Global returns the process-wide logger.
func Global() Logger { return global.Load().Logger }

// SetGlobal replaces the process-wide logger; nil is ignored.
func SetGlobal(l Logger) {
	if l != nil {
		global.Store(&holder{l})
	}
}
