// Package log provides a leveled, key-value structured logger used across
// the node. It mirrors the facade the rest of the codebase expects
// (Trace/Debug/Info/Warn/Error/Crit, New with context pairs) on top of the
// standard library's slog, colorizing terminal output the way an
// interactive node log usually looks.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level mirrors slog.Level with names matching the rest of the node's
// vocabulary (Trace is one notch below Debug).
type Level slog.Level

const (
	LevelTrace = Level(slog.LevelDebug - 4)
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
	LevelCrit  = Level(slog.LevelError + 4)
)

// Logger is the interface used throughout the reactor. It is intentionally
// small: callers pass alternating key/value pairs, same as slog.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	New(ctx ...interface{}) Logger
}

type logger struct {
	inner *slog.Logger
}

// NewLogger wraps an *slog.Logger in the node's Logger facade.
func NewLogger(l *slog.Logger) Logger {
	return &logger{inner: l}
}

func (l *logger) write(level Level, msg string, ctx []interface{}) {
	l.inner.Log(context.Background(), slog.Level(level), msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LevelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LevelError, msg, ctx) }
// Crit logs at the highest severity, appending the caller's stack trace
// (skipping this frame) so a fatal condition is never reported without
// knowing where it originated, then terminates the process.
func (l *logger) Crit(msg string, ctx ...interface{}) {
	trace := stack.Trace().TrimBelow(stack.Caller(1)).TrimRuntime()
	l.write(LevelCrit, msg, append(append([]interface{}{}, ctx...), "stack", fmt.Sprint(trace)))
	os.Exit(1)
}

func (l *logger) New(ctx ...interface{}) Logger {
	return &logger{inner: l.inner.With(ctx...)}
}

// terminalHandler renders records the way an operator tails a node log:
// a level tag, a millisecond timestamp, the message padded to a column,
// then key=value pairs.
type terminalHandler struct {
	out   io.Writer
	level Level
	color bool
}

// NewTerminalHandler builds a handler that writes human-readable lines to
// out, with the level tag colorized if color is true. The handler does not
// inspect out itself; the package default sets color when stdout is a
// terminal.
func NewTerminalHandler(out io.Writer, color bool) slog.Handler {
	return &terminalHandler{out: out, level: LevelTrace, color: color}
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.Level(h.level)
}

func levelTag(lvl slog.Level) string {
	switch Level(lvl) {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO "
	case LevelWarn:
		return "WARN "
	case LevelError:
		return "ERROR"
	default:
		return "CRIT "
	}
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	tag := levelTag(r.Level)
	if h.color {
		code := map[Level]int{LevelTrace: 34, LevelDebug: 36, LevelInfo: 32, LevelWarn: 33, LevelError: 31}[Level(r.Level)]
		if code == 0 {
			code = 35
		}
		tag = fmt.Sprintf("\x1b[%dm%s\x1b[0m", code, tag)
	}
	line := fmt.Sprintf("%s[%s] %-40s", tag, ts.Format("01-02|15:04:05.000"), r.Message)
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})
	_, err := fmt.Fprintln(h.out, line)
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h
}

func (h *terminalHandler) WithGroup(name string) slog.Handler {
	return h
}

var root = NewLogger(slog.New(NewTerminalHandler(colorableStdout(), isatty.IsTerminal(os.Stdout.Fd()))))

func colorableStdout() io.Writer {
	return colorable.NewColorableStdout()
}

// SetDefault replaces the package-level logger used by the free functions below.
func SetDefault(l Logger) { root = l }

func New(ctx ...interface{}) Logger { return root.New(ctx...) }

func Trace(msg string, ctx ...interface{}) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...interface{})  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...interface{})  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }
func Crit(msg string, ctx ...interface{})  { root.Crit(msg, ctx...) }
