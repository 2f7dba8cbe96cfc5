package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Logger is the logging contract shared by every relato component. Messages
// are printf-style templates; structured context is attached with WithFields
// and never passed through args.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
	WithContext(ctx context.Context) Logger
	WithFields(fields map[string]any) Logger
}

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}

// Render expands a printf template. A message without args is returned as is
// so literal percent signs survive.
func Render(format string, args []any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// FmtLogger writes plain text lines: timestamp, level, message and sorted
// key=value fields. It is the fallback when no go-logger instance is wired.
type FmtLogger struct {
	out    io.Writer
	mu     *sync.Mutex
	fields map[string]any
}

// NewFmtLogger writes to out, or stdout when out is nil.
func NewFmtLogger(out io.Writer) *FmtLogger {
	if out == nil {
		out = os.Stdout
	}
	return &FmtLogger{out: out, mu: &sync.Mutex{}}
}

func (l *FmtLogger) Debug(format string, args ...any) { l.write(LevelDebug, format, args) }
func (l *FmtLogger) Info(format string, args ...any)  { l.write(LevelInfo, format, args) }
func (l *FmtLogger) Warn(format string, args ...any)  { l.write(LevelWarn, format, args) }
func (l *FmtLogger) Error(format string, args ...any) { l.write(LevelError, format, args) }

// WithContext is a no-op; the text format carries no request context.
func (l *FmtLogger) WithContext(context.Context) Logger {
	return l
}

func (l *FmtLogger) WithFields(fields map[string]any) Logger {
	if len(fields) == 0 {
		return l
	}
	cp := *l
	cp.fields = make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		cp.fields[k] = v
	}
	for k, v := range fields {
		cp.fields[k] = v
	}
	return &cp
}

func (l *FmtLogger) write(level Level, format string, args []any) {
	var sb strings.Builder
	sb.WriteString(time.Now().UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(&sb, " %-5s %s", level, strings.TrimSpace(Render(format, args)))

	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, l.fields[k])
	}
	sb.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, sb.String())
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (n nopLogger) WithContext(context.Context) Logger { return n }
func (n nopLogger) WithFields(map[string]any) Logger   { return n }

// Discard returns a logger that drops every line.
func Discard() Logger {
	return nopLogger{}
}

// Normalize returns logger, or the stdout fallback when logger is nil.
func Normalize(logger Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return logger
}

// With attaches fields to logger, tolerating a nil logger.
func With(logger Logger, fields map[string]any) Logger {
	return Normalize(logger).WithFields(fields)
}
