package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/goliatone/go-logger/glog"
)

// glogLogger renders printf templates before handing them to go-logger, whose
// variadic args are slog attributes rather than format operands.
type glogLogger struct {
	logger glog.Logger
}

// FromGlog adapts a go-logger instance to Logger.
func FromGlog(logger glog.Logger) Logger {
	if logger == nil {
		return NewFmtLogger(nil)
	}
	return glogLogger{logger: logger}
}

// NewGlog builds a go-logger backed Logger. format "json" selects JSON lines,
// anything else keeps the go-logger console output.
func NewGlog(out io.Writer, level, format string) Logger {
	if out == nil {
		out = os.Stdout
	}
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		level = "info"
	}
	opts := []glog.Option{
		glog.WithWriter(out),
		glog.WithLevel(level),
		glog.WithFatalBehavior(glog.FatalBehaviorLogOnly),
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		opts = append(opts, glog.WithLoggerTypeJSON())
	}
	return FromGlog(glog.NewLogger(opts...))
}

func (l glogLogger) Debug(format string, args ...any) { l.logger.Debug(Render(format, args)) }
func (l glogLogger) Info(format string, args ...any)  { l.logger.Info(Render(format, args)) }
func (l glogLogger) Warn(format string, args ...any)  { l.logger.Warn(Render(format, args)) }
func (l glogLogger) Error(format string, args ...any) { l.logger.Error(Render(format, args)) }

func (l glogLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return l
	}
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) Logger {
	if len(fields) == 0 {
		return l
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}
