package cron

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-relato/logging"
)

const (
	ErrCodeInvalidJob = "CRON_INVALID_JOB"
	ErrCodeJobFailed  = "CRON_JOB_FAILED"
)

// LogLevel represents different logging levels
type LogLevel int

const (
	LogLevelSilent LogLevel = iota
	LogLevelError
	LogLevelInfo
	LogLevelDebug
)

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the timezone location for the scheduler
func WithLocation(loc *time.Location) Option {
	return func(cs *Scheduler) {
		cs.location = loc
	}
}

// WithLogger sets a custom logger for the scheduler
func WithLogger(logger logging.Logger) Option {
	return func(cs *Scheduler) {
		cs.logger = logger
	}
}

// WithLogWriter sets a custom writer for logging
func WithLogWriter(writer io.Writer) Option {
	return func(cs *Scheduler) {
		cs.logWriter = writer
	}
}

// WithLogLevel sets the logging level
func WithLogLevel(level LogLevel) Option {
	return func(cs *Scheduler) {
		cs.logLevel = level
	}
}

// WithErrorHandler sets a custom error handler for the scheduler
func WithErrorHandler(handler func(error)) Option {
	return func(cs *Scheduler) {
		if handler != nil {
			cs.errorHandler = handler
		}
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(cs *Scheduler) {
		cs.parser = p
	}
}

// WithBaseContext sets the parent context of every job run.
func WithBaseContext(ctx context.Context) Option {
	return func(cs *Scheduler) {
		if ctx != nil {
			cs.baseCtx = ctx
		}
	}
}

func invalidJob(cfg JobConfig, msg string) error {
	return errors.New(msg, errors.CategoryBadInput).
		WithTextCode(ErrCodeInvalidJob).
		WithMetadata(map[string]any{"job": cfg.Name, "expression": cfg.Expression})
}

// loggerAdapter adapts our Logger interface to robfig/cron's logger
type loggerAdapter struct {
	logger logging.Logger
	level  LogLevel
}

func (l *loggerAdapter) Info(msg string, args ...any) {
	if l.level >= LogLevelInfo {
		l.logger.Info("%s%s", msg, formatKeysAndValues(args))
	}
}

func (l *loggerAdapter) Error(err error, msg string, args ...any) {
	if l.level >= LogLevelError {
		l.logger.Error("%s%s: %v", msg, formatKeysAndValues(args), err)
	}
}

// robfig passes alternating key/value pairs rather than printf args.
func formatKeysAndValues(kv []any) string {
	out := ""
	for i := 0; i+1 < len(kv); i += 2 {
		out += fmt.Sprintf(" %v=%v", kv[i], kv[i+1])
	}
	return out
}

// errorHandlerAdapter adapts a simple error handler function to implement cron.Logger
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(msg string, args ...any) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...any) {
	if e.handler == nil {
		return
	}
	if err == nil {
		err = fmt.Errorf("%s%s", msg, formatKeysAndValues(args))
	}
	e.handler(err)
}
