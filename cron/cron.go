package cron

import (
	"context"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-relato/logging"
	"github.com/goliatone/go-relato/runner"

	rcron "github.com/robfig/cron/v3"
)

// Job is a unit of scheduled work.
type Job func(ctx context.Context) error

// JobConfig controls how a job is scheduled and run.
type JobConfig struct {
	Name       string
	Expression string
	Timeout    time.Duration
	MaxRetries int
}

// Scheduler runs jobs on cron expressions or once at a given time. Recurring
// runs of one job never overlap.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger    logging.Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel
	baseCtx   context.Context

	nextHandleID int64
	handles      map[int64]*cronSubscription
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	cs := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		baseCtx: context.Background(),
		handles: make(map[int64]*cronSubscription),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cs)
		}
	}

	cs.cron = rcron.New(cs.build()...)
	return cs
}

// ScheduleCron schedules a recurring job by cron expression. A failed run
// leaves the handle idle with Err set; only Cancel and Stop end it.
func (s *Scheduler) ScheduleCron(cfg JobConfig, job Job) (Handle, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, invalidJob(cfg, "cron expression cannot be empty")
	}
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	sub := s.newHandle(cfg.Name)
	wrapped := rcron.FuncJob(func() {
		if isTerminalStatus(sub.Status()) {
			return
		}

		sub.setStatus(ScheduleStatusRunning, nil)
		err := run()
		if err != nil {
			s.errorHandler(err)
		}
		// a failed run only records its error; the next firing still runs
		if !isTerminalStatus(sub.Status()) {
			sub.setStatus(ScheduleStatusIdle, err)
		}
	})

	entryID, err := s.cron.AddJob(cfg.Expression, wrapped)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, "failed to add job").
			WithTextCode(ErrCodeInvalidJob).
			WithMetadata(map[string]any{"job": cfg.Name, "expression": cfg.Expression})
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleAfter schedules one execution after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, job Job) (Handle, error) {
	if delay < 0 {
		delay = 0
	}
	return s.ScheduleAt(time.Now().Add(delay), cfg, job)
}

// ScheduleAt schedules one execution at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, job Job) (Handle, error) {
	run, err := s.buildRunnable(cfg, job)
	if err != nil {
		return nil, err
	}

	sub := s.newHandle(cfg.Name)
	s.storeHandle(sub)

	go func() {
		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-sub.Done():
			return
		}

		if isTerminalStatus(sub.Status()) {
			return
		}
		sub.setStatus(ScheduleStatusRunning, nil)
		if err := run(); err != nil {
			sub.setTerminal(ScheduleStatusFailed, err)
			s.errorHandler(err)
			s.removeStoredHandle(sub.id)
			return
		}
		sub.setTerminal(ScheduleStatusCompleted, nil)
		s.removeStoredHandle(sub.id)
	}()

	return sub, nil
}

// Handles returns the active handles ordered by id.
func (s *Scheduler) Handles() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.handles))
	for id := int64(1); id <= s.nextHandleID; id++ {
		if h, ok := s.handles[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop stops the cron loop, waits for running jobs until ctx is done and
// marks active handles as stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stopped := s.cron.Stop()

	var handles []*cronSubscription
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*cronSubscription)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		if isTerminalStatus(handle.Status()) {
			continue
		}
		handle.setTerminal(ScheduleStatusStopped, nil)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *cronSubscription {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *cronSubscription) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle(name string) *cronSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &cronSubscription{
		scheduler: s,
		id:        s.nextHandleID,
		name:      name,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func isTerminalStatus(status ScheduleStatus) bool {
	switch status {
	case ScheduleStatusCompleted, ScheduleStatusCanceled, ScheduleStatusFailed, ScheduleStatusStopped:
		return true
	default:
		return false
	}
}

func (s *Scheduler) buildRunnable(cfg JobConfig, job Job) (func() error, error) {
	if job == nil {
		return nil, invalidJob(cfg, "job cannot be nil")
	}
	opts := []runner.Option{
		runner.WithMaxRetries(cfg.MaxRetries),
		runner.WithErrorHandler(s.errorHandler),
	}
	if s.logger != nil {
		opts = append(opts, runner.WithLogger(s.logger))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(cfg.Timeout))
	}
	h := runner.NewHandler(opts...)
	return func() error {
		if err := h.Run(s.baseCtx, job); err != nil {
			return errors.Wrap(err, errors.CategoryHandler, "scheduled job failed").
				WithTextCode(ErrCodeJobFailed).
				WithMetadata(map[string]any{"job": cfg.Name})
		}
		return nil
	}, nil
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	cronLogger := rcron.PrintfLogger(stdLogger)
	if level >= LogLevelDebug {
		cronLogger = rcron.VerbosePrintfLogger(stdLogger)
	}
	return cronLogger
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	default:
		if s.logLevel > LogLevelSilent {
			cronLogger = makeLogger(os.Stdout, s.logLevel)
		}
	}

	chainLogger := cronLogger
	if chainLogger == nil {
		chainLogger = rcron.DiscardLogger
	}
	wrappers := []rcron.JobWrapper{rcron.SkipIfStillRunning(chainLogger)}
	if s.errorHandler != nil {
		wrappers = append([]rcron.JobWrapper{rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler})}, wrappers...)
	}
	opts = append(opts, rcron.WithChain(wrappers...))

	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}

	return opts
}
