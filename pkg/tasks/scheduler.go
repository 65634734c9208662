package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Computational-Plant-Science/DIRT2-Webplatform/pkg/plog"
)

// Scheduler fires periodic jobs on a cron engine and one-off jobs on
// timers.
type Scheduler struct {
	cron   *cron.Cron
	logger *plog.Logger

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	started bool
}

func NewScheduler(logger *plog.Logger) *Scheduler {
	if logger == nil {
		logger = plog.NewDefault()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron:   cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		timers: map[*time.Timer]struct{}{},
	}
}

// Every runs fn at a fixed interval. A run still in progress when the next
// tick fires causes that tick to be skipped.
func (s *Scheduler) Every(interval time.Duration, fn func()) cron.EntryID {
	return s.cron.Schedule(cron.Every(interval), cron.FuncJob(fn))
}

// Cron runs fn on a standard five-field cron spec.
func (s *Scheduler) Cron(spec string, fn func()) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, fn)
}

func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// At runs fn once at eta. A past eta runs it immediately.
func (s *Scheduler) At(eta time.Time, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(time.Until(eta), func() {
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()
		fn()
	})
	s.timers[t] = struct{}{}
}

// Pending counts one-off jobs that have not fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.cron.Start()
		s.started = true
	}
}

// Stop cancels pending one-off jobs and returns a context done once
// running periodic jobs finish.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	for t := range s.timers {
		t.Stop()
		delete(s.timers, t)
	}
	s.started = false
	s.mu.Unlock()
	return s.cron.Stop()
}

// cronLogger adapts plog to cron.Logger.
type cronLogger struct {
	l *plog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
