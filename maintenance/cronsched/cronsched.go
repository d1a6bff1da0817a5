// Package cronsched runs registered maintenance sweeps on cron schedules.
// The core registers callbacks here and nothing more; wall-clock triggering
// is this package's whole job.
package cronsched

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers registered callbacks on a cron cadence.
type Scheduler interface {
	RegisterSchedule(triggerID, cronExpr string, fn func()) error
	UnregisterSchedule(triggerID string) error
	Start()
	Stop()
}

var _ Scheduler = (*CronScheduler)(nil)

// CronScheduler implements Scheduler on a standard 5-field cron engine.
type CronScheduler struct {
	log *slog.Logger

	mu      sync.Mutex
	engine  *cron.Cron
	entries map[string]cron.EntryID
}

// Option configures the scheduler.
type Option func(*CronScheduler)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *CronScheduler) { s.log = l }
}

// New creates a stopped scheduler. Call Start after registering the initial
// schedules.
func New(opts ...Option) *CronScheduler {
	s := &CronScheduler{
		log:     slog.Default(),
		engine:  cron.New(),
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterSchedule adds fn under triggerID. Registering an id twice replaces
// the previous schedule.
func (s *CronScheduler) RegisterSchedule(triggerID, cronExpr string, fn func()) error {
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.entries[triggerID]; ok {
		s.engine.Remove(prev)
	}
	id, err := s.engine.AddFunc(cronExpr, fn)
	if err != nil {
		return fmt.Errorf("scheduling %s: %w", triggerID, err)
	}
	s.entries[triggerID] = id
	s.log.Info("sched.register", slog.String("trigger_id", triggerID), slog.String("cron", cronExpr))
	return nil
}

// UnregisterSchedule removes the schedule under triggerID. Unknown ids are
// not an error.
func (s *CronScheduler) UnregisterSchedule(triggerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.entries[triggerID]
	if !ok {
		return nil
	}
	s.engine.Remove(id)
	delete(s.entries, triggerID)
	s.log.Info("sched.unregister", slog.String("trigger_id", triggerID))
	return nil
}

// Start begins firing schedules in their own goroutines.
func (s *CronScheduler) Start() {
	s.engine.Start()
}

// Stop halts triggering. Callbacks already running are left to finish.
func (s *CronScheduler) Stop() {
	ctx := s.engine.Stop()
	<-ctx.Done()
}
