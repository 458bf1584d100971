// Package schedule triggers flow runs on cron expressions. Entries are held
// in memory; a background loop ticks once a minute and fires whatever is due.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/floe/pkg/schema"
)

// FlowRunner is the interface the scheduler uses to launch runs.
// Satisfied by a thin adapter over the engine (avoids import cycle).
type FlowRunner interface {
	RunFlow(ctx context.Context, def *schema.FlowDefinition, input map[string]any) error
}

// Entry is one registered schedule.
type Entry struct {
	ID       string
	CronExpr string
	Flow     *schema.FlowDefinition
	Input    map[string]any

	NextRunAt     time.Time
	LastRunAt     time.Time
	LastRunStatus string
}

// Scheduler fires due entries against a FlowRunner.
type Scheduler struct {
	runner FlowRunner
	parser cron.Parser
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // entry IDs currently executing (dedup)

	tickInterval time.Duration
}

// NewScheduler creates a scheduler with the standard 5-field cron parser.
func NewScheduler(runner FlowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:       runner,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:       logger,
		entries:      make(map[string]*Entry),
		inflight:     make(map[string]struct{}),
		tickInterval: 60 * time.Second,
	}
}

// Add registers a schedule. The cron expression is validated up front and
// the first run time computed immediately.
func (s *Scheduler) Add(entry *Entry) error {
	if entry == nil || entry.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule entry needs an ID")
	}
	if entry.Flow == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q has no flow", entry.ID)
	}
	next, err := s.CalculateNextRun(entry.CronExpr, time.Now().UTC())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already registered", entry.ID)
	}
	entry.NextRunAt = next
	s.entries[entry.ID] = entry
	return nil
}

// Remove drops a schedule. Removing an unknown ID is an error.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	delete(s.entries, id)
	return nil
}

// List returns a copy of all registered entries.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// Start launches the background loop. Stop shuts it down.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every entry whose next run time has passed. Exported so tests
// and callers can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.NextRunAt.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		if !s.tryAcquire(e.ID) {
			continue
		}
		s.runEntry(ctx, e, now)
		s.release(e.ID)
	}
}

func (s *Scheduler) runEntry(ctx context.Context, e *Entry, now time.Time) {
	s.logger.Info("running scheduled flow",
		slog.String("schedule_id", e.ID),
		slog.String("flow", e.Flow.Name),
	)

	err := s.runner.RunFlow(ctx, e.Flow, e.Input)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled flow failed",
			slog.String("schedule_id", e.ID),
			slog.String("error", err.Error()),
		)
	}

	next, nerr := s.CalculateNextRun(e.CronExpr, now)
	if nerr != nil {
		// Expression was validated at Add time; back off a day rather than
		// re-firing every tick.
		next = now.Add(24 * time.Hour)
	}

	s.mu.Lock()
	e.LastRunAt = now
	e.LastRunStatus = status
	e.NextRunAt = next
	s.mu.Unlock()
}

// tryAcquire marks the entry in-flight unless it already is.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"parse cron expression %q: %v", cronExpr, err).WithCause(err)
	}
	return sched.Next(from), nil
}

// Stop gracefully shuts down the loop. The mutex is released before waiting
// so an in-progress tick can finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
