package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AskTinNguyen/ralph-cli-sub017/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to launch runs.
// Satisfied by the orchestrator (avoids import cycle).
type WorkflowRunner interface {
	RunScheduled(ctx context.Context, def *schema.WorkflowDefinition, workdir string) error
}

// Job is one registered scheduled workflow.
type Job struct {
	Path       string
	Definition *schema.WorkflowDefinition
	Workdir    string
	NextRun    time.Time
	LastRun    *time.Time
	LastStatus string

	schedule cron.Schedule
}

// Scheduler runs workflows on their cron schedules. Jobs are registered up
// front from workflow definitions carrying a schedule expression.
type Scheduler struct {
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*Job // keyed by workflow path
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // paths currently executing (dedup)
}

// NewScheduler creates a Scheduler.
func NewScheduler(runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a workflow for scheduled execution. The definition must
// carry a parseable cron schedule.
func (s *Scheduler) Add(path string, def *schema.WorkflowDefinition, workdir string) error {
	if def.Schedule == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s has no schedule expression", def.Name)
	}
	schedule, err := s.parser.Parse(def.Schedule)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"parse schedule %q for workflow %s: %v", def.Schedule, def.Name, err).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[path] = &Job{
		Path:       path,
		Definition: def,
		Workdir:    workdir,
		NextRun:    schedule.Next(time.Now().UTC()),
		schedule:   schedule,
	}

	s.logger.Info("scheduled workflow registered",
		slog.String("workflow", def.Name),
		slog.String("schedule", def.Schedule))
	return nil
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	if len(s.jobs) == 0 {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeValidation, "no scheduled workflows registered")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.loop(schedCtx, done)
	s.logger.Info("scheduler started")
	return nil
}

// loop owns the done channel it was handed; Stop nils the struct field
// before the loop exits, so the field must never be read from here.
func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every due job. Each execution happens in its own goroutine so a
// long run never blocks other schedules.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.NextRun.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.Path) {
			continue // previous run still going (dedup)
		}
		go func(job *Job) {
			defer s.release(job.Path)
			s.runJob(ctx, job)
		}(job)
	}
}

// runJob executes one scheduled run and advances the job's timestamps.
func (s *Scheduler) runJob(ctx context.Context, job *Job) {
	s.logger.Info("running scheduled workflow",
		slog.String("workflow", job.Definition.Name),
		slog.String("path", job.Path))

	err := s.runner.RunScheduled(ctx, job.Definition, job.Workdir)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed",
			slog.String("workflow", job.Definition.Name),
			slog.String("error", err.Error()))
	}

	now := time.Now().UTC()
	s.mu.Lock()
	job.LastRun = &now
	job.LastStatus = status
	job.NextRun = job.schedule.Next(now)
	s.mu.Unlock()
}

// Jobs returns a snapshot of the registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(path string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[path]; ok {
		return false
	}
	s.inflight[path] = struct{}{}
	return true
}

func (s *Scheduler) release(path string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, path)
}

// Stop gracefully shuts down the scheduling loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	// Wait outside the lock; the loop's tick needs it to finish.
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
