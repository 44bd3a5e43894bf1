// Package tasks runs the durable task scheduler: a single poller that
// claims due tasks and executes them in the scheduled lane, with cron,
// interval and one-shot schedules.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dotclawhq/dotclaw/internal/agent"
	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/lanes"
	"github.com/dotclawhq/dotclaw/internal/store"
	"github.com/dotclawhq/dotclaw/internal/stream"
)

// retryBackoffBaseMs seeds the failure backoff: base · 2^attempt, capped.
const (
	retryBackoffBaseMs int64 = 30_000
	retryBackoffMaxMs  int64 = 30 * 60_000
)

// lastResultMaxChars bounds what lands in the tasks table.
const lastResultMaxChars = 2000

// Executor matches the slice of agent.Executor the scheduler needs.
type Executor interface {
	Execute(ctx context.Context, in agent.Input) agent.Outcome
}

// Scheduler polls for due tasks and runs them.
type Scheduler struct {
	cfg      config.SchedulerConfig
	store    *store.Store
	registry *groups.Registry
	exec     Executor
	sender   stream.Sender
	logger   *slog.Logger
	loc      *time.Location
	now      func() time.Time

	wg sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a Scheduler. An invalid timezone falls back to local time with
// a warning rather than refusing to start.
func New(cfg config.SchedulerConfig, st *store.Store, reg *groups.Registry, exec Executor,
	sender stream.Sender, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warn("invalid scheduler timezone, using local", "tz", cfg.Timezone, "error", err)
		} else {
			loc = l
		}
	}
	s := &Scheduler{
		cfg:      cfg,
		store:    st,
		registry: reg,
		exec:     exec,
		sender:   sender,
		logger:   logger,
		loc:      loc,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location returns the scheduler timezone, for task creation paths.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Start launches the poll loop. Stale claims from a previous process are
// recovered before the first tick.
func (s *Scheduler) Start(ctx context.Context) {
	if n, err := s.store.RecoverStaleTasks(ctx, int64(s.cfg.TaskTimeoutMs)); err != nil {
		s.logger.Warn("stale task recovery failed", "error", err)
	} else if n > 0 {
		s.logger.Info("recovered stale task claims", "count", n)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Duration(s.cfg.PollIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Wait blocks until the poll loop and every in-flight task execution exit.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Tick claims everything due and launches the runs. Ticks never overlap:
// the claim stamps running_since, so a slow run cannot be claimed twice.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.ClaimDueTasks(ctx)
	if err != nil {
		s.logger.Error("due task claim failed", "error", err)
		return
	}
	for _, task := range due {
		task := task
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTask(ctx, task)
		}()
	}
	if n, err := s.store.RecoverStaleTasks(ctx, int64(s.cfg.TaskTimeoutMs)); err == nil && n > 0 {
		s.logger.Warn("recovered stale task claims mid-flight", "count", n)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task store.Task) {
	group, ok := s.registry.ByFolder(task.GroupFolder)
	if !ok {
		s.logger.Warn("task group unregistered, canceling task", "task", task.ID, "group", task.GroupFolder)
		s.finish(ctx, task.ID, 0, store.TaskCanceled, task.Attempt, "group unregistered")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.TaskTimeoutMs)*time.Millisecond)
	defer cancel()

	out := s.exec.Execute(runCtx, agent.Input{
		Group:      group,
		Prompt:     task.Prompt,
		SenderName: "scheduler",
		Lane:       lanes.LaneScheduled,
	})

	if out.Err != nil {
		s.handleFailure(ctx, task, out)
		return
	}

	result := truncateResult(out.Response.Result)
	nextRun, status := s.advance(task)
	s.finish(ctx, task.ID, nextRun, status, 0, result)

	if task.ChatJID != "" && out.Response.Result != "" {
		if _, err := s.sender.Send(ctx, bus.OutboundMessage{
			ChatID:    task.ChatJID,
			Text:      out.Response.Result,
			ParseMode: "markdown",
		}); err != nil {
			s.logger.Warn("task result delivery failed", "task", task.ID, "error", err)
		}
	}
}

// advance computes the post-success schedule state.
func (s *Scheduler) advance(task store.Task) (nextRun int64, status string) {
	now := s.now()
	switch task.ScheduleType {
	case store.ScheduleCron:
		next, err := nextCron(task.ScheduleValue, now, s.loc)
		if err != nil {
			s.logger.Error("cron advance failed, canceling task", "task", task.ID, "error", err)
			return 0, store.TaskCanceled
		}
		return next, store.TaskActive
	case store.ScheduleInterval:
		ms, err := parseIntervalMs(task.ScheduleValue)
		if err != nil {
			return 0, store.TaskCanceled
		}
		return now.UnixMilli() + ms, store.TaskActive
	default: // once
		return task.NextRun, store.TaskCanceled
	}
}

// handleFailure applies retry backoff, and past maxRetries either advances
// to the next regular tick (cron/interval) or terminates (once).
func (s *Scheduler) handleFailure(ctx context.Context, task store.Task, out agent.Outcome) {
	attempt := task.Attempt + 1
	result := fmt.Sprintf("attempt %d failed: %v", attempt, out.Err)
	s.logger.Warn("task run failed", "task", task.ID, "attempt", attempt, "error", out.Err)

	if attempt <= s.cfg.MaxRetries {
		backoff := retryBackoffBaseMs
		for i := 1; i < attempt && backoff < retryBackoffMaxMs; i++ {
			backoff *= 2
		}
		if backoff > retryBackoffMaxMs {
			backoff = retryBackoffMaxMs
		}
		s.finish(ctx, task.ID, s.now().UnixMilli()+backoff, store.TaskActive, attempt, truncateResult(result))
		return
	}

	// Retries exhausted: fall back to the regular cadence, or stop for
	// one-shot tasks.
	nextRun, status := s.advance(task)
	s.finish(ctx, task.ID, nextRun, status, 0, truncateResult(result))
}

func (s *Scheduler) finish(ctx context.Context, id string, nextRun int64, status string, attempt int, lastResult string) {
	if err := s.store.FinishTaskRun(ctx, id, nextRun, status, attempt, lastResult); err != nil {
		s.logger.Error("task finish failed", "task", id, "error", err)
	}
}

func truncateResult(s string) string {
	if len(s) <= lastResultMaxChars {
		return s
	}
	return s[:lastResultMaxChars] + "…"
}
