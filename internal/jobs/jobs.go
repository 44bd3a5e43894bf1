// Package jobs runs background jobs: long agent executions detached from
// the interactive conversation. Workers claim queued jobs one at a time,
// run them in the scheduled lane, park large output in the group folder
// and drop a short completion note into the chat.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotclawhq/dotclaw/internal/agent"
	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/lanes"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/sandbox"
	"github.com/dotclawhq/dotclaw/internal/store"
	"github.com/dotclawhq/dotclaw/internal/stream"
)

// summaryMaxChars bounds the completion note sent to chat; anything longer
// lives in the output file.
const summaryMaxChars = 800

// pollInterval is how often an idle worker re-checks the queue.
const pollInterval = 5 * time.Second

// Executor matches the slice of agent.Executor the runner needs.
type Executor interface {
	Execute(ctx context.Context, in agent.Input) agent.Outcome
	Cancel(ctx context.Context, groupFolder, requestID string) error
}

// Runner is the background job worker pool.
type Runner struct {
	cfg      config.JobsConfig
	store    *store.Store
	registry *groups.Registry
	exec     Executor
	sender   stream.Sender
	layout   paths.Layout
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeJob // job id → in-flight state
	wakeCh chan struct{}
	wg     sync.WaitGroup
}

type activeJob struct {
	folder    string
	requestID string
	cancel    context.CancelFunc
}

// New builds a Runner.
func New(cfg config.JobsConfig, st *store.Store, reg *groups.Registry, exec Executor,
	sender stream.Sender, layout paths.Layout, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Runner{
		cfg:      cfg,
		store:    st,
		registry: reg,
		exec:     exec,
		sender:   sender,
		layout:   layout,
		logger:   logger,
		active:   make(map[string]*activeJob),
		wakeCh:   make(chan struct{}, 1),
	}
}

// Start launches the worker pool.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.workerLoop(ctx)
		}()
	}
}

// Wait blocks until every worker has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Submit enqueues a new job and wakes a worker. Returns the job id.
func (r *Runner) Submit(ctx context.Context, groupFolder, chatJID, prompt string) (string, error) {
	id := uuid.NewString()
	err := r.store.CreateJob(ctx, store.Job{
		ID:          id,
		GroupFolder: groupFolder,
		ChatJID:     chatJID,
		Prompt:      prompt,
	})
	if err != nil {
		return "", err
	}
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
	return id, nil
}

// Cancel stops a queued or running job.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	job, err := r.store.CancelJob(ctx, id)
	if err != nil {
		return err
	}
	r.mu.Lock()
	run, inFlight := r.active[id]
	r.mu.Unlock()
	if inFlight {
		if err := r.exec.Cancel(ctx, run.folder, run.requestID); err != nil {
			r.logger.Debug("job cancel request failed", "job", id, "error", err)
		}
		run.cancel()
	}
	r.logger.Info("job canceled", "job", id, "group", job.GroupFolder)
	return nil
}

func (r *Runner) workerLoop(ctx context.Context) {
	for {
		job, ok, err := r.store.ClaimNextJob(ctx)
		if err != nil {
			r.logger.Error("job claim failed", "error", err)
		}
		if ok {
			r.runJob(ctx, job)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-r.wakeCh:
		case <-time.After(pollInterval):
		}
	}
}

func (r *Runner) runJob(ctx context.Context, job store.Job) {
	group, ok := r.registry.ByFolder(job.GroupFolder)
	if !ok {
		r.finish(ctx, job.ID, store.JobFailed, "group unregistered", "")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	requestID := uuid.NewString()
	r.mu.Lock()
	r.active[job.ID] = &activeJob{folder: job.GroupFolder, requestID: requestID, cancel: cancel}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, job.ID)
		r.mu.Unlock()
	}()

	out := r.exec.Execute(runCtx, agent.Input{
		Group:      group,
		Prompt:     job.Prompt,
		SenderName: "job runner",
		Lane:       lanes.LaneScheduled,
		RequestID:  requestID,
	})

	// The job may have been canceled while running; keep that state.
	if current, err := r.store.GetJob(ctx, job.ID); err == nil && current.Status == store.JobCanceled {
		return
	}

	if out.Err != nil {
		msg := out.UserError
		if msg == "" {
			msg = out.Err.Error()
		}
		r.finish(ctx, job.ID, store.JobFailed, msg, "")
		r.notify(ctx, job, fmt.Sprintf("Background job failed: %s", msg))
		return
	}

	result := out.Response.Result
	outputPath := ""
	summary := result
	if len(result) > summaryMaxChars {
		path, err := r.writeOutput(job, result)
		if err != nil {
			r.logger.Warn("job output write failed", "job", job.ID, "error", err)
		} else {
			outputPath = path
			summary = firstChars(result, summaryMaxChars) +
				fmt.Sprintf("\n\nFull output: %s", filepath.Join(sandbox.ContainerGroupDir, "jobs", job.ID, "output.md"))
		}
	}
	r.finish(ctx, job.ID, store.JobCompleted, firstChars(result, summaryMaxChars), outputPath)
	r.notify(ctx, job, summary)
}

// writeOutput parks the full result under the group's jobs directory where
// the agent can read it on later runs.
func (r *Runner) writeOutput(job store.Job, result string) (string, error) {
	dir := r.layout.GroupJobsDir(job.GroupFolder, job.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "output.md")
	if err := os.WriteFile(path, []byte(result), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Runner) finish(ctx context.Context, id, status, output, outputPath string) {
	if err := r.store.FinishJob(ctx, id, status, output, outputPath); err != nil {
		r.logger.Error("job finish failed", "job", id, "error", err)
	}
}

func (r *Runner) notify(ctx context.Context, job store.Job, text string) {
	if job.ChatJID == "" || strings.TrimSpace(text) == "" {
		return
	}
	if _, err := r.sender.Send(ctx, bus.OutboundMessage{
		ChatID:    job.ChatJID,
		Text:      text,
		ParseMode: "markdown",
	}); err != nil {
		r.logger.Warn("job notification failed", "job", job.ID, "error", err)
	}
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
