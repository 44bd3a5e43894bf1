// Package agent assembles container invocations and drives the failover
// retry loop around them. It is the seam between routing, recall, lane
// scheduling and the sandbox runner.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/lanes"
	"github.com/dotclawhq/dotclaw/internal/memory"
	"github.com/dotclawhq/dotclaw/internal/router"
	"github.com/dotclawhq/dotclaw/internal/sandbox"
	"github.com/dotclawhq/dotclaw/internal/sessions"
	"github.com/dotclawhq/dotclaw/internal/trace"
)

// userProfileMaxChars bounds the rendered profile block.
const userProfileMaxChars = 1200

// Input is one agent run request.
type Input struct {
	Group      groups.Group
	Prompt     string
	SenderID   string
	SenderName string
	Lane       lanes.Lane
	QueueDepth int

	// RequestID pre-assigns the sandbox request id so the caller can watch
	// the run's stream directory and cancel by id. Allocated when empty.
	RequestID string

	// PersistSession is false for fire-and-forget runs (scheduled tasks,
	// background jobs) that should not advance the chat session.
	PersistSession bool
}

// Outcome reports a finished run.
type Outcome struct {
	Response  sandbox.Response
	Decision  router.Decision
	RequestID string
	Attempts  int
	// UserError is a human-readable failure line, set when Err is non-nil
	// and the chat should hear about it.
	UserError string
	Err       error
}

// Executor runs agent invocations end to end.
type Executor struct {
	cfg        *config.Config
	docs       *config.Docs
	router     *router.Router
	classifier *router.Classifier
	runner     sandbox.Runner
	memory     *memory.Store
	sessions   *sessions.Index
	gate       *lanes.Gate
	locks      *lanes.GroupLocks
	traces     *trace.Writer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithClassifier enables the background-job classifier.
func WithClassifier(c *router.Classifier) Option {
	return func(e *Executor) { e.classifier = c }
}

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New wires an Executor.
func New(cfg *config.Config, docs *config.Docs, rt *router.Router, runner sandbox.Runner,
	mem *memory.Store, idx *sessions.Index, gate *lanes.Gate, locks *lanes.GroupLocks,
	traces *trace.Writer, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		cfg:      cfg,
		docs:     docs,
		router:   rt,
		runner:   runner,
		memory:   mem,
		sessions: idx,
		gate:     gate,
		locks:    locks,
		traces:   traces,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one agent invocation: route, recall, lock, gate, then the
// failover loop. The outcome always carries a telemetry-complete view of
// what happened; Err is set only when every candidate model failed or the
// failure class forbids retrying.
func (e *Executor) Execute(ctx context.Context, in Input) Outcome {
	decision := e.router.Route(in.Prompt, in.QueueDepth)
	if decision.ShouldRunClassifier && e.classifier != nil {
		if v, err := e.classifier.Classify(ctx, in.Prompt); err == nil && v.Background {
			decision = e.router.AcceptClassification(decision, v.Confidence, in.QueueDepth)
		}
	}

	recall, profile := e.buildRecall(ctx, in, decision)

	unlock := e.locks.Lock(in.Group.Folder)
	defer unlock()

	handle, err := e.gate.Acquire(ctx, in.Lane)
	if err != nil {
		return Outcome{Decision: decision, Err: fmt.Errorf("acquire lane slot: %w", err)}
	}
	defer handle.Release()

	return e.runWithFailover(ctx, in, decision, recall, profile)
}

func (e *Executor) buildRecall(ctx context.Context, in Input, d router.Decision) (recall, profile string) {
	if d.RecallMaxResults <= 0 || e.memory == nil {
		return "", ""
	}
	var err error
	recall, err = e.memory.BuildHybridRecall(ctx, memory.RecallOptions{
		GroupFolder: in.Group.Folder,
		SubjectID:   in.SenderID,
		Query:       in.Prompt,
		MaxResults:  d.RecallMaxResults,
		TokenBudget: d.RecallMaxTokens,
	})
	if err != nil {
		e.logger.Warn("recall build failed", "group", in.Group.Folder, "error", err)
	}
	profile, err = e.memory.BuildUserProfile(ctx, in.Group.Folder, in.SenderID, userProfileMaxChars)
	if err != nil {
		e.logger.Warn("profile build failed", "group", in.Group.Folder, "error", err)
	}
	return recall, profile
}

func (e *Executor) runWithFailover(ctx context.Context, in Input, decision router.Decision, recall, profile string) Outcome {
	behavior, policy, budgets := e.docs.Snapshot()
	attempted := make(map[string]bool)
	retriedEmpty := false
	start := e.now()

	rec := trace.Record{
		ChatID:      in.Group.ChatID,
		GroupFolder: in.Group.Folder,
		Lane:        in.Lane.String(),
	}
	spanCtx, finishSpan := trace.StartRunSpan(ctx, &rec)
	defer func() {
		rec.LatencyMs = e.now().Sub(start).Milliseconds()
		finishSpan()
		e.traces.Append(rec)
	}()

	out := Outcome{Decision: decision}
	for {
		model := e.router.NextModel(decision, attempted)
		if model == "" {
			if out.Err == nil {
				out.Err = errors.New("no model available: all candidates exhausted or cooling down")
				out.UserError = router.Humanize(router.ClassTransient)
			}
			rec.ErrorCode = "exhausted"
			return out
		}
		attempted[model] = true
		out.Attempts++
		rec.Attempts = out.Attempts
		rec.Model = model

		req := e.buildRequest(in, decision, model, recall, profile, behavior, policy, budgets)
		out.RequestID = req.ID

		resp, err := e.runner.Run(spanCtx, req)
		if err == nil && resp.Status == "success" {
			if resp.Result == "" && e.router.RetryEmptySuccess() && !retriedEmpty {
				retriedEmpty = true
				attempted[model] = false // same model gets the strict retry
				e.logger.Warn("empty success, retrying once", "model", model, "group", in.Group.Folder)
				continue
			}
			if resp.NewSessionID != "" && in.PersistSession {
				if serr := e.sessions.Set(in.Group.Folder, resp.NewSessionID); serr != nil {
					e.logger.Warn("session index save failed", "group", in.Group.Folder, "error", serr)
				}
			}
			out.Response = resp
			out.Err = nil
			rec.TokensPrompt = resp.TokensPrompt
			rec.TokensCompletion = resp.TokensCompletion
			rec.ToolCalls = len(resp.ToolCalls)
			rec.MemoryRecallCount = resp.MemoryRecallCount
			return out
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, sandbox.ErrPreempted) {
			out.Err = err
			rec.ErrorCode = "preempted"
			return out
		}

		class := router.Classify(err, resp.Error)
		rec.ErrorCode = resp.Error
		rec.Category = string(class)
		retryable := e.router.RecordFailure(model, class)
		e.logger.Warn("agent run failed",
			"group", in.Group.Folder,
			"model", model,
			"category", string(class),
			"attempt", out.Attempts,
			"error", err,
		)
		out.Err = err
		if out.Err == nil {
			if resp.Error != "" {
				out.Err = errors.New(resp.Error)
			} else {
				out.Err = errors.New("agent returned error status")
			}
		}
		out.UserError = router.Humanize(class)
		if !retryable {
			return out
		}
		if class == router.ClassContextOverflow {
			// The overflowing history would overflow again; drop the
			// session binding so the retry starts fresh.
			if serr := e.sessions.Remove(in.Group.Folder); serr != nil {
				e.logger.Warn("session reset failed", "group", in.Group.Folder, "error", serr)
			}
		}
		decision = router.Downgrade(decision)
		out.Decision = decision
	}
}

func (e *Executor) buildRequest(in Input, d router.Decision, model, recall, profile string,
	behavior config.BehaviorConfig, policy config.ToolPolicy, budgets config.ToolBudgets) sandbox.Request {
	id := in.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	req := sandbox.Request{
		ID:          id,
		Prompt:      in.Prompt,
		GroupFolder: in.Group.Folder,
		ChatJID:     in.Group.ChatID,
		IsMain:      in.Group.Main,
		UserID:      in.SenderID,
		UserName:    in.SenderName,

		Model:           model,
		Fallbacks:       remainingFallbacks(d, model),
		ReasoningEffort: d.ReasoningEffort,
		MaxOutputTokens: d.MaxOutputTokens,
		MaxToolSteps:    d.MaxToolSteps,
		TimeoutMs:       int64(e.cfg.Container.TimeoutMs),

		ToolAllow:           policy.Allow,
		ToolDeny:            policy.Deny,
		ToolBudgetsSnapshot: budgets,

		PersistSession: in.PersistSession,

		Recall:      recall,
		UserProfile: profile,
	}
	if policy.MaxToolSteps > 0 && (req.MaxToolSteps == 0 || policy.MaxToolSteps < req.MaxToolSteps) {
		req.MaxToolSteps = policy.MaxToolSteps
	}
	if id, ok := e.sessions.Get(in.Group.Folder); ok {
		req.SessionID = id
	}
	req.Personalization = personalization(behavior)
	return req
}

// remainingFallbacks lists the failover candidates still behind the chosen
// model, in routing order. The agent inside the container uses these for
// in-run model switches without a round trip to the host.
func remainingFallbacks(d router.Decision, chosen string) []string {
	candidates := append([]string{d.Model}, d.Fallbacks...)
	var rest []string
	seen := false
	for _, m := range candidates {
		if m == "" {
			continue
		}
		if m == chosen {
			seen = true
			continue
		}
		if seen {
			rest = append(rest, m)
		}
	}
	return rest
}

// personalization flattens the behavior document into the agent's
// personalization map.
func personalization(b config.BehaviorConfig) map[string]string {
	out := make(map[string]string, 4)
	if b.Persona != "" {
		out["persona"] = b.Persona
	}
	if b.Style != "" {
		out["style"] = b.Style
	}
	if b.ReplyLanguage != "" {
		out["replyLanguage"] = b.ReplyLanguage
	}
	if b.Verbosity != "" {
		out["verbosity"] = b.Verbosity
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Cancel preempts the in-flight request for a group, if any.
func (e *Executor) Cancel(ctx context.Context, groupFolder, requestID string) error {
	return e.runner.Cancel(ctx, groupFolder, requestID)
}

// ShouldBackground reports whether the prompt should be diverted to the
// background job queue instead of running inline. Requires a classifier;
// without one every prompt runs in the foreground.
func (e *Executor) ShouldBackground(ctx context.Context, prompt string, queueDepth int) bool {
	if e.classifier == nil {
		return false
	}
	decision := e.router.Route(prompt, queueDepth)
	if !decision.ShouldRunClassifier {
		return false
	}
	v, err := e.classifier.Classify(ctx, prompt)
	if err != nil || !v.Background {
		return false
	}
	return e.router.AcceptClassification(decision, v.Confidence, queueDepth).Profile == router.ProfileBackground
}
