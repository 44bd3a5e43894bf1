// Package pipeline moves inbound chat messages through admission, the
// durable queue, batching, and agent execution, and delivers the result
// back to the provider. One drain goroutine per chat keeps ordering strict
// within a chat while chats proceed independently.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
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

// catchUpLimit caps how many stored messages the catch-up context reads.
const catchUpLimit = 200

// Executor runs one agent invocation. agent.Executor satisfies it.
type Executor interface {
	Execute(ctx context.Context, in agent.Input) agent.Outcome
	Cancel(ctx context.Context, groupFolder, requestID string) error
}

// AdminHook lets the host intercept admin commands before admission. It
// returns the reply text and whether the message was consumed.
type AdminHook func(ctx context.Context, g groups.Group, msg bus.InboundMessage) (string, bool)

// JobDiverter routes long-running prompts to the background job queue.
// Classify decides; Submit enqueues and returns the job id.
type JobDiverter struct {
	Classify func(ctx context.Context, prompt string, queueDepth int) bool
	Submit   func(ctx context.Context, groupFolder, chatID, prompt string) (string, error)
}

// Pipeline owns the inbound consume loop and the per-chat drains.
type Pipeline struct {
	cfg      *config.Config
	store    *store.Store
	registry *groups.Registry
	exec     Executor
	streams  *stream.Consumer
	sender   stream.Sender
	layout   paths.Layout
	msgBus   *bus.MessageBus
	admin    AdminHook
	jobs     *JobDiverter
	logger   *slog.Logger

	mu     sync.Mutex
	drains map[string]chan struct{}
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	folder    string
	requestID string
	lastTs    int64
	cancel    context.CancelFunc
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAdminHook installs the admin command interceptor.
func WithAdminHook(h AdminHook) Option {
	return func(p *Pipeline) { p.admin = h }
}

// WithJobDiverter installs the background-job diversion hook.
func WithJobDiverter(j JobDiverter) Option {
	return func(p *Pipeline) { p.jobs = &j }
}

// New wires a Pipeline.
func New(cfg *config.Config, st *store.Store, reg *groups.Registry, exec Executor,
	streams *stream.Consumer, sender stream.Sender, layout paths.Layout,
	msgBus *bus.MessageBus, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:      cfg,
		store:    st,
		registry: reg,
		exec:     exec,
		streams:  streams,
		sender:   sender,
		layout:   layout,
		msgBus:   msgBus,
		logger:   logger,
		drains:   make(map[string]chan struct{}),
		active:   make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the consume loop and resumes drains for chats that still
// have queued work from before a restart.
func (p *Pipeline) Start(ctx context.Context) {
	chats, err := p.store.ChatsWithQueued(ctx)
	if err != nil {
		p.logger.Warn("queued chat scan failed", "error", err)
	}
	for _, chatID := range chats {
		p.wake(ctx, chatID)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			msg, ok := p.msgBus.ConsumeInbound(ctx)
			if !ok {
				return
			}
			p.handleInbound(ctx, msg)
		}
	}()
}

// Wait blocks until every pipeline goroutine has exited. Call after the
// root context is canceled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	group, registered := p.registry.ByChat(msg.ChatID)

	if p.admin != nil && registered {
		if reply, handled := p.admin(ctx, group, msg); handled {
			if reply != "" {
				p.send(ctx, msg.ChatID, reply, msg.MessageID)
			}
			return
		}
	}

	if !registered {
		p.logger.Debug("message from unregistered chat dropped", "chat", msg.ChatID)
		return
	}
	if msg.IsGroup && !msg.MentionsBot && !msg.RepliesBot && !matchesTrigger(group.Trigger, msg.Content) {
		return
	}

	if isCancelPhrase(msg.Content) && p.cancelActive(ctx, msg.ChatID) {
		p.send(ctx, msg.ChatID, "Okay, stopped.", msg.MessageID)
		return
	}

	content := msg.Content
	for _, m := range msg.Media {
		content = strings.TrimSpace(content + "\n[attachment: " + m + "]")
	}

	item := store.QueueItem{
		ID:         msg.ChatID + ":" + msg.MessageID,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    content,
		Timestamp:  msg.Timestamp,
		IsGroup:    msg.IsGroup,
		ChatType:   chatType(msg.IsGroup),
	}
	if msg.MessageID == "" {
		item.ID = uuid.NewString()
	}
	if err := p.store.Enqueue(ctx, item); err != nil {
		p.logger.Error("enqueue failed", "chat", msg.ChatID, "error", err)
		return
	}
	p.wake(ctx, msg.ChatID)
}

func chatType(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "private"
}

func matchesTrigger(trigger, content string) bool {
	if trigger == "" {
		return false
	}
	re, err := regexp.Compile("(?i)" + trigger)
	if err != nil {
		return strings.Contains(strings.ToLower(content), strings.ToLower(trigger))
	}
	return re.MatchString(content)
}

// cancelActive cancels the chat's in-flight run, if any.
func (p *Pipeline) cancelActive(ctx context.Context, chatID string) bool {
	p.mu.Lock()
	run, ok := p.active[chatID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	if err := p.exec.Cancel(ctx, run.folder, run.requestID); err != nil {
		p.logger.Warn("cancel request failed", "chat", chatID, "error", err)
	}
	run.cancel()
	return true
}

// wake ensures a drain goroutine exists for the chat and signals it.
func (p *Pipeline) wake(ctx context.Context, chatID string) {
	p.mu.Lock()
	ch, ok := p.drains[chatID]
	if !ok {
		ch = make(chan struct{}, 1)
		p.drains[chatID] = ch
		p.wg.Add(1)
		go p.drainLoop(ctx, chatID, ch)
	}
	p.mu.Unlock()
	select {
	case ch <- struct{}{}:
	default:
	}
}

// drainLoop claims and processes batches for one chat until the queue stays
// empty, then retires itself.
func (p *Pipeline) drainLoop(ctx context.Context, chatID string, wakeCh chan struct{}) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.drains, chatID)
		p.mu.Unlock()
	}()

	idle := time.Duration(p.cfg.PollIntervalMs) * time.Millisecond
	for {
		// Let a burst accumulate before claiming.
		if w := time.Duration(p.cfg.BatchWindowMs) * time.Millisecond; w > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w):
			}
		}

		items, err := p.store.ClaimBatch(ctx, chatID, int64(p.cfg.BatchWindowMs), p.cfg.MaxBatchSize)
		if err != nil {
			p.logger.Error("batch claim failed", "chat", chatID, "error", err)
		}
		if len(items) > 0 {
			p.process(ctx, chatID, items)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wakeCh:
		case <-time.After(idle):
			// Retire when nothing arrived for a full poll interval; a later
			// wake recreates the drain.
			return
		}
	}
}

// process runs one claimed batch end to end.
func (p *Pipeline) process(ctx context.Context, chatID string, items []store.QueueItem) {
	ids := itemIDs(items)
	group, ok := p.registry.ByChat(chatID)
	if !ok {
		p.logger.Warn("chat unregistered after claim, dropping batch", "chat", chatID)
		p.finish(ctx, p.store.MarkDone, ids)
		return
	}

	turns := cleanTurns(items)
	if len(turns) == 0 {
		p.finish(ctx, p.store.MarkDone, ids)
		return
	}
	last := turns[len(turns)-1]

	chat, err := p.store.GetChat(ctx, chatID)
	if err != nil {
		p.logger.Warn("chat lookup failed", "chat", chatID, "error", err)
	}
	catchUp, err := p.store.MessagesSince(ctx, chatID, chat.LastAgentTimestamp, catchUpLimit)
	if err != nil {
		p.logger.Warn("catch-up read failed", "chat", chatID, "error", err)
	}
	prompt := buildPrompt(catchUp, turns, p.cfg.PromptMaxChars)

	depth, _ := p.store.QueueDepth(ctx)
	if p.jobs != nil && p.jobs.Classify(ctx, prompt, depth) {
		jobID, err := p.jobs.Submit(ctx, group.Folder, chatID, prompt)
		if err != nil {
			p.logger.Warn("job submit failed, running inline", "chat", chatID, "error", err)
		} else {
			p.send(ctx, chatID, "That looks like a longer task. I'll work on it in the background and report back here.", last.ID)
			p.finish(ctx, p.store.MarkDone, ids)
			if err := p.store.SetLastAgentTimestamp(ctx, chatID, last.Timestamp); err != nil {
				p.logger.Warn("last agent timestamp update failed", "chat", chatID, "error", err)
			}
			p.logger.Info("diverted to background job", "chat", chatID, "job", jobID)
			return
		}
	}

	runID := uuid.NewString()
	streamDir := filepath.Join(p.layout.GroupIPC(group.Folder).Base, "stream", runID)
	if err := os.MkdirAll(streamDir, 0o777); err != nil {
		p.logger.Warn("stream dir create failed", "dir", streamDir, "error", err)
	}
	defer os.RemoveAll(streamDir)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	p.mu.Lock()
	p.active[chatID] = &activeRun{folder: group.Folder, requestID: runID, lastTs: last.Timestamp, cancel: cancelRun}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.active, chatID)
		p.mu.Unlock()
	}()

	streamDone := make(chan *stream.Result, 1)
	go func() {
		res, _ := p.streams.Run(runCtx, streamDir, chatID, last.ID)
		streamDone <- res
	}()

	interrupted := make(chan struct{})
	if p.cfg.InterruptOnNewMessage {
		go p.watchForInterrupt(runCtx, chatID, group.Folder, runID, last.Timestamp, cancelRun, interrupted)
	}

	out := p.exec.Execute(runCtx, agent.Input{
		Group:          group,
		Prompt:         prompt,
		SenderID:       last.SenderID,
		SenderName:     last.SenderName,
		Lane:           lanes.LaneInteractive,
		QueueDepth:     depth,
		RequestID:      runID,
		PersistSession: true,
	})

	cancelRun()
	streamed := <-streamDone

	select {
	case <-interrupted:
		// A newer message preempted this run: roll the batch back so the
		// next claim picks up the expanded conversation. No backoff and no
		// attempt count; interruption is not a failure.
		if p.cfg.InterruptOnNewMessage && streamed != nil {
			p.streams.Discard(ctx, chatID, streamed)
		}
		p.release(ctx, ids, "interrupted by newer message")
		p.wake(ctx, chatID)
		return
	default:
	}

	if out.Err != nil {
		p.deliverFailure(ctx, chatID, ids, items, out)
		return
	}

	if _, err := p.streams.Finalize(ctx, chatID, streamed, out.Response.Result); err != nil {
		p.logger.Warn("reply delivery failed", "chat", chatID, "error", err)
	}
	p.finish(ctx, p.store.MarkDone, ids)
	if err := p.store.SetLastAgentTimestamp(ctx, chatID, last.Timestamp); err != nil {
		p.logger.Warn("last agent timestamp update failed", "chat", chatID, "error", err)
	}
}

// watchForInterrupt polls for a newer queued message and preempts the run
// when one arrives.
func (p *Pipeline) watchForInterrupt(ctx context.Context, chatID, folder, runID string, afterTs int64, cancelRun context.CancelFunc, interrupted chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newer, err := p.store.HasNewerQueued(ctx, chatID, afterTs)
			if err != nil || !newer {
				continue
			}
			close(interrupted)
			if err := p.exec.Cancel(ctx, folder, runID); err != nil {
				p.logger.Debug("preempt cancel failed", "chat", chatID, "error", err)
			}
			cancelRun()
			return
		}
	}
}

func (p *Pipeline) deliverFailure(ctx context.Context, chatID string, ids []string, items []store.QueueItem, out agent.Outcome) {
	if errors.Is(out.Err, context.Canceled) && ctx.Err() != nil {
		// Host shutdown: leave the work for the next start.
		p.release(ctx, ids, "host shutdown")
		return
	}
	if errors.Is(out.Err, sandbox.ErrPreempted) {
		p.release(ctx, ids, "preempted")
		p.wake(ctx, chatID)
		return
	}

	attempt := 0
	for _, item := range items {
		if item.Attempt > attempt {
			attempt = item.Attempt
		}
	}
	// Terminal only once the attempt count has passed maxRetries, so an
	// item gets the full retry budget before it fails.
	if attempt > p.cfg.MaxRetries {
		if err := p.store.Fail(ctx, ids, out.Err.Error()); err != nil {
			p.logger.Error("fail transition failed", "chat", chatID, "error", err)
		}
		userMsg := out.UserError
		if userMsg == "" {
			userMsg = "Something went wrong handling that message. I've given up after several attempts."
		}
		p.send(ctx, chatID, userMsg, "")
		return
	}
	p.finishReason(ctx, ids, out.Err.Error())
}

func (p *Pipeline) finishReason(ctx context.Context, ids []string, reason string) {
	if err := p.store.Requeue(ctx, ids, reason); err != nil {
		p.logger.Error("requeue failed", "reason", reason, "error", err)
	}
}

func (p *Pipeline) release(ctx context.Context, ids []string, reason string) {
	if err := p.store.Release(ctx, ids, reason); err != nil {
		p.logger.Error("release failed", "reason", reason, "error", err)
	}
}

func (p *Pipeline) finish(ctx context.Context, fn func(context.Context, []string) error, ids []string) {
	if err := fn(ctx, ids); err != nil {
		p.logger.Error("queue transition failed", "error", err)
	}
}

func (p *Pipeline) send(ctx context.Context, chatID, text, replyTo string) {
	if _, err := p.sender.Send(ctx, bus.OutboundMessage{ChatID: chatID, Text: text, ReplyTo: replyTo, ParseMode: "markdown"}); err != nil {
		p.logger.Warn("send failed", "chat", chatID, "error", err)
	}
}

func itemIDs(items []store.QueueItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

// ActiveRuns reports the chats currently executing, for status commands.
func (p *Pipeline) ActiveRuns() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for chatID := range p.active {
		out = append(out, chatID)
	}
	return out
}
