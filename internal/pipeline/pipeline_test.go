package pipeline

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotclawhq/dotclaw/internal/agent"
	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/sandbox"
	"github.com/dotclawhq/dotclaw/internal/store"
	"github.com/dotclawhq/dotclaw/internal/stream"
)

type scriptedExec struct {
	mu       sync.Mutex
	outcome  agent.Outcome
	inputs   []agent.Input
	canceled []string
}

func (s *scriptedExec) Execute(_ context.Context, in agent.Input) agent.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, in)
	return s.outcome
}

func (s *scriptedExec) Cancel(_ context.Context, _, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled = append(s.canceled, requestID)
	return nil
}

func (s *scriptedExec) inputCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

type captureSender struct {
	mu     sync.Mutex
	nextID int
	texts  []string
}

func (c *captureSender) Send(_ context.Context, msg bus.OutboundMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.texts = append(c.texts, msg.Text)
	return strconv.Itoa(c.nextID), nil
}

func (c *captureSender) Edit(_ context.Context, _, _, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, text)
	return nil
}

func (c *captureSender) Delete(context.Context, string, string) error { return nil }

func (c *captureSender) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.texts...)
}

func testPipeline(t *testing.T, exec Executor, opts ...Option) (*Pipeline, *store.Store, *captureSender, *bus.MessageBus) {
	t.Helper()
	layout := paths.Layout{Root: t.TempDir()}
	if err := layout.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	if err := layout.EnsureGroup("family"); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(filepath.Join(layout.StoreDir(), "messages.db"),
		store.WithRetryBackoff(1, 2))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	reg, err := groups.Load(layout.RegisteredGroups())
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(groups.Group{ChatID: "telegram:1", Name: "Family", Folder: "family"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.BatchWindowMs = 20
	cfg.PollIntervalMs = 1000
	cfg.MaxRetries = 2
	cfg.InterruptOnNewMessage = false

	sender := &captureSender{}
	streams := stream.New(sender, config.StreamConfig{ChunkFlushIntervalMs: 20, MaxEditLength: 3800}, nil)
	msgBus := bus.New()
	p := New(cfg, st, reg, exec, streams, sender, layout, msgBus, nil, opts...)
	return p, st, sender, msgBus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// TestPipelineEndToEnd walks a private message from inbound publish through
// execution to the delivered reply.
func TestPipelineEndToEnd(t *testing.T) {
	exec := &scriptedExec{outcome: agent.Outcome{
		Response: sandbox.Response{Status: "success", Result: "pong"},
	}}
	p, st, sender, msgBus := testPipeline(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	msgBus.PublishInbound(ctx, bus.InboundMessage{
		Provider: "telegram", ChatID: "telegram:1", MessageID: "10",
		SenderID: "u1", SenderName: "Ana", Content: "ping", Timestamp: time.Now().UnixMilli(),
	})

	waitFor(t, 3*time.Second, func() bool {
		for _, text := range sender.all() {
			if text == "pong" {
				return true
			}
		}
		return false
	})

	if exec.inputCount() != 1 {
		t.Fatalf("executor ran %d times, want 1", exec.inputCount())
	}
	input := exec.inputs[0]
	if input.Group.Folder != "family" || input.SenderID != "u1" {
		t.Errorf("input = %+v", input)
	}

	waitFor(t, 2*time.Second, func() bool {
		depth, _ := st.QueueDepth(context.Background())
		return depth == 0
	})
	chat, err := st.GetChat(context.Background(), "telegram:1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.LastAgentTimestamp == 0 {
		t.Error("last agent timestamp not advanced")
	}
}

// TestPipelineAdmission verifies unregistered chats and unmentioned group
// messages never reach the queue.
func TestPipelineAdmission(t *testing.T) {
	exec := &scriptedExec{outcome: agent.Outcome{Response: sandbox.Response{Status: "success"}}}
	p, st, _, _ := testPipeline(t, exec)
	ctx := context.Background()

	p.handleInbound(ctx, bus.InboundMessage{
		ChatID: "telegram:999", MessageID: "1", SenderID: "u1",
		Content: "hello", Timestamp: time.Now().UnixMilli(),
	})
	p.handleInbound(ctx, bus.InboundMessage{
		ChatID: "telegram:1", MessageID: "2", SenderID: "u1",
		Content: "group chatter", Timestamp: time.Now().UnixMilli(), IsGroup: true,
	})
	p.handleInbound(ctx, bus.InboundMessage{
		ChatID: "telegram:1", MessageID: "3", SenderID: "u1",
		Content: "hey bot", Timestamp: time.Now().UnixMilli(), IsGroup: true, MentionsBot: true,
	})

	depth, err := st.QueueDepth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want only the mentioning group message", depth)
	}
}

// TestPipelineFailureExhaustsRetries verifies a persistent failure gets the
// full retry budget before landing in the failed state with a humanized
// chat message: with maxRetries=2 the batch runs once plus two retries,
// and fails terminally on the attempt after that.
func TestPipelineFailureExhaustsRetries(t *testing.T) {
	exec := &scriptedExec{outcome: agent.Outcome{
		Err:       contextErr(),
		UserError: "I'm rate limited, trying again shortly.",
	}}
	p, st, sender, msgBus := testPipeline(t, exec)
	p.cfg.MaxRetries = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	msgBus.PublishInbound(ctx, bus.InboundMessage{
		Provider: "telegram", ChatID: "telegram:1", MessageID: "20",
		SenderID: "u1", Content: "do something", Timestamp: time.Now().UnixMilli(),
	})

	waitFor(t, 5*time.Second, func() bool {
		for _, text := range sender.all() {
			if text == "I'm rate limited, trying again shortly." {
				return true
			}
		}
		return false
	})
	if got := exec.inputCount(); got != 4 {
		t.Errorf("executor ran %d times, want 4 (initial + 3 requeued attempts)", got)
	}
	depth, err := st.QueueDepth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0 after terminal failure", depth)
	}
}

// TestPipelineDivertsBackgroundJobs verifies a prompt classified as a long
// task is queued as a job instead of running inline, with an acknowledgment
// sent to the chat.
func TestPipelineDivertsBackgroundJobs(t *testing.T) {
	exec := &scriptedExec{outcome: agent.Outcome{Response: sandbox.Response{Status: "success", Result: "x"}}}

	var mu sync.Mutex
	var submitted []string
	diverter := JobDiverter{
		Classify: func(_ context.Context, prompt string, _ int) bool {
			return len(prompt) > 0
		},
		Submit: func(_ context.Context, folder, chatID, prompt string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			submitted = append(submitted, folder+"|"+chatID)
			return "job-1", nil
		},
	}
	p, st, sender, msgBus := testPipeline(t, exec, WithJobDiverter(diverter))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	msgBus.PublishInbound(ctx, bus.InboundMessage{
		Provider: "telegram", ChatID: "telegram:1", MessageID: "30",
		SenderID: "u1", Content: "research flights for december", Timestamp: time.Now().UnixMilli(),
	})

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(submitted) == 1
	})
	if submitted[0] != "family|telegram:1" {
		t.Errorf("submitted = %v", submitted)
	}
	if exec.inputCount() != 0 {
		t.Errorf("executor ran %d times, want 0", exec.inputCount())
	}

	waitFor(t, 2*time.Second, func() bool {
		depth, _ := st.QueueDepth(context.Background())
		return depth == 0
	})
	var acked bool
	for _, text := range sender.all() {
		if strings.Contains(text, "background") {
			acked = true
		}
	}
	if !acked {
		t.Errorf("no acknowledgment sent: %v", sender.all())
	}
}

func contextErr() error { return errTransient }

var errTransient = &transientError{}

type transientError struct{}

func (*transientError) Error() string { return "bad gateway from provider" }
