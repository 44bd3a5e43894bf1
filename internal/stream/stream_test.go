package stream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/config"
)

type fakeSender struct {
	mu      sync.Mutex
	nextID  int
	sends   []string
	edits   map[string]string // messageID -> latest text
	deleted []string
}

func newFakeSender() *fakeSender {
	return &fakeSender{edits: make(map[string]string)}
}

func (f *fakeSender) Send(_ context.Context, msg bus.OutboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.sends = append(f.sends, msg.Text)
	f.edits[id] = msg.Text
	return id, nil
}

func (f *fakeSender) Edit(_ context.Context, _, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits[messageID] = text
	return nil
}

func (f *fakeSender) Delete(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeSender) text(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.edits[id]
}

func writeChunk(t *testing.T, dir string, index int, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, chunkName(index)), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func markDone(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, DoneSentinel), nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func testConsumer(sender Sender) *Consumer {
	return New(sender, config.StreamConfig{ChunkFlushIntervalMs: 20, MaxEditLength: 200}, nil)
}

// TestRunSendsThenEdits verifies the first flush creates a message and
// later chunks edit it in place.
func TestRunSendsThenEdits(t *testing.T) {
	dir := t.TempDir()
	sender := newFakeSender()
	c := testConsumer(sender)

	writeChunk(t, dir, 1, "Hello")
	go func() {
		time.Sleep(60 * time.Millisecond)
		writeChunk(t, dir, 2, ", world")
		time.Sleep(60 * time.Millisecond)
		markDone(t, dir)
	}()

	res, err := c.Run(context.Background(), dir, "telegram:1", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "Hello, world" {
		t.Errorf("Text = %q, want %q", res.Text, "Hello, world")
	}
	if len(sender.sends) != 1 {
		t.Errorf("sends = %d, want 1 (rest should be edits)", len(sender.sends))
	}
	if got := sender.text(res.LastID); got != "Hello, world" {
		t.Errorf("final message text = %q, want full stream", got)
	}
}

// TestRunSkipsGappedChunks verifies a chunk ahead of the expected index is
// never applied out of order.
func TestRunSkipsGappedChunks(t *testing.T) {
	dir := t.TempDir()
	sender := newFakeSender()
	c := testConsumer(sender)

	writeChunk(t, dir, 1, "first")
	writeChunk(t, dir, 3, "third") // chunk 2 never arrives
	markDone(t, dir)

	res, err := c.Run(context.Background(), dir, "telegram:1", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Text != "first" {
		t.Errorf("Text = %q, want only in-order content", res.Text)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
}

// TestRunRollsOverLongOutput verifies output past the edit cap freezes the
// live message and continues in a fresh one.
func TestRunRollsOverLongOutput(t *testing.T) {
	dir := t.TempDir()
	sender := newFakeSender()
	c := testConsumer(sender)

	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "line %d with some padding text to grow the buffer\n", i)
	}
	writeChunk(t, dir, 1, b.String())
	markDone(t, dir)

	res, err := c.Run(context.Background(), dir, "telegram:1", "")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(res.MessageIDs) < 2 {
		t.Fatalf("MessageIDs = %d, want rollover into multiple messages", len(res.MessageIDs))
	}
	if res.LastID == res.MessageIDs[0] {
		t.Error("live message did not move past the first")
	}
}

// TestRunCanceledReturnsPartial verifies cancellation hands back what was
// delivered so the caller can finalize or discard.
func TestRunCanceledReturnsPartial(t *testing.T) {
	dir := t.TempDir()
	sender := newFakeSender()
	c := testConsumer(sender)

	writeChunk(t, dir, 1, "partial")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(80 * time.Millisecond)
		cancel()
	}()

	res, err := c.Run(ctx, dir, "telegram:1", "")
	if err == nil {
		t.Fatal("Run() error = nil, want context error")
	}
	if res.Text != "partial" {
		t.Errorf("Text = %q, want delivered partial", res.Text)
	}
}

// TestFinalizeAndDiscard covers the two ends of a run: replacing the live
// message with the final response, and deleting everything on preemption.
func TestFinalizeAndDiscard(t *testing.T) {
	sender := newFakeSender()
	c := testConsumer(sender)
	ctx := context.Background()

	res := &Result{MessageIDs: []string{"1", "2"}, LastID: "2"}
	if _, err := c.Finalize(ctx, "telegram:1", res, "final answer"); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if got := sender.text("2"); got != "final answer" {
		t.Errorf("live message after finalize = %q", got)
	}

	// With no live message the final text is sent fresh.
	id, err := c.Finalize(ctx, "telegram:1", &Result{}, "standalone")
	if err != nil || id == "" {
		t.Fatalf("Finalize() fresh = %q, %v", id, err)
	}

	c.Discard(ctx, "telegram:1", res)
	if len(sender.deleted) != 2 {
		t.Errorf("deleted %d messages, want 2", len(sender.deleted))
	}
}
