// Package stream delivers incremental agent output to chat providers. The
// in-container agent drops chunk files into a stream directory; the host
// applies them in index order, sending the first flush as a fresh message
// and editing that message in place for the rest.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-runewidth"

	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/channels"
	"github.com/dotclawhq/dotclaw/internal/config"
)

// DoneSentinel terminates a chunk stream.
const DoneSentinel = "done"

// chunkName formats the file name for a 1-based chunk index.
func chunkName(index int) string {
	return fmt.Sprintf("chunk_%06d.txt", index)
}

// Sender is the provider surface needed for delivery. channels.Manager
// satisfies it.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) (string, error)
	Edit(ctx context.Context, chatID, messageID, text string) error
	Delete(ctx context.Context, chatID, messageID string) error
}

// Result records what a delivery put on the wire.
type Result struct {
	// MessageIDs lists every message the delivery created, in order.
	MessageIDs []string
	// LastID is the live message still eligible for a final edit.
	LastID string
	// Text is the full streamed text as applied.
	Text string
	// Skipped counts chunk files left unapplied (gaps in the index).
	Skipped int
}

// Consumer turns stream directories into provider messages.
type Consumer struct {
	sender   Sender
	interval time.Duration
	maxEdit  int
	logger   *slog.Logger
}

// New builds a consumer from the stream config.
func New(sender Sender, cfg config.StreamConfig, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		sender:   sender,
		interval: time.Duration(cfg.ChunkFlushIntervalMs) * time.Millisecond,
		maxEdit:  cfg.MaxEditLength,
		logger:   logger,
	}
}

// Run consumes chunks from dir until the done sentinel appears or ctx is
// canceled. Chunks apply strictly in index order: a chunk whose index is
// ahead of the expected one stays on disk until the gap fills, and is
// counted as skipped if the stream finishes first. Flushes are coalesced to
// the configured interval so a chatty agent does not exhaust provider edit
// quotas. The partial Result is returned even on error so the caller can
// finalize or discard what was delivered.
func (c *Consumer) Run(ctx context.Context, dir, chatID, replyTo string) (*Result, error) {
	d := &delivery{
		consumer:  c,
		chatID:    chatID,
		replyTo:   replyTo,
		nextIndex: 1,
	}

	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err != nil {
			c.logger.Debug("stream watch failed, polling only", "dir", dir, "error", err)
		} else {
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case _, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case wake <- struct{}{}:
						default:
						}
					case <-watcher.Errors:
					}
				}
			}()
		}
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		done := d.absorb(dir)
		if done || d.dirty {
			// Coalesce: apply buffered chunks only on the tick, except the
			// terminal flush.
			if done {
				if err := d.flush(ctx); err != nil {
					return d.result(dir), err
				}
				return d.result(dir), nil
			}
		}
		select {
		case <-ctx.Done():
			return d.result(dir), ctx.Err()
		case <-wake:
		case <-ticker.C:
			if err := d.flush(ctx); err != nil {
				return d.result(dir), err
			}
		}
	}
}

// Finalize replaces the live message with the final agent response, or
// sends it fresh when the stream never produced one.
func (c *Consumer) Finalize(ctx context.Context, chatID string, res *Result, finalText string) (string, error) {
	if finalText == "" {
		return res.LastID, nil
	}
	if res == nil || res.LastID == "" {
		return c.sender.Send(ctx, bus.OutboundMessage{ChatID: chatID, Text: finalText, ParseMode: "markdown"})
	}
	parts := channels.SplitMessage(finalText, c.maxEdit)
	if err := c.sender.Edit(ctx, chatID, res.LastID, parts[0]); err != nil {
		return res.LastID, err
	}
	lastID := res.LastID
	for _, part := range parts[1:] {
		id, err := c.sender.Send(ctx, bus.OutboundMessage{ChatID: chatID, Text: part})
		if err != nil {
			return lastID, err
		}
		lastID = id
	}
	return lastID, nil
}

// Discard deletes every message the delivery created. Used when a run is
// preempted and the interrupt policy says partial output goes away.
func (c *Consumer) Discard(ctx context.Context, chatID string, res *Result) {
	if res == nil {
		return
	}
	for _, id := range res.MessageIDs {
		if err := c.sender.Delete(ctx, chatID, id); err != nil {
			c.logger.Debug("discard delete failed", "chat", chatID, "message", id, "error", err)
		}
	}
}

// delivery is the per-run state of a consumption loop.
type delivery struct {
	consumer *Consumer
	chatID   string
	replyTo  string

	nextIndex int
	live      string // text of the message currently being edited
	liveID    string
	allIDs    []string
	total     string
	dirty     bool
}

// absorb reads every in-order chunk currently on disk. Returns true when
// the done sentinel is present and no expected chunk remains.
func (d *delivery) absorb(dir string) bool {
	for {
		data, err := os.ReadFile(filepath.Join(dir, chunkName(d.nextIndex)))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				d.consumer.logger.Debug("chunk read failed", "index", d.nextIndex, "error", err)
			}
			break
		}
		d.live += string(data)
		d.total += string(data)
		d.nextIndex++
		d.dirty = true
	}
	_, err := os.Stat(filepath.Join(dir, DoneSentinel))
	return err == nil
}

// flush applies buffered text to the provider. When the live message
// outgrows the edit cap, the overflow is carved off into frozen messages
// and the tail becomes a new live message, with code fences closed and
// reopened across the boundary.
func (d *delivery) flush(ctx context.Context) error {
	if !d.dirty {
		return nil
	}
	d.dirty = false

	if runewidth.StringWidth(d.live) <= d.consumer.maxEdit {
		return d.apply(ctx, d.live, false)
	}

	parts := channels.SplitMessage(d.live, d.consumer.maxEdit)
	for i, part := range parts {
		fresh := i > 0 // only the first part continues the current message
		if err := d.apply(ctx, part, fresh); err != nil {
			return err
		}
	}
	d.live = parts[len(parts)-1]
	return nil
}

func (d *delivery) apply(ctx context.Context, text string, fresh bool) error {
	if fresh {
		d.liveID = ""
	}
	if d.liveID == "" {
		replyTo := ""
		if len(d.allIDs) == 0 {
			replyTo = d.replyTo
		}
		id, err := d.consumer.sender.Send(ctx, bus.OutboundMessage{
			ChatID:  d.chatID,
			Text:    text,
			ReplyTo: replyTo,
		})
		if err != nil {
			return fmt.Errorf("stream send: %w", err)
		}
		d.liveID = id
		d.allIDs = append(d.allIDs, id)
		return nil
	}
	if err := d.consumer.sender.Edit(ctx, d.chatID, d.liveID, text); err != nil {
		return fmt.Errorf("stream edit: %w", err)
	}
	return nil
}

func (d *delivery) result(dir string) *Result {
	return &Result{
		MessageIDs: d.allIDs,
		LastID:     d.liveID,
		Text:       d.total,
		Skipped:    d.countSkipped(dir),
	}
}

// countSkipped reports chunk files on disk at or beyond the expected index.
func (d *delivery) countSkipped(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	skipped := 0
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "chunk_%06d.txt", &idx); err == nil && idx >= d.nextIndex {
			skipped++
		}
	}
	return skipped
}
