// Package bus carries messages between the provider adapters and the
// pipeline. Adapters publish inbound messages; the pipeline consumes them
// and publishes outbound replies routed back to the owning adapter.
package bus

import (
	"context"
	"sync"
	"time"
)

// InboundMessage is one message received from a provider.
type InboundMessage struct {
	Provider   string `json:"provider"` // "telegram", "discord"
	ChatID     string `json:"chatId"`   // prefixed: "telegram:-100123"
	MessageID  string `json:"messageId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"` // ms

	IsGroup     bool     `json:"isGroup"`
	MentionsBot bool     `json:"mentionsBot,omitempty"`
	RepliesBot  bool     `json:"repliesBot,omitempty"`
	Media       []string `json:"media,omitempty"` // local file paths
}

// OutboundMessage is one message to deliver to a provider chat.
type OutboundMessage struct {
	ChatID    string `json:"chatId"` // prefixed
	Text      string `json:"text"`
	ReplyTo   string `json:"replyTo,omitempty"`
	ParseMode string `json:"parseMode,omitempty"` // "markdown" or empty
	FilePath  string `json:"filePath,omitempty"`  // send as document when set
}

// MessageBus is a bounded in-process queue pair.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// New builds a bus with modest buffers; producers block when the pipeline
// falls behind, which is the backpressure we want.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, 128),
		outbound: make(chan OutboundMessage, 128),
	}
}

// PublishInbound enqueues a provider message, honoring ctx while blocked.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	select {
	case b.inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// ConsumeInbound blocks for the next provider message.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a reply for delivery.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	select {
	case b.outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// ConsumeOutbound blocks for the next reply to deliver.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

const (
	dedupeTTL     = 10 * time.Minute
	dedupeMaxKeys = 4096
)

// DedupeCache drops provider redeliveries. Keys are provider-scoped message
// ids; the map is bounded so rotating ids cannot exhaust memory.
type DedupeCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewDedupeCache builds an empty cache.
func NewDedupeCache() *DedupeCache {
	return &DedupeCache{seen: make(map[string]time.Time), now: time.Now}
}

// Seen records the key and reports whether it was already present within the
// TTL.
func (d *DedupeCache) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < dedupeTTL {
		return true
	}

	if len(d.seen) >= dedupeMaxKeys {
		for k, at := range d.seen {
			if now.Sub(at) >= dedupeTTL {
				delete(d.seen, k)
			}
		}
		for len(d.seen) >= dedupeMaxKeys {
			for k := range d.seen {
				delete(d.seen, k)
				break
			}
		}
	}

	d.seen[key] = now
	return false
}
