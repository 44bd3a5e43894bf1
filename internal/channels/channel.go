// Package channels connects chat providers (Telegram, Discord) to the
// pipeline. Each adapter turns provider updates into bus.InboundMessage and
// delivers bus.OutboundMessage back, honoring provider message limits.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dotclawhq/dotclaw/internal/bus"
)

// Channel is one provider adapter.
type Channel interface {
	// Name is the provider identifier used as the chatId prefix.
	Name() string
	// Start begins receiving updates; non-blocking after setup.
	Start(ctx context.Context) error
	// Stop shuts the adapter down and waits for its receive loop.
	Stop(ctx context.Context) error
	// IsConnected reports whether the adapter currently holds a live
	// connection to its provider.
	IsConnected() bool
	// Send delivers a message. Returns the provider message id for edits.
	Send(ctx context.Context, msg bus.OutboundMessage) (string, error)
	// Edit replaces the text of a previously sent message.
	Edit(ctx context.Context, chatID, messageID, text string) error
	// Delete removes a previously sent message.
	Delete(ctx context.Context, chatID, messageID string) error
}

// SplitChatID separates the provider prefix from the raw chat id.
func SplitChatID(prefixed string) (provider, raw string, err error) {
	i := strings.Index(prefixed, ":")
	if i <= 0 || i == len(prefixed)-1 {
		return "", "", fmt.Errorf("chat id %q: missing provider prefix", prefixed)
	}
	return prefixed[:i], prefixed[i+1:], nil
}

// PrefixChatID builds the canonical prefixed chat id.
func PrefixChatID(provider, raw string) string {
	return provider + ":" + raw
}

// Manager routes outbound messages to the adapter named by the chatId
// prefix and owns adapter lifecycle.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Channel
	logger   *slog.Logger
}

// NewManager builds an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{adapters: make(map[string]Channel), logger: logger}
}

// Register adds an adapter.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[c.Name()] = c
}

// Get returns the adapter for a provider name.
func (m *Manager) Get(provider string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.adapters[provider]
	return c, ok
}

// Health reports the connection state of every registered adapter.
func (m *Manager) Health() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	health := make(map[string]bool, len(m.adapters))
	for name, c := range m.adapters {
		health[name] = c.IsConnected()
	}
	return health
}

// StartAll starts every adapter; a failing adapter aborts startup.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.adapters {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("start %s channel: %w", name, err)
		}
		m.logger.Info("channel started", "provider", name)
	}
	return nil
}

// StopAll stops every adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.adapters {
		if err := c.Stop(ctx); err != nil {
			m.logger.Warn("channel stop failed", "provider", name, "error", err)
		}
	}
}

// Send routes one outbound message by its chatId prefix.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) (string, error) {
	provider, _, err := SplitChatID(msg.ChatID)
	if err != nil {
		return "", err
	}
	c, ok := m.Get(provider)
	if !ok {
		return "", fmt.Errorf("no adapter for provider %q", provider)
	}
	return c.Send(ctx, msg)
}

// Edit routes an edit by chatId prefix.
func (m *Manager) Edit(ctx context.Context, chatID, messageID, text string) error {
	provider, _, err := SplitChatID(chatID)
	if err != nil {
		return err
	}
	c, ok := m.Get(provider)
	if !ok {
		return fmt.Errorf("no adapter for provider %q", provider)
	}
	return c.Edit(ctx, chatID, messageID, text)
}

// Delete routes a delete by chatId prefix.
func (m *Manager) Delete(ctx context.Context, chatID, messageID string) error {
	provider, _, err := SplitChatID(chatID)
	if err != nil {
		return err
	}
	c, ok := m.Get(provider)
	if !ok {
		return fmt.Errorf("no adapter for provider %q", provider)
	}
	return c.Delete(ctx, chatID, messageID)
}

// ChatLimiter rate-limits sends per chat so a chatty agent cannot trip
// provider flood control. Entries are created on demand.
type ChatLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewChatLimiter allows rps messages per second per chat with the given
// burst.
func NewChatLimiter(rps float64, burst int) *ChatLimiter {
	return &ChatLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Wait blocks until the chat may send again or ctx is done.
func (l *ChatLimiter) Wait(ctx context.Context, chatID string) error {
	l.mu.Lock()
	lim, ok := l.limiters[chatID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[chatID] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}
