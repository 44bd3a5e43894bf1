package router

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// cooldownEntry records one model's bench window.
type cooldownEntry struct {
	UntilMs int64 `json:"untilMs"`
	Reason  Class `json:"reason"`
}

// Cooldowns is the process-wide per-model cooldown map. Persisted to a JSON
// file behind a short debounce so host restarts do not stampede a failing
// model.
type Cooldowns struct {
	mu      sync.Mutex
	entries map[string]cooldownEntry
	path    string
	logger  *slog.Logger
	now     func() int64

	saveTimer *time.Timer
	debounce  time.Duration
}

// CooldownOption configures a Cooldowns map.
type CooldownOption func(*Cooldowns)

// WithCooldownLogger sets a structured logger.
func WithCooldownLogger(l *slog.Logger) CooldownOption {
	return func(c *Cooldowns) { c.logger = l }
}

// WithCooldownClock overrides the millisecond clock for tests.
func WithCooldownClock(now func() int64) CooldownOption {
	return func(c *Cooldowns) { c.now = now }
}

// WithSaveDebounce overrides the persistence debounce.
func WithSaveDebounce(d time.Duration) CooldownOption {
	return func(c *Cooldowns) { c.debounce = d }
}

// LoadCooldowns reads the persisted map from path. A missing or unreadable
// file yields an empty map; cooldowns are advisory state, not truth.
func LoadCooldowns(path string, opts ...CooldownOption) *Cooldowns {
	c := &Cooldowns{
		entries:  make(map[string]cooldownEntry),
		path:     path,
		logger:   slog.Default(),
		now:      func() int64 { return time.Now().UnixMilli() },
		debounce: 2 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &c.entries); err != nil {
			c.logger.Warn("cooldown file unreadable, starting empty", "path", path, "error", err)
			c.entries = make(map[string]cooldownEntry)
		}
	}
	return c
}

// Register benches model for the class's cooldown duration.
func (c *Cooldowns) Register(model string, reason Class) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until := c.now() + CooldownFor(reason).Milliseconds()
	// Never shorten an existing bench with a milder error.
	if cur, ok := c.entries[model]; ok && cur.UntilMs > until {
		return
	}
	c.entries[model] = cooldownEntry{UntilMs: until, Reason: reason}
	c.logger.Info("model cooldown registered", "model", model, "reason", string(reason), "untilMs", until)
	c.scheduleSaveLocked()
}

// IsInCooldown reports whether model is currently benched. Expired entries
// are ignored and lazily pruned.
func (c *Cooldowns) IsInCooldown(model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[model]
	if !ok {
		return false
	}
	if e.UntilMs <= c.now() {
		delete(c.entries, model)
		return false
	}
	return true
}

// Reason returns the active cooldown class for model, if any.
func (c *Cooldowns) Reason(model string) (Class, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[model]
	if !ok || e.UntilMs <= c.now() {
		return "", false
	}
	return e.Reason, true
}

// Clear removes a model's cooldown, for the admin surface.
func (c *Cooldowns) Clear(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[model]; ok {
		delete(c.entries, model)
		c.scheduleSaveLocked()
	}
}

// Snapshot returns the active cooldowns for status display.
func (c *Cooldowns) Snapshot() map[string]struct {
	UntilMs int64
	Reason  Class
} {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make(map[string]struct {
		UntilMs int64
		Reason  Class
	})
	for m, e := range c.entries {
		if e.UntilMs > now {
			out[m] = struct {
				UntilMs int64
				Reason  Class
			}{e.UntilMs, e.Reason}
		}
	}
	return out
}

// scheduleSaveLocked arms the debounce timer. Callers hold c.mu.
func (c *Cooldowns) scheduleSaveLocked() {
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
	c.saveTimer = time.AfterFunc(c.debounce, func() {
		if err := c.save(); err != nil {
			c.logger.Warn("cooldown save failed", "error", err)
		}
	})
}

// Flush persists immediately, for shutdown.
func (c *Cooldowns) Flush() error {
	c.mu.Lock()
	if c.saveTimer != nil {
		c.saveTimer.Stop()
		c.saveTimer = nil
	}
	c.mu.Unlock()
	return c.save()
}

func (c *Cooldowns) save() error {
	c.mu.Lock()
	now := c.now()
	live := make(map[string]cooldownEntry, len(c.entries))
	for m, e := range c.entries {
		if e.UntilMs > now {
			live[m] = e
		}
	}
	path := c.path
	c.mu.Unlock()

	data, err := json.MarshalIndent(live, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cooldowns: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cooldowns-*.json")
	if err != nil {
		return fmt.Errorf("create temp cooldown file: %w", err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write cooldowns: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync cooldowns: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cooldowns: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace cooldown file: %w", err)
	}
	keep = true
	return nil
}
