// Package maintenance runs the periodic background loop: old trace files,
// orphaned IPC files, stale agent sessions, finished workflow runs, expired
// queue claims, plus the memory embedding backfill.
package maintenance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/memory"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/sessions"
	"github.com/dotclawhq/dotclaw/internal/store"
)

// minInterval clamps the loop cadence; sweeping more often than once a
// minute only burns disk.
const minInterval = time.Minute

// Loop is the background cleaner.
type Loop struct {
	cfg      config.MaintenanceConfig
	layout   paths.Layout
	store    *store.Store
	registry *groups.Registry
	sessions *sessions.Index
	memory   *memory.Store
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock overrides time for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithMemory enables the embedding backfill against the memory store.
func WithMemory(mem *memory.Store) Option {
	return func(l *Loop) { l.memory = mem }
}

// New builds a maintenance loop.
func New(cfg config.MaintenanceConfig, layout paths.Layout, st *store.Store,
	reg *groups.Registry, idx *sessions.Index, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		cfg:      cfg,
		layout:   layout,
		store:    st,
		registry: reg,
		sessions: idx,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the cleanup ticker. The first sweep runs one interval in,
// not at startup, so boot stays fast.
func (l *Loop) Start(ctx context.Context) {
	interval := time.Duration(l.cfg.IntervalMs) * time.Millisecond
	if interval < minInterval {
		interval = minInterval
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep(ctx)
			}
		}
	}()
}

// Wait blocks until the loop exits.
func (l *Loop) Wait() {
	l.wg.Wait()
}

// Sweep runs every cleaner once. Each cleaner fails independently; one bad
// directory never blocks the rest.
func (l *Loop) Sweep(ctx context.Context) {
	traces := l.pruneTraces()
	ipcFiles := l.pruneIPC()
	sess := l.pruneSessions()
	workflows := l.pruneWorkflows(ctx)
	claims := l.reapClaims(ctx)
	embedded := l.backfillEmbeddings(ctx)

	if traces+ipcFiles+sess+workflows+claims+embedded > 0 {
		l.logger.Info("maintenance sweep",
			"traces", traces, "ipcFiles", ipcFiles, "sessions", sess,
			"workflows", workflows, "claims", claims, "embedded", embedded)
	}
}

// pruneTraces removes trace files whose embedded day is past retention.
func (l *Loop) pruneTraces() int {
	if l.cfg.TraceRetentionDays <= 0 {
		return 0
	}
	cutoff := l.now().UTC().AddDate(0, 0, -l.cfg.TraceRetentionDays)

	entries, err := os.ReadDir(l.layout.TracesDir())
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "trace-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, "trace-"), ".jsonl"))
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(filepath.Join(l.layout.TracesDir(), name)); err == nil {
				removed++
			}
		}
	}
	return removed
}

// pruneIPC removes request, response and quarantined error files older than
// the IPC age limit, plus abandoned stream directories. Live requests are
// handled within seconds, so anything this old is an orphan.
func (l *Loop) pruneIPC() int {
	maxAge := time.Duration(l.cfg.IPCMaxAgeMs) * time.Millisecond
	if maxAge <= 0 {
		return 0
	}
	cutoff := l.now().Add(-maxAge)

	removed := 0
	for _, folder := range l.registry.Folders() {
		ipc := l.layout.GroupIPC(folder)
		for _, dir := range ipc.All() {
			removed += removeOlderThan(dir, cutoff)
		}
		removed += removeDirsOlderThan(filepath.Join(ipc.Base, "stream"), cutoff)
	}
	return removed
}

func (l *Loop) pruneSessions() int {
	if l.sessions == nil || l.cfg.SessionRetentionDays <= 0 {
		return 0
	}
	maxAge := time.Duration(l.cfg.SessionRetentionDays) * 24 * time.Hour
	n, err := l.sessions.PruneStale(l.layout.SessionsDir(), maxAge)
	if err != nil {
		l.logger.Warn("session prune failed", "error", err)
	}
	return n
}

func (l *Loop) pruneWorkflows(ctx context.Context) int {
	if l.cfg.WorkflowRetentionDays <= 0 {
		return 0
	}
	cutoff := l.now().AddDate(0, 0, -l.cfg.WorkflowRetentionDays).UnixMilli()
	n, err := l.store.Workflows().DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		l.logger.Warn("workflow prune failed", "error", err)
	}
	return n
}

// backfillEmbeddings vectorizes memories written without an embedding, one
// bounded batch per sweep.
func (l *Loop) backfillEmbeddings(ctx context.Context) int {
	if l.memory == nil {
		return 0
	}
	n, err := l.memory.BackfillEmbeddings(ctx, 0)
	if err != nil {
		l.logger.Warn("embedding backfill failed", "error", err)
	}
	return n
}

func (l *Loop) reapClaims(ctx context.Context) int {
	n, err := l.store.ReapExpiredClaims(ctx)
	if err != nil {
		l.logger.Warn("claim reap failed", "error", err)
	}
	return n
}

// removeOlderThan deletes regular files in dir modified before cutoff.
func removeOlderThan(dir string, cutoff time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}

// removeDirsOlderThan deletes whole subdirectories of dir modified before
// cutoff. Used for stream directories a crashed run left behind.
func removeDirsOlderThan(dir string, cutoff time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}
