// Package lanes provides the lane-aware concurrency gate that bounds global
// agent parallelism while keeping interactive traffic responsive and
// background lanes free of starvation.
package lanes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Lane identifies a scheduling class, highest priority first.
type Lane int

const (
	LaneInteractive Lane = iota
	LaneScheduled
	LaneMaintenance
)

func (l Lane) String() string {
	switch l {
	case LaneInteractive:
		return "interactive"
	case LaneScheduled:
		return "scheduled"
	case LaneMaintenance:
		return "maintenance"
	default:
		return fmt.Sprintf("lane(%d)", int(l))
	}
}

// ParseLane maps a lane name to its Lane, defaulting unknown names to
// maintenance.
func ParseLane(name string) Lane {
	switch name {
	case "interactive":
		return LaneInteractive
	case "scheduled":
		return LaneScheduled
	default:
		return LaneMaintenance
	}
}

// Handle releases one acquired slot. Release is idempotent.
type Handle struct {
	once sync.Once
	gate *Gate
	lane Lane
}

// Release returns the slot to the gate. Calling it more than once is a no-op.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() { h.gate.release(h.lane) })
}

type waiter struct {
	lane     Lane
	enqueued int64 // ms
	ready    chan *Handle
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets a structured logger for dispatch decisions.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithClock overrides the millisecond clock for tests.
func WithClock(now func() int64) Option {
	return func(g *Gate) { g.now = now }
}

// Gate is a counting semaphore with three priority lanes. Interactive work
// wins ties, but a background waiter older than the starvation threshold is
// promoted ahead of it, and at most maxConsecutiveInteractive interactive
// dispatches may run back to back while background work waits.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []*waiter

	starvationMs           int64
	maxConsecutiveInteract int
	consecutiveInteract    int

	logger *slog.Logger
	now    func() int64
}

// NewGate builds a gate with the given slot count, starvation threshold, and
// interactive burst cap.
func NewGate(capacity int, starvationMs int64, maxConsecutiveInteractive int, opts ...Option) *Gate {
	if capacity < 1 {
		capacity = 1
	}
	if maxConsecutiveInteractive < 1 {
		maxConsecutiveInteractive = 10
	}
	g := &Gate{
		capacity:               capacity,
		starvationMs:           starvationMs,
		maxConsecutiveInteract: maxConsecutiveInteractive,
		logger:                 slog.Default(),
		now:                    func() int64 { return time.Now().UnixMilli() },
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Acquire blocks until a slot is free for the lane or ctx is done.
func (g *Gate) Acquire(ctx context.Context, lane Lane) (*Handle, error) {
	g.mu.Lock()
	if g.inUse < g.capacity && !g.mustYield(lane) {
		g.grant(lane)
		g.mu.Unlock()
		return &Handle{gate: g, lane: lane}, nil
	}

	w := &waiter{lane: lane, enqueued: g.now(), ready: make(chan *Handle, 1)}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case h := <-w.ready:
		return h, nil
	case <-ctx.Done():
		g.mu.Lock()
		// Remove the waiter unless a grant raced in; then give it back.
		for i, cand := range g.waiters {
			if cand == w {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		g.mu.Unlock()
		select {
		case h := <-w.ready:
			h.Release()
		default:
		}
		return nil, ctx.Err()
	}
}

// TryAcquire takes a slot without blocking.
func (g *Gate) TryAcquire(lane Lane) (*Handle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse >= g.capacity || g.mustYield(lane) {
		return nil, false
	}
	g.grant(lane)
	return &Handle{gate: g, lane: lane}, true
}

// InUse reports how many slots are currently held.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Waiting reports per-lane waiter counts, for the status surface.
func (g *Gate) Waiting() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, 3)
	for _, w := range g.waiters {
		out[w.lane.String()]++
	}
	return out
}

// mustYield reports whether an immediate interactive grant must be held back
// for a starved or burst-bumped background waiter. Callers hold g.mu.
func (g *Gate) mustYield(lane Lane) bool {
	if lane != LaneInteractive {
		return false
	}
	if g.starvedWaiter() != nil {
		return true
	}
	return g.consecutiveInteract >= g.maxConsecutiveInteract && g.hasBackgroundWaiter()
}

func (g *Gate) starvedWaiter() *waiter {
	now := g.now()
	for _, w := range g.waiters {
		if w.lane != LaneInteractive && now-w.enqueued >= g.starvationMs {
			return w
		}
	}
	return nil
}

func (g *Gate) hasBackgroundWaiter() bool {
	for _, w := range g.waiters {
		if w.lane != LaneInteractive {
			return true
		}
	}
	return false
}

// grant takes a slot and updates the interactive burst counter. Callers hold
// g.mu.
func (g *Gate) grant(lane Lane) {
	g.inUse++
	if lane == LaneInteractive {
		g.consecutiveInteract++
	} else {
		g.consecutiveInteract = 0
	}
}

func (g *Gate) release(lane Lane) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inUse--
	g.dispatch()
}

// dispatch hands a freed slot to the next waiter: a starved background
// waiter first, then burst-bumped background, then strict lane priority with
// FIFO within a lane. Callers hold g.mu.
func (g *Gate) dispatch() {
	for g.inUse < g.capacity && len(g.waiters) > 0 {
		idx := g.pickWaiter()
		if idx < 0 {
			return
		}
		w := g.waiters[idx]
		g.waiters = append(g.waiters[:idx], g.waiters[idx+1:]...)
		g.grant(w.lane)
		g.logger.Debug("lane dispatch", "lane", w.lane.String(), "waitedMs", g.now()-w.enqueued)
		w.ready <- &Handle{gate: g, lane: w.lane}
	}
}

func (g *Gate) pickWaiter() int {
	if len(g.waiters) == 0 {
		return -1
	}
	now := g.now()

	// Oldest starved background waiter wins outright.
	starved := -1
	for i, w := range g.waiters {
		if w.lane == LaneInteractive || now-w.enqueued < g.starvationMs {
			continue
		}
		if starved < 0 || w.enqueued < g.waiters[starved].enqueued {
			starved = i
		}
	}
	if starved >= 0 {
		return starved
	}

	bumpInteractive := g.consecutiveInteract >= g.maxConsecutiveInteract && g.hasBackgroundWaiter()

	best := -1
	for i, w := range g.waiters {
		if bumpInteractive && w.lane == LaneInteractive {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := g.waiters[best]
		if w.lane < b.lane || (w.lane == b.lane && w.enqueued < b.enqueued) {
			best = i
		}
	}
	return best
}

// SortWaitersForStatus returns waiter lanes ordered as the dispatcher would
// serve them, for diagnostics.
func (g *Gate) SortWaitersForStatus() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.waiters))
	order := make([]*waiter, len(g.waiters))
	copy(order, g.waiters)
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].lane != order[j].lane {
			return order[i].lane < order[j].lane
		}
		return order[i].enqueued < order[j].enqueued
	})
	for i, w := range order {
		out[i] = w.lane.String()
	}
	return out
}
