package lanes

import (
	"context"
	"testing"
	"time"
)

// TestGateBoundsConcurrency verifies the gate never hands out more slots
// than its capacity.
func TestGateBoundsConcurrency(t *testing.T) {
	g := NewGate(2, 15_000, 10)

	h1, ok := g.TryAcquire(LaneInteractive)
	if !ok {
		t.Fatal("first TryAcquire failed")
	}
	h2, ok := g.TryAcquire(LaneScheduled)
	if !ok {
		t.Fatal("second TryAcquire failed")
	}
	if _, ok := g.TryAcquire(LaneInteractive); ok {
		t.Error("TryAcquire succeeded beyond capacity")
	}

	h1.Release()
	h1.Release() // idempotent
	if g.InUse() != 1 {
		t.Errorf("InUse() = %d after one release, want 1", g.InUse())
	}
	h2.Release()
}

// TestGatePrefersInteractive verifies that with both lanes waiting and no
// starvation, the freed slot goes to the interactive waiter.
func TestGatePrefersInteractive(t *testing.T) {
	g := NewGate(1, 15_000, 10)
	hold, _ := g.TryAcquire(LaneInteractive)

	got := make(chan Lane, 2)
	acquire := func(lane Lane) {
		h, err := g.Acquire(context.Background(), lane)
		if err != nil {
			t.Errorf("Acquire(%v) error: %v", lane, err)
			return
		}
		got <- lane
		time.Sleep(10 * time.Millisecond)
		h.Release()
	}

	go acquire(LaneMaintenance)
	time.Sleep(20 * time.Millisecond) // maintenance waits first
	go acquire(LaneInteractive)
	time.Sleep(20 * time.Millisecond)

	hold.Release()

	first := <-got
	if first != LaneInteractive {
		t.Errorf("first dispatched lane = %v, want interactive", first)
	}
	<-got
}

// TestGatePromotesStarvedMaintenance covers the starvation rule: a
// maintenance waiter past the threshold is dispatched ahead of a newer
// interactive waiter.
func TestGatePromotesStarvedMaintenance(t *testing.T) {
	clock := int64(1_000_000)
	g := NewGate(1, 15_000, 10, WithClock(func() int64 { return clock }))
	hold, _ := g.TryAcquire(LaneInteractive)

	got := make(chan Lane, 2)
	acquire := func(lane Lane) {
		h, err := g.Acquire(context.Background(), lane)
		if err != nil {
			t.Errorf("Acquire(%v) error: %v", lane, err)
			return
		}
		got <- lane
		time.Sleep(10 * time.Millisecond)
		h.Release()
	}

	go acquire(LaneMaintenance)
	time.Sleep(20 * time.Millisecond)
	clock += 16_000 // maintenance is now past the starvation threshold
	go acquire(LaneInteractive)
	time.Sleep(20 * time.Millisecond)

	hold.Release()

	first := <-got
	if first != LaneMaintenance {
		t.Errorf("first dispatched lane = %v, want starved maintenance", first)
	}
	<-got
}

// TestGateInteractiveBurstCap verifies the consecutive-interactive cap yields
// a turn to background work once it is exceeded.
func TestGateInteractiveBurstCap(t *testing.T) {
	g := NewGate(1, 60_000, 2)

	// Two interactive grants exhaust the burst budget; the second is still
	// held when both waiters arrive.
	h, ok := g.TryAcquire(LaneInteractive)
	if !ok {
		t.Fatal("first interactive grant failed")
	}
	h.Release()
	h, ok = g.TryAcquire(LaneInteractive)
	if !ok {
		t.Fatal("second interactive grant failed")
	}

	got := make(chan Lane, 2)
	acquire := func(lane Lane) {
		w, err := g.Acquire(context.Background(), lane)
		if err != nil {
			t.Errorf("Acquire(%v) error: %v", lane, err)
			return
		}
		got <- lane
		time.Sleep(10 * time.Millisecond)
		w.Release()
	}
	go acquire(LaneInteractive)
	go acquire(LaneScheduled)
	time.Sleep(20 * time.Millisecond)

	h.Release()
	if first := <-got; first != LaneScheduled {
		t.Errorf("first lane after burst cap = %v, want scheduled", first)
	}
	<-got
}

// TestAcquireContextCancel verifies a canceled waiter leaves the queue.
func TestAcquireContextCancel(t *testing.T) {
	g := NewGate(1, 15_000, 10)
	hold, _ := g.TryAcquire(LaneInteractive)
	defer hold.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, LaneScheduled); err == nil {
		t.Fatal("Acquire() = nil error after context timeout")
	}
	if w := g.Waiting()["scheduled"]; w != 0 {
		t.Errorf("Waiting() scheduled = %d after cancel, want 0", w)
	}
}

// TestGroupLocksSerializeAndPrune verifies per-folder mutual exclusion and
// that released folders leave the registry.
func TestGroupLocksSerializeAndPrune(t *testing.T) {
	gl := NewGroupLocks()

	unlock := gl.Lock("family")
	if _, ok := gl.TryLock("family"); ok {
		t.Error("TryLock succeeded while folder locked")
	}
	if u2, ok := gl.TryLock("work"); !ok {
		t.Error("TryLock failed for distinct folder")
	} else {
		u2()
	}

	unlock()
	unlock() // idempotent
	if gl.Size() != 0 {
		t.Errorf("Size() = %d after all releases, want 0", gl.Size())
	}
}
