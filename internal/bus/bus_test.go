package bus

import (
	"context"
	"testing"
	"time"
)

// TestBusRoundTrip verifies inbound and outbound queues deliver in order.
func TestBusRoundTrip(t *testing.T) {
	b := New()
	ctx := context.Background()

	for _, content := range []string{"one", "two"} {
		if !b.PublishInbound(ctx, InboundMessage{ChatID: "telegram:1", Content: content}) {
			t.Fatalf("PublishInbound(%s) blocked", content)
		}
	}
	first, ok := b.ConsumeInbound(ctx)
	if !ok || first.Content != "one" {
		t.Errorf("ConsumeInbound() = %+v, %v, want one", first, ok)
	}
	second, _ := b.ConsumeInbound(ctx)
	if second.Content != "two" {
		t.Errorf("second ConsumeInbound() = %+v, want two", second)
	}

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeInbound(ctx2); ok {
		t.Error("ConsumeInbound() on empty bus returned a message")
	}
}

// TestDedupeCache verifies redeliveries are flagged and the cache stays
// bounded.
func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache()

	if d.Seen("telegram:1:42") {
		t.Error("first sighting reported as seen")
	}
	if !d.Seen("telegram:1:42") {
		t.Error("redelivery not reported as seen")
	}

	base := time.Now()
	d.now = func() time.Time { return base }
	for i := 0; i < dedupeMaxKeys+100; i++ {
		d.Seen(string(rune('a'+i%26)) + string(rune('0'+i%10)) + time.Duration(i).String())
	}
	if len(d.seen) > dedupeMaxKeys {
		t.Errorf("cache size = %d, want bounded at %d", len(d.seen), dedupeMaxKeys)
	}

	// Past the TTL the same key is fresh again.
	d.now = func() time.Time { return base.Add(dedupeTTL + time.Minute) }
	if d.Seen("telegram:1:42") {
		t.Error("expired key still reported as seen")
	}
}
