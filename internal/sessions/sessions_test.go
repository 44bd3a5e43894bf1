package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestIndexRoundTrip verifies session ids survive a reload.
func TestIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	idx, err := LoadIndex(path)
	if err != nil {
		t.Fatalf("LoadIndex() error = %v", err)
	}
	if err := idx.Set("family", "sess-1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := idx.Set("work", "sess-2"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	reloaded, err := LoadIndex(path)
	if err != nil {
		t.Fatalf("LoadIndex() reload error = %v", err)
	}
	if id, ok := reloaded.Get("family"); !ok || id != "sess-1" {
		t.Errorf("Get(family) = %q, %v", id, ok)
	}
	if err := reloaded.Remove("family"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := reloaded.Get("family"); ok {
		t.Error("removed binding still present")
	}
}

// TestPruneStale verifies old unreferenced snapshots go away while live and
// recent ones stay.
func TestPruneStale(t *testing.T) {
	dir := t.TempDir()
	idx, _ := LoadIndex(filepath.Join(dir, "sessions.json"))
	if err := idx.Set("family", "live-sess"); err != nil {
		t.Fatal(err)
	}

	snapRoot := filepath.Join(dir, "snaps", "family", "openrouter")
	for _, name := range []string{"live-sess", "old-sess", "fresh-sess"} {
		if err := os.MkdirAll(filepath.Join(snapRoot, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(snapRoot, "old-sess"), old, old); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(snapRoot, "live-sess"), old, old); err != nil {
		t.Fatal(err)
	}

	removed, err := idx.PruneStale(filepath.Join(dir, "snaps"), 24*time.Hour)
	if err != nil {
		t.Fatalf("PruneStale() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(snapRoot, "live-sess")); err != nil {
		t.Error("referenced snapshot was pruned")
	}
	if _, err := os.Stat(filepath.Join(snapRoot, "old-sess")); !os.IsNotExist(err) {
		t.Error("stale snapshot survived")
	}
}
