package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/memory"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/sessions"
	"github.com/dotclawhq/dotclaw/internal/store"
)

func testLoop(t *testing.T, cfg config.MaintenanceConfig, opts ...Option) (*Loop, *store.Store, paths.Layout) {
	t.Helper()
	layout := paths.Layout{Root: t.TempDir()}
	if err := layout.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	if err := layout.EnsureGroup("family"); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(layout.MessagesDB())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	reg, err := groups.Load(layout.RegisteredGroups())
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(groups.Group{ChatID: "telegram:1", Name: "Family", Folder: "family"}); err != nil {
		t.Fatal(err)
	}

	idx, err := sessions.LoadIndex(filepath.Join(layout.DataDir(), "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, layout, st, reg, idx, nil, opts...), st, layout
}

func touchOld(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
}

// TestSweepPrunesTraceFiles verifies retention honors the day encoded in the
// file name, keeping recent days and malformed names.
func TestSweepPrunesTraceFiles(t *testing.T) {
	l, _, layout := testLoop(t, config.MaintenanceConfig{TraceRetentionDays: 14})

	oldDay := time.Now().UTC().AddDate(0, 0, -30).Format("2006-01-02")
	newDay := time.Now().UTC().Format("2006-01-02")
	for _, name := range []string{"trace-" + oldDay + ".jsonl", "trace-" + newDay + ".jsonl", "trace-garbage.jsonl"} {
		if err := os.WriteFile(filepath.Join(layout.TracesDir(), name), []byte("{}\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	l.Sweep(context.Background())

	if _, err := os.Stat(filepath.Join(layout.TracesDir(), "trace-"+oldDay+".jsonl")); !os.IsNotExist(err) {
		t.Error("old trace file survived")
	}
	for _, name := range []string{"trace-" + newDay + ".jsonl", "trace-garbage.jsonl"} {
		if _, err := os.Stat(filepath.Join(layout.TracesDir(), name)); err != nil {
			t.Errorf("%s removed, want kept", name)
		}
	}
}

// TestSweepPrunesOrphanedIPC verifies stale request files and abandoned
// stream directories disappear while fresh ones stay.
func TestSweepPrunesOrphanedIPC(t *testing.T) {
	l, _, layout := testLoop(t, config.MaintenanceConfig{IPCMaxAgeMs: 300_000})
	ipc := layout.GroupIPC("family")

	touchOld(t, filepath.Join(ipc.Requests(), "old.json"), time.Hour)
	if err := os.WriteFile(filepath.Join(ipc.Requests(), "fresh.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	staleStream := filepath.Join(ipc.Base, "stream", "run-1")
	if err := os.MkdirAll(staleStream, 0o755); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(staleStream, old, old); err != nil {
		t.Fatal(err)
	}

	l.Sweep(context.Background())

	if _, err := os.Stat(filepath.Join(ipc.Requests(), "old.json")); !os.IsNotExist(err) {
		t.Error("stale request survived")
	}
	if _, err := os.Stat(filepath.Join(ipc.Requests(), "fresh.json")); err != nil {
		t.Error("fresh request removed")
	}
	if _, err := os.Stat(staleStream); !os.IsNotExist(err) {
		t.Error("abandoned stream dir survived")
	}
}

// TestSweepPrunesFinishedWorkflows verifies completed runs past retention go
// away and running ones stay.
func TestSweepPrunesFinishedWorkflows(t *testing.T) {
	l, st, _ := testLoop(t, config.MaintenanceConfig{WorkflowRetentionDays: 7})
	ctx := context.Background()
	wf := st.Workflows()

	oldTs := time.Now().AddDate(0, 0, -30).UnixMilli()
	if err := wf.StartRun(ctx, store.WorkflowRun{ID: "w1", GroupFolder: "family", Name: "old", CreatedAt: oldTs}); err != nil {
		t.Fatal(err)
	}
	if err := wf.FinishRun(ctx, "w1", "completed"); err != nil {
		t.Fatal(err)
	}
	if err := wf.StartRun(ctx, store.WorkflowRun{ID: "w2", GroupFolder: "family", Name: "live", CreatedAt: oldTs}); err != nil {
		t.Fatal(err)
	}

	l.Sweep(ctx)

	if _, _, err := wf.GetRun(ctx, "w1"); err == nil {
		t.Error("finished old run survived")
	}
	if _, _, err := wf.GetRun(ctx, "w2"); err != nil {
		t.Errorf("running run removed: %v", err)
	}
}

type unitEmbedder struct{}

func (unitEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// TestSweepBackfillsEmbeddings verifies the sweep vectorizes memories that
// were written without an embedding.
func TestSweepBackfillsEmbeddings(t *testing.T) {
	layout := paths.Layout{Root: t.TempDir()}
	if err := layout.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	mem, err := memory.Open(layout.MemoryDB(), memory.WithEmbedder(unitEmbedder{}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })
	ctx := context.Background()
	if err := mem.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := mem.Upsert(ctx, []memory.Item{
		{GroupFolder: "g", Scope: memory.ScopeGroup, Type: "fact", Content: "the door code is 4411"},
	}); err != nil {
		t.Fatal(err)
	}

	l, _, _ := testLoop(t, config.MaintenanceConfig{}, WithMemory(mem))
	l.Sweep(ctx)

	stats, err := mem.GetStats(ctx, "g")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Embedded != 1 {
		t.Errorf("Embedded = %d, want 1 after sweep", stats.Embedded)
	}
}

// TestSweepDisabledCleanersAreNoOps verifies zeroed retention settings skip
// their cleaners entirely.
func TestSweepDisabledCleanersAreNoOps(t *testing.T) {
	l, _, layout := testLoop(t, config.MaintenanceConfig{})

	oldDay := time.Now().UTC().AddDate(0, 0, -300).Format("2006-01-02")
	path := filepath.Join(layout.TracesDir(), "trace-"+oldDay+".jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l.Sweep(context.Background())

	if _, err := os.Stat(path); err != nil {
		t.Error("trace removed with retention disabled")
	}
}
