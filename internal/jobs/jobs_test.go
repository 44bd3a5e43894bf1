package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotclawhq/dotclaw/internal/agent"
	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/sandbox"
	"github.com/dotclawhq/dotclaw/internal/store"
)

type fakeExec struct {
	mu       sync.Mutex
	outcome  agent.Outcome
	inputs   []agent.Input
	canceled []string
}

func (f *fakeExec) Execute(_ context.Context, in agent.Input) agent.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return f.outcome
}

func (f *fakeExec) Cancel(_ context.Context, _, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, requestID)
	return nil
}

type noteSender struct {
	mu    sync.Mutex
	texts []string
}

func (n *noteSender) Send(_ context.Context, msg bus.OutboundMessage) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, msg.Text)
	return "1", nil
}
func (n *noteSender) Edit(context.Context, string, string, string) error { return nil }
func (n *noteSender) Delete(context.Context, string, string) error       { return nil }

func (n *noteSender) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.texts...)
}

func testRunner(t *testing.T, exec Executor) (*Runner, *store.Store, *noteSender, paths.Layout) {
	t.Helper()
	layout := paths.Layout{Root: t.TempDir()}
	if err := layout.EnsureAll(); err != nil {
		t.Fatal(err)
	}
	if err := layout.EnsureGroup("family"); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(filepath.Join(layout.StoreDir(), "messages.db"))
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

	sender := &noteSender{}
	r := New(config.JobsConfig{Workers: 1}, st, reg, exec, sender, layout, nil)
	return r, st, sender, layout
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// TestJobRunsToCompletion walks a submitted job through execution to the
// completion note in chat.
func TestJobRunsToCompletion(t *testing.T) {
	exec := &fakeExec{outcome: agent.Outcome{
		Response: sandbox.Response{Status: "success", Result: "report ready"},
	}}
	r, st, sender, _ := testRunner(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := r.Submit(ctx, "family", "telegram:1", "compile the report")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		job, err := st.GetJob(context.Background(), id)
		return err == nil && job.Status == store.JobCompleted
	})

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Output != "report ready" || job.OutputPath != "" {
		t.Errorf("job = output %q path %q", job.Output, job.OutputPath)
	}
	if texts := sender.all(); len(texts) != 1 || texts[0] != "report ready" {
		t.Errorf("delivered = %v", texts)
	}
}

// TestLargeOutputParksOnDisk verifies oversized results land in the group's
// jobs directory with a truncated chat summary pointing at them.
func TestLargeOutputParksOnDisk(t *testing.T) {
	long := strings.Repeat("x", 5000)
	exec := &fakeExec{outcome: agent.Outcome{
		Response: sandbox.Response{Status: "success", Result: long},
	}}
	r, st, sender, layout := testRunner(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := r.Submit(ctx, "family", "telegram:1", "dump everything")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		job, err := st.GetJob(context.Background(), id)
		return err == nil && job.Status == store.JobCompleted
	})

	job, _ := st.GetJob(ctx, id)
	want := filepath.Join(layout.GroupJobsDir("family", id), "output.md")
	if job.OutputPath != want {
		t.Fatalf("OutputPath = %q, want %q", job.OutputPath, want)
	}
	data, err := os.ReadFile(job.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != long {
		t.Error("output file does not hold the full result")
	}
	texts := sender.all()
	if len(texts) != 1 || !strings.Contains(texts[0], "Full output:") {
		t.Errorf("summary = %v, want a pointer to the output file", texts)
	}
	if len(texts[0]) >= len(long) {
		t.Error("chat summary was not truncated")
	}
}

// TestFailureMarksJobFailed verifies failed runs record the user-facing
// message and notify the chat.
func TestFailureMarksJobFailed(t *testing.T) {
	exec := &fakeExec{outcome: agent.Outcome{
		Err:       errors.New("provider down"),
		UserError: "The model provider is unavailable right now.",
	}}
	r, st, sender, _ := testRunner(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	id, err := r.Submit(ctx, "family", "telegram:1", "flaky work")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		job, err := st.GetJob(context.Background(), id)
		return err == nil && job.Status == store.JobFailed
	})

	job, _ := st.GetJob(ctx, id)
	if job.Output != "The model provider is unavailable right now." {
		t.Errorf("Output = %q", job.Output)
	}
	waitFor(t, time.Second, func() bool {
		for _, text := range sender.all() {
			if strings.Contains(text, "Background job failed") {
				return true
			}
		}
		return false
	})
}

// TestCancelQueuedJob verifies a canceled job never executes.
func TestCancelQueuedJob(t *testing.T) {
	exec := &fakeExec{outcome: agent.Outcome{Response: sandbox.Response{Status: "success"}}}
	r, st, _, _ := testRunner(t, exec)
	ctx := context.Background()

	id, err := r.Submit(ctx, "family", "telegram:1", "never runs")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}

	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != store.JobCanceled {
		t.Fatalf("Status = %q, want canceled", job.Status)
	}

	// A worker coming up later finds nothing to claim.
	if _, ok, err := st.ClaimNextJob(ctx); err != nil || ok {
		t.Errorf("ClaimNextJob = ok %v err %v, want empty queue", ok, err)
	}
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.inputs) != 0 {
		t.Errorf("executor ran %d times, want 0", len(exec.inputs))
	}
}
