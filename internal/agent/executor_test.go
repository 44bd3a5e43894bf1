package agent

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/lanes"
	"github.com/dotclawhq/dotclaw/internal/router"
	"github.com/dotclawhq/dotclaw/internal/sandbox"
	"github.com/dotclawhq/dotclaw/internal/sessions"
	"github.com/dotclawhq/dotclaw/internal/trace"
)

// fakeRunner scripts per-model responses.
type fakeRunner struct {
	mu      sync.Mutex
	byModel map[string][]runStep
	runs    []string // models in invocation order
	reqs    []sandbox.Request
}

type runStep struct {
	resp sandbox.Response
	err  error
}

func (f *fakeRunner) Run(_ context.Context, req sandbox.Request) (sandbox.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req.Model)
	f.reqs = append(f.reqs, req)
	steps := f.byModel[req.Model]
	if len(steps) == 0 {
		return sandbox.Response{Status: "success", Result: "ok"}, nil
	}
	step := steps[0]
	f.byModel[req.Model] = steps[1:]
	return step.resp, step.err
}

func (f *fakeRunner) Cancel(context.Context, string, string) error { return nil }
func (f *fakeRunner) Close() error                                 { return nil }

func testExecutor(t *testing.T, runner sandbox.Runner) (*Executor, *sessions.Index) {
	t.Helper()
	cfg := config.Default()
	docs := &config.Docs{Model: config.ModelConfig{Active: "alpha", Fallbacks: []string{"beta"}}}
	cd := router.LoadCooldowns(filepath.Join(t.TempDir(), "cooldowns.json"))
	rt := router.New(config.RouterConfig{MaxToolSteps: 20, MaxOutputTokens: 4096}, config.RecallConfig{}, docs, cd, nil)
	idx, err := sessions.LoadIndex(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatal(err)
	}
	gate := lanes.NewGate(2, 15000, 4)
	traces := trace.NewWriter(t.TempDir(), nil)
	return New(cfg, docs, rt, runner, nil, idx, gate, lanes.NewGroupLocks(), traces, nil), idx
}

func testGroup() groups.Group {
	return groups.Group{ChatID: "telegram:1", Name: "Family", Folder: "family", Main: true}
}

// TestExecuteSuccessPersistsSession verifies a clean run records the new
// session id and reports the response.
func TestExecuteSuccessPersistsSession(t *testing.T) {
	runner := &fakeRunner{byModel: map[string][]runStep{
		"alpha": {{resp: sandbox.Response{Status: "success", Result: "hi", NewSessionID: "sess-9"}}},
	}}
	e, idx := testExecutor(t, runner)

	out := e.Execute(context.Background(), Input{
		Group:          testGroup(),
		Prompt:         "hello there",
		Lane:           lanes.LaneInteractive,
		PersistSession: true,
	})
	if out.Err != nil {
		t.Fatalf("Execute() error = %v", out.Err)
	}
	if out.Response.Result != "hi" || out.Attempts != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if id, ok := idx.Get("family"); !ok || id != "sess-9" {
		t.Errorf("session index = %q, %v, want sess-9", id, ok)
	}
}

// TestExecuteFailsOverToFallback verifies a transient failure on the active
// model lands on the fallback with a downgraded decision.
func TestExecuteFailsOverToFallback(t *testing.T) {
	runner := &fakeRunner{byModel: map[string][]runStep{
		"alpha": {{err: errors.New("connection reset by peer")}},
		"beta":  {{resp: sandbox.Response{Status: "success", Result: "recovered"}}},
	}}
	e, _ := testExecutor(t, runner)

	out := e.Execute(context.Background(), Input{Group: testGroup(), Prompt: "please summarize the report", Lane: lanes.LaneInteractive})
	if out.Err != nil {
		t.Fatalf("Execute() error = %v", out.Err)
	}
	if out.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", out.Attempts)
	}
	if len(runner.runs) != 2 || runner.runs[1] != "beta" {
		t.Errorf("run order = %v, want alpha then beta", runner.runs)
	}
	if out.Decision.MaxToolSteps >= 20 {
		t.Errorf("MaxToolSteps = %d, want downgraded below 20", out.Decision.MaxToolSteps)
	}
}

// TestExecuteAuthFailsFast verifies an auth failure stops the loop without
// touching the fallback.
func TestExecuteAuthFailsFast(t *testing.T) {
	runner := &fakeRunner{byModel: map[string][]runStep{
		"alpha": {{resp: sandbox.Response{Status: "error", Error: "401 invalid api key"}}},
	}}
	e, _ := testExecutor(t, runner)

	out := e.Execute(context.Background(), Input{Group: testGroup(), Prompt: "please summarize the report", Lane: lanes.LaneInteractive})
	if out.Err == nil {
		t.Fatal("Execute() error = nil, want auth failure")
	}
	if len(runner.runs) != 1 {
		t.Errorf("runs = %v, want alpha only", runner.runs)
	}
	if out.UserError == "" {
		t.Error("UserError empty, want a human-readable line")
	}
}

// TestExecuteRetriesEmptySuccessOnce verifies the single strict retry for a
// success with no content.
func TestExecuteRetriesEmptySuccessOnce(t *testing.T) {
	runner := &fakeRunner{byModel: map[string][]runStep{
		"alpha": {
			{resp: sandbox.Response{Status: "success", Result: ""}},
			{resp: sandbox.Response{Status: "success", Result: "second time"}},
		},
	}}
	e, _ := testExecutor(t, runner)
	e.router = router.New(
		config.RouterConfig{MaxToolSteps: 20, MaxOutputTokens: 4096, RetryEmptySuccess: true},
		config.RecallConfig{},
		&config.Docs{Model: config.ModelConfig{Active: "alpha"}},
		router.LoadCooldowns(filepath.Join(t.TempDir(), "cooldowns.json")),
		nil,
	)

	out := e.Execute(context.Background(), Input{Group: testGroup(), Prompt: "please summarize the report", Lane: lanes.LaneInteractive})
	if out.Err != nil {
		t.Fatalf("Execute() error = %v", out.Err)
	}
	if out.Response.Result != "second time" || out.Attempts != 2 {
		t.Errorf("outcome = result %q attempts %d", out.Response.Result, out.Attempts)
	}
}

// TestExecuteRequestCarriesFallbacks verifies each container request names
// the failover candidates behind its chosen model, and that the list shrinks
// as the loop walks down the chain.
func TestExecuteRequestCarriesFallbacks(t *testing.T) {
	runner := &fakeRunner{byModel: map[string][]runStep{
		"alpha": {{err: errors.New("connection reset by peer")}},
		"beta":  {{resp: sandbox.Response{Status: "success", Result: "recovered"}}},
	}}
	e, _ := testExecutor(t, runner)

	out := e.Execute(context.Background(), Input{Group: testGroup(), Prompt: "please summarize the report", Lane: lanes.LaneInteractive})
	if out.Err != nil {
		t.Fatalf("Execute() error = %v", out.Err)
	}
	if len(runner.reqs) != 2 {
		t.Fatalf("runs = %v, want alpha then beta", runner.runs)
	}
	if got := runner.reqs[0].Fallbacks; len(got) != 1 || got[0] != "beta" {
		t.Errorf("first request fallbacks = %v, want [beta]", got)
	}
	if got := runner.reqs[1].Fallbacks; len(got) != 0 {
		t.Errorf("last candidate fallbacks = %v, want none", got)
	}
}

// TestExecuteContextOverflowResetsSession verifies an overflow failure drops
// the stored session binding, so the retry runs on a fresh session instead
// of resuming the history that overflowed.
func TestExecuteContextOverflowResetsSession(t *testing.T) {
	runner := &fakeRunner{byModel: map[string][]runStep{
		"alpha": {{resp: sandbox.Response{Status: "error", Error: "maximum context length exceeded"}}},
		"beta":  {{resp: sandbox.Response{Status: "success", Result: "recovered"}}},
	}}
	e, idx := testExecutor(t, runner)
	if err := idx.Set("family", "sess-old"); err != nil {
		t.Fatal(err)
	}

	out := e.Execute(context.Background(), Input{
		Group:          testGroup(),
		Prompt:         "please summarize the report",
		Lane:           lanes.LaneInteractive,
		PersistSession: true,
	})
	if out.Err != nil {
		t.Fatalf("Execute() error = %v", out.Err)
	}
	if len(runner.reqs) != 2 {
		t.Fatalf("run order = %v, want alpha then the retry", runner.runs)
	}
	if runner.reqs[0].SessionID != "sess-old" {
		t.Errorf("first attempt session = %q, want sess-old", runner.reqs[0].SessionID)
	}
	if runner.reqs[1].SessionID != "" {
		t.Errorf("retry session = %q, want a fresh session", runner.reqs[1].SessionID)
	}
	if id, ok := idx.Get("family"); ok {
		t.Errorf("session binding survived the overflow: %q", id)
	}
}

// TestExecutePreemptionSurfaces verifies a preempted run returns without
// failover.
func TestExecutePreemptionSurfaces(t *testing.T) {
	runner := &fakeRunner{byModel: map[string][]runStep{
		"alpha": {{err: sandbox.ErrPreempted}},
	}}
	e, _ := testExecutor(t, runner)

	out := e.Execute(context.Background(), Input{Group: testGroup(), Prompt: "please summarize the report", Lane: lanes.LaneInteractive})
	if !errors.Is(out.Err, sandbox.ErrPreempted) {
		t.Fatalf("Execute() error = %v, want preemption", out.Err)
	}
	if len(runner.runs) != 1 {
		t.Errorf("runs = %v, want no failover after preemption", runner.runs)
	}
}

// TestExecuteSerializesPerGroup verifies two runs for the same group do not
// overlap.
func TestExecuteSerializesPerGroup(t *testing.T) {
	var mu sync.Mutex
	running := 0
	maxRunning := 0

	runner := &slowRunner{onRun: func() {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
	}}
	e, _ := testExecutor(t, runner)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Execute(context.Background(), Input{Group: testGroup(), Prompt: "hi", Lane: lanes.LaneInteractive})
		}()
	}
	wg.Wait()
	if maxRunning != 1 {
		t.Errorf("max concurrent runs for one group = %d, want 1", maxRunning)
	}
}

type slowRunner struct{ onRun func() }

func (s *slowRunner) Run(context.Context, sandbox.Request) (sandbox.Response, error) {
	s.onRun()
	return sandbox.Response{Status: "success", Result: "ok"}, nil
}
func (s *slowRunner) Cancel(context.Context, string, string) error { return nil }
func (s *slowRunner) Close() error                                 { return nil }
