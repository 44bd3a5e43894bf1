package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dotclawhq/dotclaw/internal/agent"
	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/lanes"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/pipeline"
	"github.com/dotclawhq/dotclaw/internal/sandbox"
	"github.com/dotclawhq/dotclaw/internal/store"
	"github.com/dotclawhq/dotclaw/internal/stream"
)

func benchmarkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Measure host performance against latency baselines",
	}
	cmd.AddCommand(benchmarkBaselineCmd(), benchmarkHarnessCmd())
	return cmd
}

func benchmarkBaselineCmd() *cobra.Command {
	var (
		iterations  int
		thresholdMs int
	)
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Benchmark queue claims and lane acquisition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBaseline(cmd.Context(), iterations, time.Duration(thresholdMs)*time.Millisecond)
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 500, "operations per benchmark")
	cmd.Flags().IntVar(&thresholdMs, "threshold-ms", 100, "p95 budget per operation")
	return cmd
}

func benchmarkHarnessCmd() *cobra.Command {
	var (
		messages    int
		thresholdMs int
	)
	cmd := &cobra.Command{
		Use:   "harness",
		Short: "Benchmark the pipeline end to end with a stub agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarness(cmd.Context(), messages, time.Duration(thresholdMs)*time.Millisecond)
		},
	}
	cmd.Flags().IntVar(&messages, "messages", 50, "messages to push through the pipeline")
	cmd.Flags().IntVar(&thresholdMs, "threshold-ms", 2000, "p95 budget per message")
	return cmd
}

func runBaseline(ctx context.Context, iterations int, budget time.Duration) error {
	dir, err := os.MkdirTemp("", "dotclaw-bench-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "bench.db"))
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	failures := 0

	// Queue round trip: enqueue, claim, requeue, claim, done.
	claims := make([]time.Duration, 0, iterations)
	for i := 0; i < iterations; i++ {
		item := store.QueueItem{
			ID: uuid.NewString(), ChatID: "bench:1", SenderID: "bench",
			Content: "ping", Timestamp: time.Now().UnixMilli(), ChatType: "private",
		}
		if err := st.Enqueue(ctx, item); err != nil {
			return err
		}
		start := time.Now()
		claimed, err := st.ClaimBatch(ctx, "bench:1", 0, 1)
		claims = append(claims, time.Since(start))
		if err != nil || len(claimed) == 0 {
			return fmt.Errorf("claim %d failed: %w", i, err)
		}
		if err := st.MarkDone(ctx, []string{item.ID}); err != nil {
			return err
		}
	}
	failures += report("queue claim", claims, budget)

	gate := lanes.NewGate(2, 15000, 5)
	acquires := make([]time.Duration, 0, iterations)
	for i := 0; i < iterations; i++ {
		start := time.Now()
		handle, err := gate.Acquire(ctx, lanes.LaneInteractive)
		acquires = append(acquires, time.Since(start))
		if err != nil {
			return err
		}
		handle.Release()
	}
	failures += report("lane acquire", acquires, budget)

	if failures > 0 {
		return fmt.Errorf("%d benchmark(s) over budget", failures)
	}
	return nil
}

// benchExec answers instantly with a canned result, isolating host overhead
// from model latency.
type benchExec struct{}

func (benchExec) Execute(_ context.Context, in agent.Input) agent.Outcome {
	return agent.Outcome{
		Response:  sandbox.Response{Status: "success", Result: "ok"},
		RequestID: in.RequestID,
	}
}

func (benchExec) Cancel(context.Context, string, string) error { return nil }

// benchSender swallows sends and records delivery times.
type benchSender struct {
	delivered chan time.Time
}

func (s *benchSender) Send(_ context.Context, _ bus.OutboundMessage) (string, error) {
	s.delivered <- time.Now()
	return uuid.NewString(), nil
}
func (s *benchSender) Edit(context.Context, string, string, string) error { return nil }
func (s *benchSender) Delete(context.Context, string, string) error       { return nil }

func runHarness(ctx context.Context, messages int, budget time.Duration) error {
	dir, err := os.MkdirTemp("", "dotclaw-bench-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	layout := paths.Layout{Root: dir}
	if err := layout.EnsureAll(); err != nil {
		return err
	}
	if err := layout.EnsureGroup("bench"); err != nil {
		return err
	}

	st, err := store.Open(layout.MessagesDB())
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	registry, err := groups.Load(layout.RegisteredGroups())
	if err != nil {
		return err
	}
	if err := registry.Register(groups.Group{ChatID: "bench:1", Name: "Bench", Folder: "bench"}); err != nil {
		return err
	}

	cfg := config.Default()
	cfg.BatchWindowMs = 0
	cfg.InterruptOnNewMessage = false

	sender := &benchSender{delivered: make(chan time.Time, messages)}
	streams := stream.New(sender, cfg.Stream, nil)
	msgBus := bus.New()
	pipe := pipeline.New(cfg, st, registry, benchExec{}, streams, sender, layout, msgBus, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pipe.Start(runCtx)

	latencies := make([]time.Duration, 0, messages)
	for i := 0; i < messages; i++ {
		start := time.Now()
		msgBus.PublishInbound(runCtx, bus.InboundMessage{
			Provider: "bench", ChatID: "bench:1", MessageID: fmt.Sprintf("%d", i),
			SenderID: "bench", Content: fmt.Sprintf("message %d", i),
			Timestamp: time.Now().UnixMilli(),
		})
		select {
		case <-sender.delivered:
			latencies = append(latencies, time.Since(start))
		case <-time.After(30 * time.Second):
			return fmt.Errorf("message %d not delivered within 30s", i)
		}
	}
	cancel()
	pipe.Wait()

	if report("pipeline round trip", latencies, budget) > 0 {
		return fmt.Errorf("benchmark over budget")
	}
	return nil
}

// report prints p50/p95/max and returns 1 when p95 exceeds the budget.
func report(name string, samples []time.Duration, budget time.Duration) int {
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	p50 := samples[len(samples)/2]
	p95 := samples[len(samples)*95/100]
	max := samples[len(samples)-1]
	status := "ok"
	if p95 > budget {
		status = fmt.Sprintf("OVER BUDGET (%s)", budget)
	}
	fmt.Printf("%-20s n=%-5d p50=%-10s p95=%-10s max=%-10s %s\n",
		name, len(samples), p50.Round(time.Microsecond), p95.Round(time.Microsecond),
		max.Round(time.Microsecond), status)
	if p95 > budget {
		return 1
	}
	return 0
}
