package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotclawhq/dotclaw/internal/admin"
	"github.com/dotclawhq/dotclaw/internal/agent"
	"github.com/dotclawhq/dotclaw/internal/bootstrap"
	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/channels"
	"github.com/dotclawhq/dotclaw/internal/channels/discord"
	"github.com/dotclawhq/dotclaw/internal/channels/telegram"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/ipc"
	"github.com/dotclawhq/dotclaw/internal/jobs"
	"github.com/dotclawhq/dotclaw/internal/lanes"
	"github.com/dotclawhq/dotclaw/internal/maintenance"
	"github.com/dotclawhq/dotclaw/internal/memory"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/pipeline"
	"github.com/dotclawhq/dotclaw/internal/router"
	"github.com/dotclawhq/dotclaw/internal/sandbox"
	"github.com/dotclawhq/dotclaw/internal/sessions"
	"github.com/dotclawhq/dotclaw/internal/store"
	"github.com/dotclawhq/dotclaw/internal/stream"
	"github.com/dotclawhq/dotclaw/internal/tasks"
	"github.com/dotclawhq/dotclaw/internal/trace"
	"github.com/dotclawhq/dotclaw/internal/web"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the DotClaw host",
		Long: "Starts the chat adapters, message pipeline, task scheduler, job\n" +
			"runner, IPC dispatcher and maintenance loop, and blocks until\n" +
			"SIGINT or SIGTERM. SIGHUP re-reads the runtime config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context())
		},
	}
}

func runStart(ctx context.Context) error {
	layout, err := paths.Resolve()
	if err != nil {
		return err
	}
	if err := layout.EnsureAll(); err != nil {
		return err
	}
	if err := config.LoadEnvFile(layout.EnvFile()); err != nil {
		return err
	}
	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = layout.RuntimeConfig()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("dotclaw starting", "version", Version, "root", layout.Root)

	st, err := store.Open(layout.MessagesDB(),
		store.WithLogger(logger),
		store.WithRetryBackoff(int64(cfg.Queue.RetryBaseMs), int64(cfg.Queue.RetryMaxMs)),
		store.WithClaimDeadline(int64(cfg.Queue.ClaimDeadlineMs)))
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init message store: %w", err)
	}

	memOpts := []memory.Option{
		memory.WithLogger(logger),
		memory.WithVectorWeight(cfg.Recall.VectorWeight),
	}
	if cfg.Recall.EmbeddingModel != "" && cfg.Secrets.OpenRouterAPIKey != "" {
		memOpts = append(memOpts, memory.WithEmbedder(
			router.NewEmbedder(cfg.Recall.EmbeddingModel, cfg.Secrets.OpenRouterAPIKey, logger)))
	}
	mem, err := memory.Open(layout.MemoryDB(), memOpts...)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer mem.Close()
	if err := mem.Init(ctx); err != nil {
		return fmt.Errorf("init memory store: %w", err)
	}

	registry, err := groups.Load(layout.RegisteredGroups())
	if err != nil {
		return fmt.Errorf("load group registry: %w", err)
	}
	for _, folder := range registry.Folders() {
		if err := layout.EnsureGroup(folder); err != nil {
			logger.Warn("group tree creation failed", "group", folder, "error", err)
			continue
		}
		if _, err := bootstrap.SeedGroupFiles(layout.GroupDir(folder)); err != nil {
			logger.Warn("group file seeding failed", "group", folder, "error", err)
		}
	}

	docs, err := config.LoadDocs(layout.ConfigDir())
	if err != nil {
		return fmt.Errorf("load config docs: %w", err)
	}
	idx, err := sessions.LoadIndex(layout.SessionIndex())
	if err != nil {
		return fmt.Errorf("load session index: %w", err)
	}

	cooldowns := router.LoadCooldowns(layout.CooldownFile())
	rt := router.New(cfg.Router, cfg.Recall, docs, cooldowns, logger)

	gate := lanes.NewGate(cfg.MaxAgents, int64(cfg.Lanes.StarvationMs), cfg.Lanes.MaxConsecutiveInteractive)
	locks := lanes.NewGroupLocks()

	traces := trace.NewWriter(layout.TracesDir(), logger)
	defer traces.Close()
	if cfg.Telemetry.Enabled {
		shutdown, err := trace.SetupOTel(ctx, cfg.Telemetry)
		if err != nil {
			logger.Warn("telemetry setup failed", "error", err)
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					logger.Warn("telemetry shutdown failed", "error", err)
				}
			}()
		}
	}

	runner, err := sandbox.NewDockerRunner(cfg.Container, layout, config.ForwardEnv(os.Environ()),
		extraMountsFunc(registry, logger), registry.IsMainFolder, logger)
	if err != nil {
		return fmt.Errorf("connect sandbox runner: %w", err)
	}
	defer runner.Close()

	var agentOpts []agent.Option
	if cfg.Router.ClassifierEnabled && cfg.Secrets.OpenRouterAPIKey != "" {
		agentOpts = append(agentOpts,
			agent.WithClassifier(router.NewClassifier(cfg.Router.ClassifierModel, cfg.Secrets.OpenRouterAPIKey, logger)))
	}
	exec := agent.New(cfg, docs, rt, runner, mem, idx, gate, locks, traces, logger, agentOpts...)

	msgBus := bus.New()
	dedupe := bus.NewDedupeCache()
	manager := channels.NewManager(logger)
	mediaDir := filepath.Join(layout.DataDir(), "media")

	runCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()

	started := 0
	if cfg.Channels.Telegram.Enabled {
		if startAdapter(runCtx, manager, logger, "telegram", func() (channels.Channel, error) {
			return telegram.New(cfg.Channels.Telegram, msgBus, dedupe, mediaDir, logger)
		}) {
			started++
		}
	}
	if cfg.Channels.Discord.Enabled {
		if startAdapter(runCtx, manager, logger, "discord", func() (channels.Channel, error) {
			return discord.New(cfg.Channels.Discord, msgBus, dedupe, mediaDir, logger)
		}) {
			started++
		}
	}
	if started == 0 {
		logger.Warn("no chat providers running; IPC and scheduler still active")
	}

	streams := stream.New(manager, cfg.Stream, logger)
	scheduler := tasks.New(cfg.Scheduler, st, registry, exec, manager, logger)
	jobRunner := jobs.New(cfg.Jobs, st, registry, exec, manager, layout, logger)
	maint := maintenance.New(cfg.Maintenance, layout, st, registry, idx, logger,
		maintenance.WithMemory(mem))

	botName := cfg.Channels.Telegram.BotName
	if botName == "" {
		botName = cfg.Channels.Discord.BotName
	}
	if botName == "" {
		botName = "dotclaw"
	}
	adminHandler := admin.NewHandler(botName, Version, registry, docs, st, mem, layout, scheduler.Location(), manager.Health, logger)

	pipe := pipeline.New(cfg, st, registry, exec, streams, manager, layout, msgBus, logger,
		pipeline.WithAdminHook(adminHandler.Handle),
		pipeline.WithJobDiverter(pipeline.JobDiverter{
			Classify: exec.ShouldBackground,
			Submit:   jobRunner.Submit,
		}))

	speechKey := os.Getenv("OPENAI_API_KEY")
	if speechKey == "" {
		speechKey = cfg.Secrets.OpenRouterAPIKey
	}
	dispatcher := ipc.NewDispatcher(layout, callerResolver(registry), logger)
	ipc.RegisterHandlers(dispatcher, ipc.Services{
		Sender:           manager,
		Store:            st,
		Memory:           mem,
		Registry:         registry,
		Docs:             docs,
		Layout:           layout,
		Location:         scheduler.Location(),
		Downloader:       web.NewDownloader(filepath.Join(layout.DataDir(), "downloads"), logger),
		Speech:           web.NewSpeech(filepath.Join(layout.DataDir(), "audio"), speechKey, logger),
		Logger:           logger,
		ValidateSchedule: tasks.ValidateSchedule,
		FirstRun:         tasks.FirstRun,
	})
	for _, folder := range registry.Folders() {
		if err := dispatcher.WatchGroup(folder); err != nil {
			logger.Warn("ipc watch failed", "group", folder, "error", err)
		}
	}
	if err := dispatcher.Start(runCtx); err != nil {
		return fmt.Errorf("start ipc dispatcher: %w", err)
	}
	go reconcileWatches(runCtx, dispatcher, registry, layout, logger)

	pipe.Start(runCtx)
	scheduler.Start(runCtx)
	jobRunner.Start(runCtx)
	maint.Start(runCtx)
	logger.Info("dotclaw ready", "groups", len(registry.Folders()), "providers", started)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	var sig os.Signal
	for sig == nil {
		select {
		case <-ctx.Done():
			sig = syscall.SIGTERM
		case s := <-sigCh:
			if s == syscall.SIGHUP {
				reloadConfig(cfgPath, cfg, logger)
				continue
			}
			sig = s
		}
	}
	logger.Info("shutting down", "signal", sig.String())

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	manager.StopAll(stopCtx)
	dispatcher.Stop()
	stopAll()
	pipe.Wait()
	scheduler.Wait()
	jobRunner.Wait()
	maint.Wait()
	logger.Info("dotclaw stopped")
	return nil
}

// startAdapter constructs and starts one provider adapter. Failures are
// logged and tolerated so a broken token on one provider does not take the
// host down.
func startAdapter(ctx context.Context, manager *channels.Manager, logger *slog.Logger,
	name string, build func() (channels.Channel, error)) bool {
	ch, err := build()
	if err != nil {
		logger.Error("channel init failed, continuing without it", "provider", name, "error", err)
		return false
	}
	if err := ch.Start(ctx); err != nil {
		logger.Error("channel start failed, continuing without it", "provider", name, "error", err)
		return false
	}
	manager.Register(ch)
	logger.Info("channel started", "provider", name)
	return true
}

// extraMountsFunc resolves a group's configured extra binds at container
// start. Bad specs are skipped with a warning rather than failing the run.
func extraMountsFunc(registry *groups.Registry, logger *slog.Logger) func(folder string) []sandbox.ExtraMount {
	return func(folder string) []sandbox.ExtraMount {
		g, ok := registry.ByFolder(folder)
		if !ok {
			return nil
		}
		var mounts []sandbox.ExtraMount
		for _, spec := range g.ExtraMounts {
			m, err := sandbox.ParseExtraMount(spec)
			if err != nil {
				logger.Warn("bad mount spec skipped", "group", folder, "spec", spec, "error", err)
				continue
			}
			mounts = append(mounts, m)
		}
		return mounts
	}
}

// callerResolver maps an IPC group folder to its caller identity.
func callerResolver(registry *groups.Registry) func(folder string) (ipc.Caller, bool) {
	return func(folder string) (ipc.Caller, bool) {
		g, ok := registry.ByFolder(folder)
		if !ok {
			return ipc.Caller{}, false
		}
		return ipc.Caller{GroupFolder: g.Folder, ChatID: g.ChatID, IsMain: g.Main}, true
	}
}

// reconcileWatches picks up groups registered after startup (via admin
// commands or IPC) and starts watching their request directories.
func reconcileWatches(ctx context.Context, d *ipc.Dispatcher, registry *groups.Registry,
	layout paths.Layout, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, folder := range registry.Folders() {
				if err := layout.EnsureGroup(folder); err != nil {
					continue
				}
				if err := d.WatchGroup(folder); err != nil {
					logger.Debug("ipc watch failed", "group", folder, "error", err)
				}
			}
		}
	}
}

func reloadConfig(path string, cfg *config.Config, logger *slog.Logger) {
	fresh, err := config.Load(path)
	if err != nil {
		logger.Warn("config reload failed, keeping current config", "error", err)
		return
	}
	cfg.ReplaceFrom(fresh)
	logger.Info("config reloaded", "path", path)
}
