// Package config holds the typed runtime configuration for the DotClaw host.
// Non-secret knobs live in config/runtime.json under the data root; secrets
// come from the environment (seeded from <root>/.env) and are never persisted.
package config

import (
	"strings"
	"sync"
)

// Container modes.
const (
	ModeEphemeral = "ephemeral"
	ModeDaemon    = "daemon"
)

// Config is the root runtime configuration.
type Config struct {
	PollIntervalMs        int  `json:"pollIntervalMs"`
	MaxAgents             int  `json:"maxAgents"`
	BatchWindowMs         int  `json:"batchWindowMs"`
	MaxBatchSize          int  `json:"maxBatchSize"`
	MaxRetries            int  `json:"maxRetries"`
	PromptMaxChars        int  `json:"promptMaxChars"`
	InterruptOnNewMessage bool `json:"interruptOnNewMessage"`

	Lanes       LanesConfig       `json:"lanes"`
	Queue       QueueConfig       `json:"queue"`
	Container   ContainerConfig   `json:"container"`
	Router      RouterConfig      `json:"router"`
	Recall      RecallConfig      `json:"recall"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Jobs        JobsConfig        `json:"jobs"`
	Stream      StreamConfig      `json:"stream"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	Channels    ChannelsConfig    `json:"channels"`

	Secrets Secrets `json:"-"`

	mu sync.RWMutex
}

// LanesConfig tunes the lane-aware semaphore.
type LanesConfig struct {
	StarvationMs              int `json:"starvationMs"`
	MaxConsecutiveInteractive int `json:"maxConsecutiveInteractive"`
}

// QueueConfig tunes the durable message queue.
type QueueConfig struct {
	RetryBaseMs     int `json:"retryBaseMs"`
	RetryMaxMs      int `json:"retryMaxMs"`
	ClaimDeadlineMs int `json:"claimDeadlineMs"`
}

// ContainerConfig controls the sandbox runner.
type ContainerConfig struct {
	Mode            string  `json:"mode"` // "ephemeral" or "daemon"
	Image           string  `json:"image"`
	TimeoutMs       int     `json:"timeoutMs"`
	DaemonPollMs    int     `json:"daemonPollMs"`
	MaxExtensionMs  int     `json:"maxExtensionMs"`
	MemoryMB        int     `json:"memoryMb,omitempty"`
	CPUs            float64 `json:"cpus,omitempty"`
	PidsLimit       int     `json:"pidsLimit"`
	ReadOnlyRoot    bool    `json:"readOnlyRoot"`
	TmpfsSize       string  `json:"tmpfsSize"`
	UID             int     `json:"uid,omitempty"` // 0 = current host user
	GID             int     `json:"gid,omitempty"`
	Privileged      bool    `json:"privileged,omitempty"` // legacy opt-in
	NonMainReadOnly bool    `json:"nonMainReadOnly"`
	Network         bool    `json:"network"`
}

// RouterConfig tunes model routing and failover.
type RouterConfig struct {
	MaxFastChars        int     `json:"maxFastChars"`
	ConfidenceThreshold float64 `json:"confidenceThreshold"`
	ClassifierModel     string  `json:"classifierModel"`
	ClassifierEnabled   bool    `json:"classifierEnabled"`
	RetryEmptySuccess   bool    `json:"retryEmptySuccess"`
	MaxOutputTokens     int     `json:"maxOutputTokens"`
	MaxToolSteps        int     `json:"maxToolSteps"`
}

// RecallConfig bounds memory recall per turn.
type RecallConfig struct {
	MaxResults   int     `json:"maxResults"`
	MaxTokens    int     `json:"maxTokens"`
	VectorWeight float64 `json:"vectorWeight"`
	// EmbeddingModel vectorizes queries and stored memories. Empty disables
	// the vector half of hybrid search.
	EmbeddingModel string `json:"embeddingModel,omitempty"`
}

// SchedulerConfig tunes the durable task scheduler.
type SchedulerConfig struct {
	PollIntervalMs int    `json:"pollIntervalMs"`
	TaskTimeoutMs  int    `json:"taskTimeoutMs"`
	MaxRetries     int    `json:"maxRetries"`
	Timezone       string `json:"timezone,omitempty"` // IANA name, default local
}

// JobsConfig tunes the background job runner.
type JobsConfig struct {
	Workers int `json:"workers"`
}

// StreamConfig tunes streaming delivery.
type StreamConfig struct {
	ChunkFlushIntervalMs int `json:"chunkFlushIntervalMs"`
	MaxEditLength        int `json:"maxEditLength"`
}

// MaintenanceConfig tunes the periodic cleanup loop.
type MaintenanceConfig struct {
	IntervalMs            int `json:"intervalMs"`
	TraceRetentionDays    int `json:"traceRetentionDays"`
	SessionRetentionDays  int `json:"sessionRetentionDays"`
	WorkflowRetentionDays int `json:"workflowRetentionDays"`
	IPCMaxAgeMs           int `json:"ipcMaxAgeMs"`
}

// TelemetryConfig configures optional OTLP span export for agent runs.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // host:port of an OTLP/HTTP collector
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// ChannelsConfig holds per-provider adapter settings. Tokens are secrets and
// arrive via env only.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"-"`
	BotName   string `json:"botName,omitempty"` // @mention name without the @
	MaxLength int    `json:"maxLength"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"-"`
	BotName   string `json:"botName,omitempty"`
	MaxLength int    `json:"maxLength"`
}

// Secrets are sourced from the environment only.
type Secrets struct {
	OpenRouterAPIKey  string
	BraveSearchAPIKey string
}

// Default returns a Config with every knob at its documented default.
func Default() *Config {
	return &Config{
		PollIntervalMs:        2000,
		MaxAgents:             2,
		BatchWindowMs:         1500,
		MaxBatchSize:          10,
		MaxRetries:            3,
		PromptMaxChars:        12000,
		InterruptOnNewMessage: true,
		Lanes: LanesConfig{
			StarvationMs:              15000,
			MaxConsecutiveInteractive: 5,
		},
		Queue: QueueConfig{
			RetryBaseMs:     2000,
			RetryMaxMs:      60000,
			ClaimDeadlineMs: 600000,
		},
		Container: ContainerConfig{
			Mode:            ModeEphemeral,
			Image:           "dotclaw-agent:latest",
			TimeoutMs:       300000,
			DaemonPollMs:    500,
			MaxExtensionMs:  240000,
			PidsLimit:       256,
			ReadOnlyRoot:    true,
			TmpfsSize:       "256m",
			NonMainReadOnly: true,
			Network:         true,
		},
		Router: RouterConfig{
			MaxFastChars:        120,
			ConfidenceThreshold: 0.7,
			ClassifierModel:     "openai/gpt-4o-mini",
			ClassifierEnabled:   true,
			RetryEmptySuccess:   true,
			MaxOutputTokens:     4096,
			MaxToolSteps:        24,
		},
		Recall: RecallConfig{
			MaxResults:     6,
			MaxTokens:      600,
			VectorWeight:   0.6,
			EmbeddingModel: "openai/text-embedding-3-small",
		},
		Scheduler: SchedulerConfig{
			PollIntervalMs: 15000,
			TaskTimeoutMs:  900000,
			MaxRetries:     3,
		},
		Jobs: JobsConfig{Workers: 1},
		Stream: StreamConfig{
			ChunkFlushIntervalMs: 700,
			MaxEditLength:        3800,
		},
		Maintenance: MaintenanceConfig{
			IntervalMs:            3600000,
			TraceRetentionDays:    14,
			SessionRetentionDays:  30,
			WorkflowRetentionDays: 7,
			IPCMaxAgeMs:           300000,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{MaxLength: 4096},
			Discord:  DiscordConfig{MaxLength: 2000},
		},
	}
}

// Clamp forces every value into its documented range. Out-of-range values
// are pulled to the nearest bound rather than rejected.
func (c *Config) Clamp() {
	def := Default()

	clampMin := func(v *int, min int) {
		if *v < min {
			*v = min
		}
	}

	clampMin(&c.PollIntervalMs, 1000)
	clampMin(&c.MaxAgents, 1)
	clampMin(&c.BatchWindowMs, 0)
	clampMin(&c.MaxBatchSize, 1)
	clampMin(&c.MaxRetries, 0)
	clampMin(&c.PromptMaxChars, 1000)
	clampMin(&c.Lanes.StarvationMs, 0)
	clampMin(&c.Lanes.MaxConsecutiveInteractive, 1)
	clampMin(&c.Queue.RetryBaseMs, 100)
	clampMin(&c.Queue.RetryMaxMs, c.Queue.RetryBaseMs)
	clampMin(&c.Queue.ClaimDeadlineMs, 10000)
	clampMin(&c.Container.TimeoutMs, 5000)
	clampMin(&c.Container.DaemonPollMs, 50)
	clampMin(&c.Container.MaxExtensionMs, 0)
	clampMin(&c.Container.PidsLimit, 16)
	clampMin(&c.Router.MaxFastChars, 0)
	clampMin(&c.Router.MaxOutputTokens, 256)
	clampMin(&c.Router.MaxToolSteps, 1)
	clampMin(&c.Recall.MaxResults, 0)
	clampMin(&c.Recall.MaxTokens, 0)
	clampMin(&c.Scheduler.PollIntervalMs, 1000)
	clampMin(&c.Scheduler.TaskTimeoutMs, 60000)
	clampMin(&c.Scheduler.MaxRetries, 0)
	clampMin(&c.Jobs.Workers, 1)
	clampMin(&c.Stream.ChunkFlushIntervalMs, 100)
	clampMin(&c.Stream.MaxEditLength, 500)
	clampMin(&c.Maintenance.IntervalMs, 60000)
	clampMin(&c.Maintenance.TraceRetentionDays, 1)
	clampMin(&c.Maintenance.SessionRetentionDays, 1)
	clampMin(&c.Maintenance.WorkflowRetentionDays, 1)
	clampMin(&c.Maintenance.IPCMaxAgeMs, 60000)

	if c.Container.Mode != ModeEphemeral && c.Container.Mode != ModeDaemon {
		c.Container.Mode = def.Container.Mode
	}
	if c.Container.Image == "" {
		c.Container.Image = def.Container.Image
	}
	if c.Router.ConfidenceThreshold < 0 || c.Router.ConfidenceThreshold > 1 {
		c.Router.ConfidenceThreshold = def.Router.ConfidenceThreshold
	}
	if c.Recall.VectorWeight < 0 || c.Recall.VectorWeight > 1 {
		c.Recall.VectorWeight = def.Recall.VectorWeight
	}
	if c.Channels.Telegram.MaxLength <= 0 || c.Channels.Telegram.MaxLength > 4096 {
		c.Channels.Telegram.MaxLength = def.Channels.Telegram.MaxLength
	}
	if c.Channels.Discord.MaxLength <= 0 || c.Channels.Discord.MaxLength > 2000 {
		c.Channels.Discord.MaxLength = def.Channels.Discord.MaxLength
	}
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
// Used by the SIGHUP reload path.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PollIntervalMs = src.PollIntervalMs
	c.MaxAgents = src.MaxAgents
	c.BatchWindowMs = src.BatchWindowMs
	c.MaxBatchSize = src.MaxBatchSize
	c.MaxRetries = src.MaxRetries
	c.PromptMaxChars = src.PromptMaxChars
	c.InterruptOnNewMessage = src.InterruptOnNewMessage
	c.Lanes = src.Lanes
	c.Queue = src.Queue
	c.Container = src.Container
	c.Router = src.Router
	c.Recall = src.Recall
	c.Scheduler = src.Scheduler
	c.Jobs = src.Jobs
	c.Stream = src.Stream
	c.Maintenance = src.Maintenance
	c.Telemetry = src.Telemetry
	c.Channels = src.Channels
	c.Secrets = src.Secrets
}

// ForwardEnv returns the KEY=VALUE pairs forwarded into agent containers:
// the fixed secret allowlist plus every DOTCLAW_* variable.
func ForwardEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch {
		case key == "OPENROUTER_API_KEY", key == "BRAVE_SEARCH_API_KEY":
			out = append(out, kv)
		case strings.HasPrefix(key, "DOTCLAW_"):
			out = append(out, kv)
		}
	}
	return out
}
