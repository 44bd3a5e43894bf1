package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Load reads the runtime config at path, overlaying it on Default(), then
// applies DOTCLAW_* env overrides and range clamps. A missing file yields
// pure defaults; a structurally broken file is a fatal load error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.Clamp()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.Clamp()
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from the data root's .env file into the
// process environment. Existing env vars win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// applyEnvOverrides overlays DOTCLAW_* env vars and secret keys onto the
// config. Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("OPENROUTER_API_KEY", &c.Secrets.OpenRouterAPIKey)
	envStr("BRAVE_SEARCH_API_KEY", &c.Secrets.BraveSearchAPIKey)
	envStr("DOTCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("DOTCLAW_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when a token arrives via env.
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if c.Channels.Discord.Token != "" {
		c.Channels.Discord.Enabled = true
	}

	envInt("DOTCLAW_MAX_AGENTS", &c.MaxAgents)
	envInt("DOTCLAW_POLL_INTERVAL_MS", &c.PollIntervalMs)
	envStr("DOTCLAW_CONTAINER_MODE", &c.Container.Mode)
	envStr("DOTCLAW_CONTAINER_IMAGE", &c.Container.Image)
	envInt("DOTCLAW_CONTAINER_TIMEOUT_MS", &c.Container.TimeoutMs)
	envStr("DOTCLAW_CLASSIFIER_MODEL", &c.Router.ClassifierModel)
	envStr("DOTCLAW_EMBEDDING_MODEL", &c.Recall.EmbeddingModel)
	envStr("DOTCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("DOTCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the non-secret config fields to path with mode 0600.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

const secretMask = "***"

// MaskedSecrets returns a copy of the secret set with every non-empty value
// replaced by a mask. Used by doctor output.
func (c *Config) MaskedSecrets() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mask := func(v string) string {
		if v == "" {
			return "(unset)"
		}
		return secretMask
	}
	return map[string]string{
		"OPENROUTER_API_KEY":     mask(c.Secrets.OpenRouterAPIKey),
		"BRAVE_SEARCH_API_KEY":   mask(c.Secrets.BraveSearchAPIKey),
		"DOTCLAW_TELEGRAM_TOKEN": mask(c.Channels.Telegram.Token),
		"DOTCLAW_DISCORD_TOKEN":  mask(c.Channels.Discord.Token),
	}
}
