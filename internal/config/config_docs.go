package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ModelConfig is the contents of config/model.json. It is the authoritative
// source for the active model; OPENROUTER_MODEL only seeds it at init time.
type ModelConfig struct {
	Active    string   `json:"active"`
	Fallbacks []string `json:"fallbacks,omitempty"`
	Allowlist []string `json:"allowlist,omitempty"`
}

// DefaultModelConfig seeds model.json, honoring OPENROUTER_MODEL once.
func DefaultModelConfig() ModelConfig {
	active := os.Getenv("OPENROUTER_MODEL")
	if active == "" {
		active = "anthropic/claude-sonnet-4.5"
	}
	return ModelConfig{
		Active: active,
		Fallbacks: []string{
			"openai/gpt-4o",
			"google/gemini-2.5-pro",
		},
	}
}

// Candidates returns the active model followed by its fallbacks.
func (m ModelConfig) Candidates() []string {
	out := make([]string, 0, 1+len(m.Fallbacks))
	out = append(out, m.Active)
	for _, f := range m.Fallbacks {
		if f != m.Active {
			out = append(out, f)
		}
	}
	return out
}

// Allowed reports whether model may be set as active. An empty allowlist
// allows everything.
func (m ModelConfig) Allowed(model string) bool {
	if len(m.Allowlist) == 0 {
		return true
	}
	for _, a := range m.Allowlist {
		if a == model {
			return true
		}
	}
	return false
}

// BehaviorConfig is the contents of config/behavior.json: personality tuning
// knobs forwarded to the in-container agent untouched.
type BehaviorConfig struct {
	Persona       string `json:"persona,omitempty"`
	Style         string `json:"style,omitempty"`
	ReplyLanguage string `json:"replyLanguage,omitempty"`
	Verbosity     string `json:"verbosity,omitempty"` // "terse", "normal", "chatty"
}

// ToolPolicy is the contents of config/tool-policy.json.
type ToolPolicy struct {
	Allow        []string `json:"allow,omitempty"`
	Deny         []string `json:"deny,omitempty"`
	MaxToolSteps int      `json:"maxToolSteps,omitempty"` // per-run override
}

// ToolBudgets is the contents of config/tool-budgets.json: optional per-day
// invocation caps keyed by tool name.
type ToolBudgets map[string]int

// Docs bundles the small per-concern JSON documents with a shared mutex so
// admin commands and IPC handlers can mutate them safely.
type Docs struct {
	mu       sync.RWMutex
	dir      string
	Model    ModelConfig
	Behavior BehaviorConfig
	Policy   ToolPolicy
	Budgets  ToolBudgets
}

// LoadDocs reads every config document under dir, seeding missing files with
// defaults in memory (nothing is written until SaveModel etc. is called).
func LoadDocs(dir string) (*Docs, error) {
	d := &Docs{
		dir:     dir,
		Model:   DefaultModelConfig(),
		Budgets: ToolBudgets{},
	}
	if err := readJSONIfExists(filepath.Join(dir, "model.json"), &d.Model); err != nil {
		return nil, err
	}
	if err := readJSONIfExists(filepath.Join(dir, "behavior.json"), &d.Behavior); err != nil {
		return nil, err
	}
	if err := readJSONIfExists(filepath.Join(dir, "tool-policy.json"), &d.Policy); err != nil {
		return nil, err
	}
	if err := readJSONIfExists(filepath.Join(dir, "tool-budgets.json"), &d.Budgets); err != nil {
		return nil, err
	}
	return d, nil
}

// ActiveModel returns a snapshot of the model document.
func (d *Docs) ActiveModel() ModelConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Model
}

// SetActiveModel validates model against the allowlist, updates the document
// and persists it.
func (d *Docs) SetActiveModel(model string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.Model.Allowed(model) {
		return fmt.Errorf("model %q is not in the allowlist", model)
	}
	d.Model.Active = model
	return writeJSON(filepath.Join(d.dir, "model.json"), d.Model)
}

// Snapshot returns copies of behavior, tool policy and budgets for one run.
func (d *Docs) Snapshot() (BehaviorConfig, ToolPolicy, ToolBudgets) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	budgets := make(ToolBudgets, len(d.Budgets))
	for k, v := range d.Budgets {
		budgets[k] = v
	}
	return d.Behavior, d.Policy, budgets
}

// SaveAll persists every document. Used by init to seed the config dir.
func (d *Docs) SaveAll() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := writeJSON(filepath.Join(d.dir, "model.json"), d.Model); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(d.dir, "behavior.json"), d.Behavior); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(d.dir, "tool-policy.json"), d.Policy); err != nil {
		return err
	}
	return writeJSON(filepath.Join(d.dir, "tool-budgets.json"), d.Budgets)
}

func readJSONIfExists(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
