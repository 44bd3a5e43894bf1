package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadMissingFileYieldsDefaults verifies a missing runtime.json loads
// pure defaults without error.
func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "runtime.json"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MaxAgents != Default().MaxAgents {
		t.Errorf("MaxAgents = %d, want default %d", cfg.MaxAgents, Default().MaxAgents)
	}
}

// TestLoadRejectsBrokenJSON verifies structurally invalid JSON is a fatal
// load error rather than a silent default.
func TestLoadRejectsBrokenJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.json")
	if err := os.WriteFile(path, []byte(`{"maxAgents": }`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() = nil error, want parse failure")
	}
}

// TestClampPullsValuesIntoRange verifies out-of-range values are clamped
// deterministically instead of rejected.
func TestClampPullsValuesIntoRange(t *testing.T) {
	cfg := Default()
	cfg.PollIntervalMs = 10
	cfg.MaxAgents = 0
	cfg.BatchWindowMs = -5
	cfg.Container.Mode = "bogus"
	cfg.Maintenance.IntervalMs = 1
	cfg.Clamp()

	if cfg.PollIntervalMs != 1000 {
		t.Errorf("PollIntervalMs = %d, want 1000", cfg.PollIntervalMs)
	}
	if cfg.MaxAgents != 1 {
		t.Errorf("MaxAgents = %d, want 1", cfg.MaxAgents)
	}
	if cfg.BatchWindowMs != 0 {
		t.Errorf("BatchWindowMs = %d, want 0", cfg.BatchWindowMs)
	}
	if cfg.Container.Mode != ModeEphemeral {
		t.Errorf("Container.Mode = %q, want %q", cfg.Container.Mode, ModeEphemeral)
	}
	if cfg.Maintenance.IntervalMs != 60000 {
		t.Errorf("Maintenance.IntervalMs = %d, want 60000", cfg.Maintenance.IntervalMs)
	}
}

// TestSaveLoadRoundTrip verifies config save then load is an identity on the
// supported fields and that unknown fields are dropped.
func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "runtime.json")

	cfg := Default()
	cfg.MaxAgents = 4
	cfg.Container.Mode = ModeDaemon
	cfg.Router.MaxFastChars = 200
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.MaxAgents != 4 {
		t.Errorf("MaxAgents = %d, want 4", got.MaxAgents)
	}
	if got.Container.Mode != ModeDaemon {
		t.Errorf("Container.Mode = %q, want %q", got.Container.Mode, ModeDaemon)
	}
	if got.Router.MaxFastChars != 200 {
		t.Errorf("Router.MaxFastChars = %d, want 200", got.Router.MaxFastChars)
	}
}

// TestLoadAcceptsUnknownFields verifies unknown JSON keys are ignored.
func TestLoadAcceptsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.json")
	if err := os.WriteFile(path, []byte(`{"maxAgents": 3, "someFutureKnob": true}`), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.MaxAgents != 3 {
		t.Errorf("MaxAgents = %d, want 3", cfg.MaxAgents)
	}
}

// TestForwardEnvAllowlist verifies only the allowlisted secret names and
// DOTCLAW_* variables are forwarded to containers.
func TestForwardEnvAllowlist(t *testing.T) {
	environ := []string{
		"OPENROUTER_API_KEY=sk-1",
		"BRAVE_SEARCH_API_KEY=bs-1",
		"DOTCLAW_HOME=/srv/dotclaw",
		"HOME=/root",
		"AWS_SECRET_ACCESS_KEY=nope",
	}
	got := ForwardEnv(environ)
	want := map[string]bool{
		"OPENROUTER_API_KEY=sk-1":   true,
		"BRAVE_SEARCH_API_KEY=bs-1": true,
		"DOTCLAW_HOME=/srv/dotclaw": true,
	}
	if len(got) != len(want) {
		t.Fatalf("ForwardEnv() returned %d vars, want %d: %v", len(got), len(want), got)
	}
	for _, kv := range got {
		if !want[kv] {
			t.Errorf("ForwardEnv() leaked %q", kv)
		}
	}
}

// TestDocsSetActiveModelHonorsAllowlist verifies set_model rejects models
// outside the allowlist and persists accepted ones.
func TestDocsSetActiveModelHonorsAllowlist(t *testing.T) {
	dir := t.TempDir()
	d, err := LoadDocs(dir)
	if err != nil {
		t.Fatalf("LoadDocs() error: %v", err)
	}
	d.Model.Allowlist = []string{"a", "b"}

	if err := d.SetActiveModel("c"); err == nil {
		t.Error("SetActiveModel(c) = nil error, want allowlist rejection")
	}
	if err := d.SetActiveModel("b"); err != nil {
		t.Fatalf("SetActiveModel(b) error: %v", err)
	}

	reloaded, err := LoadDocs(dir)
	if err != nil {
		t.Fatalf("LoadDocs() reload error: %v", err)
	}
	if reloaded.Model.Active != "b" {
		t.Errorf("reloaded active model = %q, want %q", reloaded.Model.Active, "b")
	}
}
