package groups

import (
	"path/filepath"
	"testing"
)

// TestRegisterFirstGroupBecomesMain verifies the first registered group is
// promoted to main automatically.
func TestRegisterFirstGroupBecomesMain(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "registered_groups.json"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if err := r.Register(Group{ChatID: "telegram:-1", Name: "Family", Folder: "family"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	main, ok := r.Main()
	if !ok || main.Folder != "family" {
		t.Errorf("Main() = %v, %v, want family group", main, ok)
	}

	if err := r.Register(Group{ChatID: "discord:2", Name: "Work", Folder: "work"}); err != nil {
		t.Fatalf("Register() second group error: %v", err)
	}
	if r.IsMainFolder("work") {
		t.Error("second group must not become main")
	}
}

// TestRegisterRejectsDuplicatesAndUnsafeFolders verifies chatId uniqueness,
// folder uniqueness, and folder-name validation.
func TestRegisterRejectsDuplicatesAndUnsafeFolders(t *testing.T) {
	r, _ := Load(filepath.Join(t.TempDir(), "registered_groups.json"))

	if err := r.Register(Group{ChatID: "telegram:-1", Folder: "family"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if err := r.Register(Group{ChatID: "telegram:-1", Folder: "other"}); err == nil {
		t.Error("duplicate chatId accepted")
	}
	if err := r.Register(Group{ChatID: "telegram:-2", Folder: "family"}); err == nil {
		t.Error("duplicate folder accepted")
	}
	if err := r.Register(Group{ChatID: "telegram:-3", Folder: "../etc"}); err == nil {
		t.Error("traversal folder accepted")
	}
	if err := r.Register(Group{ChatID: "noprefix", Folder: "ok-folder"}); err == nil {
		t.Error("chatId without provider prefix accepted")
	}
}

// TestRegistryPersistsAcrossLoads verifies registrations survive a reload
// and removals persist.
func TestRegistryPersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registered_groups.json")

	r, _ := Load(path)
	if err := r.Register(Group{ChatID: "telegram:-9", Name: "G", Folder: "g-one", Trigger: "(?i)bot"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	r2, err := Load(path)
	if err != nil {
		t.Fatalf("Load() reload error: %v", err)
	}
	g, ok := r2.ByChat("telegram:-9")
	if !ok || g.Trigger != "(?i)bot" || !g.Main {
		t.Errorf("reloaded group = %+v, %v, want main group with trigger", g, ok)
	}

	if err := r2.Remove("telegram:-9"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	r3, _ := Load(path)
	if _, ok := r3.ByChat("telegram:-9"); ok {
		t.Error("removed group still present after reload")
	}
}
