package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestSeedGroupFiles verifies a fresh group folder receives every template.
func TestSeedGroupFiles(t *testing.T) {
	dir := t.TempDir()
	created, err := SeedGroupFiles(dir)
	if err != nil {
		t.Fatalf("SeedGroupFiles() error = %v", err)
	}
	if len(created) != len(groupFiles) {
		t.Errorf("created = %v, want all of %v", created, groupFiles)
	}
	data, err := os.ReadFile(filepath.Join(dir, AgentsFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Group instructions") {
		t.Errorf("AGENTS.md content = %q", data)
	}
}

// TestSeedGroupFilesKeepsEdits verifies existing files are never
// overwritten.
func TestSeedGroupFilesKeepsEdits(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, AgentsFile)
	if err := os.WriteFile(custom, []byte("my house rules"), 0o644); err != nil {
		t.Fatal(err)
	}

	created, err := SeedGroupFiles(dir)
	if err != nil {
		t.Fatalf("SeedGroupFiles() error = %v", err)
	}
	for _, name := range created {
		if name == AgentsFile {
			t.Error("AGENTS.md reported as created over an existing file")
		}
	}
	data, err := os.ReadFile(custom)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "my house rules" {
		t.Errorf("AGENTS.md = %q, want preserved edits", data)
	}
}

// TestReadTemplate verifies embedded templates resolve by name.
func TestReadTemplate(t *testing.T) {
	content, err := ReadTemplate(ToolsFile)
	if err != nil {
		t.Fatalf("ReadTemplate() error = %v", err)
	}
	if !strings.Contains(content, "send_message") {
		t.Errorf("TOOLS.md content = %q", content)
	}
	if _, err := ReadTemplate("nope.md"); err == nil {
		t.Error("unknown template accepted")
	}
}
