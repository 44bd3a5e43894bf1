// Package bootstrap seeds newly registered group folders with the
// instruction files the in-container agent reads from /workspace/group.
// Existing files are never overwritten, so per-group customization
// survives restarts and re-registration.
package bootstrap

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// Seeded group files.
const (
	AgentsFile = "AGENTS.md"
	ToolsFile  = "TOOLS.md"
	MemoryFile = "MEMORY.md"
)

// groupFiles lists the templates seeded into every group folder.
var groupFiles = []string{AgentsFile, ToolsFile, MemoryFile}

// ReadTemplate returns the content of an embedded template.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", name, err)
	}
	return string(content), nil
}

// SeedGroupFiles writes the instruction templates into groupDir, skipping
// files that already exist. Returns the names of the files it created.
func SeedGroupFiles(groupDir string) ([]string, error) {
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return nil, err
	}
	var created []string
	for _, name := range groupFiles {
		ok, err := seedFile(groupDir, name)
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", name, err)
		}
		if ok {
			created = append(created, name)
		}
	}
	return created, nil
}

// seedFile creates one template file with O_EXCL so an existing file wins.
func seedFile(dir, name string) (bool, error) {
	dst := filepath.Join(dir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		os.Remove(dst)
		return false, err
	}
	return true, nil
}
