// Package groups maintains the registry of chats the host is willing to
// serve. The registry is a single JSON file owned by the host process; every
// mutation is persisted with an atomic temp-file rename.
package groups

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dotclawhq/dotclaw/internal/paths"
)

// ErrNotFound is returned when a chat or folder is not registered.
var ErrNotFound = errors.New("group not registered")

// Group is one registered chat. ChatID carries the provider prefix
// ("telegram:-123", "discord:456"); Folder is the on-disk identity and is
// immutable once bound.
type Group struct {
	ChatID       string            `json:"chatId"`
	Name         string            `json:"name"`
	Folder       string            `json:"folder"`
	Trigger      string            `json:"trigger,omitempty"` // optional admit regex for group chats
	Main         bool              `json:"main,omitempty"`
	ExtraMounts  []string          `json:"extraMounts,omitempty"`
	EnvOverrides map[string]string `json:"envOverrides,omitempty"`
}

// Registry is the in-memory view of registered_groups.json.
type Registry struct {
	mu     sync.RWMutex
	path   string
	byChat map[string]Group
}

// Load reads the registry file. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, byChat: make(map[string]Group)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.byChat); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return r, nil
}

// Register adds a new group. The folder must be safe, unused, and the chatId
// unique. The first registered group becomes the main group unless one
// already exists.
func (r *Registry) Register(g Group) error {
	if !paths.IsSafeGroupFolder(g.Folder) {
		return fmt.Errorf("unsafe group folder %q", g.Folder)
	}
	if !strings.Contains(g.ChatID, ":") {
		return fmt.Errorf("chat id %q is missing its provider prefix", g.ChatID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byChat[g.ChatID]; ok {
		return fmt.Errorf("chat %s is already registered", g.ChatID)
	}
	hasMain := false
	for _, existing := range r.byChat {
		if existing.Folder == g.Folder {
			return fmt.Errorf("folder %q is already bound to chat %s", g.Folder, existing.ChatID)
		}
		if existing.Main {
			hasMain = true
		}
	}
	if !hasMain {
		g.Main = true
	}

	r.byChat[g.ChatID] = g
	return r.saveLocked()
}

// Remove deletes a group registration. The group's on-disk state is left in
// place for the operator to archive or delete.
func (r *Registry) Remove(chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byChat[chatID]; !ok {
		return ErrNotFound
	}
	delete(r.byChat, chatID)
	return r.saveLocked()
}

// ByChat looks a group up by its prefixed chat id.
func (r *Registry) ByChat(chatID string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byChat[chatID]
	return g, ok
}

// ByFolder looks a group up by its folder name.
func (r *Registry) ByFolder(folder string) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byChat {
		if g.Folder == folder {
			return g, true
		}
	}
	return Group{}, false
}

// Main returns the main group, if one is registered.
func (r *Registry) Main() (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byChat {
		if g.Main {
			return g, true
		}
	}
	return Group{}, false
}

// IsMainFolder reports whether folder belongs to the main group.
func (r *Registry) IsMainFolder(folder string) bool {
	g, ok := r.Main()
	return ok && g.Folder == folder
}

// List returns all groups sorted by folder for stable output.
func (r *Registry) List() []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Group, 0, len(r.byChat))
	for _, g := range r.byChat {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

// Folders returns the folder names of all registered groups.
func (r *Registry) Folders() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, g := range list {
		out[i] = g.Folder
	}
	return out
}

// saveLocked persists the registry with an atomic rename. Callers hold r.mu.
func (r *Registry) saveLocked() error {
	data, err := json.MarshalIndent(r.byChat, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".registry-*")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("rename registry: %w", err)
	}
	cleanup = false
	return nil
}
