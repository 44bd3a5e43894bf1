// Package sessions tracks which agent session each group is on. The session
// history itself lives inside the group's session directory and is owned by
// the in-container agent; the host only persists the session id index and
// prunes snapshots the agent no longer references.
package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Index maps group folders to their current session id, persisted as a
// single JSON file with atomic rename saves.
type Index struct {
	mu   sync.Mutex
	path string
	ids  map[string]string
}

// LoadIndex reads the index file. A missing file yields an empty index.
func LoadIndex(path string) (*Index, error) {
	idx := &Index{path: path, ids: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}
	if err := json.Unmarshal(data, &idx.ids); err != nil {
		return nil, fmt.Errorf("parse session index: %w", err)
	}
	return idx, nil
}

// Get returns the current session id for a group, if any.
func (idx *Index) Get(groupFolder string) (string, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	id, ok := idx.ids[groupFolder]
	return id, ok
}

// Set records a new session id for a group and persists the index.
func (idx *Index) Set(groupFolder, sessionID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.ids[groupFolder] == sessionID {
		return nil
	}
	idx.ids[groupFolder] = sessionID
	return idx.saveLocked()
}

// Remove drops a group's session binding.
func (idx *Index) Remove(groupFolder string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.ids[groupFolder]; !ok {
		return nil
	}
	delete(idx.ids, groupFolder)
	return idx.saveLocked()
}

func (idx *Index) saveLocked() error {
	data, err := json.MarshalIndent(idx.ids, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(idx.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(idx.path), ".sessions-*.tmp")
	if err != nil {
		return err
	}
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), idx.path); err != nil {
		return fmt.Errorf("save session index: %w", err)
	}
	keep = true
	return nil
}

// PruneStale removes session snapshot directories under dir whose mtime is
// older than maxAge, skipping any snapshot the index still references.
// Returns the number of snapshots removed.
func (idx *Index) PruneStale(dir string, maxAge time.Duration) (int, error) {
	idx.mu.Lock()
	live := make(map[string]bool, len(idx.ids))
	for _, id := range idx.ids {
		live[id] = true
	}
	idx.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	groups, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	for _, g := range groups {
		if !g.IsDir() {
			continue
		}
		snapRoot := filepath.Join(dir, g.Name(), "openrouter")
		snaps, err := os.ReadDir(snapRoot)
		if err != nil {
			continue
		}
		for _, s := range snaps {
			if !s.IsDir() || live[s.Name()] {
				continue
			}
			info, err := s.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(snapRoot, s.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
