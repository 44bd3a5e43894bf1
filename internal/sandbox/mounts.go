package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/mount"

	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/paths"
)

// ExtraMount is one group-configured bind beyond the standard set.
type ExtraMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// ParseExtraMount parses a registry mount entry of the form
// "source:target" or "source:target:ro".
func ParseExtraMount(spec string) (ExtraMount, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return ExtraMount{}, fmt.Errorf("mount spec %q: want source:target[:ro]", spec)
	}
	m := ExtraMount{Source: parts[0], Target: parts[1]}
	if len(parts) == 3 {
		if parts[2] != "ro" {
			return ExtraMount{}, fmt.Errorf("mount spec %q: unknown flag %q", spec, parts[2])
		}
		m.ReadOnly = true
	}
	return m, nil
}

// loadAllowlist reads the host-side mount allowlist: absolute host path
// prefixes that extra mounts must live under. The file itself is never
// mounted into any container. A missing file means no extra mounts are
// allowed.
func loadAllowlist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mount allowlist: %w", err)
	}
	var prefixes []string
	if err := json.Unmarshal(data, &prefixes); err != nil {
		return nil, fmt.Errorf("parse mount allowlist: %w", err)
	}
	return prefixes, nil
}

// validateExtraMount resolves symlinks in the source and checks it against
// the allowlist, and rejects unsafe target paths. Targets are
// container-relative under /workspace/extra.
func validateExtraMount(m ExtraMount, allowlist []string) (mount.Mount, error) {
	if !filepath.IsAbs(m.Source) {
		return mount.Mount{}, fmt.Errorf("mount source %q: not absolute", m.Source)
	}
	resolved, err := filepath.EvalSymlinks(m.Source)
	if err != nil {
		return mount.Mount{}, fmt.Errorf("mount source %q: %w", m.Source, err)
	}

	allowed := false
	for _, prefix := range allowlist {
		prefix = filepath.Clean(prefix)
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return mount.Mount{}, fmt.Errorf("mount source %q: not in allowlist", resolved)
	}

	target := m.Target
	if filepath.IsAbs(target) {
		return mount.Mount{}, fmt.Errorf("mount target %q: must be relative", target)
	}
	cleaned := filepath.Clean(target)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || cleaned == "." {
		return mount.Mount{}, fmt.Errorf("mount target %q: escapes the workspace", target)
	}

	return mount.Mount{
		Type:     mount.TypeBind,
		Source:   resolved,
		Target:   "/workspace/extra/" + filepath.ToSlash(cleaned),
		ReadOnly: m.ReadOnly,
	}, nil
}

// buildMounts assembles the standard binds plus validated extras for one
// group. Non-main groups get a read-only group folder when nonMainReadOnly
// is set.
func buildMounts(layout paths.Layout, cfg config.ContainerConfig, folder string, isMain bool, extras []ExtraMount) ([]mount.Mount, error) {
	groupRO := !isMain && cfg.NonMainReadOnly

	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: layout.GroupDir(folder), Target: ContainerGroupDir, ReadOnly: groupRO},
		{Type: mount.TypeBind, Source: layout.GroupSessions(folder), Target: ContainerSessionDir},
		{Type: mount.TypeBind, Source: layout.GroupIPC(folder).Base, Target: ContainerIPCDir},
		{Type: mount.TypeBind, Source: layout.ConfigDir(), Target: ContainerConfigDir, ReadOnly: true},
	}

	if len(extras) == 0 {
		return mounts, nil
	}
	allowlist, err := loadAllowlist(layout.MountAllowlist())
	if err != nil {
		return nil, err
	}
	for _, e := range extras {
		m, err := validateExtraMount(e, allowlist)
		if err != nil {
			return nil, err
		}
		if groupRO {
			m.ReadOnly = true
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}
