// Package paths resolves the DotClaw data root and the on-disk layout
// shared by the host and the sandboxed agent containers.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvHome overrides the default data root when set.
const EnvHome = "DOTCLAW_HOME"

// Layout holds the resolved absolute paths of the DotClaw state tree.
// All accessors return absolute paths; none of them create directories.
type Layout struct {
	Root string
}

// Resolve returns the layout rooted at DOTCLAW_HOME, or ~/.dotclaw when the
// override is unset. The root is not required to exist yet.
func Resolve() (Layout, error) {
	if env := os.Getenv(EnvHome); env != "" {
		abs, err := filepath.Abs(ExpandHome(env))
		if err != nil {
			return Layout{}, fmt.Errorf("resolve data root: %w", err)
		}
		return Layout{Root: abs}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, fmt.Errorf("resolve home directory: %w", err)
	}
	return Layout{Root: filepath.Join(home, ".dotclaw")}, nil
}

// ExpandHome replaces a leading ~ with the current user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func (l Layout) EnvFile() string   { return filepath.Join(l.Root, ".env") }
func (l Layout) ConfigDir() string { return filepath.Join(l.Root, "config") }
func (l Layout) RuntimeConfig() string {
	return filepath.Join(l.ConfigDir(), "runtime.json")
}
func (l Layout) ModelConfig() string {
	return filepath.Join(l.ConfigDir(), "model.json")
}
func (l Layout) BehaviorConfig() string {
	return filepath.Join(l.ConfigDir(), "behavior.json")
}
func (l Layout) ToolPolicyConfig() string {
	return filepath.Join(l.ConfigDir(), "tool-policy.json")
}
func (l Layout) ToolBudgetsConfig() string {
	return filepath.Join(l.ConfigDir(), "tool-budgets.json")
}
func (l Layout) MountAllowlist() string {
	return filepath.Join(l.ConfigDir(), "mounts-allowlist.json")
}

func (l Layout) DataDir() string  { return filepath.Join(l.Root, "data") }
func (l Layout) StoreDir() string { return filepath.Join(l.DataDir(), "store") }
func (l Layout) MessagesDB() string {
	return filepath.Join(l.StoreDir(), "messages.db")
}
func (l Layout) MemoryDB() string {
	return filepath.Join(l.StoreDir(), "memory.db")
}
func (l Layout) RegisteredGroups() string {
	return filepath.Join(l.DataDir(), "registered_groups.json")
}
func (l Layout) CooldownFile() string {
	return filepath.Join(l.DataDir(), "failover_cooldowns.json")
}

// IPCDir is the root of all per-group IPC trees.
func (l Layout) IPCDir() string { return filepath.Join(l.DataDir(), "ipc") }

// GroupIPC returns the IPC subtree for one group folder.
func (l Layout) GroupIPC(folder string) GroupIPC {
	return GroupIPC{Base: filepath.Join(l.IPCDir(), folder)}
}

func (l Layout) SessionsDir() string { return filepath.Join(l.DataDir(), "sessions") }

// SessionIndex is the host-side index of chat-to-session mappings.
func (l Layout) SessionIndex() string { return filepath.Join(l.DataDir(), "sessions.json") }

// GroupSessions is where the in-container agent persists session state for
// one group (mounted read-write into its containers).
func (l Layout) GroupSessions(folder string) string {
	return filepath.Join(l.SessionsDir(), folder, "openrouter")
}

func (l Layout) GroupsDir() string { return filepath.Join(l.Root, "groups") }
func (l Layout) GroupDir(folder string) string {
	return filepath.Join(l.GroupsDir(), folder)
}
func (l Layout) GroupJobsDir(folder, jobID string) string {
	return filepath.Join(l.GroupDir(folder), "jobs", jobID)
}

func (l Layout) TracesDir() string { return filepath.Join(l.Root, "traces") }
func (l Layout) LogsDir() string   { return filepath.Join(l.Root, "logs") }
func (l Layout) LogFile() string   { return filepath.Join(l.LogsDir(), "dotclaw.log") }

// GroupIPC enumerates the per-group IPC subdirectories containers write to.
type GroupIPC struct {
	Base string
}

func (g GroupIPC) Requests() string      { return filepath.Join(g.Base, "requests") }
func (g GroupIPC) Responses() string     { return filepath.Join(g.Base, "responses") }
func (g GroupIPC) AgentRequests() string { return filepath.Join(g.Base, "agent_requests") }
func (g GroupIPC) Messages() string      { return filepath.Join(g.Base, "messages") }
func (g GroupIPC) Tasks() string         { return filepath.Join(g.Base, "tasks") }
func (g GroupIPC) Errors() string        { return filepath.Join(g.Base, "errors") }
func (g GroupIPC) StatusFile() string    { return filepath.Join(g.Base, "daemon_status.json") }

// All returns every subdirectory EnsureAll creates for one group.
func (g GroupIPC) All() []string {
	return []string{
		g.Requests(), g.Responses(), g.AgentRequests(),
		g.Messages(), g.Tasks(), g.Errors(),
	}
}

// EnsureAll creates the full state tree. Safe to call repeatedly.
func (l Layout) EnsureAll() error {
	dirs := []string{
		l.Root, l.ConfigDir(), l.DataDir(), l.StoreDir(), l.IPCDir(),
		l.SessionsDir(), l.GroupsDir(), filepath.Join(l.GroupsDir(), "global"),
		l.TracesDir(), l.LogsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// EnsureGroup creates the per-group directories (group folder, sessions,
// IPC subtree) for a newly registered group.
func (l Layout) EnsureGroup(folder string) error {
	dirs := append(l.GroupIPC(folder).All(),
		l.GroupDir(folder),
		l.GroupSessions(folder),
	)
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", d, err)
		}
	}
	return nil
}

// IsSafeGroupFolder reports whether name is acceptable as a group folder:
// lowercase ASCII letters, digits and hyphens only. Rejects empty strings,
// dots, path separators and anything that could traverse.
func IsSafeGroupFolder(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
