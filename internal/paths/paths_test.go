package paths

import (
	"os"
	"path/filepath"
	"testing"
)

// TestResolveHonorsEnvOverride verifies DOTCLAW_HOME takes precedence over
// the default ~/.dotclaw root.
func TestResolveHonorsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)

	l, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if l.Root != dir {
		t.Errorf("Resolve().Root = %q, want %q", l.Root, dir)
	}
}

// TestResolveDefaultsToHome verifies the default root is ~/.dotclaw.
func TestResolveDefaultsToHome(t *testing.T) {
	t.Setenv(EnvHome, "")
	os.Unsetenv(EnvHome)

	l, err := Resolve()
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	home, _ := os.UserHomeDir()
	want := filepath.Join(home, ".dotclaw")
	if l.Root != want {
		t.Errorf("Resolve().Root = %q, want %q", l.Root, want)
	}
}

// TestEnsureAllCreatesTree verifies EnsureAll is idempotent and creates the
// documented layout.
func TestEnsureAllCreatesTree(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	if err := l.EnsureAll(); err != nil {
		t.Fatalf("EnsureAll() error: %v", err)
	}
	if err := l.EnsureAll(); err != nil {
		t.Fatalf("EnsureAll() second call error: %v", err)
	}

	for _, d := range []string{
		l.ConfigDir(), l.StoreDir(), l.IPCDir(), l.SessionsDir(),
		l.GroupsDir(), l.TracesDir(), l.LogsDir(),
	} {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("expected directory %s to exist", d)
		}
	}
}

// TestEnsureGroupCreatesIPCSubtree verifies the per-group IPC directories.
func TestEnsureGroupCreatesIPCSubtree(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	if err := l.EnsureAll(); err != nil {
		t.Fatalf("EnsureAll() error: %v", err)
	}
	if err := l.EnsureGroup("my-group"); err != nil {
		t.Fatalf("EnsureGroup() error: %v", err)
	}

	ipc := l.GroupIPC("my-group")
	for _, d := range ipc.All() {
		if fi, err := os.Stat(d); err != nil || !fi.IsDir() {
			t.Errorf("expected IPC directory %s to exist", d)
		}
	}
}

// TestIsSafeGroupFolder verifies the folder-name validation boundary cases:
// uppercase, dots, traversal, separators and empty names are all rejected.
func TestIsSafeGroupFolder(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"simple", "family", true},
		{"hyphenated", "my-group", true},
		{"digits", "team-42", true},
		{"empty", "", false},
		{"uppercase", "MyGroup", false},
		{"dot", ".", false},
		{"dotdot", "..", false},
		{"hidden", ".git", false},
		{"traversal", "../etc", false},
		{"slash", "a/b", false},
		{"backslash", `a\b`, false},
		{"space", "my group", false},
		{"underscore", "my_group", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSafeGroupFolder(tt.in); got != tt.want {
				t.Errorf("IsSafeGroupFolder(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
