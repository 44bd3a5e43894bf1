package telegram

import (
	"os"
	"path/filepath"
	"testing"
)

// TestSanitizeFileName verifies attachment names cannot traverse out of the
// media directory.
func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "report.pdf", "report.pdf"},
		{"path stripped", "/etc/passwd", "passwd"},
		{"traversal stripped", "../../secret.txt", "secret.txt"},
		{"windows separators", `..\..\boot.ini`, "boot.ini"},
		{"dot prefix removed", ".env", "env"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeFileName(tt.in); got != tt.want {
				t.Errorf("sanitizeFileName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestOpenUpload verifies directories and missing paths are rejected.
func TestOpenUpload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.md")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := openUpload(path)
	if err != nil {
		t.Fatalf("openUpload() error = %v", err)
	}
	f.Close()

	if _, err := openUpload(dir); err == nil {
		t.Error("openUpload() accepted a directory")
	}
	if _, err := openUpload(filepath.Join(dir, "missing")); err == nil {
		t.Error("openUpload() accepted a missing file")
	}
}
