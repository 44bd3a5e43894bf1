package channels

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
)

// TestSplitMessageShortPassthrough verifies messages under the limit are
// untouched.
func TestSplitMessageShortPassthrough(t *testing.T) {
	parts := SplitMessage("hello", 4096)
	if len(parts) != 1 || parts[0] != "hello" {
		t.Errorf("SplitMessage() = %v, want single untouched part", parts)
	}
}

// TestSplitMessageRespectsWidth verifies every part stays within the limit
// and non-final parts carry the continuation marker.
func TestSplitMessageRespectsWidth(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString("this is line number with some filler text on it\n")
	}
	parts := SplitMessage(b.String(), 500)
	if len(parts) < 2 {
		t.Fatalf("SplitMessage() produced %d parts, want several", len(parts))
	}
	for i, p := range parts {
		if w := runewidth.StringWidth(p); w > 500 {
			t.Errorf("part %d width = %d, exceeds limit", i, w)
		}
		if i < len(parts)-1 && !strings.HasSuffix(p, ContinuationMarker) {
			t.Errorf("part %d missing continuation marker", i)
		}
	}
	if strings.HasSuffix(parts[len(parts)-1], ContinuationMarker) {
		t.Error("final part carries continuation marker")
	}
}

// TestSplitMessageClosesCodeFences verifies a split inside a code block
// closes the fence and reopens it with the language in the next part.
func TestSplitMessageClosesCodeFences(t *testing.T) {
	var b strings.Builder
	b.WriteString("```go\n")
	for i := 0; i < 50; i++ {
		b.WriteString("fmt.Println(\"a fairly long line of code here\")\n")
	}
	b.WriteString("```\n")

	parts := SplitMessage(b.String(), 400)
	if len(parts) < 2 {
		t.Fatalf("SplitMessage() produced %d parts, want several", len(parts))
	}
	for i, p := range parts {
		body := strings.TrimSuffix(p, ContinuationMarker)
		if count := strings.Count(body, "```"); count%2 != 0 {
			t.Errorf("part %d has %d fence markers, want balanced", i, count)
		}
	}
	if !strings.HasPrefix(parts[1], "```go") {
		t.Errorf("part 1 = %q…, want reopened go fence", parts[1][:20])
	}
}

// TestSplitMessageHardWrapsLongLine verifies a single oversized line is
// wrapped rather than emitted over the limit.
func TestSplitMessageHardWrapsLongLine(t *testing.T) {
	long := strings.Repeat("x", 1200)
	parts := SplitMessage(long, 500)
	if len(parts) < 3 {
		t.Fatalf("SplitMessage() produced %d parts, want at least 3", len(parts))
	}
	for i, p := range parts {
		if w := runewidth.StringWidth(p); w > 500 {
			t.Errorf("part %d width = %d, exceeds limit", i, w)
		}
	}
}

// TestFormatForTelegram verifies heading conversion skips code blocks.
func TestFormatForTelegram(t *testing.T) {
	in := "# Title\nbody\n```\n# not a heading\n```\n## Sub"
	got := FormatForTelegram(in)
	want := "*Title*\nbody\n```\n# not a heading\n```\n*Sub*"
	if got != want {
		t.Errorf("FormatForTelegram() = %q, want %q", got, want)
	}
}

// TestSplitChatID covers prefix parsing.
func TestSplitChatID(t *testing.T) {
	provider, raw, err := SplitChatID("telegram:-100123")
	if err != nil || provider != "telegram" || raw != "-100123" {
		t.Errorf("SplitChatID() = %q, %q, %v", provider, raw, err)
	}
	if _, _, err := SplitChatID("no-prefix"); err == nil {
		t.Error("SplitChatID() accepted un-prefixed id")
	}
	if got := PrefixChatID("discord", "42"); got != "discord:42" {
		t.Errorf("PrefixChatID() = %q", got)
	}
}
