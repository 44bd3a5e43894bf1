package pipeline

import (
	"strings"
	"testing"

	"github.com/dotclawhq/dotclaw/internal/store"
)

func item(id, sender, content string, ts int64) store.QueueItem {
	return store.QueueItem{ID: id, SenderID: sender, Content: content, Timestamp: ts}
}

// TestCleanTurns covers the batch hygiene rules.
func TestCleanTurns(t *testing.T) {
	tests := []struct {
		name string
		in   []store.QueueItem
		want []string
	}{
		{
			name: "malformed dropped",
			in: []store.QueueItem{
				item("", "u1", "no id", 100),
				item("b", "u1", "bad ts", 0),
				item("c", "u1", "kept", 100),
			},
			want: []string{"kept"},
		},
		{
			name: "prefix extension collapses",
			in: []store.QueueItem{
				item("a", "u1", "I was thinking", 100),
				item("b", "u1", "I was thinking about dinner tonight", 200),
			},
			want: []string{"I was thinking about dinner tonight"},
		},
		{
			name: "prefix from different sender kept",
			in: []store.QueueItem{
				item("a", "u1", "yes", 100),
				item("b", "u2", "yes indeed", 200),
			},
			want: []string{"yes", "yes indeed"},
		},
		{
			name: "streaming placeholder replaced by real turn",
			in: []store.QueueItem{
				item("a", "u1", "[streaming]", 100),
				item("b", "u1", "the actual message", 200),
			},
			want: []string{"the actual message"},
		},
		{
			name: "tool result normalized",
			in: []store.QueueItem{
				item("a", "u1", `{"type":"tool_result","name":"web_search","result":"3 hits"}`, 100),
			},
			want: []string{"Tool result (web_search): 3 hits"},
		},
		{
			name: "plain json untouched",
			in: []store.QueueItem{
				item("a", "u1", `{"hello":"world"}`, 100),
			},
			want: []string{`{"hello":"world"}`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cleanTurns(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("cleanTurns() kept %d turns, want %d: %+v", len(got), len(tt.want), got)
			}
			for i, want := range tt.want {
				if got[i].Content != want {
					t.Errorf("turn %d = %q, want %q", i, got[i].Content, want)
				}
			}
		})
	}
}

// TestBuildPromptBudget verifies the newest lines are kept and the omission
// note counts what fell off.
func TestBuildPromptBudget(t *testing.T) {
	var batch []store.QueueItem
	for i := 0; i < 10; i++ {
		batch = append(batch, store.QueueItem{
			ID: string(rune('a' + i)), SenderID: "u1", SenderName: "Ana",
			Content: strings.Repeat("x", 50), Timestamp: int64(1000 + i),
		})
	}
	prompt := buildPrompt(nil, batch, 300)
	if !strings.HasPrefix(prompt, "(") || !strings.Contains(prompt, "earlier messages omitted)") {
		t.Errorf("prompt missing omission note: %q", prompt[:60])
	}
	if len(prompt) > 400 {
		t.Errorf("prompt length = %d, want near budget", len(prompt))
	}
	if !strings.Contains(prompt, "Ana:") {
		t.Error("prompt missing sender name")
	}
}

// TestBuildPromptCatchUpDedupes verifies batch items are not duplicated by
// the catch-up context.
func TestBuildPromptCatchUpDedupes(t *testing.T) {
	catchUp := []store.StoredMessage{
		{ID: "old", SenderName: "Ana", Content: "earlier context", Timestamp: 500},
		{ID: "a", SenderName: "Ana", Content: "current", Timestamp: 1000},
	}
	batch := []store.QueueItem{
		{ID: "a", SenderID: "u1", SenderName: "Ana", Content: "current", Timestamp: 1000},
	}
	prompt := buildPrompt(catchUp, batch, 0)
	if strings.Count(prompt, "current") != 1 {
		t.Errorf("batch item duplicated in prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "earlier context") {
		t.Error("catch-up line missing")
	}
}

// TestIsCancelPhrase covers the cancel vocabulary.
func TestIsCancelPhrase(t *testing.T) {
	for _, yes := range []string{"cancel", "Stop", " ABORT "} {
		if !isCancelPhrase(yes) {
			t.Errorf("isCancelPhrase(%q) = false", yes)
		}
	}
	for _, no := range []string{"cancel the meeting", "", "stopwatch"} {
		if isCancelPhrase(no) {
			t.Errorf("isCancelPhrase(%q) = true", no)
		}
	}
}
