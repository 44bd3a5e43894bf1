package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dotclawhq/dotclaw/internal/store"
)

// streamingPlaceholder marks a partial turn some providers deliver before
// the real content.
const streamingPlaceholder = "[streaming]"

// cleanTurns applies queue hygiene to a claimed batch: malformed turns are
// dropped, successive prefix extensions collapse to the newest version,
// stale streaming placeholders preceding real turns go away, and JSON
// tool-result envelopes are normalized to a readable prefix.
func cleanTurns(items []store.QueueItem) []store.QueueItem {
	out := make([]store.QueueItem, 0, len(items))
	for _, item := range items {
		if item.ID == "" || item.Timestamp <= 0 {
			continue
		}
		item.Content = normalizeToolResult(item.Content)

		if n := len(out); n > 0 {
			prev := out[n-1]
			// A turn extending the previous one is a streaming update:
			// keep only the newest version.
			if prev.SenderID == item.SenderID && strings.HasPrefix(item.Content, prev.Content) {
				out[n-1] = item
				continue
			}
			if strings.TrimSpace(prev.Content) == streamingPlaceholder {
				out[n-1] = item
				continue
			}
		}
		if strings.TrimSpace(item.Content) == streamingPlaceholder && len(out) == 0 {
			// A placeholder with nothing after it stays, pending the real
			// content in a later batch.
			out = append(out, item)
			continue
		}
		out = append(out, item)
	}
	return out
}

// toolResultEnvelope is the JSON shape some clients wrap tool output in.
type toolResultEnvelope struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

// normalizeToolResult rewrites a JSON tool-result envelope as a
// "Tool result (NAME): …" line. Anything else passes through untouched.
func normalizeToolResult(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return content
	}
	var env toolResultEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return content
	}
	if env.Type != "tool_result" || env.Name == "" {
		return content
	}
	return fmt.Sprintf("Tool result (%s): %s", env.Name, env.Result)
}

// cancelPhrases stop the active foreground run for a chat.
var cancelPhrases = map[string]bool{
	"cancel": true,
	"stop":   true,
	"abort":  true,
}

func isCancelPhrase(content string) bool {
	return cancelPhrases[strings.ToLower(strings.TrimSpace(content))]
}

// formatTurn renders one line of conversation context.
func formatTurn(name string, ts int64, content string) string {
	t := time.UnixMilli(ts).Format("2006-01-02 15:04")
	if name == "" {
		name = "user"
	}
	return fmt.Sprintf("[%s] %s: %s", t, name, content)
}

// buildPrompt assembles the agent prompt: catch-up lines since the agent's
// last reply followed by the claimed batch, newest lines kept within
// maxChars. When older lines fall off, the prompt opens with a note saying
// how many were omitted.
func buildPrompt(catchUp []store.StoredMessage, batch []store.QueueItem, maxChars int) string {
	lines := make([]string, 0, len(catchUp)+len(batch))
	inBatch := make(map[string]bool, len(batch))
	for _, item := range batch {
		inBatch[item.ID] = true
	}
	for _, m := range catchUp {
		if inBatch[m.ID] {
			continue
		}
		lines = append(lines, formatTurn(m.SenderName, m.Timestamp, m.Content))
	}
	for _, item := range batch {
		lines = append(lines, formatTurn(item.SenderName, item.Timestamp, item.Content))
	}
	if len(lines) == 0 {
		return ""
	}
	if maxChars <= 0 {
		return strings.Join(lines, "\n")
	}

	// Keep the most recent lines that fit.
	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		cost := len(lines[i]) + 1
		if total+cost > maxChars && start < len(lines) {
			break
		}
		total += cost
		start = i
	}
	kept := lines[start:]
	if start > 0 {
		return fmt.Sprintf("(%d earlier messages omitted)\n%s", start, strings.Join(kept, "\n"))
	}
	return strings.Join(kept, "\n")
}
