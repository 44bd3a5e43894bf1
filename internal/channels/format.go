package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// ContinuationMarker is appended to every non-final part of a split message.
const ContinuationMarker = " …"

// SplitMessage breaks text into provider-sized parts. Splits happen at line
// boundaries, never inside a code fence: an open fence is closed at the
// split and reopened in the next part. Parts are measured by display width
// so wide runes do not overshoot provider limits.
func SplitMessage(text string, maxWidth int) []string {
	if maxWidth <= 0 || runewidth.StringWidth(text) <= maxWidth {
		return []string{text}
	}

	// Leave room for the continuation marker and a fence close.
	budget := maxWidth - runewidth.StringWidth(ContinuationMarker) - 4
	if budget < 16 {
		budget = maxWidth
	}

	var parts []string
	var cur strings.Builder
	curWidth := 0
	inFence := false
	fenceLang := ""

	write := func(line string) {
		cur.WriteString(line)
		cur.WriteByte('\n')
		curWidth += runewidth.StringWidth(line) + 1
	}
	flush := func(final bool) {
		if cur.Len() == 0 {
			return
		}
		part := strings.TrimRight(cur.String(), "\n")
		if inFence {
			part += "\n```"
		}
		if !final {
			part += ContinuationMarker
		}
		parts = append(parts, part)
		cur.Reset()
		curWidth = 0
		if inFence {
			write("```" + fenceLang)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if curWidth+runewidth.StringWidth(line)+1 > budget && cur.Len() > 0 {
			flush(false)
		}

		// A single line longer than the whole budget is hard-wrapped.
		for runewidth.StringWidth(line) > budget {
			cut := truncateToWidth(line, budget)
			write(cut)
			flush(false)
			line = strings.TrimPrefix(line, cut)
		}
		write(line)

		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if !inFence {
				fenceLang = strings.TrimPrefix(strings.TrimSpace(line), "```")
				inFence = true
			} else {
				inFence = false
				fenceLang = ""
			}
		}
	}
	flush(true)
	return parts
}

// truncateToWidth returns the longest prefix of s within the display width.
func truncateToWidth(s string, width int) string {
	out := make([]rune, 0, len(s))
	w := 0
	for _, r := range s {
		rw := runewidth.RuneWidth(r)
		if w+rw > width {
			break
		}
		out = append(out, r)
		w += rw
	}
	return string(out)
}

// FormatForTelegram adapts common markdown for Telegram's Markdown parse
// mode: ATX headings become bold lines, which Telegram would otherwise
// render as literal hashes.
func FormatForTelegram(text string) string {
	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if heading != "" {
				lines[i] = "*" + heading + "*"
			}
		}
	}
	return strings.Join(lines, "\n")
}
