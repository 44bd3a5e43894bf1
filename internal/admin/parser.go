// Package admin parses and executes the chat command surface: slash
// commands and bot-mention phrases for managing groups, models, tasks and
// memories from the chat itself.
package admin

import (
	"strings"
)

// Command is one parsed admin command: a canonical name and its arguments.
type Command struct {
	Name string
	Args []string
}

// twoWordPhrases maps leading token pairs to canonical command names. The
// same commands are accepted as single hyphenated tokens ("add-group"),
// which Parse normalizes into the two-word form before lookup.
var twoWordPhrases = map[string]string{
	"add group":     "add-group",
	"remove group":  "remove-group",
	"list groups":   "groups",
	"set model":     "set-model",
	"list models":   "models",
	"list tasks":    "tasks",
	"pause task":    "pause-task",
	"resume task":   "resume-task",
	"cancel task":   "cancel-task",
	"run task":      "run-task",
	"list memories": "memories",
}

var oneWordPhrases = map[string]string{
	"status":   "status",
	"help":     "help",
	"groups":   "groups",
	"models":   "models",
	"tasks":    "tasks",
	"remember": "remember",
	"forget":   "forget",
	"memories": "memories",
}

// Parse extracts an admin command from raw chat text. Recognized forms are
// "/dotclaw …", "/dc …" (with an optional @BotName suffix on the slash
// token) and "@BotName …". Subcommands are accepted as word pairs
// ("add group") or hyphenated ("add-group"). Returns nil for anything else,
// including known prefixes followed by unknown subcommands. The parser does
// no I/O.
func Parse(text, botName string) *Command {
	rest, ok := stripPrefix(text, botName)
	if !ok {
		return nil
	}
	tokens := Tokenize(rest)
	if len(tokens) == 0 {
		return nil
	}

	first := strings.ToLower(tokens[0])
	if name, ok := twoWordPhrases[strings.ReplaceAll(first, "-", " ")]; ok {
		return &Command{Name: name, Args: tokens[1:]}
	}
	if len(tokens) >= 2 {
		phrase := first + " " + strings.ToLower(tokens[1])
		if name, ok := twoWordPhrases[phrase]; ok {
			return &Command{Name: name, Args: tokens[2:]}
		}
	}
	if name, ok := oneWordPhrases[first]; ok {
		return &Command{Name: name, Args: tokens[1:]}
	}
	return nil
}

// stripPrefix removes the command prefix and reports whether one was found.
func stripPrefix(text, botName string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	for _, prefix := range []string{"/dotclaw", "/dc"} {
		if !strings.HasPrefix(lower, prefix) {
			continue
		}
		rest := trimmed[len(prefix):]
		// "/dotclaw@MyBot status" from group chats.
		if strings.HasPrefix(rest, "@") {
			if i := strings.IndexAny(rest, " \t"); i >= 0 {
				rest = rest[i:]
			} else {
				rest = ""
			}
		}
		if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
			continue // "/dcx" is not "/dc"
		}
		return rest, true
	}

	if botName != "" {
		mention := "@" + strings.ToLower(botName)
		if strings.HasPrefix(lower, mention) {
			rest := trimmed[len(mention):]
			if rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == ',' || rest[0] == ':' {
				return strings.TrimLeft(rest, " \t,:"), true
			}
		}
	}
	return "", false
}

// Tokenize splits text on whitespace, keeping double-quoted spans as single
// tokens with the quotes removed.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case r == '"':
			if inQuote {
				tokens = append(tokens, current.String())
				current.Reset()
				inQuote = false
			} else {
				flush()
				inQuote = true
			}
		case (r == ' ' || r == '\t' || r == '\n') && !inQuote:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}
