package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// greetings are messages that carry no retrieval signal on their own.
var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true, "sup": true,
	"good morning": true, "good afternoon": true, "good evening": true,
	"thanks": true, "thank you": true, "ok": true, "okay": true,
}

// memoryIntentWords force recall even for otherwise trivial messages.
var memoryIntentWords = []string{"remember", "recall", "forget", "memory", "memories", "remind"}

// RecallOptions tune BuildHybridRecall.
type RecallOptions struct {
	GroupFolder string
	SubjectID   string
	Query       string
	QueryVector []float32
	MaxResults  int
	TokenBudget int // approximate tokens for the rendered block
	MinScore    float64
}

// BuildHybridRecall retrieves memories relevant to a message and renders them
// as prompt lines of the form "(type) content". Trivial greetings return an
// empty block unless the message shows memory intent. Results are
// diversified so one topic cannot crowd out the rest, then packed into the
// token budget by importance.
func (s *Store) BuildHybridRecall(ctx context.Context, opts RecallOptions) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(strings.TrimRight(opts.Query, "!.?")))
	if greetings[trimmed] && !hasMemoryIntent(trimmed) {
		return "", nil
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 6
	}
	if opts.TokenBudget <= 0 {
		opts.TokenBudget = 700
	}

	if len(opts.QueryVector) == 0 && s.embedder != nil {
		// Recall degrades to keyword-only when the embeddings API is down.
		vecs, err := s.embedder.Embed(ctx, []string{opts.Query})
		if err != nil || len(vecs) == 0 {
			s.logger.Warn("query embedding failed", "error", err)
		} else {
			opts.QueryVector = vecs[0]
		}
	}

	scored, err := s.Search(ctx, SearchOptions{
		GroupFolder: opts.GroupFolder,
		SubjectID:   opts.SubjectID,
		Query:       opts.Query,
		QueryVector: opts.QueryVector,
		MaxResults:  opts.MaxResults * 3,
		MinScore:    opts.MinScore,
	})
	if err != nil {
		return "", fmt.Errorf("recall search: %w", err)
	}
	if len(scored) == 0 {
		return "", nil
	}

	picked := diversify(scored, opts.MaxResults)

	// Pack by importance so a tight budget keeps the weightiest items.
	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].Item.Importance > picked[j].Item.Importance
	})

	var b strings.Builder
	used := 0
	for _, sc := range picked {
		line := fmt.Sprintf("(%s) %s", sc.Item.Type, sc.Item.Content)
		cost := approxTokens(line)
		if used+cost > opts.TokenBudget && used > 0 {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
		used += cost
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// diversify caps each leading topic keyword at two items so a cluster of
// near-duplicates cannot fill the whole result set, then interleaves the
// survivors by memory type so one type cannot monopolize the head of the
// list either.
func diversify(scored []Scored, max int) []Scored {
	perTopic := make(map[string]int)
	var capped []Scored
	for _, sc := range scored {
		topic := leadingTopic(sc.Item.Content)
		if topic != "" && perTopic[topic] >= 2 {
			continue
		}
		perTopic[topic]++
		capped = append(capped, sc)
		if len(capped) >= max {
			break
		}
	}
	return interleaveTypes(capped)
}

// interleaveTypes round-robins items across their types, keeping score order
// within each type. Types keep the rank of their best item.
func interleaveTypes(scored []Scored) []Scored {
	byType := make(map[string][]Scored)
	var order []string
	for _, sc := range scored {
		if _, ok := byType[sc.Item.Type]; !ok {
			order = append(order, sc.Item.Type)
		}
		byType[sc.Item.Type] = append(byType[sc.Item.Type], sc)
	}
	out := make([]Scored, 0, len(scored))
	for len(out) < len(scored) {
		for _, typ := range order {
			if q := byType[typ]; len(q) > 0 {
				out = append(out, q[0])
				byType[typ] = q[1:]
			}
		}
	}
	return out
}

// leadingTopic is the first content-bearing word of a memory, used as a cheap
// clustering key.
func leadingTopic(content string) string {
	terms := normalizeQuery(content)
	if len(terms) == 0 {
		return ""
	}
	return terms[0]
}

func hasMemoryIntent(msg string) bool {
	for _, w := range memoryIntentWords {
		if strings.Contains(msg, w) {
			return true
		}
	}
	return false
}

// approxTokens estimates token cost at four characters per token.
func approxTokens(s string) int {
	return len(s)/4 + 1
}

// BuildUserProfile renders a subject's user-scoped memories into a compact
// profile block capped at maxChars (1200 when zero), newest first, truncating
// the last entry with an ellipsis when it overflows.
func (s *Store) BuildUserProfile(ctx context.Context, groupFolder, subjectID string, maxChars int) (string, error) {
	if maxChars <= 0 {
		maxChars = 1200
	}
	items, err := s.List(ctx, groupFolder, ScopeUser, subjectID, 50)
	if err != nil {
		return "", fmt.Errorf("profile list: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, it := range items {
		line := fmt.Sprintf("- (%s) %s\n", it.Type, it.Content)
		if b.Len()+len(line) > maxChars {
			remain := maxChars - b.Len()
			if remain > 4 {
				b.WriteString(line[:remain-1])
				b.WriteString("…")
			}
			break
		}
		b.WriteString(line)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
