package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// stopWords are dropped from keyword queries before they hit FTS; matching on
// them produces noise, not recall.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "for": true, "from": true,
	"get": true, "have": true, "how": true, "i": true, "in": true, "is": true,
	"it": true, "me": true, "my": true, "of": true, "on": true, "or": true,
	"our": true, "please": true, "so": true, "that": true, "the": true,
	"this": true, "to": true, "was": true, "we": true, "what": true,
	"when": true, "will": true, "with": true, "you": true, "your": true,
}

// normalizeQuery lowercases, strips punctuation, and drops stop words,
// returning the content-bearing terms.
func normalizeQuery(query string) []string {
	var terms []string
	for _, raw := range strings.Fields(strings.ToLower(query)) {
		w := strings.TrimFunc(raw, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		if w == "" || stopWords[w] {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}

// SearchOptions scope a hybrid search.
type SearchOptions struct {
	GroupFolder string
	Scope       string // optional
	SubjectID   string // optional
	Query       string
	QueryVector []float32 // optional; enables the vector half of the score
	MaxResults  int
	MinScore    float64
}

// Search runs hybrid retrieval: FTS5 keyword matching merged with
// brute-force cosine similarity over stored embeddings. The two halves are
// blended by the store's vector weight; items matched by only one signal
// still surface with the other half scored zero.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]Scored, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}

	merged := make(map[string]*Scored)

	terms := normalizeQuery(opts.Query)
	if len(terms) > 0 {
		quoted := make([]string, len(terms))
		for i, t := range terms {
			quoted[i] = `"` + t + `"`
		}
		// OR over terms; FTS rank orders by relevance (more negative is
		// better), normalized below into 0..1.
		rows, err := s.db.QueryContext(ctx,
			`SELECT f.memory_id, f.rank FROM memories_fts f
			 JOIN memories m ON m.id = f.memory_id
			 WHERE memories_fts MATCH ? AND m.group_folder = ?
			 ORDER BY f.rank LIMIT 50`,
			strings.Join(quoted, " OR "), opts.GroupFolder,
		)
		if err != nil {
			return nil, fmt.Errorf("fts search: %w", err)
		}
		type hit struct {
			id   string
			rank float64
		}
		var hits []hit
		for rows.Next() {
			var h hit
			if err := rows.Scan(&h.id, &h.rank); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan fts hit: %w", err)
			}
			hits = append(hits, h)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		for i, h := range hits {
			// Positional normalization keeps scores stable across bm25
			// magnitude differences.
			score := 1.0 - float64(i)/float64(len(hits)+1)
			merged[h.id] = &Scored{Score: (1 - s.vectorWeight) * score}
		}
	}

	if len(opts.QueryVector) > 0 {
		items, err := s.List(ctx, opts.GroupFolder, opts.Scope, opts.SubjectID, 0)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if len(it.Embedding) == 0 {
				continue
			}
			sim := cosineSimilarity(opts.QueryVector, it.Embedding)
			if sim <= 0 {
				continue
			}
			if sc, ok := merged[it.ID]; ok {
				sc.Score += s.vectorWeight * sim
			} else {
				merged[it.ID] = &Scored{Score: s.vectorWeight * sim}
			}
		}
	}

	if len(merged) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	byID, err := s.itemsByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Scored, 0, len(merged))
	for id, sc := range merged {
		it, ok := byID[id]
		if !ok {
			continue
		}
		if opts.Scope != "" && it.Scope != opts.Scope {
			continue
		}
		if opts.SubjectID != "" && it.SubjectID != "" && it.SubjectID != opts.SubjectID {
			continue
		}
		if sc.Score < opts.MinScore {
			continue
		}
		sc.Item = it
		out = append(out, *sc)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Item.UpdatedAt > out[j].Item.UpdatedAt
	})
	if len(out) > opts.MaxResults {
		out = out[:opts.MaxResults]
	}
	return out, nil
}

func (s *Store) itemsByID(ctx context.Context, ids []string) (map[string]Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch memories: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	return byID, nil
}
