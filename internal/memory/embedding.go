package memory

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// BackfillEmbeddings embeds up to limit memories that were written without a
// vector, newest first. Returns how many were embedded. A no-op without a
// configured embedder; the maintenance sweep calls this periodically so
// writes never wait on the embeddings API.
func (s *Store) BackfillEmbeddings(ctx context.Context, limit int) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 64
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content FROM memories WHERE embedding IS NULL
		 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return 0, fmt.Errorf("list unembedded memories: %w", err)
	}
	var ids, texts []string
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan unembedded memory: %w", err)
		}
		ids = append(ids, id)
		texts = append(texts, content)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(ids) {
		return 0, fmt.Errorf("embedder returned %d vectors for %d memories", len(vecs), len(ids))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for i, id := range ids {
		if len(vecs[i]) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE memories SET embedding = ? WHERE id = ?`,
			serializeEmbedding(vecs[i]), id); err != nil {
			return 0, fmt.Errorf("store embedding: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit backfill: %w", err)
	}
	s.logger.Debug("memory: embeddings backfilled", "count", len(ids))
	return len(ids), nil
}

// serializeEmbedding renders a vector as a compact JSON array. Stored as text
// so the schema stays portable and inspectable.
func serializeEmbedding(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func deserializeEmbedding(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed embedding")
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse embedding value: %w", err)
		}
		out = append(out, float32(f))
	}
	return out, nil
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0 for
// mismatched or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
