// Package memory implements the per-group long-term memory store: typed
// memories in SQLite with an FTS5 keyword index, optional embeddings with
// in-process cosine search, and the hybrid recall used to build prompts.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Scopes.
const (
	ScopeUser   = "user"
	ScopeGroup  = "group"
	ScopeGlobal = "global"
)

// Item is one typed memory.
type Item struct {
	ID          string            `json:"id"`
	GroupFolder string            `json:"groupFolder"`
	Scope       string            `json:"scope"`
	SubjectID   string            `json:"subjectId,omitempty"`
	Type        string            `json:"type"` // preference, fact, task, relationship, ...
	Content     string            `json:"content"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Importance  float64           `json:"importance"`
	Confidence  float64           `json:"confidence"`
	ConflictKey string            `json:"conflictKey,omitempty"`
	CreatedAt   int64             `json:"createdAt"`
	UpdatedAt   int64             `json:"updatedAt"`
	Embedding   []float32         `json:"-"`
}

// Scored pairs an item with its merged retrieval score.
type Scored struct {
	Item  Item
	Score float64
}

// Stats summarizes one group's memory for the memory_stats IPC kind.
type Stats struct {
	Total    int            `json:"total"`
	ByType   map[string]int `json:"byType"`
	ByScope  map[string]int `json:"byScope"`
	Embedded int            `json:"embedded"`
}

// Embedder produces one embedding vector per input text. The store uses it
// to vectorize recall queries and to back-fill memories written without a
// vector.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. Silent when unset.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the millisecond clock for tests.
func WithClock(now func() int64) Option {
	return func(s *Store) { s.now = now }
}

// WithVectorWeight sets the vector share of the hybrid score (0..1).
func WithVectorWeight(w float64) Option {
	return func(s *Store) {
		if w >= 0 && w <= 1 {
			s.vectorWeight = w
		}
	}
}

// WithEmbedder enables the vector half of hybrid search. Without one the
// store runs keyword-only.
func WithEmbedder(e Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// Store owns the memory.db handle.
type Store struct {
	db           *sql.DB
	logger       *slog.Logger
	now          func() int64
	vectorWeight float64
	embedder     Embedder
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open creates a Store on the SQLite file at dbPath with one serialized
// writer connection.
func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:           db,
		logger:       slog.New(discardHandler{}),
		now:          func() int64 { return time.Now().UnixMilli() },
		vectorWeight: 0.6,
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return s, nil
}

// Init creates the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		group_folder TEXT NOT NULL,
		scope TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		tags TEXT,
		metadata TEXT,
		importance REAL NOT NULL DEFAULT 0.5,
		confidence REAL NOT NULL DEFAULT 0.5,
		conflict_key TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		embedding TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_group ON memories(group_folder, scope, subject_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_memories_conflict
		ON memories(group_folder, scope, subject_id, conflict_key) WHERE conflict_key IS NOT NULL`)

	// The FTS document mirrors content plus normalized tags so a tag match
	// scores like a content match.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts
		USING fts5(memory_id UNINDEXED, doc)`)
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert stores items. An item with a conflictKey replaces any prior entry
// under the same (groupFolder, scope, subjectId, conflictKey); the newest
// write wins.
func (s *Store) Upsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if it.CreatedAt == 0 {
			it.CreatedAt = now
		}
		it.UpdatedAt = now
		if it.Importance < 0 || it.Importance > 1 {
			it.Importance = 0.5
		}
		if it.Confidence < 0 || it.Confidence > 1 {
			it.Confidence = 0.5
		}

		if it.ConflictKey != "" {
			rows, err := tx.QueryContext(ctx,
				`DELETE FROM memories
				 WHERE group_folder = ? AND scope = ? AND subject_id = ? AND conflict_key = ?
				 RETURNING id`,
				it.GroupFolder, it.Scope, it.SubjectID, it.ConflictKey,
			)
			if err != nil {
				return fmt.Errorf("replace conflicting memory: %w", err)
			}
			replaced, err := scanIDs(rows)
			if err != nil {
				return err
			}
			for _, id := range replaced {
				if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, id); err != nil {
					return fmt.Errorf("delete fts row: %w", err)
				}
			}
		}

		var tagsJSON, metaJSON, conflictKey, embJSON any
		if len(it.Tags) > 0 {
			b, _ := json.Marshal(it.Tags)
			tagsJSON = string(b)
		}
		if len(it.Metadata) > 0 {
			b, _ := json.Marshal(it.Metadata)
			metaJSON = string(b)
		}
		if it.ConflictKey != "" {
			conflictKey = it.ConflictKey
		}
		if len(it.Embedding) > 0 {
			embJSON = serializeEmbedding(it.Embedding)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO memories
			 (id, group_folder, scope, subject_id, type, content, tags, metadata,
			  importance, confidence, conflict_key, created_at, updated_at, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			it.ID, it.GroupFolder, it.Scope, it.SubjectID, it.Type, it.Content,
			tagsJSON, metaJSON, it.Importance, it.Confidence, conflictKey,
			it.CreatedAt, it.UpdatedAt, embJSON,
		)
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}

		_, _ = tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, it.ID)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memories_fts (memory_id, doc) VALUES (?, ?)`,
			it.ID, matchableDoc(it.Content, it.Tags),
		); err != nil {
			return fmt.Errorf("insert fts row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	s.logger.Debug("memory: upserted", "count", len(items))
	return nil
}

// Forget removes memories by id, returning how many were removed.
func (s *Store) Forget(ctx context.Context, groupFolder string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM memories WHERE id = ? AND group_folder = ?`, id, groupFolder)
		if err != nil {
			return 0, fmt.Errorf("forget memory: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed++
			if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, id); err != nil {
				return 0, fmt.Errorf("delete fts row: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit forget: %w", err)
	}
	return removed, nil
}

// List returns a group's memories, optionally filtered by scope and subject,
// newest first.
func (s *Store) List(ctx context.Context, groupFolder, scope, subjectID string, limit int) ([]Item, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE group_folder = ?`
	args := []any{groupFolder}
	if scope != "" {
		query += ` AND scope = ?`
		args = append(args, scope)
	}
	if subjectID != "" {
		query += ` AND subject_id = ?`
		args = append(args, subjectID)
	}
	query += ` ORDER BY updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return scanItems(rows)
}

// GetStats returns counts by type and scope for one group.
func (s *Store) GetStats(ctx context.Context, groupFolder string) (Stats, error) {
	st := Stats{ByType: map[string]int{}, ByScope: map[string]int{}}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, scope, embedding IS NOT NULL FROM memories WHERE group_folder = ?`,
		groupFolder,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ, scope string
		var embedded bool
		if err := rows.Scan(&typ, &scope, &embedded); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		st.Total++
		st.ByType[typ]++
		st.ByScope[scope]++
		if embedded {
			st.Embedded++
		}
	}
	return st, rows.Err()
}

const memoryColumns = `id, group_folder, scope, subject_id, type, content, tags, metadata,
	importance, confidence, conflict_key, created_at, updated_at, embedding`

// matchableDoc builds the virtual FTS document: content plus normalized tags.
func matchableDoc(content string, tags []string) string {
	if len(tags) == 0 {
		return content
	}
	norm := make([]string, len(tags))
	for i, t := range tags {
		norm[i] = strings.ToLower(strings.TrimSpace(t))
	}
	return content + "\n" + strings.Join(norm, " ")
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(rows *sql.Rows) (Item, error) {
	var it Item
	var tagsJSON, metaJSON, conflictKey, embJSON sql.NullString
	err := rows.Scan(&it.ID, &it.GroupFolder, &it.Scope, &it.SubjectID, &it.Type,
		&it.Content, &tagsJSON, &metaJSON, &it.Importance, &it.Confidence,
		&conflictKey, &it.CreatedAt, &it.UpdatedAt, &embJSON)
	if err != nil {
		return Item{}, fmt.Errorf("scan memory: %w", err)
	}
	if tagsJSON.Valid {
		_ = json.Unmarshal([]byte(tagsJSON.String), &it.Tags)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &it.Metadata)
	}
	it.ConflictKey = conflictKey.String
	if embJSON.Valid {
		if emb, err := deserializeEmbedding(embJSON.String); err == nil {
			it.Embedding = emb
		}
	}
	return it, nil
}
