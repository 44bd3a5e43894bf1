package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Queue item states.
const (
	StatusQueued  = "queued"
	StatusClaimed = "claimed"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// QueueItem is one durable inbound message awaiting agent processing.
type QueueItem struct {
	ID            string
	ChatID        string
	SenderID      string
	SenderName    string
	Content       string
	Timestamp     int64
	IsGroup       bool
	ChatType      string
	Status        string
	Attempt       int
	LastError     string
	ClaimedAt     int64
	ClaimDeadline int64
}

const queueColumns = `id, chat_id, sender_id, sender_name, content, timestamp,
	is_group, chat_type, status, attempt, last_error, claimed_at, claim_deadline`

// Enqueue persists the message and its queue entry in one transaction, and
// materializes the chat row lazily.
func (s *Store) Enqueue(ctx context.Context, item QueueItem) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, chat_id, sender_id, sender_name, content, timestamp, is_group, chat_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.ChatID, item.SenderID, item.SenderName, item.Content,
		item.Timestamp, boolInt(item.IsGroup), item.ChatType,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue (id, chat_id, sender_id, sender_name, content, timestamp, is_group, chat_type, status, visible_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', 0)`,
		item.ID, item.ChatID, item.SenderID, item.SenderName, item.Content,
		item.Timestamp, boolInt(item.IsGroup), item.ChatType,
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chats (chat_id, name, last_message_time) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			last_message_time = MAX(last_message_time, excluded.last_message_time)`,
		item.ChatID, item.SenderName, item.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	s.logger.Debug("store: enqueued", "chat_id", item.ChatID, "id", item.ID, "duration", time.Since(start))
	return nil
}

// ClaimBatch atomically claims up to maxBatch queued items for one chat in
// timestamp order. Only items within the first item's timestamp + windowMs
// are taken, so a claim never spans a gap larger than the batch window.
// Returns nothing while another claim for the same chat is outstanding.
func (s *Store) ClaimBatch(ctx context.Context, chatID string, windowMs int64, maxBatch int) ([]QueueItem, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// At most one claimed item per chat across the host.
	var held int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE chat_id = ? AND status = 'claimed'`, chatID,
	).Scan(&held); err != nil {
		return nil, fmt.Errorf("count claimed: %w", err)
	}
	if held > 0 {
		return nil, nil
	}

	var first int64
	err = tx.QueryRowContext(ctx,
		`SELECT timestamp FROM queue
		 WHERE chat_id = ? AND status = 'queued' AND visible_at <= ?
		 ORDER BY timestamp ASC LIMIT 1`,
		chatID, now,
	).Scan(&first)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peek queue: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`UPDATE queue SET status = 'claimed', claimed_at = ?, claim_deadline = ?
		 WHERE id IN (
			SELECT id FROM queue
			WHERE chat_id = ? AND status = 'queued' AND visible_at <= ? AND timestamp <= ?
			ORDER BY timestamp ASC LIMIT ?
		 )
		 RETURNING `+queueColumns,
		now, now+s.claimDeadlineMs, chatID, now, first+windowMs, maxBatch,
	)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	if len(items) > 0 {
		s.logger.Debug("store: batch claimed", "chat_id", chatID, "count", len(items))
	}
	return items, nil
}

// MarkDone transitions claimed items to their terminal done state.
func (s *Store) MarkDone(ctx context.Context, ids []string) error {
	return s.setStatus(ctx, ids, StatusDone, "")
}

// Requeue returns claimed items to the queue with attempt incremented and a
// jittered exponential backoff before they become visible again.
func (s *Store) Requeue(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		var attempt int
		if err := tx.QueryRowContext(ctx, `SELECT attempt FROM queue WHERE id = ?`, id).Scan(&attempt); err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return fmt.Errorf("read attempt: %w", err)
		}
		backoff := s.backoffMs(attempt + 1)
		_, err = tx.ExecContext(ctx,
			`UPDATE queue SET status = 'queued', attempt = attempt + 1, last_error = ?,
				visible_at = ?, claimed_at = NULL, claim_deadline = NULL
			 WHERE id = ? AND status = 'claimed'`,
			reason, now+backoff, id,
		)
		if err != nil {
			return fmt.Errorf("requeue item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit requeue: %w", err)
	}
	s.logger.Debug("store: requeued", "count", len(ids), "reason", reason)
	return nil
}

// Release returns claimed items to the queue immediately, without counting
// an attempt or delaying visibility. Interrupted, preempted and shutdown
// batches go through here so a restart claims them right away; genuine
// failures go through Requeue.
func (s *Store) Release(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, reason)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = 'queued', last_error = ?, visible_at = 0,
			claimed_at = NULL, claim_deadline = NULL
		 WHERE id IN (`+placeholders+`) AND status = 'claimed'`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("release items: %w", err)
	}
	s.logger.Debug("store: released", "count", len(ids), "reason", reason)
	return nil
}

// Fail transitions claimed items to the terminal failed state.
func (s *Store) Fail(ctx context.Context, ids []string, reason string) error {
	return s.setStatus(ctx, ids, StatusFailed, reason)
}

// ReapExpiredClaims returns claims whose deadline has passed to the queue.
// Returns the number of reclaimed items.
func (s *Store) ReapExpiredClaims(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = 'queued', claimed_at = NULL, claim_deadline = NULL,
			last_error = 'claim expired'
		 WHERE status = 'claimed' AND claim_deadline < ?`,
		s.now(),
	)
	if err != nil {
		return 0, fmt.Errorf("reap claims: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("store: reaped expired claims", "count", n)
	}
	return int(n), nil
}

// HasNewerQueued reports whether a queued item newer than afterTimestamp
// exists for the chat. Drives interrupt-on-new-message.
func (s *Store) HasNewerQueued(ctx context.Context, chatID string, afterTimestamp int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue
		 WHERE chat_id = ? AND status = 'queued' AND timestamp > ?`,
		chatID, afterTimestamp,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count newer queued: %w", err)
	}
	return n > 0, nil
}

// QueueDepth returns the number of queued items across all chats.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ChatsWithQueued returns the distinct chat ids that currently have visible
// queued items. The pipeline uses this to start drains after a restart.
func (s *Store) ChatsWithQueued(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT chat_id FROM queue WHERE status = 'queued' AND visible_at <= ?`,
		s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("chats with queued: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) setStatus(ctx context.Context, ids []string, status, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(ids)+1)
	args = append(args, reason)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue SET status = '`+status+`', last_error = ? WHERE id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("set status %s: %w", status, err)
	}
	return nil
}

// backoffMs computes min(retryMax, retryBase * 2^attempt * jitter) with a
// 0.5–1.5 jitter factor. The cap bounds the jittered value, so retryMax is
// a hard ceiling.
func (s *Store) backoffMs(attempt int) int64 {
	ms := s.retryBaseMs
	for i := 1; i < attempt && ms < s.retryMaxMs; i++ {
		ms *= 2
	}
	jitter := 0.5 + rand.Float64()
	delay := int64(float64(ms) * jitter)
	if delay > s.retryMaxMs {
		delay = s.retryMaxMs
	}
	return delay
}

func scanQueueItems(rows *sql.Rows) ([]QueueItem, error) {
	defer rows.Close()
	var items []QueueItem
	for rows.Next() {
		var it QueueItem
		var senderName, chatType, lastErr sql.NullString
		var isGroup int
		var claimedAt, claimDeadline sql.NullInt64
		if err := rows.Scan(&it.ID, &it.ChatID, &it.SenderID, &senderName, &it.Content,
			&it.Timestamp, &isGroup, &chatType, &it.Status, &it.Attempt, &lastErr,
			&claimedAt, &claimDeadline); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		it.SenderName = senderName.String
		it.ChatType = chatType.String
		it.LastError = lastErr.String
		it.IsGroup = isGroup != 0
		it.ClaimedAt = claimedAt.Int64
		it.ClaimDeadline = claimDeadline.Int64
		items = append(items, it)
	}
	return items, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
