package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Chat is the materialized per-chat row used for catch-up since the agent's
// last reply.
type Chat struct {
	ChatID             string
	Name               string
	LastMessageTime    int64
	LastAgentTimestamp int64
}

// GetChat returns the chat row, or a zero Chat when it does not exist yet.
func (s *Store) GetChat(ctx context.Context, chatID string) (Chat, error) {
	var c Chat
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, name, last_message_time, last_agent_timestamp FROM chats WHERE chat_id = ?`,
		chatID,
	).Scan(&c.ChatID, &name, &c.LastMessageTime, &c.LastAgentTimestamp)
	if err == sql.ErrNoRows {
		return Chat{ChatID: chatID}, nil
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	c.Name = name.String
	return c, nil
}

// SetLastAgentTimestamp records the timestamp of the newest message the
// agent has replied to for this chat.
func (s *Store) SetLastAgentTimestamp(ctx context.Context, chatID string, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (chat_id, last_agent_timestamp) VALUES (?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			last_agent_timestamp = MAX(last_agent_timestamp, excluded.last_agent_timestamp)`,
		chatID, ts,
	)
	if err != nil {
		return fmt.Errorf("set last agent timestamp: %w", err)
	}
	return nil
}

// StoredMessage is a persisted chat message used for catch-up context.
type StoredMessage struct {
	ID         string
	ChatID     string
	SenderID   string
	SenderName string
	Content    string
	Timestamp  int64
}

// MessagesSince returns messages for a chat newer than afterTimestamp in
// ascending timestamp order, capped at limit.
func (s *Store) MessagesSince(ctx context.Context, chatID string, afterTimestamp int64, limit int) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, sender_id, sender_name, content, timestamp
		 FROM messages
		 WHERE chat_id = ? AND timestamp > ?
		 ORDER BY timestamp ASC LIMIT ?`,
		chatID, afterTimestamp, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var senderName sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &senderName, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SenderName = senderName.String
		out = append(out, m)
	}
	return out, rows.Err()
}
