package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var messageColumns = []string{
	"id", "thread_id", "chat_id", "sender", "content", "status", "tokens",
	"reaction", "telegram_message_id", "is_edited", "edited_at", "created_at",
}

func scanMessage(r rowScanner) (Message, error) {
	var m Message
	var editedAt sql.NullTime
	if err := r.Scan(
		&m.ID,
		&m.ThreadID,
		&m.ChatID,
		&m.Sender,
		&m.Content,
		&m.Status,
		&m.Tokens,
		&m.Reaction,
		&m.TelegramMessageID,
		&m.IsEdited,
		&editedAt,
		&m.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	if editedAt.Valid {
		m.EditedAt = &editedAt.Time
	}
	return m, nil
}

// AddMessage stores m with a fresh time-ordered id and creation time.
func (s *Store) AddMessage(ctx context.Context, m Message) (Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("generate message id: %w", err)
	}
	m.ID = id.String()
	m.CreatedAt = s.timestamp()
	if m.Status == "" {
		m.Status = StatusSending
	}

	var editedAt any
	if m.EditedAt != nil {
		editedAt = m.EditedAt.UTC()
	}
	q := s.sql.Insert("messages").
		Columns(messageColumns...).
		Values(m.ID, m.ThreadID, m.ChatID, m.Sender, m.Content, m.Status, m.Tokens,
			m.Reaction, m.TelegramMessageID, m.IsEdited, editedAt, m.CreatedAt)
	if _, err := s.exec(ctx, s.db, q, "add message"); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (Message, error) {
	q := s.sql.Select(messageColumns...).From("messages").Where(sq.Eq{"id": messageID})
	row, err := s.queryRow(ctx, s.db, q, "get message")
	if err != nil {
		return Message{}, err
	}
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *Store) UpdateMessageStatus(ctx context.Context, messageID, status string) error {
	q := s.sql.Update("messages").Set("status", status).Where(sq.Eq{"id": messageID})
	res, err := s.exec(ctx, s.db, q, "update message status")
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	res, err := s.exec(ctx, s.db, s.sql.Delete("messages").Where(sq.Eq{"id": messageID}), "delete message")
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ListMessages returns the thread oldest first. A positive limit keeps only
// the newest limit messages.
func (s *Store) ListMessages(ctx context.Context, threadID string, limit uint64) ([]Message, error) {
	q := s.sql.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"thread_id": threadID})
	if limit > 0 {
		q = q.OrderBy("created_at DESC", "id DESC").Limit(limit)
	} else {
		q = q.OrderBy("created_at ASC", "id ASC")
	}

	rows, err := s.query(ctx, s.db, q, "list messages")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}
