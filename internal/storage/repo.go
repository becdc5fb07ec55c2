package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrAmbiguous = errors.New("ambiguous id prefix")
	ErrDuplicate = errors.New("already exists")
)

// runner is satisfied by *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, r runner, q sq.Sqlizer, what string) (sql.Result, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", what, err)
	}
	res, err := r.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return res, nil
}

func (s *Store) query(ctx context.Context, r runner, q sq.Sqlizer, what string) (*sql.Rows, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", what, err)
	}
	rows, err := r.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return rows, nil
}

func (s *Store) queryRow(ctx context.Context, r runner, q sq.Sqlizer, what string) (*sql.Row, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s query: %w", what, err)
	}
	return r.QueryRowContext(ctx, sqlStr, args...), nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureChat creates the chat row. An empty chatType leaves an existing row untouched.
func (s *Store) EnsureChat(ctx context.Context, chatID int64, chatType, title string) error {
	conflict := "ON CONFLICT(id) DO UPDATE SET type=excluded.type, title=excluded.title"
	if chatType == "" {
		chatType = "unknown"
		conflict = "ON CONFLICT(id) DO NOTHING"
	}
	q := s.sql.Insert("chats").
		Columns("id", "type", "title", "created_at").
		Values(chatID, chatType, title, s.timestamp()).
		Suffix(conflict)
	_, err := s.exec(ctx, s.db, q, "ensure chat")
	return err
}

func (s *Store) GetChat(ctx context.Context, chatID int64) (Chat, error) {
	q := s.sql.Select("id", "type", "title", "current_thread_id", "created_at").
		From("chats").
		Where(sq.Eq{"id": chatID})
	row, err := s.queryRow(ctx, s.db, q, "get chat")
	if err != nil {
		return Chat{}, err
	}
	var c Chat
	var current sql.NullString
	if err := row.Scan(&c.ID, &c.Type, &c.Title, &current, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	c.CurrentThreadID = current.String
	return c, nil
}

// SetCurrentThread points the chat at threadID; an empty id clears it.
func (s *Store) SetCurrentThread(ctx context.Context, chatID int64, threadID string) error {
	var v any
	if threadID != "" {
		v = threadID
	}
	q := s.sql.Update("chats").Set("current_thread_id", v).Where(sq.Eq{"id": chatID})
	res, err := s.exec(ctx, s.db, q, "set current thread")
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// CurrentThreadID returns ErrNotFound when the chat has no current thread.
func (s *Store) CurrentThreadID(ctx context.Context, chatID int64) (string, error) {
	c, err := s.GetChat(ctx, chatID)
	if err != nil {
		return "", err
	}
	if c.CurrentThreadID == "" {
		return "", ErrNotFound
	}
	return c.CurrentThreadID, nil
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("chat_id", "user_id", "action", "meta_json", "created_at").
		Values(e.ChatID, e.UserID, e.Action, e.MetaJSON, s.timestamp())
	_, err := s.exec(ctx, s.db, q, "insert audit entry")
	return err
}

// ListAudit returns the newest entries first.
func (s *Store) ListAudit(ctx context.Context, chatID int64, limit uint64) ([]AuditEntry, error) {
	q := s.sql.Select("chat_id", "user_id", "action", "meta_json").
		From("audit_log").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	rows, err := s.query(ctx, s.db, q, "list audit")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ChatID, &e.UserID, &e.Action, &e.MetaJSON); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}
