package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var threadColumns = []string{
	"id", "chat_id", "title", "mode", "message_count", "total_tokens",
	"is_archived", "is_pinned", "last_message_preview", "summary", "created_at", "updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (Thread, error) {
	var t Thread
	err := r.Scan(
		&t.ID,
		&t.ChatID,
		&t.Title,
		&t.Mode,
		&t.MessageCount,
		&t.TotalTokens,
		&t.IsArchived,
		&t.IsPinned,
		&t.LastMessagePreview,
		&t.Summary,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

func (s *Store) CreateThread(ctx context.Context, chatID int64, title, mode string) (Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultThreadTitle
	}
	if mode == "" {
		mode = "general"
	}
	now := s.timestamp()
	t := Thread{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Title:     title,
		Mode:      mode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q := s.sql.Insert("threads").
		Columns(threadColumns...).
		Values(t.ID, t.ChatID, t.Title, t.Mode, 0, 0, false, false, "", "", t.CreatedAt, t.UpdatedAt)
	if _, err := s.exec(ctx, s.db, q, "create thread"); err != nil {
		return Thread{}, err
	}
	return t, nil
}

func (s *Store) GetThread(ctx context.Context, threadID string) (Thread, error) {
	q := s.sql.Select(threadColumns...).From("threads").Where(sq.Eq{"id": threadID})
	row, err := s.queryRow(ctx, s.db, q, "get thread")
	if err != nil {
		return Thread{}, err
	}
	t, err := scanThread(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Thread{}, ErrNotFound
		}
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

// isIDPrefix reports whether v can start a uuid. Anything else, LIKE
// wildcards included, never names a thread.
func isIDPrefix(v string) bool {
	if v == "" || len(v) > 36 {
		return false
	}
	for _, r := range v {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') && r != '-' {
			return false
		}
	}
	return true
}

// FindThread resolves a full id or a unique id prefix within a chat.
func (s *Store) FindThread(ctx context.Context, chatID int64, idOrPrefix string) (Thread, error) {
	idOrPrefix = strings.ToLower(strings.TrimSpace(idOrPrefix))
	if !isIDPrefix(idOrPrefix) {
		return Thread{}, ErrNotFound
	}
	q := s.sql.Select(threadColumns...).
		From("threads").
		Where(sq.Eq{"chat_id": chatID}).
		Where(sq.Like{"id": idOrPrefix + "%"}).
		OrderBy("updated_at DESC").
		Limit(2)
	rows, err := s.query(ctx, s.db, q, "find thread")
	if err != nil {
		return Thread{}, err
	}
	defer rows.Close()

	found := make([]Thread, 0, 2)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return Thread{}, fmt.Errorf("scan thread row: %w", err)
		}
		found = append(found, t)
	}
	if err := rows.Err(); err != nil {
		return Thread{}, fmt.Errorf("iterate thread rows: %w", err)
	}
	switch {
	case len(found) == 0:
		return Thread{}, ErrNotFound
	case len(found) > 1 && found[0].ID != idOrPrefix:
		return Thread{}, ErrAmbiguous
	}
	return found[0], nil
}

// ListThreads orders pinned threads first, then by most recent activity.
func (s *Store) ListThreads(ctx context.Context, chatID int64, f ThreadFilter) ([]Thread, error) {
	q := s.sql.Select(threadColumns...).
		From("threads").
		Where(sq.Eq{"chat_id": chatID}).
		OrderBy("is_pinned DESC", "updated_at DESC")
	if !f.IncludeArchived {
		q = q.Where(sq.Eq{"is_archived": false})
	}
	if query := strings.ToLower(strings.TrimSpace(f.Query)); query != "" {
		pattern := "%" + query + "%"
		q = q.Where(sq.Or{
			sq.Like{"LOWER(title)": pattern},
			sq.Like{"LOWER(last_message_preview)": pattern},
		})
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	rows, err := s.query(ctx, s.db, q, "list threads")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Thread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateThread(ctx context.Context, threadID string, p ThreadPatch) (Thread, error) {
	q := s.sql.Update("threads").
		Set("updated_at", s.timestamp()).
		Where(sq.Eq{"id": threadID})
	if p.Title != nil {
		title := strings.TrimSpace(*p.Title)
		if title == "" {
			title = DefaultThreadTitle
		}
		q = q.Set("title", title)
	}
	if p.Mode != nil {
		q = q.Set("mode", *p.Mode)
	}
	if p.MessageCount != nil {
		q = q.Set("message_count", *p.MessageCount)
	}
	if p.TotalTokens != nil {
		q = q.Set("total_tokens", *p.TotalTokens)
	}
	if p.IsArchived != nil {
		q = q.Set("is_archived", *p.IsArchived)
	}
	if p.IsPinned != nil {
		q = q.Set("is_pinned", *p.IsPinned)
	}
	if p.LastMessagePreview != nil {
		q = q.Set("last_message_preview", truncateRunes(*p.LastMessagePreview, PreviewLength))
	}
	if p.Summary != nil {
		q = q.Set("summary", *p.Summary)
	}

	res, err := s.exec(ctx, s.db, q, "update thread")
	if err != nil {
		return Thread{}, err
	}
	if err := affectedOrNotFound(res); err != nil {
		return Thread{}, err
	}
	return s.GetThread(ctx, threadID)
}

// DeleteThread removes the thread with its messages and draft, and clears
// the chat's current thread pointer when it referenced it.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.deleteThreadTx(ctx, tx, threadID)
	})
}

func (s *Store) deleteThreadTx(ctx context.Context, tx *sql.Tx, threadID string) error {
	if _, err := s.exec(ctx, tx, s.sql.Delete("messages").Where(sq.Eq{"thread_id": threadID}), "delete thread messages"); err != nil {
		return err
	}
	if _, err := s.exec(ctx, tx, s.sql.Delete("drafts").Where(sq.Eq{"thread_id": threadID}), "delete thread draft"); err != nil {
		return err
	}
	unset := s.sql.Update("chats").Set("current_thread_id", nil).Where(sq.Eq{"current_thread_id": threadID})
	if _, err := s.exec(ctx, tx, unset, "clear current thread"); err != nil {
		return err
	}
	res, err := s.exec(ctx, tx, s.sql.Delete("threads").Where(sq.Eq{"id": threadID}), "delete thread")
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
