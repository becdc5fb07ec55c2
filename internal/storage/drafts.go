package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SaveDraft keeps one unsent text per thread, replacing any earlier one.
func (s *Store) SaveDraft(ctx context.Context, d Draft) error {
	d.SavedAt = s.timestamp()
	q := s.sql.Insert("drafts").
		Columns("thread_id", "chat_id", "content", "saved_at").
		Values(d.ThreadID, d.ChatID, d.Content, d.SavedAt).
		Suffix("ON CONFLICT(thread_id) DO UPDATE SET content=excluded.content, saved_at=excluded.saved_at")
	_, err := s.exec(ctx, s.db, q, "save draft")
	return err
}

func (s *Store) GetDraft(ctx context.Context, threadID string) (Draft, error) {
	q := s.sql.Select("thread_id", "chat_id", "content", "saved_at").
		From("drafts").
		Where(sq.Eq{"thread_id": threadID})
	row, err := s.queryRow(ctx, s.db, q, "get draft")
	if err != nil {
		return Draft{}, err
	}
	var d Draft
	if err := row.Scan(&d.ThreadID, &d.ChatID, &d.Content, &d.SavedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Draft{}, ErrNotFound
		}
		return Draft{}, fmt.Errorf("get draft: %w", err)
	}
	return d, nil
}

// DeleteDraft is a no-op when the thread has no draft.
func (s *Store) DeleteDraft(ctx context.Context, threadID string) error {
	_, err := s.exec(ctx, s.db, s.sql.Delete("drafts").Where(sq.Eq{"thread_id": threadID}), "delete draft")
	return err
}

// PurgeExpiredThreads deletes threads idle past their chat's retention
// window, for chats that opted into auto delete. It returns the count removed.
func (s *Store) PurgeExpiredThreads(ctx context.Context, now time.Time) (int, error) {
	q := s.sql.Select("chat_id", "retention_days").
		From("settings").
		Where(sq.Eq{"auto_delete": true}).
		Where(sq.Gt{"retention_days": 0})
	rows, err := s.query(ctx, s.db, q, "list auto delete chats")
	if err != nil {
		return 0, err
	}
	type policy struct {
		chatID int64
		days   int
	}
	policies := make([]policy, 0)
	for rows.Next() {
		var p policy
		if err := rows.Scan(&p.chatID, &p.days); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan retention row: %w", err)
		}
		policies = append(policies, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate retention rows: %w", err)
	}
	rows.Close()

	purged := 0
	for _, p := range policies {
		cutoff := now.UTC().Add(-time.Duration(p.days) * 24 * time.Hour)
		ids, err := s.expiredThreadIDs(ctx, p.chatID, cutoff)
		if err != nil {
			return purged, err
		}
		for _, id := range ids {
			if err := s.DeleteThread(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}

func (s *Store) expiredThreadIDs(ctx context.Context, chatID int64, cutoff time.Time) ([]string, error) {
	q := s.sql.Select("id").
		From("threads").
		Where(sq.Eq{"chat_id": chatID}).
		Where(sq.Lt{"updated_at": cutoff})
	rows, err := s.query(ctx, s.db, q, "list expired threads")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired thread: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired threads: %w", err)
	}
	return ids, nil
}
