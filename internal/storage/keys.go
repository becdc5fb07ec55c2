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

var apiKeyColumns = []string{
	"id", "chat_id", "provider", "name", "enc_key", "base_url", "is_active",
	"total_tokens", "total_cost", "request_count", "last_used_at", "created_at",
}

func scanAPIKey(r rowScanner) (APIKey, error) {
	var k APIKey
	var lastUsed sql.NullTime
	if err := r.Scan(
		&k.ID,
		&k.ChatID,
		&k.Provider,
		&k.Name,
		&k.EncKey,
		&k.BaseURL,
		&k.IsActive,
		&k.TotalTokens,
		&k.TotalCost,
		&k.RequestCount,
		&lastUsed,
		&k.CreatedAt,
	); err != nil {
		return APIKey{}, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return k, nil
}

// AddAPIKey stores a sealed key. The first key of a chat becomes active.
func (s *Store) AddAPIKey(ctx context.Context, k APIKey) (APIKey, error) {
	k.Name = strings.TrimSpace(k.Name)
	if k.Name == "" {
		return APIKey{}, fmt.Errorf("api key name is empty")
	}
	k.ID = uuid.NewString()
	k.CreatedAt = s.timestamp()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		row, err := s.queryRow(ctx, tx, s.sql.Select("COUNT(*)").From("api_keys").Where(sq.Eq{"chat_id": k.ChatID}), "count api keys")
		if err != nil {
			return err
		}
		if err := row.Scan(&n); err != nil {
			return fmt.Errorf("count api keys: %w", err)
		}
		row, err = s.queryRow(ctx, tx, s.sql.Select("COUNT(*)").From("api_keys").Where(sq.Eq{"chat_id": k.ChatID, "name": k.Name}), "check api key name")
		if err != nil {
			return err
		}
		var dup int
		if err := row.Scan(&dup); err != nil {
			return fmt.Errorf("check api key name: %w", err)
		}
		if dup > 0 {
			return ErrDuplicate
		}
		k.IsActive = n == 0

		q := s.sql.Insert("api_keys").
			Columns(apiKeyColumns...).
			Values(k.ID, k.ChatID, k.Provider, k.Name, k.EncKey, k.BaseURL, k.IsActive,
				0, 0.0, 0, nil, k.CreatedAt)
		_, err = s.exec(ctx, tx, q, "insert api key")
		return err
	})
	if err != nil {
		return APIKey{}, err
	}
	return k, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, chatID int64) ([]APIKey, error) {
	return s.listAPIKeys(ctx, sq.Eq{"chat_id": chatID})
}

// ListAllAPIKeys is used by the re-encryption sweep.
func (s *Store) ListAllAPIKeys(ctx context.Context) ([]APIKey, error) {
	return s.listAPIKeys(ctx, nil)
}

func (s *Store) listAPIKeys(ctx context.Context, where sq.Sqlizer) ([]APIKey, error) {
	q := s.sql.Select(apiKeyColumns...).From("api_keys").OrderBy("created_at ASC", "name ASC")
	if where != nil {
		q = q.Where(where)
	}
	rows, err := s.query(ctx, s.db, q, "list api keys")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]APIKey, 0)
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key row: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api key rows: %w", err)
	}
	return out, nil
}

func (s *Store) ActiveAPIKey(ctx context.Context, chatID int64) (APIKey, error) {
	q := s.sql.Select(apiKeyColumns...).
		From("api_keys").
		Where(sq.Eq{"chat_id": chatID, "is_active": true}).
		Limit(1)
	row, err := s.queryRow(ctx, s.db, q, "get active api key")
	if err != nil {
		return APIKey{}, err
	}
	k, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return APIKey{}, ErrNotFound
		}
		return APIKey{}, fmt.Errorf("get active api key: %w", err)
	}
	return k, nil
}

// SetActiveAPIKey makes name the only active key of the chat.
func (s *Store) SetActiveAPIKey(ctx context.Context, chatID int64, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := s.queryRow(ctx, tx, s.sql.Select("id").From("api_keys").Where(sq.Eq{"chat_id": chatID, "name": name}), "find api key")
		if err != nil {
			return err
		}
		var id string
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("find api key: %w", err)
		}
		return s.activateTx(ctx, tx, chatID, id)
	})
}

func (s *Store) activateTx(ctx context.Context, tx *sql.Tx, chatID int64, id string) error {
	off := s.sql.Update("api_keys").Set("is_active", false).Where(sq.Eq{"chat_id": chatID})
	if _, err := s.exec(ctx, tx, off, "deactivate api keys"); err != nil {
		return err
	}
	on := s.sql.Update("api_keys").Set("is_active", true).Where(sq.Eq{"id": id})
	_, err := s.exec(ctx, tx, on, "activate api key")
	return err
}

// DeleteAPIKey removes a key by name. Deleting the active key promotes the
// oldest remaining one.
func (s *Store) DeleteAPIKey(ctx context.Context, chatID int64, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		row, err := s.queryRow(ctx, tx, s.sql.Select("is_active").From("api_keys").Where(sq.Eq{"chat_id": chatID, "name": name}), "find api key")
		if err != nil {
			return err
		}
		var wasActive bool
		if err := row.Scan(&wasActive); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("find api key: %w", err)
		}

		if _, err := s.exec(ctx, tx, s.sql.Delete("api_keys").Where(sq.Eq{"chat_id": chatID, "name": name}), "delete api key"); err != nil {
			return err
		}
		if !wasActive {
			return nil
		}

		row, err = s.queryRow(ctx, tx, s.sql.Select("id").From("api_keys").Where(sq.Eq{"chat_id": chatID}).OrderBy("created_at ASC", "name ASC").Limit(1), "find oldest api key")
		if err != nil {
			return err
		}
		var next string
		if err := row.Scan(&next); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("find oldest api key: %w", err)
		}
		return s.activateTx(ctx, tx, chatID, next)
	})
}

// RecordKeyUsage adds one request worth of tokens and cost to the key totals.
func (s *Store) RecordKeyUsage(ctx context.Context, keyID string, tokens int, cost float64) error {
	q := s.sql.Update("api_keys").
		Set("total_tokens", sq.Expr("total_tokens + ?", tokens)).
		Set("total_cost", sq.Expr("total_cost + ?", cost)).
		Set("request_count", sq.Expr("request_count + 1")).
		Set("last_used_at", s.timestamp()).
		Where(sq.Eq{"id": keyID})
	res, err := s.exec(ctx, s.db, q, "record key usage")
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *Store) UpdateEncryptedKey(ctx context.Context, keyID, encKey string) error {
	q := s.sql.Update("api_keys").Set("enc_key", encKey).Where(sq.Eq{"id": keyID})
	res, err := s.exec(ctx, s.db, q, "update encrypted key")
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
