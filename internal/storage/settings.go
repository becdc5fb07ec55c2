package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var settingsColumns = []string{
	"chat_id", "ai_name", "user_name", "ai_model", "max_tokens", "show_reactions",
	"default_mode", "language", "retention_days", "auto_delete", "updated_at",
}

// LoadSettings returns the chat's settings, writing the defaults on first use.
func (s *Store) LoadSettings(ctx context.Context, chatID int64) (Settings, error) {
	st, err := s.getSettings(ctx, chatID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Settings{}, err
	}

	st = s.defaults
	st.ChatID = chatID
	st.UpdatedAt = s.timestamp()
	q := s.sql.Insert("settings").
		Columns(settingsColumns...).
		Values(st.ChatID, st.AIName, st.UserName, st.AIModel, st.MaxTokens, st.ShowReactions,
			st.DefaultMode, st.Language, st.RetentionDays, st.AutoDelete, st.UpdatedAt).
		Suffix("ON CONFLICT(chat_id) DO NOTHING")
	if _, err := s.exec(ctx, s.db, q, "insert default settings"); err != nil {
		return Settings{}, err
	}
	return s.getSettings(ctx, chatID)
}

func (s *Store) getSettings(ctx context.Context, chatID int64) (Settings, error) {
	q := s.sql.Select(settingsColumns...).From("settings").Where(sq.Eq{"chat_id": chatID})
	row, err := s.queryRow(ctx, s.db, q, "get settings")
	if err != nil {
		return Settings{}, err
	}
	var st Settings
	if err := row.Scan(
		&st.ChatID,
		&st.AIName,
		&st.UserName,
		&st.AIModel,
		&st.MaxTokens,
		&st.ShowReactions,
		&st.DefaultMode,
		&st.Language,
		&st.RetentionDays,
		&st.AutoDelete,
		&st.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, ErrNotFound
		}
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return st, nil
}

func (s *Store) UpdateSettings(ctx context.Context, chatID int64, p SettingsPatch) (Settings, error) {
	if _, err := s.LoadSettings(ctx, chatID); err != nil {
		return Settings{}, err
	}
	q := s.sql.Update("settings").
		Set("updated_at", s.timestamp()).
		Where(sq.Eq{"chat_id": chatID})
	if p.AIName != nil {
		q = q.Set("ai_name", *p.AIName)
	}
	if p.UserName != nil {
		q = q.Set("user_name", *p.UserName)
	}
	if p.AIModel != nil {
		q = q.Set("ai_model", *p.AIModel)
	}
	if p.MaxTokens != nil {
		q = q.Set("max_tokens", *p.MaxTokens)
	}
	if p.ShowReactions != nil {
		q = q.Set("show_reactions", *p.ShowReactions)
	}
	if p.DefaultMode != nil {
		q = q.Set("default_mode", *p.DefaultMode)
	}
	if p.Language != nil {
		q = q.Set("language", *p.Language)
	}
	if p.RetentionDays != nil {
		q = q.Set("retention_days", *p.RetentionDays)
	}
	if p.AutoDelete != nil {
		q = q.Set("auto_delete", *p.AutoDelete)
	}
	if _, err := s.exec(ctx, s.db, q, "update settings"); err != nil {
		return Settings{}, err
	}
	return s.getSettings(ctx, chatID)
}
