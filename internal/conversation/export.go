package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"confidant/internal/storage"
)

type ExportedMessage struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	Reaction  string    `json:"reaction,omitempty"`
	Tokens    int       `json:"tokens,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ThreadExport struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Mode         string            `json:"mode"`
	MessageCount int               `json:"message_count"`
	TotalTokens  int               `json:"total_tokens"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ExportedAt   time.Time         `json:"exported_at"`
	Messages     []ExportedMessage `json:"messages"`
}

// ExportThread renders a thread with its full history as indented JSON.
// An empty idOrPrefix exports the current thread.
func (s *Service) ExportThread(ctx context.Context, chatID int64, idOrPrefix string) (storage.Thread, []byte, error) {
	var (
		thread storage.Thread
		err    error
	)
	if idOrPrefix == "" {
		var ok bool
		thread, ok, err = s.currentThread(ctx, chatID)
		if err == nil && !ok {
			err = ErrNoThread
		}
	} else {
		thread, err = s.store.FindThread(ctx, chatID, idOrPrefix)
	}
	if err != nil {
		return storage.Thread{}, nil, err
	}

	msgs, err := s.store.ListMessages(ctx, thread.ID, 0)
	if err != nil {
		return storage.Thread{}, nil, err
	}
	out := ThreadExport{
		ID:           thread.ID,
		Title:        thread.Title,
		Mode:         thread.Mode,
		MessageCount: thread.MessageCount,
		TotalTokens:  thread.TotalTokens,
		CreatedAt:    thread.CreatedAt,
		UpdatedAt:    thread.UpdatedAt,
		ExportedAt:   time.Now().UTC(),
		Messages:     make([]ExportedMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, ExportedMessage{
			Sender:    m.Sender,
			Content:   m.Content,
			Status:    m.Status,
			Reaction:  m.Reaction,
			Tokens:    m.Tokens,
			CreatedAt: m.CreatedAt,
		})
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return storage.Thread{}, nil, fmt.Errorf("marshal export: %w", err)
	}
	return thread, b, nil
}

// CurrentThread returns the chat's current thread or ErrNoThread.
func (s *Service) CurrentThread(ctx context.Context, chatID int64) (storage.Thread, error) {
	t, ok, err := s.currentThread(ctx, chatID)
	if err != nil {
		return storage.Thread{}, err
	}
	if !ok {
		return storage.Thread{}, ErrNoThread
	}
	return t, nil
}

// DeleteThread removes a chat's thread and records the action.
func (s *Service) DeleteThread(ctx context.Context, chatID, userID int64, threadID string) error {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if t.ChatID != chatID {
		return storage.ErrNotFound
	}
	if err := s.store.DeleteThread(ctx, threadID); err != nil {
		return err
	}
	meta, _ := json.Marshal(map[string]string{"thread_id": threadID, "title": t.Title})
	if err := s.store.LogAction(ctx, storage.AuditEntry{ChatID: chatID, UserID: userID, Action: "thread_delete", MetaJSON: string(meta)}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write audit log")
	}
	return nil
}
