package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stepProvider = "provider"
	stepName     = "name"
	stepBaseURL  = "base_url"
	stepKey      = "key"
)

// keyWizardState tracks a /key_add conversation. The key itself is never
// stored here; it goes straight to validation on the final step.
type keyWizardState struct {
	ChatID   int64  `json:"chat_id"`
	Step     string `json:"step"`
	Provider string `json:"provider"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) key(userID int64) string {
	return fmt.Sprintf("confidant:wizard:%d", userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state keyWizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(userID), string(b), w.ttl).Err()
}

// Get returns nil when no wizard is running for the user.
func (w *wizardStore) Get(ctx context.Context, userID int64) (*keyWizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state keyWizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.key(userID)).Err()
}
