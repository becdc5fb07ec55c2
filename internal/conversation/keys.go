package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"confidant/internal/companion"
	"confidant/internal/crypto"
	"confidant/internal/providers"
	"confidant/internal/providers/gemini"
	"confidant/internal/providers/registry"
	"confidant/internal/queue"
	"confidant/internal/storage"
)

// keyAAD binds a sealed key to its chat so envelopes cannot be swapped between chats.
func keyAAD(chatID int64) string {
	return fmt.Sprintf("apikey:%d", chatID)
}

type AddKeyInput struct {
	ChatID   int64
	UserID   int64
	Provider string
	Name     string
	Key      string
	BaseURL  string
}

// AddKey validates key against its provider, then seals and stores it.
// An invalid key stores nothing.
func (s *Service) AddKey(ctx context.Context, in AddKeyInput) (storage.APIKey, error) {
	provider := companion.NormalizeProvider(in.Provider)
	if provider == "" {
		return storage.APIKey{}, fmt.Errorf("%w %q", ErrUnknownProvider, in.Provider)
	}
	secret := strings.TrimSpace(in.Key)
	if secret == "" {
		return storage.APIKey{}, fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = provider
	}

	p, err := s.buildProvider(provider, strings.TrimSpace(in.BaseURL), secret)
	if err != nil {
		if errors.Is(err, gemini.ErrMalformedKey) {
			return storage.APIKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		return storage.APIKey{}, err
	}
	if v, ok := p.(providers.KeyValidator); ok {
		if err := v.ValidateKey(ctx); err != nil {
			if errors.Is(err, providers.ErrInvalidKey) {
				return storage.APIKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
			}
			return storage.APIKey{}, fmt.Errorf("validate key: %w", err)
		}
	}

	sealed, err := s.crypto.SealString(secret, keyAAD(in.ChatID))
	if err != nil {
		return storage.APIKey{}, fmt.Errorf("seal api key: %w", err)
	}
	if err := s.store.EnsureChat(ctx, in.ChatID, "", ""); err != nil {
		return storage.APIKey{}, err
	}
	k, err := s.store.AddAPIKey(ctx, storage.APIKey{
		ChatID:   in.ChatID,
		Provider: provider,
		Name:     name,
		EncKey:   sealed,
		BaseURL:  strings.TrimSpace(in.BaseURL),
	})
	if err != nil {
		return storage.APIKey{}, err
	}

	meta, _ := json.Marshal(map[string]string{"provider": provider, "name": name})
	if err := s.store.LogAction(ctx, storage.AuditEntry{ChatID: in.ChatID, UserID: in.UserID, Action: "key_add", MetaJSON: string(meta)}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write audit log")
	}
	return k, nil
}

// RevealKey returns the masked plaintext of a stored key for display.
func (s *Service) RevealKey(k storage.APIKey) (string, error) {
	plain, err := s.crypto.OpenString(k.EncKey, keyAAD(k.ChatID))
	if err != nil {
		return "", err
	}
	return crypto.Mask(plain), nil
}

func (s *Service) activeProvider(ctx context.Context, chatID int64) (storage.APIKey, providers.Provider, error) {
	key, err := s.store.ActiveAPIKey(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.APIKey{}, nil, ErrNoAPIKey
	}
	if err != nil {
		return storage.APIKey{}, nil, err
	}
	plain, err := s.crypto.OpenString(key.EncKey, keyAAD(chatID))
	if err != nil {
		return storage.APIKey{}, nil, fmt.Errorf("decrypt api key: %w", err)
	}
	p, err := s.buildProvider(key.Provider, key.BaseURL, plain)
	if err != nil {
		return storage.APIKey{}, nil, fmt.Errorf("build provider: %w", err)
	}
	return key, p, nil
}

func (s *Service) buildProvider(provider, baseURL, secret string) (providers.Provider, error) {
	return s.build(registry.BuildOptions{
		Kind:        provider,
		BaseURL:     baseURL,
		APIKey:      secret,
		HTTPClient:  s.httpClient,
		MaxRetries:  s.providerRetries,
		BackoffBase: s.backoffBase,
	})
}

// RequestModelCheck queues a validate_models job for the chat's active key.
func (s *Service) RequestModelCheck(ctx context.Context, chatID, userID int64) (string, error) {
	if _, err := s.store.ActiveAPIKey(ctx, chatID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrNoAPIKey
		}
		return "", err
	}
	id, err := s.queue.Enqueue(ctx, queue.Job{Kind: queue.KindValidateModels, ChatID: chatID, UserID: userID})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	s.metrics.EnqueuedJobs.Inc()
	return id, nil
}

// CheckModels probes every listed model of the active key's provider.
func (s *Service) CheckModels(ctx context.Context, chatID int64) (string, []providers.ModelCheck, error) {
	key, p, err := s.activeProvider(ctx, chatID)
	if err != nil {
		return "", nil, err
	}
	tester, ok := p.(providers.ModelTester)
	if !ok {
		return key.Provider, nil, ErrModelCheckUnsupported
	}
	models := companion.ModelsFor(key.Provider, key.BaseURL)
	if len(models) == 0 {
		return key.Provider, nil, ErrModelCheckUnsupported
	}
	return key.Provider, providers.ValidateModels(ctx, tester, models, s.modelCheckDelay), nil
}

// RotateKeys re-seals every stored key that was sealed with an older master key.
func (s *Service) RotateKeys(ctx context.Context) (int, error) {
	keys, err := s.store.ListAllAPIKeys(ctx)
	if err != nil {
		return 0, err
	}
	rotated := 0
	for _, k := range keys {
		if !s.crypto.NeedsRotation(k.EncKey) {
			continue
		}
		sealed, err := s.crypto.Reseal(k.EncKey, keyAAD(k.ChatID))
		if err != nil {
			s.logger.Error().Err(err).Str("key_id", k.ID).Msg("failed to reseal api key")
			continue
		}
		if err := s.store.UpdateEncryptedKey(ctx, k.ID, sealed); err != nil {
			return rotated, err
		}
		rotated++
	}
	return rotated, nil
}
