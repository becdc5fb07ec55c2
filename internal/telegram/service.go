package telegram

import (
	"context"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"confidant/internal/conversation"
	"confidant/internal/metrics"
	"confidant/internal/queue"
	"confidant/internal/storage"
)

type Service struct {
	store       *storage.Store
	conv        *conversation.Service
	rateLimiter *queue.RateLimiter
	callbacks   *queue.Deduplicator
	wizard      *wizardStore
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	accessMode  string
}

type Config struct {
	Store         *storage.Store
	Conversations *conversation.Service
	RateLimiter   *queue.RateLimiter
	Redis         *redis.Client
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	WizardTTL     time.Duration
	CallbackTTL   time.Duration
	AccessMode    string
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 20 * time.Minute
	}
	if cfg.CallbackTTL <= 0 {
		cfg.CallbackTTL = 10 * time.Minute
	}
	return &Service{
		store:       cfg.Store,
		conv:        cfg.Conversations,
		rateLimiter: cfg.RateLimiter,
		callbacks:   queue.NewCallbackDeduplicator(cfg.Redis, cfg.CallbackTTL),
		wizard:      newWizardStore(cfg.Redis, cfg.WizardTTL),
		logger:      cfg.Logger,
		metrics:     m,
		accessMode:  cfg.AccessMode,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.start))
	d.AddHandler(handlers.NewCommand("help", s.help))
	d.AddHandler(handlers.NewCommand("menu", s.menu))
	d.AddHandler(handlers.NewCommand("status", s.status))
	d.AddHandler(handlers.NewCommand("cancel", s.cancelWizard))
	d.AddHandler(handlers.NewCommand("retry", s.retry))

	d.AddHandler(handlers.NewCommand("new", s.newThread))
	d.AddHandler(handlers.NewCommand("threads", s.threads))
	d.AddHandler(handlers.NewCommand("open", s.openThread))
	d.AddHandler(handlers.NewCommand("rename", s.renameThread))
	d.AddHandler(handlers.NewCommand("pin", s.pinThread))
	d.AddHandler(handlers.NewCommand("archive", s.archiveThread))
	d.AddHandler(handlers.NewCommand("delete", s.deleteThread))
	d.AddHandler(handlers.NewCommand("history", s.history))
	d.AddHandler(handlers.NewCommand("export", s.export))

	d.AddHandler(handlers.NewCommand("mode", s.mode))
	d.AddHandler(handlers.NewCommand("model", s.model))
	d.AddHandler(handlers.NewCommand("models", s.models))
	d.AddHandler(handlers.NewCommand("name", s.aiName))
	d.AddHandler(handlers.NewCommand("me", s.userName))
	d.AddHandler(handlers.NewCommand("reactions", s.reactions))
	d.AddHandler(handlers.NewCommand("privacy", s.privacy))

	d.AddHandler(handlers.NewCommand("keys", s.keys))
	d.AddHandler(handlers.NewCommand("key_add", s.keyAdd))
	d.AddHandler(handlers.NewCommand("key_use", s.keyUse))
	d.AddHandler(handlers.NewCommand("key_del", s.keyDel))

	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

func (s *Service) ensureChat(ctx context.Context, chat *gotgbot.Chat) {
	if chat == nil {
		return
	}
	if err := s.store.EnsureChat(ctx, chat.Id, chat.Type, chat.Title); err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chat.Id).Msg("failed to ensure chat")
	}
}
