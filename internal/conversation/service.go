package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"confidant/internal/companion"
	"confidant/internal/crypto"
	"confidant/internal/metrics"
	"confidant/internal/providers"
	"confidant/internal/providers/gemini"
	"confidant/internal/providers/registry"
	"confidant/internal/queue"
	"confidant/internal/storage"
)

var (
	ErrEmptyMessage          = errors.New("message is empty")
	ErrNoAPIKey              = errors.New("no active api key")
	ErrQueueUnavailable      = errors.New("message queue unavailable")
	ErrInvalidKey            = errors.New("api key is invalid")
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrNoDraft               = errors.New("nothing to retry")
	ErrNoThread              = errors.New("no current thread")
	ErrModelCheckUnsupported = errors.New("provider cannot test models")
)

const (
	titleLength = 40
	emptyReply  = "I'm sorry, I couldn't find the words just now. Could you say that again?"
)

// Enqueuer is the part of the stream queue the service needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

type BuildFunc func(registry.BuildOptions) (providers.Provider, error)

type Service struct {
	store           *storage.Store
	queue           Enqueuer
	crypto          *crypto.Manager
	build           BuildFunc
	httpClient      *http.Client
	providerRetries int
	backoffBase     time.Duration
	historyLimit    int
	modelCheckDelay time.Duration
	logger          zerolog.Logger
	metrics         *metrics.Metrics
}

type Config struct {
	Store           *storage.Store
	Queue           Enqueuer
	Crypto          *crypto.Manager
	Build           BuildFunc
	HTTPClient      *http.Client
	ProviderRetries int
	BackoffBase     time.Duration
	HistoryLimit    int
	ModelCheckDelay time.Duration
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

func New(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Build == nil {
		cfg.Build = registry.Build
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.ModelCheckDelay < 0 {
		cfg.ModelCheckDelay = 0
	}
	return &Service{
		store:           cfg.Store,
		queue:           cfg.Queue,
		crypto:          cfg.Crypto,
		build:           cfg.Build,
		httpClient:      cfg.HTTPClient,
		providerRetries: cfg.ProviderRetries,
		backoffBase:     cfg.BackoffBase,
		historyLimit:    cfg.HistoryLimit,
		modelCheckDelay: cfg.ModelCheckDelay,
		logger:          cfg.Logger,
		metrics:         m,
	}
}

type SubmitInput struct {
	ChatID            int64
	ChatType          string
	ChatTitle         string
	UserID            int64
	Text              string
	TelegramMessageID int64
	Mode              string
}

type SubmitResult struct {
	Thread        storage.Thread
	Message       storage.Message
	JobID         string
	CreatedThread bool
}

// threadFor starts a thread titled from the first message and makes it current.
func (s *Service) threadFor(ctx context.Context, in SubmitInput, settings storage.Settings, text string) (storage.Thread, error) {
	mode := companion.ModeOr(in.Mode, companion.ModeOr(settings.DefaultMode, companion.ModeGeneral))
	thread, err := s.store.CreateThread(ctx, in.ChatID, companion.Preview(text, titleLength), string(mode))
	if err != nil {
		return storage.Thread{}, err
	}
	if err := s.store.SetCurrentThread(ctx, in.ChatID, thread.ID); err != nil {
		return storage.Thread{}, err
	}
	return thread, nil
}

// Submit stores the user's text in the current thread and queues the
// exchange. With no active key the text is kept as the draft of the current
// thread, which is created when there is none yet.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return SubmitResult{}, ErrEmptyMessage
	}
	if err := s.store.EnsureChat(ctx, in.ChatID, in.ChatType, in.ChatTitle); err != nil {
		return SubmitResult{}, err
	}
	settings, err := s.store.LoadSettings(ctx, in.ChatID)
	if err != nil {
		return SubmitResult{}, err
	}

	thread, hasThread, err := s.currentThread(ctx, in.ChatID)
	if err != nil {
		return SubmitResult{}, err
	}

	if _, err := s.store.ActiveAPIKey(ctx, in.ChatID); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return SubmitResult{}, err
		}
		res := SubmitResult{}
		if !hasThread {
			if thread, err = s.threadFor(ctx, in, settings, text); err != nil {
				return SubmitResult{}, err
			}
			res.CreatedThread = true
		}
		res.Thread = thread
		if err := s.store.SaveDraft(ctx, storage.Draft{ThreadID: thread.ID, ChatID: in.ChatID, Content: text}); err != nil {
			s.logger.Warn().Err(err).Int64("chat_id", in.ChatID).Msg("failed to save draft")
		}
		return res, ErrNoAPIKey
	}

	res := SubmitResult{}
	if !hasThread {
		if thread, err = s.threadFor(ctx, in, settings, text); err != nil {
			return SubmitResult{}, err
		}
		res.CreatedThread = true
	}
	res.Thread = thread

	mode := companion.ModeOr(in.Mode, companion.ModeOr(thread.Mode, companion.ModeOr(settings.DefaultMode, companion.ModeGeneral)))

	msg, err := s.store.AddMessage(ctx, storage.Message{
		ThreadID:          thread.ID,
		ChatID:            in.ChatID,
		Sender:            storage.SenderUser,
		Content:           text,
		Status:            storage.StatusSending,
		TelegramMessageID: in.TelegramMessageID,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	jobID, err := s.queue.Enqueue(ctx, queue.Job{
		Kind:              queue.KindSendMessage,
		ChatID:            in.ChatID,
		UserID:            in.UserID,
		ThreadID:          thread.ID,
		MessageID:         msg.ID,
		TelegramMessageID: in.TelegramMessageID,
		Mode:              string(mode),
	})
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", in.ChatID).Str("thread_id", thread.ID).Msg("failed to enqueue message")
		if uerr := s.store.UpdateMessageStatus(ctx, msg.ID, storage.StatusFailed); uerr != nil {
			s.logger.Warn().Err(uerr).Str("message_id", msg.ID).Msg("failed to mark message failed")
		}
		if derr := s.store.SaveDraft(ctx, storage.Draft{ThreadID: thread.ID, ChatID: in.ChatID, Content: text}); derr != nil {
			s.logger.Warn().Err(derr).Str("thread_id", thread.ID).Msg("failed to save draft")
		}
		return res, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	s.metrics.EnqueuedJobs.Inc()

	if err := s.store.UpdateMessageStatus(ctx, msg.ID, storage.StatusSent); err != nil {
		return res, err
	}
	msg.Status = storage.StatusSent
	res.Message = msg
	res.JobID = jobID
	return res, nil
}

func (s *Service) currentThread(ctx context.Context, chatID int64) (storage.Thread, bool, error) {
	id, err := s.store.CurrentThreadID(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Thread{}, false, nil
	}
	if err != nil {
		return storage.Thread{}, false, err
	}
	t, err := s.store.GetThread(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Thread{}, false, nil
	}
	if err != nil {
		return storage.Thread{}, false, err
	}
	return t, true, nil
}

// Reply is a completed exchange ready to be delivered.
type Reply struct {
	ThreadID      string
	MessageID     string
	Text          string
	Reaction      string
	Tokens        int
	Cost          float64
	Provider      string
	Model         string
	ShowReactions bool
}

// Complete runs one queued exchange: history to the provider, reply and
// counters back to storage.
func (s *Service) Complete(ctx context.Context, job queue.Job) (Reply, error) {
	settings, err := s.store.LoadSettings(ctx, job.ChatID)
	if err != nil {
		return Reply{}, err
	}
	key, p, err := s.activeProvider(ctx, job.ChatID)
	if err != nil {
		return Reply{}, err
	}
	thread, err := s.store.GetThread(ctx, job.ThreadID)
	if err != nil {
		return Reply{}, fmt.Errorf("load thread: %w", err)
	}
	history, err := s.history(ctx, thread.ID, job.MessageID)
	if err != nil {
		return Reply{}, err
	}

	mode := companion.ModeOr(job.Mode, companion.ModeOr(thread.Mode, companion.ModeOr(settings.DefaultMode, companion.ModeGeneral)))
	model := companion.ResolveModel(key.Provider, key.BaseURL, settings.AIModel)
	gen := companion.GenerationFor(key.Provider, mode, settings.MaxTokens)

	resp, err := p.Chat(ctx, providers.ChatRequest{
		Model:            model,
		SystemPrompt:     companion.SystemPrompt(companion.Persona{AIName: settings.AIName, UserName: settings.UserName}, mode),
		Messages:         history,
		MaxTokens:        gen.MaxTokens,
		Temperature:      gen.Temperature,
		TopP:             gen.TopP,
		TopK:             gen.TopK,
		PresencePenalty:  gen.PresencePenalty,
		FrequencyPenalty: gen.FrequencyPenalty,
	})
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues(key.Provider).Inc()
		return Reply{}, fmt.Errorf("provider chat: %w", err)
	}

	text, reaction := companion.ExtractReaction(resp.Text)
	text = strings.TrimSpace(text)
	if text == "" {
		text = emptyReply
	}

	saved, err := s.store.AddMessage(ctx, storage.Message{
		ThreadID: thread.ID,
		ChatID:   job.ChatID,
		Sender:   storage.SenderAssistant,
		Content:  text,
		Status:   storage.StatusDelivered,
		Tokens:   resp.TotalTokens,
		Reaction: reaction,
	})
	if err != nil {
		return Reply{}, err
	}

	if err := s.refreshThread(ctx, thread.ID, text, mode); err != nil {
		s.logger.Warn().Err(err).Str("thread_id", thread.ID).Msg("failed to update thread counters")
	}

	cost := companion.Cost(key.Provider, model, resp.TotalTokens)
	if err := s.store.RecordKeyUsage(ctx, key.ID, resp.TotalTokens, cost); err != nil {
		s.logger.Warn().Err(err).Str("key", key.Name).Msg("failed to record key usage")
	}
	if err := s.store.DeleteDraft(ctx, thread.ID); err != nil {
		s.logger.Warn().Err(err).Str("thread_id", thread.ID).Msg("failed to clear draft")
	}

	s.metrics.Tokens.WithLabelValues(key.Provider).Add(float64(resp.TotalTokens))
	if reaction != "" {
		s.metrics.Reactions.Inc()
	}

	return Reply{
		ThreadID:      thread.ID,
		MessageID:     saved.ID,
		Text:          text,
		Reaction:      reaction,
		Tokens:        resp.TotalTokens,
		Cost:          cost,
		Provider:      key.Provider,
		Model:         model,
		ShowReactions: settings.ShowReactions,
	}, nil
}

// history returns the conversation up to and including upTo, skipping
// messages that never reached the provider.
func (s *Service) history(ctx context.Context, threadID, upTo string) ([]providers.Message, error) {
	msgs, err := s.store.ListMessages(ctx, threadID, uint64(s.historyLimit))
	if err != nil {
		return nil, err
	}
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Status == storage.StatusFailed && m.ID != upTo {
			continue
		}
		role := providers.RoleUser
		if m.Sender == storage.SenderAssistant {
			role = providers.RoleAssistant
		}
		out = append(out, providers.Message{Role: role, Content: m.Content})
		if m.ID == upTo {
			break
		}
	}
	return out, nil
}

func (s *Service) refreshThread(ctx context.Context, threadID, lastText string, mode companion.Mode) error {
	all, err := s.store.ListMessages(ctx, threadID, 0)
	if err != nil {
		return err
	}
	total := 0
	for _, m := range all {
		total += m.Tokens
	}
	count := len(all)
	preview := companion.Preview(lastText, storage.PreviewLength)
	modeName := string(mode)
	_, err = s.store.UpdateThread(ctx, threadID, storage.ThreadPatch{
		MessageCount:       &count,
		TotalTokens:        &total,
		LastMessagePreview: &preview,
		Mode:               &modeName,
	})
	return err
}

// Fail marks the job's user message failed and keeps its text as the
// thread draft so /retry can resend it.
func (s *Service) Fail(ctx context.Context, job queue.Job, cause error) error {
	if job.MessageID == "" {
		return nil
	}
	msg, err := s.store.GetMessage(ctx, job.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.UpdateMessageStatus(ctx, msg.ID, storage.StatusFailed); err != nil {
		return err
	}
	if err := s.store.SaveDraft(ctx, storage.Draft{ThreadID: msg.ThreadID, ChatID: msg.ChatID, Content: msg.Content}); err != nil {
		return err
	}
	s.logger.Warn().Err(cause).Int64("chat_id", job.ChatID).Str("message_id", msg.ID).Msg("exchange failed")
	return nil
}

type RetryInput struct {
	ChatID            int64
	UserID            int64
	TelegramMessageID int64
}

// Retry resubmits the current thread's draft.
func (s *Service) Retry(ctx context.Context, in RetryInput) (SubmitResult, error) {
	thread, ok, err := s.currentThread(ctx, in.ChatID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !ok {
		return SubmitResult{}, ErrNoThread
	}
	draft, err := s.store.GetDraft(ctx, thread.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return SubmitResult{}, ErrNoDraft
	}
	if err != nil {
		return SubmitResult{}, err
	}
	return s.Submit(ctx, SubmitInput{
		ChatID:            in.ChatID,
		UserID:            in.UserID,
		Text:              draft.Content,
		TelegramMessageID: in.TelegramMessageID,
		Mode:              thread.Mode,
	})
}

// StartThread opens a new thread and makes it current.
func (s *Service) StartThread(ctx context.Context, chatID int64, title, mode string) (storage.Thread, error) {
	if err := s.store.EnsureChat(ctx, chatID, "", ""); err != nil {
		return storage.Thread{}, err
	}
	settings, err := s.store.LoadSettings(ctx, chatID)
	if err != nil {
		return storage.Thread{}, err
	}
	m := companion.ModeOr(mode, companion.ModeOr(settings.DefaultMode, companion.ModeGeneral))
	t, err := s.store.CreateThread(ctx, chatID, title, string(m))
	if err != nil {
		return storage.Thread{}, err
	}
	if err := s.store.SetCurrentThread(ctx, chatID, t.ID); err != nil {
		return storage.Thread{}, err
	}
	return t, nil
}

// IsPermanent reports failures that retrying the job cannot fix.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoAPIKey) || errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrUnknownProvider) ||
		errors.Is(err, storage.ErrNotFound) || errors.Is(err, gemini.ErrMalformedKey) ||
		errors.Is(err, crypto.ErrUnknownKey) {
		return true
	}
	var se *providers.StatusError
	if errors.As(err, &se) {
		return !se.Temporary()
	}
	return false
}
