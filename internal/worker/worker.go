package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"confidant/internal/conversation"
	"confidant/internal/metrics"
	"confidant/internal/providers"
	"confidant/internal/queue"
)

// MaxMessageRunes keeps replies under Telegram's 4096 character limit.
const MaxMessageRunes = 4000

// Conversations is the slice of conversation.Service the worker drives.
type Conversations interface {
	Complete(ctx context.Context, job queue.Job) (conversation.Reply, error)
	Fail(ctx context.Context, job queue.Job, cause error) error
	CheckModels(ctx context.Context, chatID int64) (string, []providers.ModelCheck, error)
}

type Worker struct {
	conv          Conversations
	messenger     Messenger
	queue         *queue.StreamQueue
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Conversations Conversations
	Messenger     Messenger
	Queue         *queue.StreamQueue
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		conv:          cfg.Conversations,
		messenger:     cfg.Messenger,
		queue:         cfg.Queue,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// handle runs one stream entry and always acks it: a retry goes back on the
// stream as a new entry with Attempts bumped.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	err := w.process(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		w.ack(ctx, log, msg.ID)
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).
		Str("job_id", msg.Job.JobID).
		Str("kind", msg.Job.Kind).
		Int("attempt", msg.Job.Attempts).
		Msg("job failed")

	if msg.Job.Attempts < w.maxJobRetries && !conversation.IsPermanent(err) {
		msg.Job.Attempts++
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		w.ack(ctx, log, msg.ID)
		return
	}

	w.giveUp(ctx, log, msg.Job, err)
	w.ack(ctx, log, msg.ID)
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("msg_id", id).Msg("failed to ack message")
	}
}

func (w *Worker) giveUp(ctx context.Context, log zerolog.Logger, job queue.Job, cause error) {
	if job.Kind == queue.KindSendMessage {
		if err := w.conv.Fail(ctx, job, cause); err != nil {
			log.Error().Err(err).Str("message_id", job.MessageID).Msg("failed to mark message failed")
		}
	}
	if err := w.messenger.SendText(ctx, job.ChatID, job.TelegramMessageID, failureNotice(job.Kind, cause)); err != nil {
		log.Warn().Err(err).Int64("chat_id", job.ChatID).Msg("failed to send failure notice")
	}
}

func (w *Worker) process(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case queue.KindSendMessage:
		return w.sendMessage(ctx, job)
	case queue.KindValidateModels:
		return w.validateModels(ctx, job)
	default:
		w.logger.Warn().Str("kind", job.Kind).Str("job_id", job.JobID).Msg("dropping job of unknown kind")
		return nil
	}
}

func (w *Worker) sendMessage(ctx context.Context, job queue.Job) error {
	if err := w.messenger.SendTyping(ctx, job.ChatID); err != nil {
		w.logger.Debug().Err(err).Int64("chat_id", job.ChatID).Msg("typing action failed")
	}

	reply, err := w.conv.Complete(ctx, job)
	if err != nil {
		return err
	}

	text := reply.Text
	if reply.ShowReactions && reply.Reaction != "" {
		if job.TelegramMessageID == 0 {
			text = reply.Reaction + " " + text
		} else if err := w.messenger.SetReaction(ctx, job.ChatID, job.TelegramMessageID, reply.Reaction); err != nil {
			w.logger.Debug().Err(err).Str("reaction", reply.Reaction).Msg("reaction rejected, inlining it")
			text = reply.Reaction + " " + text
		}
	}

	// The reply is already stored; a delivery error past this point must not
	// re-run the exchange.
	for i, chunk := range SplitMessage(text, MaxMessageRunes) {
		replyTo := int64(0)
		if i == 0 {
			replyTo = job.TelegramMessageID
		}
		if err := w.messenger.SendText(ctx, job.ChatID, replyTo, chunk); err != nil {
			w.logger.Error().Err(err).Int64("chat_id", job.ChatID).Str("thread_id", reply.ThreadID).Msg("failed to deliver reply")
			return nil
		}
	}
	return nil
}

func (w *Worker) validateModels(ctx context.Context, job queue.Job) error {
	provider, checks, err := w.conv.CheckModels(ctx, job.ChatID)
	if errors.Is(err, conversation.ErrModelCheckUnsupported) {
		return w.messenger.SendText(ctx, job.ChatID, job.TelegramMessageID,
			fmt.Sprintf("Model checks are not available for %s keys.", provider))
	}
	if err != nil {
		return err
	}
	return w.messenger.SendText(ctx, job.ChatID, job.TelegramMessageID, FormatModelChecks(provider, checks))
}

func failureNotice(kind string, cause error) string {
	switch {
	case errors.Is(cause, conversation.ErrNoAPIKey):
		return "There is no active API key for this chat. Add one with /key_add."
	case errors.Is(cause, conversation.ErrInvalidKey):
		return "Your API key was rejected. Check it with /keys or add a new one with /key_add."
	}
	var se *providers.StatusError
	if errors.As(cause, &se) && se.Unauthorized() {
		return "Your API key was rejected by the provider. Check it with /keys or add a new one with /key_add."
	}
	if kind == queue.KindValidateModels {
		return "Model check failed. Please try again later."
	}
	return "I couldn't reach the AI provider just now. Your message is saved; send /retry to try again."
}

// FormatModelChecks renders probe results, working models first.
func FormatModelChecks(provider string, checks []providers.ModelCheck) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model check for %s:\n", provider)
	working := 0
	for _, c := range checks {
		if c.Working {
			working++
			fmt.Fprintf(&b, "✅ %s (%dms)\n", c.Model, c.ResponseTime.Milliseconds())
			continue
		}
		reason := c.Error
		if reason == "" {
			reason = "not available"
		}
		fmt.Fprintf(&b, "❌ %s: %s\n", c.Model, reason)
	}
	fmt.Fprintf(&b, "\n%d of %d models working. Pick one with /model <name>.", working, len(checks))
	return b.String()
}

// SplitMessage cuts text into chunks of at most limit runes, preferring
// newline and then space boundaries.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	r := []rune(text)
	out := make([]string, 0, len(r)/limit+1)
	for len(r) > limit {
		cut := limit
		if i := lastIndexRune(r[:limit], '\n'); i > limit/2 {
			cut = i + 1
		} else if i := lastIndexRune(r[:limit], ' '); i > limit/2 {
			cut = i + 1
		}
		chunk := strings.TrimRight(string(r[:cut]), " \n")
		if chunk != "" {
			out = append(out, chunk)
		}
		r = r[cut:]
	}
	if rest := strings.TrimSpace(string(r)); rest != "" || len(out) == 0 {
		out = append(out, rest)
	}
	return out
}

func lastIndexRune(r []rune, c rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == c {
			return i
		}
	}
	return -1
}
