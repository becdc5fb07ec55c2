package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"confidant/internal/conversation"
	"confidant/internal/storage"
)

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	bg := context.Background()
	s.ensureChat(bg, ctx.EffectiveChat)
	st, err := s.store.LoadSettings(bg, ctx.EffectiveChat.Id)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("load settings failed")
		return s.reply(ctx, b, "Something went wrong. Please try again.")
	}
	_, keyErr := s.store.ActiveAPIKey(bg, ctx.EffectiveChat.Id)
	return s.replyWithMarkup(ctx, b, welcomeText(st, keyErr == nil), mainMenuKeyboard())
}

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.replyWithMarkup(ctx, b, helpText(), backToMenuKeyboard())
}

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	s.ensureChat(context.Background(), ctx.EffectiveChat)
	return s.replyWithMarkup(ctx, b, s.menuText(ctx.EffectiveChat.Id), mainMenuKeyboard())
}

func (s *Service) menuText(chatID int64) string {
	bg := context.Background()
	st, err := s.store.LoadSettings(bg, chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("load settings failed")
		return "Menu is unavailable right now."
	}
	var current *storage.Thread
	if t, err := s.conv.CurrentThread(bg, chatID); err == nil {
		current = &t
	}
	return menuText(st, current)
}

func (s *Service) status(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	return s.replyWithMarkup(ctx, b, s.statusText(ctx.EffectiveChat.Id), backToMenuKeyboard())
}

func (s *Service) statusText(chatID int64) string {
	bg := context.Background()
	st, err := s.store.LoadSettings(bg, chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("load settings failed")
		return "Status is unavailable right now."
	}
	var current *storage.Thread
	if t, err := s.conv.CurrentThread(bg, chatID); err == nil {
		current = &t
	}
	var active *storage.APIKey
	if k, err := s.store.ActiveAPIKey(bg, chatID); err == nil {
		active = &k
	}
	return statusText(chatID, st, current, active, s.accessMode)
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id); err != nil {
		s.logger.Error().Err(err).Msg("wizard clear failed")
		return s.reply(ctx, b, "Failed to cancel right now.")
	}
	return s.reply(ctx, b, "Canceled.")
}

func (s *Service) retry(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	if !s.allowRate(chatID, userID(ctx), b, ctx) {
		return nil
	}
	_, err := s.conv.Retry(context.Background(), conversation.RetryInput{
		ChatID:            chatID,
		UserID:            userID(ctx),
		TelegramMessageID: ctx.EffectiveMessage.MessageId,
	})
	switch {
	case err == nil:
		s.sendTyping(b, chatID)
		return nil
	case errors.Is(err, conversation.ErrNoThread), errors.Is(err, conversation.ErrNoDraft):
		return s.reply(ctx, b, "There is nothing waiting to be resent.")
	default:
		return s.replySubmitError(ctx, b, err)
	}
}

// privateText routes plain private messages to the key wizard when one is
// running, otherwise to the current thread.
func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}

	state, err := s.wizard.Get(context.Background(), ctx.EffectiveUser.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("wizard load failed")
	}
	if state != nil {
		return s.continueKeyWizard(b, ctx, state, text)
	}
	return s.submit(b, ctx, text)
}

func (s *Service) submit(b *gotgbot.Bot, ctx *ext.Context, text string) error {
	chat := ctx.EffectiveChat
	if !s.allowRate(chat.Id, userID(ctx), b, ctx) {
		return nil
	}
	s.sendTyping(b, chat.Id)

	_, err := s.conv.Submit(context.Background(), conversation.SubmitInput{
		ChatID:            chat.Id,
		ChatType:          chat.Type,
		ChatTitle:         chat.Title,
		UserID:            userID(ctx),
		Text:              text,
		TelegramMessageID: ctx.EffectiveMessage.MessageId,
	})
	if err != nil {
		return s.replySubmitError(ctx, b, err)
	}
	return nil
}

func (s *Service) replySubmitError(ctx *ext.Context, b *gotgbot.Bot, err error) error {
	switch {
	case errors.Is(err, conversation.ErrEmptyMessage):
		return nil
	case errors.Is(err, conversation.ErrNoAPIKey):
		return s.reply(ctx, b, "I need an API key before I can reply. Add one with /key_add, then send /retry.")
	case errors.Is(err, conversation.ErrQueueUnavailable):
		return s.reply(ctx, b, "I couldn't queue your message. It's saved; send /retry in a moment.")
	default:
		s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("submit failed")
		return s.reply(ctx, b, "Something went wrong saving your message. Please try again.")
	}
}

func (s *Service) sendTyping(b *gotgbot.Bot, chatID int64) {
	if _, err := b.SendChatAction(chatID, "typing", nil); err != nil {
		s.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("typing action failed")
	}
}

func (s *Service) allowRate(chatID, userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.rateLimiter == nil {
		return true
	}
	d, err := s.rateLimiter.Allow(context.Background(), chatID, userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if d.Allowed {
		return true
	}
	_ = s.reply(ctx, b, "You've reached the hourly message limit. Try again after "+d.ResetAt.Format("15:04 UTC")+".")
	return false
}

func (s *Service) audit(chatID, userID int64, action string, meta map[string]any) {
	raw, _ := json.Marshal(meta)
	if err := s.store.LogAction(context.Background(), storage.AuditEntry{
		ChatID:   chatID,
		UserID:   userID,
		Action:   action,
		MetaJSON: string(raw),
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to write audit log")
	}
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \n\t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}

func argument(ctx *ext.Context) string {
	if ctx.EffectiveMessage == nil {
		return ""
	}
	return commandRemainder(ctx.EffectiveMessage.GetText())
}
