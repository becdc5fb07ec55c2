package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"confidant/internal/companion"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	if s.callbacks != nil {
		first, err := s.callbacks.MarkFirst(context.Background(), ctx.CallbackQuery.Id)
		if err != nil {
			s.logger.Warn().Err(err).Msg("callback dedupe failed")
		} else if !first {
			return nil
		}
	}

	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}
	data := strings.TrimSpace(ctx.CallbackQuery.Data)

	switch {
	case data == cbMenu:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, s.menuText(chatID), mainMenuKeyboard())

	case data == cbHelp:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, helpText(), backToMenuKeyboard())

	case data == cbStatus:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, s.statusText(chatID), backToMenuKeyboard())

	case data == cbKeys:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, s.keyListText(chatID), backToMenuKeyboard())

	case data == cbThreads:
		s.answerCallback(b, ctx, "", false)
		text, markup := s.threadList(chatID, "")
		return s.editOrReplyCallback(ctx, b, text, markup)

	case data == cbNewThread:
		t, err := s.conv.StartThread(context.Background(), chatID, "", "")
		if err != nil {
			s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("create thread failed")
			s.answerCallback(b, ctx, "Failed to start a new thread.", true)
			return nil
		}
		s.answerCallback(b, ctx, "New thread started.", false)
		return s.editOrReplyCallback(ctx, b, threadCardText(t, true), threadActionsKeyboard(t))

	case data == cbModes:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, "How would you like me to respond?", modeKeyboard(s.currentMode(chatID)))

	case data == cbReactions:
		on, err := s.setReactions(chatID, nil)
		if err != nil {
			s.answerCallback(b, ctx, "Failed to update reactions.", true)
			return nil
		}
		s.answerCallback(b, ctx, "Reactions "+onOff(on)+".", false)
		return s.editOrReplyCallback(ctx, b, s.menuText(chatID), mainMenuKeyboard())

	case strings.HasPrefix(data, cbModePrefix):
		m, err := companion.ParseMode(strings.TrimPrefix(data, cbModePrefix))
		if err != nil {
			s.answerCallback(b, ctx, "Unknown mode.", true)
			return nil
		}
		if err := s.setMode(chatID, callbackUserID(ctx), m); err != nil {
			s.answerCallback(b, ctx, "Failed to change mode.", true)
			return nil
		}
		s.answerCallback(b, ctx, "Mode: "+m.Label(), false)
		return s.editOrReplyCallback(ctx, b, "How would you like me to respond?", modeKeyboard(m))

	case strings.HasPrefix(data, cbThreadPrefix):
		return s.onThreadCallback(b, ctx, chatID, data)

	default:
		s.answerCallback(b, ctx, "This button is no longer available.", true)
		return nil
	}
}

func (s *Service) onThreadCallback(b *gotgbot.Bot, ctx *ext.Context, chatID int64, data string) error {
	action, threadID, ok := parseThreadCallback(data)
	if !ok {
		s.answerCallback(b, ctx, "This button is no longer available.", true)
		return nil
	}
	bg := context.Background()
	t, err := s.store.GetThread(bg, threadID)
	if err != nil || t.ChatID != chatID {
		s.answerCallback(b, ctx, "That thread no longer exists.", true)
		return nil
	}
	currentID, _ := s.store.CurrentThreadID(bg, chatID)

	switch action {
	case threadShow:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, threadCardText(t, t.ID == currentID), threadActionsKeyboard(t))

	case threadOpen:
		if err := s.store.SetCurrentThread(bg, chatID, t.ID); err != nil {
			s.logger.Error().Err(err).Str("thread_id", t.ID).Msg("set current thread failed")
			s.answerCallback(b, ctx, "Failed to open the thread.", true)
			return nil
		}
		s.answerCallback(b, ctx, "Opened. Keep talking!", false)
		return s.editOrReplyCallback(ctx, b, threadCardText(t, true), threadActionsKeyboard(t))

	case threadPin:
		if t, err = s.togglePin(t); err != nil {
			s.answerCallback(b, ctx, "Failed to update the thread.", true)
			return nil
		}
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, threadCardText(t, t.ID == currentID), threadActionsKeyboard(t))

	case threadArchive:
		if t, err = s.toggleArchive(chatID, t); err != nil {
			s.answerCallback(b, ctx, "Failed to update the thread.", true)
			return nil
		}
		currentID, _ = s.store.CurrentThreadID(bg, chatID)
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, threadCardText(t, t.ID == currentID), threadActionsKeyboard(t))

	case threadDelete:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, deletePrompt(t), confirmDeleteKeyboard(t))

	case threadConfirm:
		if err := s.conv.DeleteThread(bg, chatID, callbackUserID(ctx), t.ID); err != nil {
			s.logger.Error().Err(err).Str("thread_id", t.ID).Msg("delete thread failed")
			s.answerCallback(b, ctx, "Failed to delete the thread.", true)
			return nil
		}
		s.answerCallback(b, ctx, "Deleted.", false)
		text, markup := s.threadList(chatID, "")
		return s.editOrReplyCallback(ctx, b, text, markup)
	}

	s.answerCallback(b, ctx, "This button is no longer available.", true)
	return nil
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
		// The original message may be too old to edit; send a fresh one.
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}

func callbackUserID(ctx *ext.Context) int64 {
	if ctx.CallbackQuery != nil {
		return ctx.CallbackQuery.From.Id
	}
	return userID(ctx)
}
