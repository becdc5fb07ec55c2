package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"confidant/internal/conversation"
	"confidant/internal/storage"
	"confidant/internal/worker"
)

func (s *Service) newThread(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	s.ensureChat(context.Background(), ctx.EffectiveChat)
	t, err := s.conv.StartThread(context.Background(), ctx.EffectiveChat.Id, argument(ctx), "")
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("create thread failed")
		return s.reply(ctx, b, "Failed to start a new thread.")
	}
	return s.replyWithMarkup(ctx, b, fmt.Sprintf("Started “%s” [%s]. I'm listening.", t.Title, t.ShortID()), threadActionsKeyboard(t))
}

func (s *Service) threads(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	text, markup := s.threadList(ctx.EffectiveChat.Id, argument(ctx))
	return s.replyWithMarkup(ctx, b, text, markup)
}

// threadList renders the chat's threads. "all" includes archived ones, any
// other argument filters by title and preview.
func (s *Service) threadList(chatID int64, arg string) (string, *gotgbot.InlineKeyboardMarkup) {
	f := storage.ThreadFilter{Limit: threadListLimit}
	if strings.EqualFold(arg, "all") {
		f.IncludeArchived = true
	} else {
		f.Query = arg
	}
	bg := context.Background()
	list, err := s.store.ListThreads(bg, chatID, f)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("list threads failed")
		return "Failed to load threads.", backToMenuKeyboard()
	}
	currentID, _ := s.store.CurrentThreadID(bg, chatID)
	return threadListText(list, currentID), threadListKeyboard(list)
}

func (s *Service) openThread(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	prefix := argument(ctx)
	if prefix == "" {
		return s.reply(ctx, b, "Usage: /open <thread id>. See /threads for ids.")
	}
	t, err := s.findThread(ctx.EffectiveChat.Id, prefix)
	if err != nil {
		return s.reply(ctx, b, threadLookupError(err))
	}
	if err := s.store.SetCurrentThread(context.Background(), ctx.EffectiveChat.Id, t.ID); err != nil {
		s.logger.Error().Err(err).Str("thread_id", t.ID).Msg("set current thread failed")
		return s.reply(ctx, b, "Failed to open the thread.")
	}
	return s.replyWithMarkup(ctx, b, threadCardText(t, true), threadActionsKeyboard(t))
}

func (s *Service) renameThread(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	title := argument(ctx)
	if title == "" {
		return s.reply(ctx, b, "Usage: /rename <new title>")
	}
	t, err := s.conv.CurrentThread(context.Background(), ctx.EffectiveChat.Id)
	if err != nil {
		return s.reply(ctx, b, threadLookupError(err))
	}
	t, err = s.store.UpdateThread(context.Background(), t.ID, storage.ThreadPatch{Title: &title})
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", t.ID).Msg("rename thread failed")
		return s.reply(ctx, b, "Failed to rename the thread.")
	}
	return s.reply(ctx, b, fmt.Sprintf("Renamed to “%s”.", t.Title))
}

func (s *Service) pinThread(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	t, err := s.conv.CurrentThread(context.Background(), ctx.EffectiveChat.Id)
	if err != nil {
		return s.reply(ctx, b, threadLookupError(err))
	}
	t, err = s.togglePin(t)
	if err != nil {
		return s.reply(ctx, b, "Failed to update the thread.")
	}
	if t.IsPinned {
		return s.reply(ctx, b, fmt.Sprintf("📌 Pinned “%s”.", t.Title))
	}
	return s.reply(ctx, b, fmt.Sprintf("Unpinned “%s”.", t.Title))
}

func (s *Service) archiveThread(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	t, err := s.conv.CurrentThread(context.Background(), ctx.EffectiveChat.Id)
	if err != nil {
		return s.reply(ctx, b, threadLookupError(err))
	}
	t, err = s.toggleArchive(ctx.EffectiveChat.Id, t)
	if err != nil {
		return s.reply(ctx, b, "Failed to update the thread.")
	}
	if t.IsArchived {
		return s.reply(ctx, b, fmt.Sprintf("🗄 Archived “%s”. Your next message starts a new thread.", t.Title))
	}
	return s.reply(ctx, b, fmt.Sprintf("Restored “%s”.", t.Title))
}

func (s *Service) togglePin(t storage.Thread) (storage.Thread, error) {
	pinned := !t.IsPinned
	out, err := s.store.UpdateThread(context.Background(), t.ID, storage.ThreadPatch{IsPinned: &pinned})
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", t.ID).Msg("pin thread failed")
	}
	return out, err
}

// toggleArchive archives or restores t. An archived thread stops being current.
func (s *Service) toggleArchive(chatID int64, t storage.Thread) (storage.Thread, error) {
	bg := context.Background()
	archived := !t.IsArchived
	out, err := s.store.UpdateThread(bg, t.ID, storage.ThreadPatch{IsArchived: &archived})
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", t.ID).Msg("archive thread failed")
		return out, err
	}
	if archived {
		if current, _ := s.store.CurrentThreadID(bg, chatID); current == t.ID {
			if err := s.store.SetCurrentThread(bg, chatID, ""); err != nil {
				s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("clear current thread failed")
			}
		}
	}
	return out, nil
}

func (s *Service) deleteThread(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	var (
		t   storage.Thread
		err error
	)
	if prefix := argument(ctx); prefix != "" {
		t, err = s.findThread(ctx.EffectiveChat.Id, prefix)
	} else {
		t, err = s.conv.CurrentThread(context.Background(), ctx.EffectiveChat.Id)
	}
	if err != nil {
		return s.reply(ctx, b, threadLookupError(err))
	}
	return s.replyWithMarkup(ctx, b, deletePrompt(t), confirmDeleteKeyboard(t))
}

func deletePrompt(t storage.Thread) string {
	return fmt.Sprintf("Delete “%s” and its %d messages? This cannot be undone.", t.Title, t.MessageCount)
}

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	bg := context.Background()
	t, err := s.conv.CurrentThread(bg, chatID)
	if err != nil {
		return s.reply(ctx, b, threadLookupError(err))
	}
	msgs, err := s.store.ListMessages(bg, t.ID, historyLimit)
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", t.ID).Msg("list messages failed")
		return s.reply(ctx, b, "Failed to load history.")
	}
	st, err := s.store.LoadSettings(bg, chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("load settings failed")
		return s.reply(ctx, b, "Failed to load history.")
	}
	for _, chunk := range worker.SplitMessage(historyText(t, msgs, st), worker.MaxMessageRunes) {
		if err := s.reply(ctx, b, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) export(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	t, data, err := s.conv.ExportThread(context.Background(), ctx.EffectiveChat.Id, argument(ctx))
	if err != nil {
		return s.reply(ctx, b, threadLookupError(err))
	}
	name := fmt.Sprintf("thread-%s.json", t.ShortID())
	_, err = b.SendDocument(ctx.EffectiveChat.Id, gotgbot.InputFileByReader(name, bytes.NewReader(data)), &gotgbot.SendDocumentOpts{
		Caption: fmt.Sprintf("“%s”, %d messages", t.Title, t.MessageCount),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("thread_id", t.ID).Msg("send export failed")
		return s.reply(ctx, b, "Failed to send the export.")
	}
	return nil
}

func (s *Service) findThread(chatID int64, prefix string) (storage.Thread, error) {
	return s.store.FindThread(context.Background(), chatID, strings.TrimSpace(prefix))
}

func threadLookupError(err error) string {
	switch {
	case errors.Is(err, conversation.ErrNoThread):
		return "No thread is open. Send a message or use /new to start one."
	case errors.Is(err, storage.ErrAmbiguous):
		return "That id matches more than one thread. Use more characters."
	case errors.Is(err, storage.ErrNotFound):
		return "Thread not found. See /threads for ids."
	default:
		return "Failed to load the thread."
	}
}
