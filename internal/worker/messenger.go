package worker

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// Messenger delivers worker output to a chat.
type Messenger interface {
	SendText(ctx context.Context, chatID, replyTo int64, text string) error
	SetReaction(ctx context.Context, chatID, messageID int64, emoji string) error
	SendTyping(ctx context.Context, chatID int64) error
}

// BotMessenger sends through the Telegram Bot API.
type BotMessenger struct {
	Bot *gotgbot.Bot
}

func (m BotMessenger) SendText(ctx context.Context, chatID, replyTo int64, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	_, err := m.Bot.SendMessageWithContext(ctx, chatID, text, opts)
	return err
}

func (m BotMessenger) SetReaction(ctx context.Context, chatID, messageID int64, emoji string) error {
	_, err := m.Bot.SetMessageReactionWithContext(ctx, chatID, messageID, &gotgbot.SetMessageReactionOpts{
		Reaction: []gotgbot.ReactionType{gotgbot.ReactionTypeEmoji{Emoji: emoji}},
	})
	return err
}

func (m BotMessenger) SendTyping(ctx context.Context, chatID int64) error {
	_, err := m.Bot.SendChatActionWithContext(ctx, chatID, "typing", nil)
	return err
}
