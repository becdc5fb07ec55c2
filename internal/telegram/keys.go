package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"confidant/internal/companion"
	"confidant/internal/conversation"
	"confidant/internal/storage"
)

var keyNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

const providerPrompt = "Which provider is the key for? Send gemini, openai, anthropic or custom_http."

func (s *Service) keys(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	return s.replyWithMarkup(ctx, b, s.keyListText(ctx.EffectiveChat.Id), backToMenuKeyboard())
}

func (s *Service) keyListText(chatID int64) string {
	list, err := s.store.ListAPIKeys(context.Background(), chatID)
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("list keys failed")
		return "Failed to load API keys."
	}
	views := make([]keyView, 0, len(list))
	for _, k := range list {
		masked, err := s.conv.RevealKey(k)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", k.Name).Msg("cannot open stored key")
			masked = "<unreadable>"
		}
		views = append(views, keyView{Key: k, Masked: masked})
	}
	return keyListText(views)
}

func (s *Service) keyAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return s.reply(ctx, b, "For your safety, add keys in a private chat with me.")
	}
	s.ensureChat(context.Background(), ctx.EffectiveChat)

	state := keyWizardState{ChatID: ctx.EffectiveChat.Id, Step: stepProvider}
	prompt := providerPrompt
	if arg := argument(ctx); arg != "" {
		next, p, err := advanceKeyWizard(state, arg)
		if err != nil {
			return s.reply(ctx, b, err.Error())
		}
		state, prompt = next, p
	}
	if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, state); err != nil {
		s.logger.Error().Err(err).Msg("wizard save failed")
		return s.reply(ctx, b, "Failed to start. Please try again.")
	}
	return s.reply(ctx, b, prompt+"\n\nSend /cancel to stop.")
}

// advanceKeyWizard applies one answer. A non-nil error is a message for the
// user and leaves the state unchanged. The returned state has Step == stepKey
// once only the secret is missing.
func advanceKeyWizard(state keyWizardState, input string) (keyWizardState, string, error) {
	input = strings.TrimSpace(input)
	switch state.Step {
	case stepProvider:
		p := companion.NormalizeProvider(input)
		if p == "" {
			return state, "", errors.New("Unknown provider. " + providerPrompt)
		}
		state.Provider = p
		state.Step = stepName
		return state, fmt.Sprintf("Name this key (letters, digits, _ or -), or send - to call it %q.", p), nil

	case stepName:
		name := input
		if name == "-" {
			name = state.Provider
		}
		if !keyNameRegex.MatchString(name) {
			return state, "", errors.New("Invalid name. Use letters, digits, _ or -, at most 64 characters.")
		}
		state.Name = name
		switch state.Provider {
		case companion.ProviderOpenAI:
			state.Step = stepBaseURL
			return state, "Send the API base URL for an OpenAI-compatible service, or - for api.openai.com.", nil
		case companion.ProviderCustomHTTP:
			state.Step = stepBaseURL
			return state, "Send the endpoint URL to POST conversations to.", nil
		}
		state.Step = stepKey
		return state, "Now send the API key. I'll delete your message after reading it.", nil

	case stepBaseURL:
		if input == "-" && state.Provider != companion.ProviderCustomHTTP {
			state.BaseURL = ""
		} else {
			u, err := url.Parse(input)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return state, "", errors.New("That doesn't look like an http(s) URL. Try again.")
			}
			state.BaseURL = strings.TrimSuffix(input, "/")
		}
		state.Step = stepKey
		return state, "Now send the API key. I'll delete your message after reading it.", nil
	}
	return state, "", errors.New("This setup has expired. Start again with /key_add.")
}

func (s *Service) continueKeyWizard(b *gotgbot.Bot, ctx *ext.Context, state *keyWizardState, text string) error {
	bg := context.Background()
	uid := ctx.EffectiveUser.Id

	if state.Step != stepKey {
		next, prompt, err := advanceKeyWizard(*state, text)
		if err != nil {
			return s.reply(ctx, b, err.Error())
		}
		if err := s.wizard.Set(bg, uid, next); err != nil {
			s.logger.Error().Err(err).Msg("wizard save failed")
			return s.reply(ctx, b, "Failed to save progress. Start again with /key_add.")
		}
		return s.reply(ctx, b, prompt)
	}

	if _, err := b.DeleteMessage(ctx.EffectiveChat.Id, ctx.EffectiveMessage.MessageId, nil); err != nil {
		s.logger.Debug().Err(err).Msg("could not delete key message")
	}
	s.sendTyping(b, ctx.EffectiveChat.Id)

	k, err := s.conv.AddKey(bg, conversation.AddKeyInput{
		ChatID:   state.ChatID,
		UserID:   uid,
		Provider: state.Provider,
		Name:     state.Name,
		Key:      text,
		BaseURL:  state.BaseURL,
	})
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrInvalidKey):
		return s.reply(ctx, b, "The provider rejected that key, so I didn't save it. Send another key or /cancel.")
	case errors.Is(err, storage.ErrDuplicate):
		_ = s.wizard.Clear(bg, uid)
		return s.reply(ctx, b, fmt.Sprintf("You already have a key named %q. Remove it with /key_del or pick another name via /key_add.", state.Name))
	default:
		s.logger.Error().Err(err).Int64("chat_id", state.ChatID).Str("provider", state.Provider).Msg("add key failed")
		return s.reply(ctx, b, "I couldn't verify the key right now. Send it again or /cancel.")
	}

	if err := s.wizard.Clear(bg, uid); err != nil {
		s.logger.Warn().Err(err).Msg("wizard clear failed")
	}
	msg := fmt.Sprintf("Saved %s key %q.", k.Provider, k.Name)
	if k.IsActive {
		msg += " It's active now. Say hi whenever you're ready!"
	} else {
		msg += " Switch to it with /key_use " + k.Name + "."
	}
	return s.reply(ctx, b, msg)
}

func (s *Service) keyUse(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	name := argument(ctx)
	if name == "" {
		return s.reply(ctx, b, "Usage: /key_use <name>")
	}
	chatID := ctx.EffectiveChat.Id
	if err := s.store.SetActiveAPIKey(context.Background(), chatID, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "No key with that name. See /keys.")
		}
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("activate key failed")
		return s.reply(ctx, b, "Failed to switch keys.")
	}
	s.audit(chatID, userID(ctx), "key_use", map[string]any{"name": name})
	return s.reply(ctx, b, fmt.Sprintf("Now using %q.", name))
}

func (s *Service) keyDel(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	name := argument(ctx)
	if name == "" {
		return s.reply(ctx, b, "Usage: /key_del <name>")
	}
	chatID := ctx.EffectiveChat.Id
	if err := s.store.DeleteAPIKey(context.Background(), chatID, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.reply(ctx, b, "No key with that name. See /keys.")
		}
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("delete key failed")
		return s.reply(ctx, b, "Failed to delete the key.")
	}
	s.audit(chatID, userID(ctx), "key_del", map[string]any{"name": name})
	return s.reply(ctx, b, fmt.Sprintf("Deleted %q.", name))
}
