package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"confidant/internal/companion"
	"confidant/internal/conversation"
	"confidant/internal/storage"
)

const (
	maxNameRunes     = 32
	maxRetentionDays = 3650
)

func (s *Service) mode(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	arg := argument(ctx)
	if arg == "" {
		return s.replyWithMarkup(ctx, b, "How would you like me to respond?", modeKeyboard(s.currentMode(chatID)))
	}
	m, err := companion.ParseMode(arg)
	if err != nil {
		return s.reply(ctx, b, "Usage: /mode venting|perspective|general")
	}
	if err := s.setMode(chatID, userID(ctx), m); err != nil {
		return s.reply(ctx, b, "Failed to change mode.")
	}
	return s.reply(ctx, b, "Mode: "+m.Label())
}

func (s *Service) currentMode(chatID int64) companion.Mode {
	bg := context.Background()
	if t, err := s.conv.CurrentThread(bg, chatID); err == nil {
		return companion.ModeOr(t.Mode, companion.ModeGeneral)
	}
	if st, err := s.store.LoadSettings(bg, chatID); err == nil {
		return companion.ModeOr(st.DefaultMode, companion.ModeGeneral)
	}
	return companion.ModeGeneral
}

// setMode changes the current thread's mode and makes it the default for
// new threads.
func (s *Service) setMode(chatID, uid int64, m companion.Mode) error {
	bg := context.Background()
	name := string(m)
	if t, err := s.conv.CurrentThread(bg, chatID); err == nil {
		if _, err := s.store.UpdateThread(bg, t.ID, storage.ThreadPatch{Mode: &name}); err != nil {
			s.logger.Error().Err(err).Str("thread_id", t.ID).Msg("update thread mode failed")
			return err
		}
	} else if !errors.Is(err, conversation.ErrNoThread) {
		return err
	}
	if _, err := s.store.UpdateSettings(bg, chatID, storage.SettingsPatch{DefaultMode: &name}); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("update default mode failed")
		return err
	}
	s.audit(chatID, uid, "mode_set", map[string]any{"mode": name})
	return nil
}

func (s *Service) model(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	bg := context.Background()
	key, err := s.store.ActiveAPIKey(bg, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.reply(ctx, b, "Add an API key first with /key_add.")
	}
	if err != nil {
		return s.reply(ctx, b, "Failed to load your API key.")
	}
	st, err := s.store.LoadSettings(bg, chatID)
	if err != nil {
		return s.reply(ctx, b, "Failed to load settings.")
	}

	supported := companion.ModelsFor(key.Provider, key.BaseURL)
	arg := argument(ctx)
	if arg == "" {
		return s.reply(ctx, b, modelText(key.Provider, companion.ResolveModel(key.Provider, key.BaseURL, st.AIModel), supported))
	}

	chosen, ok := pickModel(arg, supported)
	if !ok {
		return s.reply(ctx, b, fmt.Sprintf("%s is not a %s model. Send /model to see the list.", arg, key.Provider))
	}
	if _, err := s.store.UpdateSettings(bg, chatID, storage.SettingsPatch{AIModel: &chosen}); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("update model failed")
		return s.reply(ctx, b, "Failed to save the model.")
	}
	s.audit(chatID, userID(ctx), "model_set", map[string]any{"model": chosen})
	return s.reply(ctx, b, "Model set to "+chosen+".")
}

// pickModel matches name against the provider's catalogue, ignoring the
// "models/" prefix. Providers without a catalogue accept any name.
func pickModel(name string, supported []string) (string, bool) {
	want := companion.NormalizeModel(name)
	if want == "" {
		return "", false
	}
	if len(supported) == 0 {
		return want, true
	}
	for _, m := range supported {
		if strings.EqualFold(companion.NormalizeModel(m), want) {
			return companion.NormalizeModel(m), true
		}
	}
	return "", false
}

func modelText(provider, current string, supported []string) string {
	lines := []string{fmt.Sprintf("Provider: %s", provider), fmt.Sprintf("Model: %s", current)}
	if len(supported) > 0 {
		lines = append(lines, "", "Available:")
		for _, m := range supported {
			lines = append(lines, "- "+companion.NormalizeModel(m))
		}
	}
	lines = append(lines, "", "Change with /model <name>. Check which ones work with /models.")
	return strings.Join(lines, "\n")
}

func (s *Service) models(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := s.conv.RequestModelCheck(context.Background(), ctx.EffectiveChat.Id, userID(ctx))
	switch {
	case err == nil:
		return s.reply(ctx, b, "Checking models, this takes a few seconds...")
	case errors.Is(err, conversation.ErrNoAPIKey):
		return s.reply(ctx, b, "Add an API key first with /key_add.")
	default:
		s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("model check request failed")
		return s.reply(ctx, b, "Couldn't start the model check. Please try again later.")
	}
}

func (s *Service) aiName(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.setName(b, ctx, "ai")
}

func (s *Service) userName(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.setName(b, ctx, "user")
}

func (s *Service) setName(b *gotgbot.Bot, ctx *ext.Context, who string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	name, err := cleanName(argument(ctx))
	if err != nil {
		if who == "ai" {
			return s.reply(ctx, b, "Usage: /name <what I should be called>")
		}
		return s.reply(ctx, b, "Usage: /me <what I should call you>")
	}
	patch := storage.SettingsPatch{UserName: &name}
	if who == "ai" {
		patch = storage.SettingsPatch{AIName: &name}
	}
	if _, err := s.store.UpdateSettings(context.Background(), ctx.EffectiveChat.Id, patch); err != nil {
		s.logger.Error().Err(err).Int64("chat_id", ctx.EffectiveChat.Id).Msg("update name failed")
		return s.reply(ctx, b, "Failed to save the name.")
	}
	if who == "ai" {
		return s.reply(ctx, b, fmt.Sprintf("From now on I'm %s.", name))
	}
	return s.reply(ctx, b, fmt.Sprintf("Nice to meet you, %s.", name))
}

var errBadName = errors.New("name must be 1-32 characters")

func cleanName(v string) (string, error) {
	v = strings.Join(strings.Fields(v), " ")
	n := len([]rune(v))
	if n == 0 || n > maxNameRunes {
		return "", errBadName
	}
	return v, nil
}

func (s *Service) reactions(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	var want *bool
	if arg := argument(ctx); arg != "" {
		v, ok := parseToggle(arg)
		if !ok {
			return s.reply(ctx, b, "Usage: /reactions on|off")
		}
		want = &v
	}
	on, err := s.setReactions(ctx.EffectiveChat.Id, want)
	if err != nil {
		return s.reply(ctx, b, "Failed to update reactions.")
	}
	return s.reply(ctx, b, "Reactions "+onOff(on)+".")
}

// setReactions stores want, or flips the current value when want is nil.
func (s *Service) setReactions(chatID int64, want *bool) (bool, error) {
	bg := context.Background()
	if want == nil {
		st, err := s.store.LoadSettings(bg, chatID)
		if err != nil {
			return false, err
		}
		v := !st.ShowReactions
		want = &v
	}
	st, err := s.store.UpdateSettings(bg, chatID, storage.SettingsPatch{ShowReactions: want})
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("update reactions failed")
		return false, err
	}
	return st.ShowReactions, nil
}

func (s *Service) privacy(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	chatID := ctx.EffectiveChat.Id
	patch, err := parsePrivacyArgs(argument(ctx))
	if err != nil {
		return s.reply(ctx, b, err.Error())
	}
	var st storage.Settings
	if patch == nil {
		st, err = s.store.LoadSettings(context.Background(), chatID)
	} else {
		st, err = s.store.UpdateSettings(context.Background(), chatID, *patch)
		if err == nil {
			s.audit(chatID, userID(ctx), "privacy_set", map[string]any{"retention_days": st.RetentionDays, "auto_delete": st.AutoDelete})
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("privacy settings failed")
		return s.reply(ctx, b, "Failed to update privacy settings.")
	}
	return s.reply(ctx, b, privacyText(st))
}

// parsePrivacyArgs returns a nil patch when there is nothing to change.
func parsePrivacyArgs(arg string) (*storage.SettingsPatch, error) {
	usage := errors.New("Usage: /privacy retention <days> or /privacy autodelete on|off")
	field, value := splitFirstWord(arg)
	switch strings.ToLower(field) {
	case "":
		return nil, nil
	case "retention":
		days, err := strconv.Atoi(value)
		if err != nil || days < 1 || days > maxRetentionDays {
			return nil, fmt.Errorf("Retention must be between 1 and %d days.", maxRetentionDays)
		}
		return &storage.SettingsPatch{RetentionDays: &days}, nil
	case "autodelete", "auto_delete":
		on, ok := parseToggle(value)
		if !ok {
			return nil, usage
		}
		return &storage.SettingsPatch{AutoDelete: &on}, nil
	default:
		return nil, usage
	}
}
