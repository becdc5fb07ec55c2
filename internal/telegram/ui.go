package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"confidant/internal/companion"
	"confidant/internal/storage"
)

const (
	cbPrefix = "cf:"

	cbMenu      = cbPrefix + "menu"
	cbHelp      = cbPrefix + "help"
	cbThreads   = cbPrefix + "threads"
	cbNewThread = cbPrefix + "new"
	cbStatus    = cbPrefix + "status"
	cbKeys      = cbPrefix + "keys"
	cbModes     = cbPrefix + "modes"
	cbReactions = cbPrefix + "reactions"

	cbModePrefix   = cbPrefix + "mode:"
	cbThreadPrefix = cbPrefix + "t:"

	threadShow    = "show"
	threadOpen    = "open"
	threadPin     = "pin"
	threadArchive = "arch"
	threadDelete  = "del"
	threadConfirm = "delok"

	threadListLimit = 10
	historyLimit    = 20
	historyPreview  = 300
)

func threadCallback(action, threadID string) string {
	return cbThreadPrefix + action + ":" + threadID
}

func parseThreadCallback(data string) (action, threadID string, ok bool) {
	rest, found := strings.CutPrefix(data, cbThreadPrefix)
	if !found {
		return "", "", false
	}
	action, threadID, found = strings.Cut(rest, ":")
	if !found || action == "" || threadID == "" {
		return "", "", false
	}
	return action, threadID, true
}

func helpText() string {
	return strings.Join([]string{
		"Just write to me in this chat and I'll reply. Every conversation lives in a thread.",
		"",
		"Threads:",
		"/new [title] - start a new thread",
		"/threads [query|all] - list threads",
		"/open <id> - switch to a thread",
		"/rename <title>, /pin, /archive, /delete [id]",
		"/history - recent messages, /export - download as JSON",
		"",
		"Conversation:",
		"/mode venting|perspective|general",
		"/retry - resend the last unsent message",
		"",
		"API keys:",
		"/keys, /key_add, /key_use <name>, /key_del <name>",
		"/model [name], /models - check which models work",
		"",
		"Preferences:",
		"/name <ai name>, /me <your name>",
		"/reactions on|off",
		"/privacy [retention <days> | autodelete on|off]",
		"",
		"/status, /menu, /cancel",
	}, "\n")
}

func welcomeText(st storage.Settings, hasKey bool) string {
	lines := []string{
		fmt.Sprintf("Hi, I'm %s. I'm here to listen, help you see things from another angle, or just chat.", st.AIName),
	}
	if !hasKey {
		lines = append(lines, "", "To get started, add an API key for Gemini, OpenAI, Anthropic or a custom endpoint with /key_add.")
	} else {
		lines = append(lines, "", "Send me a message whenever you're ready.")
	}
	lines = append(lines, "", "Use /help to see everything I can do.")
	return strings.Join(lines, "\n")
}

func menuText(st storage.Settings, current *storage.Thread) string {
	lines := []string{fmt.Sprintf("%s menu", st.AIName), ""}
	if current != nil {
		lines = append(lines, fmt.Sprintf("Current thread: %s [%s]", current.Title, current.ShortID()))
		lines = append(lines, fmt.Sprintf("Mode: %s", companion.ModeOr(current.Mode, companion.ModeGeneral).Label()))
	} else {
		lines = append(lines, "No thread open. Your next message starts one.")
	}
	lines = append(lines, fmt.Sprintf("Reactions: %s", onOff(st.ShowReactions)))
	return strings.Join(lines, "\n")
}

func threadListText(threads []storage.Thread, currentID string) string {
	if len(threads) == 0 {
		return "No threads yet. Send a message or use /new to start one."
	}
	lines := []string{"Threads:"}
	for _, t := range threads {
		lines = append(lines, threadLine(t, t.ID == currentID))
	}
	return strings.Join(lines, "\n")
}

func threadLine(t storage.Thread, current bool) string {
	var flags string
	if current {
		flags += "▶ "
	}
	if t.IsPinned {
		flags += "📌 "
	}
	if t.IsArchived {
		flags += "🗄 "
	}
	line := fmt.Sprintf("%s%s [%s] · %d msgs", flags, t.Title, t.ShortID(), t.MessageCount)
	if t.LastMessagePreview != "" {
		line += "\n   " + companion.Preview(t.LastMessagePreview, 60)
	}
	return line
}

func threadCardText(t storage.Thread, current bool) string {
	lines := []string{
		t.Title,
		fmt.Sprintf("id: %s", t.ShortID()),
		fmt.Sprintf("mode: %s", companion.ModeOr(t.Mode, companion.ModeGeneral).Label()),
		fmt.Sprintf("messages: %d, tokens: %d", t.MessageCount, t.TotalTokens),
		fmt.Sprintf("last activity: %s", t.UpdatedAt.Format("2006-01-02 15:04 UTC")),
	}
	if t.IsPinned {
		lines = append(lines, "📌 pinned")
	}
	if t.IsArchived {
		lines = append(lines, "🗄 archived")
	}
	if current {
		lines = append(lines, "▶ current thread")
	}
	if t.LastMessagePreview != "" {
		lines = append(lines, "", "“"+t.LastMessagePreview+"”")
	}
	return strings.Join(lines, "\n")
}

func historyText(t storage.Thread, msgs []storage.Message, st storage.Settings) string {
	if len(msgs) == 0 {
		return fmt.Sprintf("%s has no messages yet.", t.Title)
	}
	you := "You"
	if name := strings.TrimSpace(st.UserName); name != "" {
		you = name
	}
	lines := []string{fmt.Sprintf("%s · last %d messages", t.Title, len(msgs)), ""}
	for _, m := range msgs {
		who := you
		if m.Sender == storage.SenderAssistant {
			who = st.AIName
		}
		prefix := ""
		if m.Reaction != "" {
			prefix = m.Reaction + " "
		}
		line := fmt.Sprintf("%s%s: %s", prefix, who, companion.Preview(m.Content, historyPreview))
		if m.Status == storage.StatusFailed {
			line += " (not sent)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

type keyView struct {
	Key    storage.APIKey
	Masked string
}

func keyListText(keys []keyView) string {
	if len(keys) == 0 {
		return "No API keys yet. Add one with /key_add."
	}
	lines := []string{"API keys:"}
	for _, k := range keys {
		mark := "  "
		if k.Key.IsActive {
			mark = "✅"
		}
		lines = append(lines, fmt.Sprintf("%s %s [%s] %s", mark, k.Key.Name, k.Key.Provider, k.Masked))
		usage := fmt.Sprintf("   %d requests, %d tokens, $%.4f", k.Key.RequestCount, k.Key.TotalTokens, k.Key.TotalCost)
		if k.Key.LastUsedAt != nil {
			usage += ", last used " + k.Key.LastUsedAt.Format("2006-01-02")
		}
		lines = append(lines, usage)
	}
	lines = append(lines, "", "Switch with /key_use <name>, remove with /key_del <name>.")
	return strings.Join(lines, "\n")
}

func statusText(chatID int64, st storage.Settings, current *storage.Thread, active *storage.APIKey, accessMode string) string {
	lines := []string{
		"Status",
		fmt.Sprintf("chat_id: %d", chatID),
		fmt.Sprintf("access_mode: %s", accessMode),
		fmt.Sprintf("ai_name: %s", st.AIName),
	}
	if st.UserName != "" {
		lines = append(lines, fmt.Sprintf("your_name: %s", st.UserName))
	}
	if active != nil {
		lines = append(lines,
			fmt.Sprintf("api_key: %s [%s]", active.Name, active.Provider),
			fmt.Sprintf("model: %s", companion.ResolveModel(active.Provider, active.BaseURL, st.AIModel)),
		)
	} else {
		lines = append(lines, "api_key: <none>")
	}
	if current != nil {
		lines = append(lines, fmt.Sprintf("thread: %s [%s], %d msgs", current.Title, current.ShortID(), current.MessageCount))
	} else {
		lines = append(lines, "thread: <none>")
	}
	lines = append(lines,
		fmt.Sprintf("default_mode: %s", st.DefaultMode),
		fmt.Sprintf("max_tokens: %d", st.MaxTokens),
		fmt.Sprintf("reactions: %s", onOff(st.ShowReactions)),
		fmt.Sprintf("retention: %d days, auto delete %s", st.RetentionDays, onOff(st.AutoDelete)),
	)
	return strings.Join(lines, "\n")
}

func privacyText(st storage.Settings) string {
	lines := []string{
		"Privacy",
		"API keys are encrypted at rest and only shown masked.",
		fmt.Sprintf("Retention: %d days", st.RetentionDays),
		fmt.Sprintf("Auto delete: %s", onOff(st.AutoDelete)),
		"",
		"With auto delete on, threads idle longer than the retention window are removed.",
		"Change with /privacy retention <days> or /privacy autodelete on|off.",
	}
	return strings.Join(lines, "\n")
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// parseToggle accepts on/off style words. ok is false for anything else.
func parseToggle(v string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "yes", "true", "1", "enable", "enabled":
		return true, true
	case "off", "no", "false", "0", "disable", "disabled":
		return false, true
	}
	return false, false
}

func mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "New thread", CallbackData: cbNewThread},
			{Text: "Threads", CallbackData: cbThreads},
		},
		{
			{Text: "Mode", CallbackData: cbModes},
			{Text: "Reactions on/off", CallbackData: cbReactions},
		},
		{
			{Text: "API keys", CallbackData: cbKeys},
			{Text: "Status", CallbackData: cbStatus},
		},
		{
			{Text: "Help", CallbackData: cbHelp},
			{Text: "Refresh", CallbackData: cbMenu},
		},
	}}
}

func backToMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

func threadListKeyboard(threads []storage.Thread) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(threads)+1)
	for _, t := range threads {
		label := companion.Preview(t.Title, 32)
		if t.IsPinned {
			label = "📌 " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: label, CallbackData: threadCallback(threadShow, t.ID)}})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{
		{Text: "New thread", CallbackData: cbNewThread},
		{Text: "Back to menu", CallbackData: cbMenu},
	})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func threadActionsKeyboard(t storage.Thread) *gotgbot.InlineKeyboardMarkup {
	pin := "Pin"
	if t.IsPinned {
		pin = "Unpin"
	}
	archive := "Archive"
	if t.IsArchived {
		archive = "Unarchive"
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Open", CallbackData: threadCallback(threadOpen, t.ID)},
			{Text: pin, CallbackData: threadCallback(threadPin, t.ID)},
		},
		{
			{Text: archive, CallbackData: threadCallback(threadArchive, t.ID)},
			{Text: "Delete", CallbackData: threadCallback(threadDelete, t.ID)},
		},
		{{Text: "All threads", CallbackData: cbThreads}},
	}}
}

func confirmDeleteKeyboard(t storage.Thread) *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Yes, delete", CallbackData: threadCallback(threadConfirm, t.ID)},
			{Text: "Cancel", CallbackData: threadCallback(threadShow, t.ID)},
		},
	}}
}

func modeKeyboard(current companion.Mode) *gotgbot.InlineKeyboardMarkup {
	row := make([]gotgbot.InlineKeyboardButton, 0, 3)
	for _, m := range []companion.Mode{companion.ModeVenting, companion.ModePerspective, companion.ModeGeneral} {
		label := m.Label()
		if m == current {
			label = "• " + label
		}
		row = append(row, gotgbot.InlineKeyboardButton{Text: label, CallbackData: cbModePrefix + string(m)})
	}
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		row,
		{{Text: "Back to menu", CallbackData: cbMenu}},
	}}
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	return s.replyWithMarkup(ctx, b, text, nil)
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}
