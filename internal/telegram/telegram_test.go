package telegram

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"confidant/internal/companion"
	"confidant/internal/storage"
)

func TestThreadCallbackRoundTrip(t *testing.T) {
	id := "0b6f1c7e-4d7a-4b5e-9a43-2f3e8c1d9a10"
	for _, action := range []string{threadShow, threadOpen, threadPin, threadArchive, threadDelete, threadConfirm} {
		data := threadCallback(action, id)
		require.LessOrEqual(t, len(data), 64, "telegram caps callback data at 64 bytes")
		gotAction, gotID, ok := parseThreadCallback(data)
		require.True(t, ok)
		require.Equal(t, action, gotAction)
		require.Equal(t, id, gotID)
	}

	for _, bad := range []string{cbMenu, cbThreadPrefix, cbThreadPrefix + "open", cbThreadPrefix + ":abc", "xx:t:open:1"} {
		_, _, ok := parseThreadCallback(bad)
		require.False(t, ok, bad)
	}
}

func TestThreadListText(t *testing.T) {
	require.Contains(t, threadListText(nil, ""), "No threads yet")

	threads := []storage.Thread{
		{ID: "aaaaaaaa-1", Title: "Work stress", IsPinned: true, MessageCount: 4, LastMessagePreview: "thanks for listening"},
		{ID: "bbbbbbbb-2", Title: "Birthday", MessageCount: 2},
	}
	text := threadListText(threads, "bbbbbbbb-2")
	require.Contains(t, text, "📌 Work stress [aaaaaaaa] · 4 msgs")
	require.Contains(t, text, "thanks for listening")
	require.Contains(t, text, "▶ Birthday [bbbbbbbb]")

	kb := threadListKeyboard(threads)
	require.Len(t, kb.InlineKeyboard, 3)
	require.Equal(t, "📌 Work stress", kb.InlineKeyboard[0][0].Text)
	require.Equal(t, threadCallback(threadShow, "aaaaaaaa-1"), kb.InlineKeyboard[0][0].CallbackData)
}

func TestThreadActionsKeyboardLabels(t *testing.T) {
	kb := threadActionsKeyboard(storage.Thread{ID: "x", IsPinned: true, IsArchived: true})
	require.Equal(t, "Unpin", kb.InlineKeyboard[0][1].Text)
	require.Equal(t, "Unarchive", kb.InlineKeyboard[1][0].Text)

	confirm := confirmDeleteKeyboard(storage.Thread{ID: "x"})
	require.Equal(t, threadCallback(threadConfirm, "x"), confirm.InlineKeyboard[0][0].CallbackData)
}

func TestModeKeyboardMarksCurrent(t *testing.T) {
	kb := modeKeyboard(companion.ModePerspective)
	row := kb.InlineKeyboard[0]
	require.Len(t, row, 3)
	require.Equal(t, "• "+companion.ModePerspective.Label(), row[1].Text)
	require.Equal(t, cbModePrefix+"venting", row[0].CallbackData)
}

func TestHistoryText(t *testing.T) {
	st := storage.Settings{AIName: "Riley", UserName: "Sam"}
	th := storage.Thread{Title: "Rough week"}
	require.Contains(t, historyText(th, nil, st), "no messages yet")

	msgs := []storage.Message{
		{Sender: storage.SenderUser, Content: "hi", Status: storage.StatusFailed},
		{Sender: storage.SenderAssistant, Content: "hello", Reaction: "👋", Status: storage.StatusDelivered},
	}
	text := historyText(th, msgs, st)
	require.Contains(t, text, "Sam: hi (not sent)")
	require.Contains(t, text, "👋 Riley: hello")
}

func TestKeyListText(t *testing.T) {
	require.Contains(t, keyListText(nil), "/key_add")

	used := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	text := keyListText([]keyView{
		{Key: storage.APIKey{Name: "main", Provider: "openai", IsActive: true, RequestCount: 3, TotalTokens: 900, TotalCost: 0.027, LastUsedAt: &used}, Masked: "••••••••abcd"},
		{Key: storage.APIKey{Name: "backup", Provider: "gemini"}, Masked: "••••••••wxyz"},
	})
	require.Contains(t, text, "✅ main [openai] ••••••••abcd")
	require.Contains(t, text, "3 requests, 900 tokens, $0.0270, last used 2026-03-01")
	require.Contains(t, text, "backup [gemini]")
	require.NotContains(t, text, "✅ backup")
}

func TestKeyWizardFlow(t *testing.T) {
	st := keyWizardState{ChatID: 1, Step: stepProvider}

	_, _, err := advanceKeyWizard(st, "mistral")
	require.Error(t, err)

	st, _, err = advanceKeyWizard(st, "Google")
	require.NoError(t, err)
	require.Equal(t, companion.ProviderGemini, st.Provider)
	require.Equal(t, stepName, st.Step)

	_, _, err = advanceKeyWizard(st, "bad name!")
	require.Error(t, err)

	st, prompt, err := advanceKeyWizard(st, "-")
	require.NoError(t, err)
	require.Equal(t, "gemini", st.Name)
	require.Equal(t, stepKey, st.Step, "gemini has no base url step")
	require.Contains(t, prompt, "API key")
}

func TestKeyWizardBaseURL(t *testing.T) {
	st := keyWizardState{Step: stepProvider}
	st, _, err := advanceKeyWizard(st, "openai")
	require.NoError(t, err)
	st, _, err = advanceKeyWizard(st, "work")
	require.NoError(t, err)
	require.Equal(t, stepBaseURL, st.Step)

	openai, _, err := advanceKeyWizard(st, "-")
	require.NoError(t, err)
	require.Empty(t, openai.BaseURL)
	require.Equal(t, stepKey, openai.Step)

	xai, _, err := advanceKeyWizard(st, "https://api.x.ai/v1/")
	require.NoError(t, err)
	require.Equal(t, "https://api.x.ai/v1", xai.BaseURL)

	custom := keyWizardState{Step: stepBaseURL, Provider: companion.ProviderCustomHTTP, Name: "c"}
	_, _, err = advanceKeyWizard(custom, "-")
	require.Error(t, err, "custom endpoints need a url")
	_, _, err = advanceKeyWizard(custom, "ftp://example.com")
	require.Error(t, err)

	_, _, err = advanceKeyWizard(keyWizardState{Step: "bogus"}, "x")
	require.Error(t, err)
}

func TestParsePrivacyArgs(t *testing.T) {
	p, err := parsePrivacyArgs("")
	require.NoError(t, err)
	require.Nil(t, p)

	p, err = parsePrivacyArgs("retention 30")
	require.NoError(t, err)
	require.Equal(t, 30, *p.RetentionDays)

	p, err = parsePrivacyArgs("autodelete on")
	require.NoError(t, err)
	require.True(t, *p.AutoDelete)

	for _, bad := range []string{"retention 0", "retention lots", "autodelete maybe", "shred"} {
		_, err := parsePrivacyArgs(bad)
		require.Error(t, err, bad)
	}
}

func TestPickModel(t *testing.T) {
	gemini := companion.SupportedModels(companion.ProviderGemini)
	m, ok := pickModel("models/gemini-2.5-flash", gemini)
	require.True(t, ok)
	require.Equal(t, "gemini-2.5-flash", m)

	m, ok = pickModel("GEMINI-1.5-PRO", gemini)
	require.True(t, ok)
	require.Equal(t, "gemini-1.5-pro", m)

	_, ok = pickModel("gpt-4", gemini)
	require.False(t, ok)

	m, ok = pickModel("my-local-llama", nil)
	require.True(t, ok)
	require.Equal(t, "my-local-llama", m)

	openai := companion.ModelsFor(companion.ProviderOpenAI, "")
	_, ok = pickModel("llama-3.1-70b-versatile", openai)
	require.False(t, ok)

	groq := companion.ModelsFor(companion.ProviderOpenAI, "https://api.groq.com/openai/v1")
	m, ok = pickModel("llama-3.1-70b-versatile", groq)
	require.True(t, ok)
	require.Equal(t, "llama-3.1-70b-versatile", m)
}

func TestSmallParsers(t *testing.T) {
	name, err := cleanName("  Dr.   Riley ")
	require.NoError(t, err)
	require.Equal(t, "Dr. Riley", name)
	_, err = cleanName(strings.Repeat("x", 33))
	require.Error(t, err)
	_, err = cleanName("   ")
	require.Error(t, err)

	v, ok := parseToggle("ON")
	require.True(t, ok)
	require.True(t, v)
	_, ok = parseToggle("sometimes")
	require.False(t, ok)

	require.Equal(t, "hello world", commandRemainder("/rename   hello world"))
	require.Empty(t, commandRemainder("/pin"))

	first, rest := splitFirstWord("retention  30 ")
	require.Equal(t, "retention", first)
	require.Equal(t, "30", rest)
}

func TestAllowedUser(t *testing.T) {
	require.True(t, allowed(0, nil))
	require.True(t, allowed(42, &gotgbot.User{Id: 42}))
	require.False(t, allowed(42, &gotgbot.User{Id: 7}))
	require.False(t, allowed(42, nil))
}

func TestWizardStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	w := newWizardStore(rdb, time.Minute)

	got, err := w.Get(ctx, 5)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, w.Set(ctx, 5, keyWizardState{ChatID: 5, Step: stepName, Provider: "openai"}))
	got, err = w.Get(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, stepName, got.Step)
	require.Equal(t, "openai", got.Provider)

	mr.FastForward(2 * time.Minute)
	got, err = w.Get(ctx, 5)
	require.NoError(t, err)
	require.Nil(t, got, "wizard state expires")

	require.NoError(t, w.Set(ctx, 5, keyWizardState{Step: stepKey}))
	require.NoError(t, w.Clear(ctx, 5))
	got, err = w.Get(ctx, 5)
	require.NoError(t, err)
	require.Nil(t, got)
}
