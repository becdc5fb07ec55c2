package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func newTestStore(t *testing.T) (*Store, *stepClock) {
	t.Helper()
	clock := &stepClock{cur: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := Open(context.Background(), "sqlite", dsn, true, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func ptr[T any](v T) *T { return &v }

func TestThreadLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.EnsureChat(ctx, 42, "private", "me"))

	a, err := s.CreateThread(ctx, 42, "", "")
	require.NoError(t, err)
	require.Equal(t, DefaultThreadTitle, a.Title)
	require.Equal(t, "general", a.Mode)

	b, err := s.CreateThread(ctx, 42, "Work stress", "venting")
	require.NoError(t, err)
	c, err := s.CreateThread(ctx, 42, "Birthday plans", "general")
	require.NoError(t, err)

	_, err = s.UpdateThread(ctx, a.ID, ThreadPatch{IsPinned: ptr(true)})
	require.NoError(t, err)
	_, err = s.UpdateThread(ctx, c.ID, ThreadPatch{IsArchived: ptr(true)})
	require.NoError(t, err)

	list, err := s.ListThreads(ctx, 42, ThreadFilter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, a.ID, list[0].ID)
	require.Equal(t, b.ID, list[1].ID)

	all, err := s.ListThreads(ctx, 42, ThreadFilter{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, all, 3)

	found, err := s.ListThreads(ctx, 42, ThreadFilter{Query: "STRESS"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, b.ID, found[0].ID)

	updated, err := s.UpdateThread(ctx, b.ID, ThreadPatch{LastMessagePreview: ptr(strings.Repeat("é", 150))})
	require.NoError(t, err)
	require.Len(t, []rune(updated.LastMessagePreview), PreviewLength)
	require.True(t, updated.UpdatedAt.After(b.UpdatedAt))

	_, err = s.UpdateThread(ctx, "missing", ThreadPatch{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindThreadByPrefix(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.EnsureChat(ctx, 1, "private", ""))

	th, err := s.CreateThread(ctx, 1, "x", "general")
	require.NoError(t, err)

	got, err := s.FindThread(ctx, 1, th.ShortID())
	require.NoError(t, err)
	require.Equal(t, th.ID, got.ID)

	_, err = s.FindThread(ctx, 2, th.ShortID())
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateThread(ctx, 1, "y", "general")
	require.NoError(t, err)
	_, err = s.FindThread(ctx, 1, "")
	require.ErrorIs(t, err, ErrNotFound)

	for _, wildcard := range []string{"%", "_", "%%", th.ShortID()[:2] + "%", "____"} {
		_, err = s.FindThread(ctx, 1, wildcard)
		require.ErrorIs(t, err, ErrNotFound, wildcard)
	}
	got, err = s.FindThread(ctx, 1, strings.ToUpper(th.ID))
	require.NoError(t, err)
	require.Equal(t, th.ID, got.ID)
}

func TestDeleteThreadCascades(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.EnsureChat(ctx, 7, "private", ""))
	th, err := s.CreateThread(ctx, 7, "t", "general")
	require.NoError(t, err)
	require.NoError(t, s.SetCurrentThread(ctx, 7, th.ID))

	_, err = s.AddMessage(ctx, Message{ThreadID: th.ID, ChatID: 7, Sender: SenderUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.SaveDraft(ctx, Draft{ThreadID: th.ID, ChatID: 7, Content: "unsent"}))

	require.NoError(t, s.DeleteThread(ctx, th.ID))

	msgs, err := s.ListMessages(ctx, th.ID, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
	_, err = s.GetDraft(ctx, th.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.CurrentThreadID(ctx, 7)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.DeleteThread(ctx, th.ID), ErrNotFound)
}

func TestMessagesOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.EnsureChat(ctx, 3, "private", ""))
	th, err := s.CreateThread(ctx, 3, "t", "general")
	require.NoError(t, err)

	var first Message
	for i := 0; i < 5; i++ {
		m, err := s.AddMessage(ctx, Message{ThreadID: th.ID, ChatID: 3, Sender: SenderUser, Content: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
		require.NotEmpty(t, m.ID)
		require.Equal(t, StatusSending, m.Status)
		if i == 0 {
			first = m
		}
	}

	all, err := s.ListMessages(ctx, th.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, "m0", all[0].Content)

	tail, err := s.ListMessages(ctx, th.ID, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"m3", "m4"}, []string{tail[0].Content, tail[1].Content})

	require.NoError(t, s.UpdateMessageStatus(ctx, first.ID, StatusFailed))
	got, err := s.GetMessage(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	require.NoError(t, s.DeleteMessage(ctx, first.ID))
	require.ErrorIs(t, s.DeleteMessage(ctx, first.ID), ErrNotFound)
}

func TestSettingsDefaultsAndPatch(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	st, err := s.LoadSettings(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, "Riley", st.AIName)
	require.Equal(t, 1000, st.MaxTokens)
	require.True(t, st.ShowReactions)
	require.Equal(t, 365, st.RetentionDays)
	require.False(t, st.AutoDelete)

	st, err = s.UpdateSettings(ctx, 5, SettingsPatch{UserName: ptr("Sam"), ShowReactions: ptr(false)})
	require.NoError(t, err)
	require.Equal(t, "Sam", st.UserName)
	require.False(t, st.ShowReactions)
	require.Equal(t, "Riley", st.AIName)
}

func TestAPIKeyActivation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a, err := s.AddAPIKey(ctx, APIKey{ChatID: 9, Provider: "gemini", Name: "main", EncKey: "{}"})
	require.NoError(t, err)
	require.True(t, a.IsActive)
	b, err := s.AddAPIKey(ctx, APIKey{ChatID: 9, Provider: "openai", Name: "backup", EncKey: "{}"})
	require.NoError(t, err)
	require.False(t, b.IsActive)
	_, err = s.AddAPIKey(ctx, APIKey{ChatID: 9, Provider: "openai", Name: "main", EncKey: "{}"})
	require.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.SetActiveAPIKey(ctx, 9, "backup"))
	active, err := s.ActiveAPIKey(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, "backup", active.Name)
	require.ErrorIs(t, s.SetActiveAPIKey(ctx, 9, "nope"), ErrNotFound)

	require.NoError(t, s.RecordKeyUsage(ctx, active.ID, 120, 0.5))
	require.NoError(t, s.RecordKeyUsage(ctx, active.ID, 30, 0.25))
	active, err = s.ActiveAPIKey(ctx, 9)
	require.NoError(t, err)
	require.EqualValues(t, 150, active.TotalTokens)
	require.InDelta(t, 0.75, active.TotalCost, 1e-9)
	require.EqualValues(t, 2, active.RequestCount)
	require.NotNil(t, active.LastUsedAt)

	require.NoError(t, s.DeleteAPIKey(ctx, 9, "backup"))
	active, err = s.ActiveAPIKey(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, "main", active.Name)

	require.NoError(t, s.DeleteAPIKey(ctx, 9, "main"))
	_, err = s.ActiveAPIKey(ctx, 9)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeExpiredThreads(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t)
	for _, chat := range []int64{1, 2} {
		require.NoError(t, s.EnsureChat(ctx, chat, "private", ""))
		_, err := s.CreateThread(ctx, chat, "old", "general")
		require.NoError(t, err)
	}
	_, err := s.UpdateSettings(ctx, 1, SettingsPatch{AutoDelete: ptr(true), RetentionDays: ptr(30)})
	require.NoError(t, err)
	_, err = s.LoadSettings(ctx, 2)
	require.NoError(t, err)

	n, err := s.PurgeExpiredThreads(ctx, clock.Now())
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.PurgeExpiredThreads(ctx, clock.Now().Add(31*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	left, err := s.ListThreads(ctx, 2, ThreadFilter{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, left, 1)
}

func TestLogAction(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	require.NoError(t, s.LogAction(ctx, AuditEntry{ChatID: 1, UserID: 2, Action: "key_add", MetaJSON: "not json"}))
	entries, err := s.ListAudit(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "{}", entries[0].MetaJSON)
}
