package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"confidant/internal/crypto"
	"confidant/internal/metrics"
	"confidant/internal/providers"
	"confidant/internal/providers/registry"
	"confidant/internal/queue"
	"confidant/internal/storage"
)

type stubProvider struct {
	reply    string
	tokens   int
	chatErr  error
	keyErr   error
	requests []providers.ChatRequest
}

func (p *stubProvider) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	p.requests = append(p.requests, req)
	if p.chatErr != nil {
		return providers.ChatResponse{}, p.chatErr
	}
	return providers.ChatResponse{Text: p.reply, TotalTokens: p.tokens}, nil
}

func (p *stubProvider) ValidateKey(context.Context) error { return p.keyErr }

func (p *stubProvider) TestModel(_ context.Context, model string) providers.ModelCheck {
	return providers.ModelCheck{Model: model, Working: model != "gpt-4", CheckedAt: time.Now()}
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, queue.Job) (string, error) {
	return "", errors.New("redis down")
}

type fixture struct {
	svc      *Service
	store    *storage.Store
	queue    *queue.StreamQueue
	provider *stubProvider
	built    []registry.BuildOptions
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.NewStreamQueue(rdb, "confidant:jobs", "workers", "test", 10*time.Millisecond)
	require.NoError(t, q.EnsureGroup(ctx))

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	cm, err := crypto.NewManager("k1", map[string][]byte{"k1": key})
	require.NoError(t, err)

	f := &fixture{store: store, queue: q, provider: &stubProvider{reply: "[REACT:🫂] That sounds hard.", tokens: 40}}
	f.svc = New(Config{
		Store:  store,
		Queue:  q,
		Crypto: cm,
		Build: func(opts registry.BuildOptions) (providers.Provider, error) {
			f.built = append(f.built, opts)
			return f.provider, nil
		},
		Logger:  zerolog.Nop(),
		Metrics: metrics.New(),
	})
	return f
}

func (f *fixture) addKey(t *testing.T, chatID int64) storage.APIKey {
	t.Helper()
	k, err := f.svc.AddKey(context.Background(), AddKeyInput{ChatID: chatID, UserID: chatID, Provider: "openai", Name: "main", Key: "sk-test-123456"})
	require.NoError(t, err)
	return k
}

func (f *fixture) nextJob(t *testing.T) queue.Job {
	t.Helper()
	msgs, err := f.queue.Read(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, f.queue.Ack(context.Background(), msgs[0].ID))
	return msgs[0].Job
}

func TestSubmitEmptyMessage(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), SubmitInput{ChatID: 1, Text: "   "})
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSubmitWithoutKeySavesDraft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", Text: "hello"})
	require.ErrorIs(t, err, ErrNoAPIKey)
	require.True(t, first.CreatedThread)
	d, err := f.store.GetDraft(ctx, first.Thread.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", d.Content)

	// once a key exists the first-run message can be resent
	f.addKey(t, 1)
	res, err := f.svc.Retry(ctx, RetryInput{ChatID: 1, UserID: 1})
	require.NoError(t, err)
	require.Equal(t, first.Thread.ID, res.Thread.ID)
	require.Equal(t, "hello", res.Message.Content)
	require.NoError(t, f.store.DeleteAPIKey(ctx, 1, "main"))

	th, err := f.svc.StartThread(ctx, 1, "", "")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, SubmitInput{ChatID: 1, Text: "are you there?"})
	require.ErrorIs(t, err, ErrNoAPIKey)

	d, err = f.store.GetDraft(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, "are you there?", d.Content)

	msgs, err := f.store.ListMessages(ctx, th.ID, 0)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSubmitCreatesThreadAndQueuesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addKey(t, 1)

	long := "My best friend forgot my birthday and I do not know how to bring it up"
	res, err := f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", UserID: 1, Text: long, TelegramMessageID: 77})
	require.NoError(t, err)
	require.True(t, res.CreatedThread)
	require.Equal(t, []rune(long)[:40], []rune(res.Thread.Title))
	require.Equal(t, storage.StatusSent, res.Message.Status)

	current, err := f.store.CurrentThreadID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, res.Thread.ID, current)

	job := f.nextJob(t)
	require.Equal(t, queue.KindSendMessage, job.Kind)
	require.Equal(t, res.Message.ID, job.MessageID)
	require.EqualValues(t, 77, job.TelegramMessageID)
	require.Equal(t, "general", job.Mode)

	res2, err := f.svc.Submit(ctx, SubmitInput{ChatID: 1, UserID: 1, Text: "second"})
	require.NoError(t, err)
	require.False(t, res2.CreatedThread)
	require.Equal(t, res.Thread.ID, res2.Thread.ID)
}

func TestSubmitQueueFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addKey(t, 1)
	f.svc.queue = failingQueue{}

	res, err := f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", Text: "hi"})
	require.ErrorIs(t, err, ErrQueueUnavailable)

	msgs, err := f.store.ListMessages(ctx, res.Thread.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, storage.StatusFailed, msgs[0].Status)
	d, err := f.store.GetDraft(ctx, res.Thread.ID)
	require.NoError(t, err)
	require.Equal(t, "hi", d.Content)
}

func TestCompleteStoresReplyAndCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.addKey(t, 1)
	_, err := f.store.UpdateSettings(ctx, 1, storage.SettingsPatch{UserName: ptr("Sam")})
	require.NoError(t, err)

	res, err := f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", UserID: 1, Text: "I had a rough day", Mode: "venting"})
	require.NoError(t, err)
	job := f.nextJob(t)

	reply, err := f.svc.Complete(ctx, job)
	require.NoError(t, err)
	require.Equal(t, "That sounds hard.", reply.Text)
	require.Equal(t, "🫂", reply.Reaction)
	require.Equal(t, 40, reply.Tokens)
	require.True(t, reply.ShowReactions)
	require.Equal(t, "gpt-4", reply.Model)

	require.Len(t, f.provider.requests, 1)
	req := f.provider.requests[0]
	require.Equal(t, []providers.Message{{Role: providers.RoleUser, Content: "I had a rough day"}}, req.Messages)
	require.Contains(t, req.SystemPrompt, "Sam")
	require.Equal(t, 0.1, req.PresencePenalty)
	require.Equal(t, "sk-test-123456", f.built[len(f.built)-1].APIKey)

	th, err := f.store.GetThread(ctx, res.Thread.ID)
	require.NoError(t, err)
	require.Equal(t, 2, th.MessageCount)
	require.Equal(t, 40, th.TotalTokens)
	require.Equal(t, "That sounds hard.", th.LastMessagePreview)
	require.Equal(t, "venting", th.Mode)

	msgs, err := f.store.ListMessages(ctx, th.ID, 0)
	require.NoError(t, err)
	require.Equal(t, storage.StatusDelivered, msgs[1].Status)
	require.Equal(t, "🫂", msgs[1].Reaction)

	active, err := f.store.ActiveAPIKey(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, key.ID, active.ID)
	require.EqualValues(t, 1, active.RequestCount)
	require.EqualValues(t, 40, active.TotalTokens)
	require.InDelta(t, 40*0.00003, active.TotalCost, 1e-12)
}

func TestCompleteEmptyReplyUsesFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addKey(t, 1)
	f.provider.reply = "[REACT:🤔]   "

	_, err := f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", Text: "hmm"})
	require.NoError(t, err)
	reply, err := f.svc.Complete(ctx, f.nextJob(t))
	require.NoError(t, err)
	require.Equal(t, emptyReply, reply.Text)
}

func TestFailThenRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addKey(t, 1)
	f.provider.chatErr = &providers.StatusError{Provider: "openai", StatusCode: 401, Message: "bad key"}

	res, err := f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", Text: "please work"})
	require.NoError(t, err)
	job := f.nextJob(t)

	_, err = f.svc.Complete(ctx, job)
	require.Error(t, err)
	require.True(t, IsPermanent(err))
	require.NoError(t, f.svc.Fail(ctx, job, err))

	msg, err := f.store.GetMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	require.Equal(t, storage.StatusFailed, msg.Status)

	f.provider.chatErr = nil
	retried, err := f.svc.Retry(ctx, RetryInput{ChatID: 1})
	require.NoError(t, err)
	require.Equal(t, "please work", retried.Message.Content)

	_, err = f.svc.Complete(ctx, f.nextJob(t))
	require.NoError(t, err)
	last := f.provider.requests[len(f.provider.requests)-1]
	require.Len(t, last.Messages, 1, "failed attempt stays out of the history")

	_, err = f.store.GetDraft(ctx, res.Thread.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.svc.Retry(ctx, RetryInput{ChatID: 1})
	require.ErrorIs(t, err, ErrNoDraft)
}

func TestAddKeyInvalidStoresNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.keyErr = fmt.Errorf("%w: nope", providers.ErrInvalidKey)

	_, err := f.svc.AddKey(ctx, AddKeyInput{ChatID: 1, Provider: "gemini", Name: "g", Key: "AIzaSyTESTKEY-0123456789"})
	require.ErrorIs(t, err, ErrInvalidKey)
	keys, err := f.store.ListAPIKeys(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, keys)

	_, err = f.svc.AddKey(ctx, AddKeyInput{ChatID: 1, Provider: "mystery", Key: "x"})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestAddKeySealsAndMasks(t *testing.T) {
	f := newFixture(t)
	k := f.addKey(t, 5)
	require.True(t, k.IsActive)
	require.NotContains(t, k.EncKey, "sk-test")

	masked, err := f.svc.RevealKey(k)
	require.NoError(t, err)
	require.Equal(t, "••••••••3456", masked)

	entries, err := f.store.ListAudit(context.Background(), 5, 1)
	require.NoError(t, err)
	require.Equal(t, "key_add", entries[0].Action)
}

func TestCheckModels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.CheckModels(ctx, 1)
	require.ErrorIs(t, err, ErrNoAPIKey)
	_, err = f.svc.RequestModelCheck(ctx, 1, 1)
	require.ErrorIs(t, err, ErrNoAPIKey)

	f.addKey(t, 1)
	_, err = f.svc.RequestModelCheck(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, queue.KindValidateModels, f.nextJob(t).Kind)

	provider, checks, err := f.svc.CheckModels(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "openai", provider)
	require.Len(t, checks, 3)
	require.True(t, checks[0].Working)
	require.False(t, checks[2].Working)
	require.Equal(t, "gpt-4", checks[2].Model)
}

func TestRotateKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addKey(t, 1)

	oldKey := make([]byte, 32)
	for i := range oldKey {
		oldKey[i] = byte(i)
	}
	newKey := []byte(base64.StdEncoding.EncodeToString(make([]byte, 24)))
	cm, err := crypto.NewManager("k2", map[string][]byte{"k1": oldKey, "k2": newKey})
	require.NoError(t, err)
	f.svc.crypto = cm

	n, err := f.svc.RotateKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = f.svc.RotateKeys(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", Text: "still works"})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, f.nextJob(t))
	require.NoError(t, err)
}

func TestIsPermanent(t *testing.T) {
	require.False(t, IsPermanent(nil))
	require.True(t, IsPermanent(ErrNoAPIKey))
	require.True(t, IsPermanent(fmt.Errorf("wrap: %w", storage.ErrNotFound)))
	require.False(t, IsPermanent(&providers.StatusError{StatusCode: 503}))
	require.True(t, IsPermanent(&providers.StatusError{StatusCode: 400}))
	require.False(t, IsPermanent(errors.New("connection reset")))
}

func TestExportAndDeleteThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addKey(t, 1)

	_, _, err := f.svc.ExportThread(ctx, 1, "")
	require.ErrorIs(t, err, ErrNoThread)

	res, err := f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", Text: "export me"})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, f.nextJob(t))
	require.NoError(t, err)

	th, data, err := f.svc.ExportThread(ctx, 1, res.Thread.ShortID())
	require.NoError(t, err)
	require.Equal(t, res.Thread.ID, th.ID)

	var out ThreadExport
	require.NoError(t, json.Unmarshal(data, &out))
	require.Equal(t, "export me", out.Title)
	require.Len(t, out.Messages, 2)
	require.Equal(t, storage.SenderUser, out.Messages[0].Sender)
	require.Equal(t, "🫂", out.Messages[1].Reaction)

	require.ErrorIs(t, f.svc.DeleteThread(ctx, 2, 2, th.ID), storage.ErrNotFound, "other chats cannot delete it")
	require.NoError(t, f.svc.DeleteThread(ctx, 1, 1, th.ID))
	_, err = f.svc.CurrentThread(ctx, 1)
	require.ErrorIs(t, err, ErrNoThread)
}

func ptr[T any](v T) *T { return &v }

func TestCompleteIgnoresModelOfAnotherProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddKey(ctx, AddKeyInput{ChatID: 1, UserID: 1, Provider: "gemini", Name: "g", Key: "AIzaSyTestKey1234567890"})
	require.NoError(t, err)
	_, err = f.store.UpdateSettings(ctx, 1, storage.SettingsPatch{AIModel: ptr("gemini-2.5-pro")})
	require.NoError(t, err)
	_, err = f.svc.AddKey(ctx, AddKeyInput{ChatID: 1, UserID: 1, Provider: "openai", Name: "o", Key: "sk-test-123456"})
	require.NoError(t, err)
	require.NoError(t, f.store.SetActiveAPIKey(ctx, 1, "o"))

	_, err = f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", UserID: 1, Text: "still there?"})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, f.nextJob(t))
	require.NoError(t, err)
	require.Equal(t, "gpt-4", f.provider.requests[len(f.provider.requests)-1].Model)

	require.NoError(t, f.store.SetActiveAPIKey(ctx, 1, "g"))
	_, err = f.svc.Submit(ctx, SubmitInput{ChatID: 1, UserID: 1, Text: "and now?"})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, f.nextJob(t))
	require.NoError(t, err)
	require.Equal(t, "gemini-2.5-pro", f.provider.requests[len(f.provider.requests)-1].Model)
}

func TestCompleteOpenCatalogueForCompatibleEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AddKey(ctx, AddKeyInput{ChatID: 1, UserID: 1, Provider: "openai", Name: "groq", Key: "gsk-test-123456", BaseURL: "https://api.groq.com/openai/v1"})
	require.NoError(t, err)
	_, err = f.store.UpdateSettings(ctx, 1, storage.SettingsPatch{AIModel: ptr("llama-3.1-70b-versatile")})
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, SubmitInput{ChatID: 1, ChatType: "private", UserID: 1, Text: "hi"})
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, f.nextJob(t))
	require.NoError(t, err)
	require.Equal(t, "llama-3.1-70b-versatile", f.provider.requests[0].Model)
}
