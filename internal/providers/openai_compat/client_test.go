package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"confidant/internal/providers"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.x.ai/v1", Endpoint: "chat_completions"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model:        "grok-beta",
		SystemPrompt: "You are Riley",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "hello"},
			{Role: providers.RoleAssistant, Content: "hey there"},
			{Role: providers.RoleUser, Content: "rough day"},
		},
		MaxTokens:        123,
		Temperature:      0.7,
		PresencePenalty:  0.1,
		FrequencyPenalty: 0.1,
	})
	require.NoError(t, err)
	require.Equal(t, "https://api.x.ai/v1/chat/completions", endpoint)

	var payload struct {
		Model            string              `json:"model"`
		Messages         []map[string]string `json:"messages"`
		MaxTokens        int                 `json:"max_tokens"`
		PresencePenalty  float64             `json:"presence_penalty"`
		FrequencyPenalty float64             `json:"frequency_penalty"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "grok-beta", payload.Model)
	require.Equal(t, 123, payload.MaxTokens)
	require.Equal(t, 0.1, payload.PresencePenalty)
	require.Len(t, payload.Messages, 4)
	require.Equal(t, "system", payload.Messages[0]["role"])
	require.Equal(t, "assistant", payload.Messages[2]["role"])
	require.Equal(t, "rough day", payload.Messages[3]["content"])
}

func TestBuildPayloadResponsesEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "https://api.openai.com/v1", Endpoint: "responses"})

	_, endpoint, err := c.buildPayload(providers.ChatRequest{Model: "gpt-4.1", Messages: []providers.Message{{Role: "user", Content: "hello"}}})
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com/v1/responses", endpoint)
}

func TestChatReadsUsageAndAuthorizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"[REACT:❤️] I hear you"}}],"usage":{"total_tokens":57}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4", Messages: []providers.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "[REACT:❤️] I hear you", resp.Text)
	require.Equal(t, 57, resp.TotalTokens)
}

func TestChatRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, BackoffBase: time.Millisecond})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, int32(2), calls.Load())
}

func TestChatDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model"}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, BackoffBase: time.Millisecond})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "nope"})
	var se *providers.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadRequest, se.StatusCode)
	require.Equal(t, "bad model", se.Message)
	require.Equal(t, int32(1), calls.Load())
}

func TestValidateKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, `{"data":[]}`)
	}))
	defer srv.Close()

	require.NoError(t, New(Config{BaseURL: srv.URL + "/v1", APIKey: "good"}).ValidateKey(context.Background()))

	err := New(Config{BaseURL: srv.URL + "/v1", APIKey: "bad"}).ValidateKey(context.Background())
	require.ErrorIs(t, err, providers.ErrInvalidKey)
}
