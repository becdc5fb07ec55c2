package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"confidant/internal/providers"
)

const testKey = "AIzaSyTESTKEY-0123456789"

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New(Config{APIKey: "short"})
	require.ErrorIs(t, err, ErrMalformedKey)
}

func TestChatSendsHistoryAndParsesReply(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models/gemini-1.5-pro:generateContent", r.URL.Path)
		require.Equal(t, testKey, r.URL.Query().Get("key"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		_, _ = io.WriteString(w, `{
			"candidates":[{"content":{"role":"model","parts":[{"text":"[REACT:🫂] That's rough."}]}}],
			"usageMetadata":{"totalTokenCount":88}
		}`)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/v1beta/", APIKey: testKey})
	require.NoError(t, err)

	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:        "models/gemini-1.5-pro",
		SystemPrompt: "You are Riley",
		Messages: []providers.Message{
			{Role: providers.RoleUser, Content: "my partner forgot"},
			{Role: providers.RoleAssistant, Content: "oh no"},
			{Role: providers.RoleUser, Content: "yeah"},
		},
		MaxTokens:   1000,
		Temperature: 0.8,
		TopP:        0.9,
		TopK:        40,
	})
	require.NoError(t, err)
	require.Equal(t, "[REACT:🫂] That's rough.", resp.Text)
	require.Equal(t, 88, resp.TotalTokens)

	require.NotNil(t, got.SystemInstruction)
	require.Equal(t, "You are Riley", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 3)
	require.Equal(t, "model", got.Contents[1].Role)
	require.Equal(t, 1000, got.GenerationConfig.MaxOutputTokens)
	require.Equal(t, 40, got.GenerationConfig.TopK)
	require.NotNil(t, got.GenerationConfig.Temperature)
	require.Equal(t, 0.8, *got.GenerationConfig.Temperature)
}

func TestBuildRequestMergesRepeatedUserTurns(t *testing.T) {
	got := buildRequest(providers.ChatRequest{Messages: []providers.Message{
		{Role: providers.RoleAssistant, Content: "welcome back"},
		{Role: providers.RoleUser, Content: "work was awful"},
		{Role: providers.RoleUser, Content: "work was awful"},
	}})
	require.Len(t, got.Contents, 1)
	require.Equal(t, "user", got.Contents[0].Role)
	require.Equal(t, "work was awful\n\nwork was awful", got.Contents[0].Parts[0].Text)
	require.Nil(t, got.SystemInstruction)
}

func TestChatEmptyCandidatesIsEmptyText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[]}`)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKey: testKey})
	require.NoError(t, err)
	resp, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gemini-2.5-flash"})
	require.NoError(t, err)
	require.Empty(t, resp.Text)
}

func TestChatSurfacesAPIErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key."}}`)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKey: testKey})
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), providers.ChatRequest{Model: "gemini-2.5-flash"})
	var se *providers.StatusError
	require.True(t, errors.As(err, &se))
	require.Contains(t, se.Error(), "API key not valid")

	require.ErrorIs(t, c.ValidateKey(context.Background()), providers.ErrInvalidKey)
}

func TestNetworkErrorRedactsKey(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1", APIKey: testKey})
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), providers.ChatRequest{Model: "gemini-2.5-flash"})
	require.Error(t, err)
	require.False(t, strings.Contains(err.Error(), testKey), "error leaks key: %v", err)
}

func TestTestModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/models/gemini-2.5-pro":
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"message":"model not found"}}`)
		case r.Method == http.MethodGet:
			_, _ = io.WriteString(w, `{"name":"models/gemini-1.5-flash"}`)
		default:
			_, _ = io.WriteString(w, `{"candidates":[{"content":{"parts":[{"text":"OK"}]}}]}`)
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, APIKey: testKey})
	require.NoError(t, err)

	ok := c.TestModel(context.Background(), "models/gemini-1.5-flash")
	require.True(t, ok.Working)
	require.Equal(t, "models/gemini-1.5-flash", ok.Model)

	bad := c.TestModel(context.Background(), "models/gemini-2.5-pro")
	require.False(t, bad.Working)
	require.Contains(t, bad.Error, "model not accessible")
}
