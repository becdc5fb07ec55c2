package anthropic_messages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"confidant/internal/providers"
)

const (
	DefaultBaseURL = "https://api.anthropic.com/v1"
	apiVersion     = "2023-06-01"
)

type Config struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var (
	_ providers.Provider     = (*Client)(nil)
	_ providers.KeyValidator = (*Client)(nil)
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	payload := messagesRequest{
		Model:       req.Model,
		System:      req.SystemPrompt,
		Messages:    toMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
	}
	if payload.MaxTokens <= 0 {
		payload.MaxTokens = 1000
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("marshal messages payload: %w", err)
	}

	return providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func() (providers.ChatResponse, bool, error) {
		return c.callOnce(ctx, body)
	})
}

// ValidateKey sends a one-token request; the messages API has no cheaper authenticated probe.
func (c *Client) ValidateKey(ctx context.Context) error {
	_, err := c.Chat(ctx, providers.ChatRequest{
		Model:     "claude-3-5-haiku-latest",
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	var se *providers.StatusError
	if errors.As(err, &se) && se.Unauthorized() {
		return fmt.Errorf("%w: %v", providers.ErrInvalidKey, se)
	}
	return err
}

func (c *Client) callOnce(ctx context.Context, body []byte) (providers.ChatResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return providers.ChatResponse{}, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, false, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &providers.StatusError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		return providers.ChatResponse{}, se.Temporary() || resp.StatusCode == 529, se
	}

	var out messagesResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return providers.ChatResponse{}, false, fmt.Errorf("decode messages response: %w", err)
	}
	parts := make([]string, 0, len(out.Content))
	for _, c := range out.Content {
		if c.Type == "text" || c.Type == "" {
			parts = append(parts, c.Text)
		}
	}
	return providers.ChatResponse{
		Text:        strings.Join(parts, ""),
		TotalTokens: out.Usage.InputTokens + out.Usage.OutputTokens,
	}, false, nil
}

func toMessages(in []providers.Message) []message {
	merged := providers.MergeTurns(in)
	out := make([]message, 0, len(merged))
	for _, m := range merged {
		out = append(out, message{Role: m.Role, Content: m.Content})
	}
	return out
}

func errorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Error.Message
}
