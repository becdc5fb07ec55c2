package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"confidant/internal/providers"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	BaseURL     string
	APIKey      string
	Headers     map[string]string
	Endpoint    string
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
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "chat_completions"
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
	_ providers.ModelTester  = (*Client)(nil)
)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func() (providers.ChatResponse, bool, error) {
		return c.callOnce(ctx, endpointURL, body)
	})
}

// ValidateKey lists models; any 2xx means the key is accepted.
func (c *Client) ValidateKey(ctx context.Context) error {
	modelsURL, err := c.resourceURL("/models")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.authorize(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &providers.StatusError{Provider: "openai", StatusCode: resp.StatusCode}
		if se.Unauthorized() {
			return fmt.Errorf("%w: %v", providers.ErrInvalidKey, se)
		}
		return se
	}
	return nil
}

func (c *Client) TestModel(ctx context.Context, model string) providers.ModelCheck {
	start := time.Now()
	_, err := c.Chat(ctx, providers.ChatRequest{
		Model:     model,
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: `Test message - please respond with just "OK"`}},
		MaxTokens: 5,
	})
	check := providers.ModelCheck{Model: model, Working: err == nil, CheckedAt: time.Now().UTC(), ResponseTime: time.Since(start)}
	if err != nil {
		check.Error = err.Error()
	}
	return check
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	messages := make([]map[string]string, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	for _, m := range req.Messages {
		role := m.Role
		if role != providers.RoleAssistant {
			role = providers.RoleUser
		}
		messages = append(messages, map[string]string{"role": role, "content": m.Content})
	}

	if isResponsesEndpoint(c.cfg.Endpoint) {
		payload := map[string]any{
			"model": req.Model,
			"input": messages,
		}
		if req.MaxTokens > 0 {
			payload["max_output_tokens"] = req.MaxTokens
		}
		if req.Temperature > 0 {
			payload["temperature"] = req.Temperature
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf("marshal responses payload: %w", err)
		}
		return b, endpointURL, nil
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		payload["temperature"] = req.Temperature
	}
	if req.PresencePenalty != 0 {
		payload["presence_penalty"] = req.PresencePenalty
	}
	if req.FrequencyPenalty != 0 {
		payload["frequency_penalty"] = req.FrequencyPenalty
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) authorize(req *http.Request) {
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (providers.ChatResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return providers.ChatResponse{}, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, false, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &providers.StatusError{Provider: "openai", StatusCode: resp.StatusCode, Message: errorMessage(respBody)}
		return providers.ChatResponse{}, se.Temporary(), se
	}

	if isResponsesEndpoint(c.cfg.Endpoint) {
		out, err := parseResponsesAPI(respBody)
		return out, false, err
	}
	out, err := parseChatCompletions(respBody)
	return out, false, err
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if strings.HasSuffix(base, "/chat/completions") || strings.HasSuffix(base, "/responses") {
		return base, nil
	}
	if isResponsesEndpoint(c.cfg.Endpoint) {
		return c.resourceURL("/responses")
	}
	return c.resourceURL("/chat/completions")
}

func (c *Client) resourceURL(suffix string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	base = strings.TrimSuffix(base, "/chat/completions")
	base = strings.TrimSuffix(base, "/responses")

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q must be absolute", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + suffix
	return u.String(), nil
}

type usage struct {
	TotalTokens int `json:"total_tokens"`
}

func parseChatCompletions(body []byte) (providers.ChatResponse, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
		Usage usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResponse{}, fmt.Errorf("empty choices in chat completion response")
	}
	text := resp.Choices[0].Text
	if text == "" {
		text = anyToText(resp.Choices[0].Message.Content)
	}
	return providers.ChatResponse{Text: text, TotalTokens: resp.Usage.TotalTokens}, nil
}

func parseResponsesAPI(body []byte) (providers.ChatResponse, error) {
	var resp struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponse{}, fmt.Errorf("decode responses api response: %w", err)
	}
	text := resp.OutputText
	if strings.TrimSpace(text) == "" && len(resp.Output) > 0 && len(resp.Output[0].Content) > 0 {
		text = resp.Output[0].Content[0].Text
	}
	if strings.TrimSpace(text) == "" {
		return providers.ChatResponse{}, fmt.Errorf("missing output text in responses api response")
	}
	return providers.ChatResponse{Text: text, TotalTokens: resp.Usage.TotalTokens}, nil
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

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func isResponsesEndpoint(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "responses" || v == "/v1/responses"
}
