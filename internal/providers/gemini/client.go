// Package gemini talks to the Google Generative Language REST API
// (generateContent). The API key travels as the key= query parameter.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"confidant/internal/providers"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// validationModel is fetched to check that a key works.
const validationModel = "gemini-1.5-flash"

var ErrMalformedKey = errors.New("invalid API key format: a Gemini API key is at least 20 characters")

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

func New(cfg Config) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if len(cfg.APIKey) < 20 {
		return nil, ErrMalformedKey
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}, nil
}

var (
	_ providers.Provider     = (*Client)(nil)
	_ providers.KeyValidator = (*Client)(nil)
	_ providers.ModelTester  = (*Client)(nil)
)

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	TopK            int      `json:"topK,omitempty"`
}

type generateRequest struct {
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	model := modelName(req.Model)
	if model == "" {
		return providers.ChatResponse{}, fmt.Errorf("gemini: model is empty")
	}
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	return providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func() (providers.ChatResponse, bool, error) {
		raw, retry, err := c.do(ctx, http.MethodPost, "/models/"+model+":generateContent", body)
		if err != nil {
			return providers.ChatResponse{}, retry, err
		}
		var resp generateResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return providers.ChatResponse{}, false, fmt.Errorf("gemini: decode response: %w", err)
		}
		out := providers.ChatResponse{TotalTokens: resp.UsageMetadata.TotalTokenCount}
		if len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
			out.Text = resp.Candidates[0].Content.Parts[0].Text
		}
		return out, false, nil
	})
}

func buildRequest(req providers.ChatRequest) generateRequest {
	out := generateRequest{Contents: make([]content, 0, len(req.Messages))}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}
	for _, m := range providers.MergeTurns(req.Messages) {
		role := "user"
		if m.Role == providers.RoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	temp := req.Temperature
	out.GenerationConfig = generationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     &temp,
		TopP:            req.TopP,
		TopK:            req.TopK,
	}
	return out
}

func (c *Client) ValidateKey(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodGet, "/models/"+validationModel, nil)
	if err == nil {
		return nil
	}
	var se *providers.StatusError
	if errors.As(err, &se) && se.Unauthorized() {
		return fmt.Errorf("%w: %v", providers.ErrInvalidKey, se)
	}
	return err
}

// TestModel checks the model is visible to the key, then asks for a tiny completion.
func (c *Client) TestModel(ctx context.Context, model string) providers.ModelCheck {
	start := time.Now()
	check := providers.ModelCheck{Model: model}
	finish := func(err error, prefix string) providers.ModelCheck {
		check.CheckedAt = time.Now().UTC()
		check.ResponseTime = time.Since(start)
		check.Working = err == nil
		if err != nil {
			check.Error = prefix + err.Error()
		}
		return check
	}

	name := modelName(model)
	if _, _, err := c.do(ctx, http.MethodGet, "/models/"+name, nil); err != nil {
		return finish(err, "model not accessible: ")
	}

	body, err := json.Marshal(generateRequest{
		Contents:         []content{{Role: "user", Parts: []part{{Text: `Test message - please respond with just "OK"`}}}},
		GenerationConfig: generationConfig{MaxOutputTokens: 5, Temperature: new(float64)},
	})
	if err != nil {
		return finish(err, "")
	}
	_, _, err = c.do(ctx, http.MethodPost, "/models/"+name+":generateContent", body)
	return finish(err, "")
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, bool, error) {
	endpoint := c.cfg.BaseURL + path + "?key=" + url.QueryEscape(c.cfg.APIKey)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, false, fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		// url.Error embeds the full URL, key included.
		return nil, true, fmt.Errorf("gemini: unable to connect: %s", redact(err.Error(), c.cfg.APIKey))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, false, fmt.Errorf("gemini: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &providers.StatusError{Provider: "gemini", StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		if se.Message == "" {
			se.Message = http.StatusText(resp.StatusCode)
		}
		return nil, se.Temporary(), se
	}
	return raw, false, nil
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

func modelName(model string) string {
	return strings.TrimPrefix(strings.TrimSpace(model), "models/")
}

func redact(msg, key string) string {
	if key == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, url.QueryEscape(key), "<redacted>")
	return strings.ReplaceAll(msg, key, "<redacted>")
}
