package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"confidant/internal/providers"
)

type Config struct {
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg Config
	tpl *template.Template
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("custom http url is empty")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	c := &Client{cfg: cfg}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		tpl, err := template.New("custom_http_body").
			Option("missingkey=zero").
			Funcs(template.FuncMap{"json": jsonString}).
			Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("parse body template: %w", err)
		}
		c.tpl = tpl
	}
	return c, nil
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}
	return providers.Retry(ctx, c.cfg.MaxRetries, c.cfg.BackoffBase, func() (providers.ChatResponse, bool, error) {
		return c.callOnce(ctx, body)
	})
}

type templateMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	messages := make([]templateMessage, 0, len(req.Messages))
	lastUser := ""
	for _, m := range req.Messages {
		messages = append(messages, templateMessage{Role: m.Role, Content: m.Content})
		if m.Role == providers.RoleUser {
			lastUser = m.Content
		}
	}

	if c.tpl == nil {
		payload := map[string]any{
			"model":         req.Model,
			"system_prompt": req.SystemPrompt,
			"messages":      messages,
			"prompt":        lastUser,
			"max_tokens":    req.MaxTokens,
			"temperature":   req.Temperature,
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	if err := c.tpl.Execute(&buf, map[string]any{
		"Model":        req.Model,
		"SystemPrompt": req.SystemPrompt,
		"Messages":     messages,
		"Transcript":   transcript(req.Messages),
		"UserPrompt":   lastUser,
		"MaxTokens":    req.MaxTokens,
		"Temperature":  req.Temperature,
		"APIKey":       c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func transcript(msgs []providers.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// jsonString renders v as a JSON literal for use inside body templates.
func jsonString(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Client) callOnce(ctx context.Context, body []byte) (providers.ChatResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, false, fmt.Errorf("build custom request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(c.cfg.Headers) == 0 && strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return providers.ChatResponse{}, true, fmt.Errorf("custom request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, false, fmt.Errorf("read custom response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &providers.StatusError{Provider: "custom_http", StatusCode: resp.StatusCode}
		return providers.ChatResponse{}, se.Temporary(), se
	}

	out, err := extract(b)
	return out, false, err
}

func extract(body []byte) (providers.ChatResponse, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		trimmed := strings.TrimSpace(string(body))
		if trimmed != "" {
			return providers.ChatResponse{Text: trimmed}, nil
		}
		return providers.ChatResponse{}, fmt.Errorf("decode custom response: %w", err)
	}

	out := providers.ChatResponse{TotalTokens: totalTokens(simple)}
	if text, ok := extractText(simple); ok {
		out.Text = text
		return out, nil
	}
	return providers.ChatResponse{}, fmt.Errorf("custom response does not contain text field")
}

func extractText(simple map[string]any) (string, bool) {
	for _, key := range []string{"text", "response", "answer", "output_text", "content"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, true
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, true
			}
		}
	}

	if candidates, ok := simple["candidates"].([]any); ok && len(candidates) > 0 {
		if c0, ok := candidates[0].(map[string]any); ok {
			if content, ok := c0["content"].(map[string]any); ok {
				if parts, ok := content["parts"].([]any); ok && len(parts) > 0 {
					if p0, ok := parts[0].(map[string]any); ok {
						if text, ok := p0["text"].(string); ok && strings.TrimSpace(text) != "" {
							return text, true
						}
					}
				}
			}
		}
	}

	if out, ok := simple["output"].([]any); ok && len(out) > 0 {
		if o0, ok := out[0].(map[string]any); ok {
			if content, ok := o0["content"].([]any); ok && len(content) > 0 {
				if c0, ok := content[0].(map[string]any); ok {
					if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
						return text, true
					}
				}
			}
		}
	}
	return "", false
}

func totalTokens(simple map[string]any) int {
	if usage, ok := simple["usage"].(map[string]any); ok {
		if n, ok := usage["total_tokens"].(float64); ok {
			return int(n)
		}
	}
	if meta, ok := simple["usageMetadata"].(map[string]any); ok {
		if n, ok := meta["totalTokenCount"].(float64); ok {
			return int(n)
		}
	}
	return 0
}
