package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

type ChatRequest struct {
	Model            string
	SystemPrompt     string
	Messages         []Message
	MaxTokens        int
	Temperature      float64
	TopP             float64
	TopK             int
	PresencePenalty  float64
	FrequencyPenalty float64
}

type ChatResponse struct {
	Text        string
	TotalTokens int
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// KeyValidator is implemented by providers that can cheaply check an API key.
type KeyValidator interface {
	ValidateKey(ctx context.Context) error
}

// ModelTester is implemented by providers that can probe a single model.
type ModelTester interface {
	TestModel(ctx context.Context, model string) ModelCheck
}

type ModelCheck struct {
	Model        string
	Working      bool
	Error        string
	CheckedAt    time.Time
	ResponseTime time.Duration
}

var ErrInvalidKey = errors.New("api key rejected by provider")

// MergeTurns folds consecutive same-role turns together and drops leading
// assistant turns. A failed exchange followed by a retry leaves two user turns
// in a row, which strictly alternating APIs reject.
func MergeTurns(in []Message) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		role := RoleUser
		if m.Role == RoleAssistant {
			role = RoleAssistant
		}
		if len(out) == 0 && role == RoleAssistant {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, Message{Role: role, Content: m.Content})
	}
	return out
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
}

// Temporary reports whether the call is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Unauthorized reports whether the provider rejected the credentials.
func (e *StatusError) Unauthorized() bool {
	return e.StatusCode == 400 || e.StatusCode == 401 || e.StatusCode == 403
}

// ValidateModels probes models one at a time, pausing delay between probes to
// stay clear of provider rate limits. Working models sort first, then by name.
func ValidateModels(ctx context.Context, tester ModelTester, models []string, delay time.Duration) []ModelCheck {
	out := make([]ModelCheck, 0, len(models))
	for i, m := range models {
		if ctx.Err() != nil {
			out = append(out, ModelCheck{Model: m, Error: ctx.Err().Error(), CheckedAt: time.Now().UTC()})
			continue
		}
		out = append(out, tester.TestModel(ctx, m))
		if i < len(models)-1 && delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Working != out[j].Working {
			return out[i].Working
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Retry runs call until it succeeds, reports a non-retryable failure, or
// maxRetries extra attempts are spent. Waits double from base.
func Retry(ctx context.Context, maxRetries int, base time.Duration, call func() (ChatResponse, bool, error)) (ChatResponse, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, retry, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		case <-time.After(base * (1 << attempt)):
		}
	}
	return ChatResponse{}, lastErr
}
