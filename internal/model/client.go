// Package model is the thin client for the external language-model
// service. The service is a black box reached over an OpenAI-compatible
// chat-completions endpoint; this package owns timeouts, the single
// retry with backoff, and the unavailable-error taxonomy.
package model

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
)

// ErrUnavailable reports that the model service could not be reached or
// did not answer in time, after the retry.
var ErrUnavailable = errors.New("model unavailable")

// Message is one role-tagged prompt message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Caller is the narrow contract the rest of the system depends on.
type Caller interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Client calls a local OpenAI-compatible server.
type Client struct {
	BaseURL         string
	Model           string
	MaxInputTokens  int
	MaxOutputTokens int
	Timeout         time.Duration
	RetryBackoff    time.Duration
	HTTPClient      *http.Client

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

func New(baseURL, modelName string) *Client {
	return &Client{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		Model:           modelName,
		MaxInputTokens:  8192,
		MaxOutputTokens: 2048,
		Timeout:         120 * time.Second,
		RetryBackoff:    2 * time.Second,
	}
}

type chatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends the messages and returns the model's text. Input beyond
// the configured token budget is truncated from the front of the oldest
// non-system message; transport errors, timeouts and 5xx responses are
// retried once with backoff before surfacing ErrUnavailable.
func (c *Client) Generate(ctx context.Context, messages []Message) (string, error) {
	messages = c.clampInput(messages)
	out, err := c.call(ctx, messages)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
	c.backoff()
	out, retryErr := c.call(ctx, messages)
	if retryErr != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, retryErr)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:     c.Model,
		Messages:  messages,
		MaxTokens: c.MaxOutputTokens,
	})
	if err != nil {
		return "", err
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("model server status %d", resp.StatusCode)
	}
	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("model error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model server status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// clampInput keeps the serialized prompt under MaxInputTokens using the
// ~4 chars per token heuristic. System messages are preserved; the oldest
// conversation messages are dropped first.
func (c *Client) clampInput(messages []Message) []Message {
	if c.MaxInputTokens <= 0 {
		return messages
	}
	budget := c.MaxInputTokens * 4
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	if total <= budget {
		return messages
	}
	out := make([]Message, 0, len(messages))
	var conv []Message
	for _, m := range messages {
		if m.Role == "system" {
			out = append(out, m)
			budget -= len(m.Content)
		} else {
			conv = append(conv, m)
		}
	}
	// Walk the conversation newest-first, keeping what fits.
	kept := make([]Message, 0, len(conv))
	for i := len(conv) - 1; i >= 0; i-- {
		if budget-len(conv[i].Content) < 0 {
			break
		}
		budget -= len(conv[i].Content)
		kept = append(kept, conv[i])
	}
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	return out
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) backoff() {
	d := c.RetryBackoff
	if d <= 0 {
		return
	}
	if c.sleep != nil {
		c.sleep(d)
		return
	}
	time.Sleep(d)
}
