package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/workletforge/studio/internal/config"
)

const (
	groqTimeout    = 90 * time.Second
	groqMaxRetries = 2
	groqMaxTokens  = 4096
)

// GroqClient asks an OpenAI-compatible chat endpoint for JSON answers
type GroqClient struct {
	http    *http.Client
	baseURL string
	apiKey  string
	model   string
	backoff time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// upstream errors look like {"error": {"message": "...", "type": "...", "code": "..."}}
type chatError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

func NewGroqClient(cfg *config.GroqConfig) *GroqClient {
	return &GroqClient{
		http:    &http.Client{Timeout: groqTimeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		backoff: time.Second,
	}
}

// IsConfigured reports whether an API key is set
func (c *GroqClient) IsConfigured() bool {
	return c.apiKey != ""
}

// CompleteJSON sends a system and a user prompt in JSON mode and decodes the
// answer into out. Rate limits and upstream 5xx answers are retried.
func (c *GroqClient) CompleteJSON(ctx context.Context, system, user string, out interface{}) error {
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
		MaxTokens:   groqMaxTokens,
	}
	req.ResponseFormat.Type = "json_object"

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	var content string
	for attempt := 0; ; attempt++ {
		var wait time.Duration
		content, wait, err = c.post(ctx, body)
		if err == nil || wait == 0 || attempt == groqMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(stripFences(content)), out); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

// post performs one completion call. A non-zero wait means the call may be
// retried after that delay.
func (c *GroqClient) post(ctx context.Context, body []byte) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("groq request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("groq response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var env chatError
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			apiErr.Message = env.Error.Message
			apiErr.Code = env.Error.Code
			if apiErr.Code == "" {
				apiErr.Code = env.Error.Type
			}
		}
		var wait time.Duration
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			wait = retryAfter(resp.Header.Get("Retry-After"), c.backoff)
		}
		return "", wait, apiErr
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return "", 0, fmt.Errorf("groq response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", 0, fmt.Errorf("groq response: no choices")
	}
	return chat.Choices[0].Message.Content, 0, nil
}

func retryAfter(header string, fallback time.Duration) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// stripFences removes the markdown code fence some models wrap JSON in
func stripFences(content string) string {
	s := strings.TrimSpace(content)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
