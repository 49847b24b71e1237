package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultLLMBase    = "https://openrouter.ai/api/v1"
	defaultLLMModel   = "anthropic/claude-sonnet-4-20250514"
	defaultLLMTimeout = 60 * time.Second

	defaultMaxTokens   = 2048
	defaultTemperature = 0.3
)

// LLMConfig configures the chat-completions adapter.
type LLMConfig struct {
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// Model is the default model identifier.
	Model string
	// Timeout for each HTTP request. Defaults to 60 s.
	Timeout time.Duration
}

// LLMClient calls an OpenRouter-compatible chat completions API.
type LLMClient struct {
	cfg    LLMConfig
	client *http.Client
}

// NewLLMClient returns a chat-completions client. A fresh request is made
// per call; the client is safe for concurrent use.
func NewLLMClient(cfg LLMConfig) *LLMClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultLLMBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultLLMModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultLLMTimeout
	}
	return &LLMClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- wire types (subset of the chat completions API) ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a system+user exchange and returns the reply content.
func (c *LLMClient) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("llm: API key is required")
	}

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices in response (status %d)", resp.StatusCode)
	}
	return chatResp.Choices[0].Message.Content, nil
}
