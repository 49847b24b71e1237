package embeddings

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
	defaultEmbeddingBase    = "https://openrouter.ai/api/v1"
	defaultEmbeddingModel   = "openai/text-embedding-3-small"
	defaultEmbeddingTimeout = 30 * time.Second

	// maxInputChars truncates embedding input to keep requests bounded.
	maxInputChars = 8000
)

// ClientConfig configures the embeddings API adapter.
type ClientConfig struct {
	// APIKey is the bearer token for the API.
	APIKey string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// Model is the embedding model identifier.
	Model string
	// Timeout for each HTTP request. Defaults to 30 s.
	Timeout time.Duration
}

// Client calls an OpenRouter-compatible embeddings endpoint.
type Client struct {
	cfg    ClientConfig
	client *http.Client
}

// NewClient returns an embeddings client. Safe for concurrent use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultEmbeddingBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultEmbeddingTimeout
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.cfg.Model
}

// --- minimal embeddings wire types ---

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed produces a vector for the text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("embeddings: API key is required")
	}
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}

	body := embeddingRequest{Model: c.cfg.Model, Input: text}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("embeddings: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/embeddings",
		bytes.NewReader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("embeddings: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embeddings: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embeddings: read response: %w", err)
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("embeddings: decode response: %w", err)
	}
	if embResp.Error != nil {
		return nil, fmt.Errorf("embeddings: API error: %s", embResp.Error.Message)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("embeddings: unexpected HTTP status %d", resp.StatusCode)
	}
	if len(embResp.Data) == 0 {
		return nil, fmt.Errorf("embeddings: no embedding data returned")
	}
	return embResp.Data[0].Embedding, nil
}
