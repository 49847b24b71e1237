// Package config loads Envelope's environment-driven configuration
package config

import (
	"fmt"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds all environment-driven settings for the service.
type Config struct {
	// SecretKey seals account credentials at rest. Required.
	SecretKey string `env:"ENVELOPE_SECRET_KEY,required"`

	// DBPath is the SQLite database file.
	DBPath string `env:"ENVELOPE_DB_PATH" envDefault:"envelope.db"`

	// ListenAddr is the HTTP bind address.
	ListenAddr string `env:"ENVELOPE_LISTEN_ADDR" envDefault:":8000"`

	// LogLevel is one of debug/info/warn/error.
	LogLevel  string `env:"ENVELOPE_LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"ENVELOPE_LOG_PRETTY" envDefault:"false"`

	// LLM service (OpenRouter-compatible chat completions).
	LLMAPIKey  string `env:"OPENROUTER_API_KEY"`
	LLMModel   string `env:"OPENROUTER_MODEL" envDefault:"anthropic/claude-sonnet-4-20250514"`
	LLMBaseURL string `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`

	// Embeddings.
	EmbeddingModel string `env:"EMBEDDING_MODEL" envDefault:"openai/text-embedding-3-small"`

	// Inbox agent.
	AgentEnabled         bool   `env:"AGENT_ENABLED" envDefault:"false"`
	AgentAccountID       string `env:"AGENT_ACCOUNT_ID"`
	AgentPollInterval    int    `env:"AGENT_POLL_INTERVAL" envDefault:"120"`
	AgentEscalationEmail string `env:"AGENT_ESCALATION_EMAIL"`
	AgentSendFrom        string `env:"AGENT_SEND_FROM"`
}

// Load reads configuration from the environment, honoring a local .env
// file when present.
func Load() (*Config, error) {
	// Missing .env is fine; env vars may be set directly.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}
