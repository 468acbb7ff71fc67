package llm

import (
	"context"
	"time"

	"github.com/ppiankov/pepref/internal/model"
)

// Provider is a language-model completion backend
type Provider interface {
	// Name returns the provider name
	Name() string

	// Complete sends one system+user exchange and returns the reply text
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// IsAvailable checks if the provider is configured and reachable
	IsAvailable(ctx context.Context) bool
}

// CompletionRequest is a single-turn completion
type CompletionRequest struct {
	// Operation labels the call in logs and usage records ("synthesize", "review")
	Operation string

	System string
	Prompt string

	// Model overrides the configured model when set
	Model string

	MaxTokens   int
	Temperature float32

	// JSON asks the provider for a JSON-only reply where supported
	JSON bool
}

// CompletionResponse is the reply plus token accounting
type CompletionResponse struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Config holds provider configuration
type Config struct {
	// Provider name: "openai", "anthropic", "ollama", "mock", ""
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI/Anthropic
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama, proxies, test servers)
	BaseURL string

	// Timeout bounds each API request
	Timeout time.Duration

	// MaxTokens and Temperature are defaults for requests that leave them unset
	MaxTokens   int
	Temperature float32

	// HTTP carries proxy settings for the raw HTTP providers
	HTTP model.HTTPConfig
}

// ConfigFromModel converts configuration sections to a provider config
func ConfigFromModel(c model.LLMConfig, http model.HTTPConfig) Config {
	return Config{
		Provider:    c.Provider,
		Model:       c.Model,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Timeout:     c.Timeout,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		HTTP:        http,
	}
}

func (c Config) timeout(fallback time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return fallback
}

func (c Config) resolve(req CompletionRequest, defaultModel string) (modelName string, maxTokens int, temperature float32) {
	modelName = req.Model
	if modelName == "" {
		modelName = c.Model
	}
	if modelName == "" {
		modelName = defaultModel
	}
	maxTokens = req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.MaxTokens
	}
	if maxTokens == 0 {
		maxTokens = 2000
	}
	temperature = req.Temperature
	if temperature == 0 {
		temperature = c.Temperature
	}
	return modelName, maxTokens, temperature
}
