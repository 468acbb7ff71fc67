package llm

import (
	"fmt"
	"strings"

	"github.com/ppiankov/pepref/internal/model"
)

// NewProvider creates a provider from configuration. An empty provider
// name returns (nil, nil): the caller treats the call site as disabled.
func NewProvider(config Config) (Provider, error) {
	switch strings.ToLower(config.Provider) {
	case "openai":
		return NewOpenAIProvider(config)

	case "anthropic", "claude":
		return NewAnthropicProvider(config)

	case "ollama":
		return NewOllamaProvider(config)

	case "mock":
		return NewMockProvider(), nil

	case "":
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown LLM provider: %s (supported: openai, anthropic, ollama, mock)", model.ErrConfig, config.Provider)
	}
}
