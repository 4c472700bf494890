package agent

import (
	"context"
	"fmt"
)

// LLMProvider is an interface for LLM API providers.
type LLMProvider interface {
	// Call makes an LLM API call.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name.
	Provider() string
}

// ProviderCredentials selects and authenticates a provider backend.
type ProviderCredentials struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// ProviderCreator creates LLM providers from credentials.
type ProviderCreator interface {
	NewProvider(creds ProviderCredentials) (LLMProvider, error)
}

// ProviderFactory creates the built-in providers.
type ProviderFactory struct{}

// NewProvider creates a new LLM provider from credentials.
func (f *ProviderFactory) NewProvider(creds ProviderCredentials) (LLMProvider, error) {
	switch creds.Provider {
	case "anthropic":
		return NewAnthropicProvider(creds.APIKey), nil
	case "openai":
		return NewOpenAIProvider(creds.APIKey, creds.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", creds.Provider)
	}
}
