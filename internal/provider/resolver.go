package provider

import (
	"fmt"
	"strings"

	"github.com/fireredbot/fireredbot/internal/config"
)

// providerAliases maps common aliases to canonical provider IDs.
var providerAliases = map[string]string{
	"grok":        "xai",
	"open-router": "openrouter",
	"local":       "vllm",
}

// NormalizeProviderID resolves aliases and normalizes the provider ID.
func NormalizeProviderID(id string) string {
	lower := strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := providerAliases[lower]; ok {
		return canonical
	}
	return lower
}

// ParseModelString splits a "provider/model" string into provider ID and model name.
// For OpenRouter, the format is "openrouter/vendor/model" (three segments).
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	providerID = strings.ToLower(parts[0])
	modelName = parts[1]
	return
}

// Resolve creates the model client named by cfg.Model.Name. A bare model
// name uses the OpenAI provider.
func Resolve(cfg *config.Config) (ModelClient, error) {
	provID, model := ParseModelString(cfg.Model.Name)
	if provID == "" {
		provID = "openai"
	}
	return buildProvider(cfg, NormalizeProviderID(provID), model)
}

// buildProvider constructs a provider from its canonical ID and model name.
func buildProvider(cfg *config.Config, providerID, model string) (ModelClient, error) {
	switch providerID {
	case "openai":
		key := cfg.Providers.OpenAI.APIKey
		if key == "" {
			return nil, &ProviderError{Provider: "openai", Hint: "set providers.openai.apiKey in config or OPENAI_API_KEY"}
		}
		return NewOpenAIProvider(key, cfg.Providers.OpenAI.APIBase, model), nil

	case "openrouter":
		key := cfg.Providers.OpenRouter.APIKey
		base := cfg.Providers.OpenRouter.APIBase
		if key == "" {
			return nil, &ProviderError{Provider: "openrouter", Hint: "set providers.openrouter.apiKey in config or OPENROUTER_API_KEY"}
		}
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		return NewOpenAIProvider(key, base, model), nil

	case "xai":
		key := cfg.Providers.XAI.APIKey
		base := cfg.Providers.XAI.APIBase
		if key == "" {
			return nil, &ProviderError{Provider: "xai", Hint: "set providers.xai.apiKey in config or XAI_API_KEY"}
		}
		if base == "" {
			base = "https://api.x.ai/v1"
		}
		return NewOpenAIProvider(key, base, model), nil

	case "vllm":
		base := cfg.Providers.VLLM.APIBase
		if base == "" {
			return nil, &ProviderError{Provider: "vllm", Hint: "set providers.vllm.apiBase in config (e.g. http://localhost:8000/v1)"}
		}
		return NewOpenAIProvider(cfg.Providers.VLLM.APIKey, base, model), nil

	default:
		return nil, &ProviderError{Provider: providerID, Hint: fmt.Sprintf("unknown provider ID %q, supported: openai, openrouter, xai, vllm", providerID)}
	}
}

// ProviderError is returned when a provider cannot be constructed.
type ProviderError struct {
	Provider string
	Hint     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q: %s", e.Provider, e.Hint)
}
