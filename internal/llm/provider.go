package llm

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Provider identifies a completion API provider.
type Provider string

const (
	ProviderXAI       Provider = "xai"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// ProviderConfig selects and configures a completion client.
type ProviderConfig struct {
	Provider   Provider
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// ParseProvider normalizes a provider name. The empty string means xAI.
func ParseProvider(name string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(name))) {
	case "", ProviderXAI, "grok":
		return ProviderXAI, nil
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderAnthropic:
		return ProviderAnthropic, nil
	}
	return "", fmt.Errorf("unknown completion provider %q (expected xai, openai or anthropic)", name)
}

// NewClient creates the completion client for cfg.Provider.
func NewClient(cfg ProviderConfig) (Client, error) {
	provider, err := ParseProvider(string(cfg.Provider))
	if err != nil {
		return nil, err
	}

	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(AnthropicConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		}), nil

	case ProviderOpenAI:
		return newOpenAIFromConfig(cfg, DefaultOpenAIBaseURL), nil

	default:
		return newOpenAIFromConfig(cfg, DefaultXAIBaseURL), nil
	}
}

func newOpenAIFromConfig(cfg ProviderConfig, defaultBase string) *OpenAIClient {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBase
	}
	opts := []OpenAIOption{WithBaseURL(base), WithTimeout(cfg.Timeout)}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
	}
	return NewOpenAIClient(cfg.APIKey, opts...)
}
