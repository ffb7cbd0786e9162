package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/deepseek"
	"github.com/cloudwego/eino-ext/components/model/ollama"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"

	"vision_workflow/internal/core"
)

// Supported providers
const (
	ProviderGemini     = "gemini"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderDeepSeek   = "deepseek"
	ProviderArk        = "ark"
	ProviderOllama     = "ollama"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// ModelConfig selects and configures the chat model behind every stage
type ModelConfig struct {
	Provider    string        `envconfig:"PROVIDER" default:"gemini"`
	Model       string        `envconfig:"MODEL" default:"gemini-2.0-flash-lite"`
	APIKey      string        `envconfig:"API_KEY"`
	BaseURL     string        `envconfig:"BASE_URL"`
	MaxTokens   int           `envconfig:"MAX_TOKENS" default:"4096"`
	Temperature float32       `envconfig:"TEMPERATURE" default:"0.2"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"60s"`
	// SearchGrounding lets the research stages use Google Search (Gemini only)
	SearchGrounding bool `envconfig:"SEARCH_GROUNDING" default:"true"`
}

// NeedsCredential reports whether the provider requires an API key
func (c ModelConfig) NeedsCredential() bool {
	return strings.ToLower(c.Provider) != ProviderOllama
}

// Validate checks the provider name and the credential
func (c ModelConfig) Validate() error {
	switch strings.ToLower(c.Provider) {
	case ProviderGemini, ProviderOpenAI, ProviderOpenRouter, ProviderDeepSeek, ProviderArk, ProviderOllama:
	default:
		return &core.ConfigurationError{Component: "llm", Message: fmt.Sprintf("unknown provider %q", c.Provider)}
	}
	if c.Model == "" {
		return &core.ConfigurationError{Component: "llm", Message: "model cannot be empty"}
	}
	if c.NeedsCredential() && c.APIKey == "" {
		return &core.ConfigurationError{Component: "llm", Message: "provider " + c.Provider, Err: core.ErrMissingCredential}
	}
	return nil
}

// NewChatModel builds the eino chat model for the configured provider
func NewChatModel(ctx context.Context, cfg ModelConfig) (model.BaseChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	maxTokens := cfg.MaxTokens
	temperature := cfg.Temperature

	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini:
		return NewGeminiChatModel(ctx, GeminiConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})

	case ProviderOpenAI, ProviderOpenRouter:
		baseURL := cfg.BaseURL
		if baseURL == "" && strings.ToLower(cfg.Provider) == ProviderOpenRouter {
			baseURL = openRouterBaseURL
		}
		m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     baseURL,
			Model:       cfg.Model,
			MaxTokens:   &maxTokens,
			Temperature: &temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating openai chat model: %w", err)
		}
		return m, nil

	case ProviderDeepSeek:
		m, err := deepseek.NewChatModel(ctx, &deepseek.ChatModelConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating deepseek chat model: %w", err)
		}
		return m, nil

	case ProviderArk:
		m, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating ark chat model: %w", err)
		}
		return m, nil

	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		m, err := ollama.NewChatModel(ctx, &ollama.ChatModelConfig{
			BaseURL: baseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating ollama chat model: %w", err)
		}
		return m, nil
	}

	return nil, &core.ConfigurationError{Component: "llm", Message: fmt.Sprintf("unknown provider %q", cfg.Provider)}
}
