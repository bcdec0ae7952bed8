package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"golang.org/x/time/rate"
)

// NewProvider creates the provider selected by llm.default_provider
func NewProvider(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (Provider, error) {
	logger.Info().Str("provider", string(cfg.LLM.DefaultProvider)).Msg("Initializing LLM provider")

	switch cfg.LLM.DefaultProvider {
	case common.LLMProviderGemini:
		return NewGeminiService(ctx, &cfg.Gemini, logger)
	case common.LLMProviderClaude:
		return NewClaudeService(&cfg.Claude, logger)
	case common.LLMProviderOffline:
		return NewOfflineService(&cfg.Offline, logger)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.DefaultProvider)
	}
}

// NewClientFromConfig builds the AI client with retry, pricing and rate limiting from config
func NewClientFromConfig(ctx context.Context, cfg *common.Config, logger arbor.ILogger) (*Client, error) {
	provider, err := NewProvider(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	return NewClient(provider, OptionsFromConfig(cfg, logger), logger), nil
}

// OptionsFromConfig maps [llm] and [pricing] onto client options
func OptionsFromConfig(cfg *common.Config, logger arbor.ILogger) ClientOptions {
	opts := ClientOptions{
		Retry:       NewRetryPolicy(cfg.LLM),
		Pricing:     NewPricingTable(cfg.Pricing),
		Timeout:     common.ParseDurationOr(cfg.LLM.Timeout, 0),
		Temperature: cfg.LLM.Temperature,
		Audit:       NewLogAuditLogger(logger, false),
	}
	if interval := common.ParseDurationOr(cfg.LLM.RateLimit, 0); interval > 0 {
		opts.Limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return opts
}
