package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/interfaces"
	"github.com/ternarybob/taskforge/internal/models"
	"golang.org/x/time/rate"
)

// ProviderType represents the AI provider type
type ProviderType string

const (
	// ProviderGemini uses Google Gemini API
	ProviderGemini ProviderType = "gemini"
	// ProviderClaude uses Anthropic Claude API
	ProviderClaude ProviderType = "claude"
	// ProviderOffline uses a local model server streaming NDJSON
	ProviderOffline ProviderType = "offline"
)

// CompletionRequest is a single provider call
type CompletionRequest struct {
	Prompt            string
	SystemInstruction string
	MaxTokens         int
	Temperature       float64
}

// Completion is the raw provider answer with token usage
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
}

// Provider performs exactly one call. Retries, limiting and pricing live in Client.
// Failures should be returned as *models.ExternalError where the provider can classify them.
type Provider interface {
	Complete(ctx context.Context, request CompletionRequest) (Completion, error)
	GetProviderType() ProviderType
	Model() string
}

// Client implements interfaces.AIClient over a Provider with retry, rate limiting and pricing
type Client struct {
	provider    Provider
	retry       *RetryPolicy
	pricing     PricingTable
	limiter     *rate.Limiter
	timeout     time.Duration
	temperature float64
	audit       AuditLogger
	logger      arbor.ILogger
}

// ClientOptions configures a Client
type ClientOptions struct {
	Retry       *RetryPolicy
	Pricing     PricingTable
	Limiter     *rate.Limiter // nil disables limiting
	Timeout     time.Duration // per attempt, zero disables
	Temperature float64
	Audit       AuditLogger
}

// NewClient wraps provider
func NewClient(provider Provider, opts ClientOptions, logger arbor.ILogger) *Client {
	if opts.Retry == nil {
		opts.Retry = NewDefaultRetryPolicy()
	}
	if opts.Pricing == nil {
		opts.Pricing = DefaultPricing()
	}
	if opts.Audit == nil {
		opts.Audit = NewLogAuditLogger(logger, false)
	}
	return &Client{
		provider:    provider,
		retry:       opts.Retry,
		pricing:     opts.Pricing,
		limiter:     opts.Limiter,
		timeout:     opts.Timeout,
		temperature: opts.Temperature,
		audit:       opts.Audit,
		logger:      logger,
	}
}

var _ interfaces.AIClient = (*Client)(nil)

// Name returns "<provider>/<model>"
func (c *Client) Name() string {
	return string(c.provider.GetProviderType()) + "/" + c.provider.Model()
}

// Generate performs the call with classification and retries. Every attempt counts as an API call.
func (c *Client) Generate(ctx context.Context, req interfaces.GenerateRequest) (interfaces.GenerateResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return interfaces.GenerateResponse{}, models.NewExternalError(models.ErrKindBadRequest, string(c.provider.GetProviderType()), 0, fmt.Errorf("prompt cannot be empty"))
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}
	request := CompletionRequest{
		Prompt:            req.Prompt,
		SystemInstruction: req.Persona,
		MaxTokens:         req.MaxTokens,
		Temperature:       temperature,
	}

	providerName := string(c.provider.GetProviderType())
	startTime := time.Now()
	var completion Completion

	attempts, err := c.retry.Do(ctx, providerName, func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return models.NewExternalError(models.ErrKindTimeout, providerName, 0, err)
			}
		}

		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		result, err := c.provider.Complete(callCtx, request)
		if err != nil {
			return err
		}
		completion = result
		return nil
	}, func(attempt int, backoff time.Duration, err *models.ExternalError) {
		c.logger.Warn().
			Str("provider", providerName).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Str("kind", string(err.Kind)).
			Err(err).
			Msg("Retrying AI call")
	})

	duration := time.Since(startTime)
	c.audit.LogCall(AuditEntry{
		Provider: providerName,
		Model:    c.provider.Model(),
		Attempts: attempts,
		Success:  err == nil,
		Error:    err,
		Duration: duration,
		Prompt:   req.Prompt,
		Tokens:   completion.InputTokens + completion.OutputTokens,
	})

	if err != nil {
		return interfaces.GenerateResponse{Attempts: attempts}, err
	}

	model := completion.Model
	if model == "" {
		model = c.provider.Model()
	}

	return interfaces.GenerateResponse{
		Content:      completion.Text,
		Tokens:       int64(completion.InputTokens + completion.OutputTokens),
		InputTokens:  int64(completion.InputTokens),
		OutputTokens: int64(completion.OutputTokens),
		Cost:         c.pricing.Cost(model, completion.InputTokens, completion.OutputTokens),
		Model:        model,
		Attempts:     attempts,
	}, nil
}
