package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
)

// ClaudeService implements Provider using the Anthropic Claude API
type ClaudeService struct {
	model     string
	maxTokens int
	client    anthropic.Client
	logger    arbor.ILogger
}

// NewClaudeService creates a new Claude provider.
// The SDK's own retries are disabled; RetryPolicy owns retries.
func NewClaudeService(config *common.ClaudeConfig, logger arbor.ILogger) (*ClaudeService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required for Claude (set ANTHROPIC_API_KEY, TASKFORGE_CLAUDE_API_KEY or claude.api_key in config)")
	}

	model := config.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}

	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	client := anthropic.NewClient(
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	)

	logger.Debug().
		Str("model", model).
		Int("max_tokens", maxTokens).
		Msg("Claude LLM service initialized successfully")

	return &ClaudeService{
		model:     model,
		maxTokens: maxTokens,
		client:    client,
		logger:    logger,
	}, nil
}

func (s *ClaudeService) GetProviderType() ProviderType { return ProviderClaude }

func (s *ClaudeService) Model() string { return s.model }

// Complete makes one Messages.New call
func (s *ClaudeService) Complete(ctx context.Context, request CompletionRequest) (Completion, error) {
	maxTokens := request.MaxTokens
	if maxTokens <= 0 || maxTokens > s.maxTokens {
		maxTokens = s.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(request.Prompt)),
		},
	}
	if request.Temperature > 0 {
		params.Temperature = anthropic.Float(request.Temperature)
	}
	if request.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: request.SystemInstruction},
		}
	}

	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return Completion{}, classifyClaudeError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return Completion{}, models.NewExternalError(models.ErrKindServiceUnavailable, string(ProviderClaude), 0, errors.New("empty response from Claude API"))
	}

	return Completion{
		Text:         text.String(),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Model:        s.model,
	}, nil
}

func classifyClaudeError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		ee := models.NewExternalError(models.KindForStatus(apiErr.StatusCode), string(ProviderClaude), apiErr.StatusCode, err)
		if apiErr.Response != nil {
			ee.RetryAfter = parseRetryAfterHeader(apiErr.Response.Header.Get("Retry-After"))
		}
		return ee
	}
	return Classify(err, string(ProviderClaude))
}
