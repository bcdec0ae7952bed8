package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
	"google.golang.org/genai"
)

// GeminiService implements Provider using the Google Gemini API
type GeminiService struct {
	model  string
	client *genai.Client
	logger arbor.ILogger
}

// NewGeminiService creates a new Gemini provider.
//
// Returns an error when the API key is missing or the genai client cannot be created.
func NewGeminiService(ctx context.Context, config *common.GeminiConfig, logger arbor.ILogger) (*GeminiService, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Google API key is required for Gemini (set GEMINI_API_KEY, TASKFORGE_GEMINI_API_KEY or gemini.api_key in config)")
	}

	model := config.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	logger.Debug().
		Str("model", model).
		Msg("Gemini LLM service initialized successfully")

	return &GeminiService{
		model:  model,
		client: client,
		logger: logger,
	}, nil
}

func (s *GeminiService) GetProviderType() ProviderType { return ProviderGemini }

func (s *GeminiService) Model() string { return s.model }

// Complete makes one GenerateContent call
func (s *GeminiService) Complete(ctx context.Context, request CompletionRequest) (Completion, error) {
	config := &genai.GenerateContentConfig{}
	if request.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(request.Temperature))
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}
	if request.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(request.SystemInstruction, genai.RoleUser)
	}

	contents := []*genai.Content{genai.NewContentFromText(request.Prompt, genai.RoleUser)}

	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, config)
	if err != nil {
		return Completion{}, classifyGeminiError(err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return Completion{}, models.NewExternalError(models.ErrKindServiceUnavailable, string(ProviderGemini), 0, errors.New("empty response from Gemini API"))
	}

	text := resp.Text()
	if text == "" {
		return Completion{}, models.NewExternalError(models.ErrKindServiceUnavailable, string(ProviderGemini), 0, errors.New("empty text in Gemini response"))
	}

	completion := Completion{Text: text, Model: s.model}
	if resp.UsageMetadata != nil {
		completion.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		completion.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return completion, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return geminiAPIError(apiErr.Code, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return geminiAPIError(apiErrPtr.Code, err)
	}
	return Classify(err, string(ProviderGemini))
}

func geminiAPIError(code int, err error) *models.ExternalError {
	ee := models.NewExternalError(models.KindForStatus(code), string(ProviderGemini), code, err)
	if ee.Kind == models.ErrKindRateLimit {
		ee.RetryAfter = ExtractRetryDelay(err)
	}
	return ee
}
