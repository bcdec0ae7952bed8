package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/httpclient"
	"github.com/ternarybob/taskforge/internal/models"
)

// OfflineService talks to a local model server whose /api/generate endpoint
// streams newline delimited JSON.
type OfflineService struct {
	baseURL string
	model   string
	client  *http.Client
	logger  arbor.ILogger
}

type offlineRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// NewOfflineService creates the offline provider. Per-call deadlines come from the context.
func NewOfflineService(config *common.OfflineConfig, logger arbor.ILogger) (*OfflineService, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("offline.base_url is required for the offline provider")
	}
	if config.Model == "" {
		return nil, fmt.Errorf("offline.model is required for the offline provider")
	}

	logger.Debug().
		Str("base_url", config.BaseURL).
		Str("model", config.Model).
		Msg("Offline LLM service initialized")

	return &OfflineService{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		model:   config.Model,
		client:  httpclient.NewDefaultHTTPClient(0),
		logger:  logger,
	}, nil
}

func (s *OfflineService) GetProviderType() ProviderType { return ProviderOffline }

func (s *OfflineService) Model() string { return s.model }

// Complete streams one generation and collects it
func (s *OfflineService) Complete(ctx context.Context, request CompletionRequest) (Completion, error) {
	body := offlineRequest{
		Model:  s.model,
		Prompt: request.Prompt,
		System: request.SystemInstruction,
		Stream: true,
	}
	options := map[string]any{}
	if request.Temperature > 0 {
		options["temperature"] = request.Temperature
	}
	if request.MaxTokens > 0 {
		options["num_predict"] = request.MaxTokens
	}
	if len(options) > 0 {
		body.Options = options
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Completion{}, models.NewExternalError(models.ErrKindBadRequest, string(ProviderOffline), 0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return Completion{}, models.NewExternalError(models.ErrKindBadRequest, string(ProviderOffline), 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := s.client.Do(req)
	if err != nil {
		return Completion{}, Classify(err, string(ProviderOffline))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		ee := models.NewExternalError(models.KindForStatus(resp.StatusCode), string(ProviderOffline), resp.StatusCode,
			fmt.Errorf("model server returned %s: %s", resp.Status, strings.TrimSpace(string(detail))))
		ee.RetryAfter = parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		return Completion{}, ee
	}

	completion, err := NewStreamDecoder(resp.Body, string(ProviderOffline)).Collect()
	if err != nil {
		// A deadline hit mid-stream surfaces as a read error; report it as a timeout
		if ctx.Err() != nil {
			return Completion{}, models.NewExternalError(models.ErrKindTimeout, string(ProviderOffline), 0, ctx.Err())
		}
		return Completion{}, err
	}
	if completion.Model == "" {
		completion.Model = s.model
	}
	return completion, nil
}
