package interfaces

import "context"

// GenerateRequest is a single prompt sent to the external AI service.
// MaxTokens is a soft hint; providers may ignore it.
type GenerateRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
	Persona     string
}

// GenerateResponse carries the model output and its usage.
type GenerateResponse struct {
	Content      string
	Tokens       int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Model        string
	// Attempts is the number of calls made, including retries.
	Attempts int
}

// AIClient is a text generation backend. Errors are returned as *models.ExternalError.
type AIClient interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	Name() string
}
