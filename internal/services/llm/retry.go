package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
)

// BackoffStrategy selects how retry delays grow
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy defines retry behavior for external AI calls.
// Transient failures get up to MaxRetries retries; a rate limit gets exactly one.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt (default: 3)
	MaxRetries int

	// InitialBackoff is the delay before the first retry (default: 1s)
	InitialBackoff time.Duration

	// MaxBackoff caps every delay, including server supplied hints (default: 30s)
	MaxBackoff time.Duration

	Strategy BackoffStrategy

	// Multiplier is applied per attempt for the exponential strategy (default: 2.0)
	Multiplier float64

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Default retry constants
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0
)

// NewDefaultRetryPolicy returns a RetryPolicy with sensible defaults
func NewDefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Strategy:       BackoffExponential,
		Multiplier:     DefaultMultiplier,
		sleep:          sleepContext,
	}
}

// NewRetryPolicy maps the [llm] section
func NewRetryPolicy(config common.LLMConfig) *RetryPolicy {
	p := NewDefaultRetryPolicy()
	if config.MaxRetries >= 0 {
		p.MaxRetries = config.MaxRetries
	}
	p.InitialBackoff = common.ParseDurationOr(config.InitialBackoff, p.InitialBackoff)
	p.MaxBackoff = common.ParseDurationOr(config.MaxBackoff, p.MaxBackoff)
	if config.Multiplier > 0 {
		p.Multiplier = config.Multiplier
	}
	if BackoffStrategy(strings.ToLower(config.BackoffStrategy)) == BackoffLinear {
		p.Strategy = BackoffLinear
	}
	return p
}

// Backoff computes the delay before retry number attempt (1-based).
// A server hint wins over the computed delay; both are capped at MaxBackoff.
func (p *RetryPolicy) Backoff(attempt int, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var backoff time.Duration
	if hint > 0 {
		backoff = hint
	} else if p.Strategy == BackoffLinear {
		backoff = p.InitialBackoff * time.Duration(attempt)
	} else {
		multiplier := 1.0
		for i := 1; i < attempt; i++ {
			multiplier *= p.Multiplier
		}
		backoff = time.Duration(float64(p.InitialBackoff) * multiplier)
	}

	if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
		backoff = p.MaxBackoff
	}
	return backoff
}

// Do runs call until it succeeds, fails fatally or retries are exhausted.
// It returns the number of attempts made alongside the final error, which is
// always a classified *models.ExternalError on failure.
func (p *RetryPolicy) Do(ctx context.Context, provider string, call func(ctx context.Context) error, onRetry func(attempt int, backoff time.Duration, err *models.ExternalError)) (int, error) {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	attempts := 0
	rateLimitRetried := false
	for {
		attempts++
		err := call(ctx)
		if err == nil {
			return attempts, nil
		}

		classified := Classify(err, provider)
		retryable := false
		switch {
		case classified.Kind == models.ErrKindRateLimit:
			retryable = !rateLimitRetried
			rateLimitRetried = true
		case classified.Transient():
			retryable = attempts <= p.MaxRetries
		}
		if !retryable || ctx.Err() != nil {
			return attempts, classified
		}

		backoff := p.Backoff(attempts, classified.RetryAfter)
		if onRetry != nil {
			onRetry(attempts, backoff, classified)
		}
		if err := sleep(ctx, backoff); err != nil {
			return attempts, classified
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Classify maps any provider error onto the external error taxonomy.
// Errors already classified by a provider pass through unchanged.
func Classify(err error, provider string) *models.ExternalError {
	if ee, ok := models.AsExternalError(err); ok {
		return ee
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewExternalError(models.ErrKindTimeout, provider, 0, err)
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED):
		return models.NewExternalError(models.ErrKindConnection, provider, 0, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return models.NewExternalError(models.ErrKindTimeout, provider, 0, err)
		}
		return models.NewExternalError(models.ErrKindConnection, provider, 0, err)
	}

	if IsRateLimitError(err) {
		ee := models.NewExternalError(models.ErrKindRateLimit, provider, 429, err)
		ee.RetryAfter = ExtractRetryDelay(err)
		return ee
	}

	return models.NewExternalError(models.ErrKindConnection, provider, 0, err)
}

// IsRateLimitError checks whether an unclassified error reads as a rate limit.
// Matches 429 status codes and RESOURCE_EXHAUSTED errors.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "RESOURCE_EXHAUSTED") ||
		strings.Contains(errStr, "quota")
}

// retryDelayRegex matches "Please retry in Xs" or "retryDelay:Xs" patterns
var retryDelayRegex = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay parses the server suggested retry delay from an error message.
// Returns 0 if no delay is found.
//
// Example error message:
// "Error 429, Message: ... Please retry in 45.387061394s., Status: RESOURCE_EXHAUSTED"
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}

	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}

	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}

// parseRetryAfterHeader reads a Retry-After header given in seconds
func parseRetryAfterHeader(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
