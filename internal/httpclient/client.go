package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// MaxBodySize bounds documents fetched for summarization
const MaxBodySize = 10 << 20

// NewDefaultHTTPClient creates a simple HTTP client with a timeout.
// A zero timeout leaves deadlines to the request context, which streamed responses need.
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
	}
}

// Fetch GETs url and returns the body and its content type
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid url %q: %w", url, err)
	}
	req.Header.Set("User-Agent", "taskforge/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("failed to fetch %s: %s", url, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", url, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
