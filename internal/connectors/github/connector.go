package github

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/ternarybob/taskforge/internal/common"
	"github.com/ternarybob/taskforge/internal/models"
	"golang.org/x/oauth2"
)

const providerName = "github"

// Connector reads repository material through the GitHub REST API
type Connector struct {
	client *github.Client
}

// NewConnector creates a connector. Without a token requests are unauthenticated
// and subject to GitHub's lower anonymous rate limit.
func NewConnector(config common.GitHubConfig) *Connector {
	if config.Token == "" {
		return &Connector{client: github.NewClient(nil)}
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: config.Token},
	)
	tc := oauth2.NewClient(context.Background(), ts)
	return &Connector{client: github.NewClient(tc)}
}

// NewConnectorWithClient wraps an existing client, e.g. one pointed at a test server
func NewConnectorWithClient(client *github.Client) *Connector {
	return &Connector{client: client}
}

// TestConnection verifies the API is reachable with the configured credentials
func (c *Connector) TestConnection(ctx context.Context) error {
	if _, _, err := c.client.RateLimit.Get(ctx); err != nil {
		return classifyError(err)
	}
	return nil
}

// classifyError maps GitHub API failures onto the external error taxonomy
func classifyError(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		ee := models.NewExternalError(models.ErrKindRateLimit, providerName, http.StatusForbidden, err)
		if wait := time.Until(rateErr.Rate.Reset.Time); wait > 0 {
			ee.RetryAfter = wait
		}
		return ee
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		ee := models.NewExternalError(models.ErrKindRateLimit, providerName, http.StatusForbidden, err)
		ee.RetryAfter = abuseErr.GetRetryAfter()
		return ee
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return models.NewExternalError(models.KindForStatus(respErr.Response.StatusCode), providerName, respErr.Response.StatusCode, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewExternalError(models.ErrKindTimeout, providerName, 0, err)
	}
	return models.NewExternalError(models.ErrKindConnection, providerName, 0, err)
}
