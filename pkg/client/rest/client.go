// Package rest provides the outbound HTTP client used for identity-provider
// and source-control API calls.
package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Config struct {
	Timeout   time.Duration `env:"CLIENT_TIMEOUT" env-default:"30s"`
	Retries   int           `env:"CLIENT_RETRIES" env-default:"3"`
	UserAgent string        `env:"CLIENT_USER_AGENT" env-default:"lilac-client"`
}

// Client wraps http.Client with retries and OTel tracing.
type Client struct {
	httpClient *http.Client
	config     Config
}

// New creates an HTTP client with idempotent retries and OTel tracing.
func New(cfg Config) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.HTTPClient.Timeout = cfg.Timeout
	retryClient.Logger = nil

	baseTransport := retryClient.HTTPClient.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(baseTransport)

	return &Client{
		httpClient: retryClient.StandardClient(),
		config:     cfg,
	}
}

// Do executes the request. Cancellation flows through the request context.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	return c.httpClient.Do(req)
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// HTTPClient returns the underlying http.Client for direct use.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}
