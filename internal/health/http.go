package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keywheel/keywheel/internal/store"
)

// HTTPConfig holds configuration for HTTP probes.
type HTTPConfig struct {
	// ExpectedStatusCodes are the status codes considered healthy.
	ExpectedStatusCodes []int

	// ResponseTimeThreshold marks slow-but-successful responses unhealthy.
	// Zero disables the check.
	ResponseTimeThreshold time.Duration

	// Timeout is the request timeout.
	Timeout time.Duration

	// AuthHeader is the header carrying the credential material
	// (default Authorization).
	AuthHeader string

	// AuthScheme prefixes the material in the header (default Bearer).
	AuthScheme string
}

// DefaultHTTPConfig returns the default HTTP probe configuration.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		ExpectedStatusCodes:   []int{200, 201, 202, 204},
		ResponseTimeThreshold: 5 * time.Second,
		Timeout:               10 * time.Second,
		AuthHeader:            "Authorization",
		AuthScheme:            "Bearer",
	}
}

// HTTPClient is the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPChecker probes HTTP endpoints with the credential material attached.
type HTTPChecker struct {
	config HTTPConfig
	client HTTPClient
}

// NewHTTPChecker creates an HTTP checker.
func NewHTTPChecker(config HTTPConfig) *HTTPChecker {
	if config.AuthHeader == "" {
		config.AuthHeader = "Authorization"
	}
	return &HTTPChecker{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// SetClient sets a custom HTTP client for testing.
func (c *HTTPChecker) SetClient(client HTTPClient) {
	c.client = client
}

// Name returns the checker name.
func (c *HTTPChecker) Name() string {
	return "http"
}

// Probe issues a GET against the credential's endpoint.
func (c *HTTPChecker) Probe(ctx context.Context, cred *store.Credential) (Result, error) {
	if cred.Endpoint == "" {
		return Result{}, fmt.Errorf("credential %s has no endpoint", cred.ID)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cred.Endpoint, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building probe request: %w", err)
	}
	if cred.Material != "" {
		value := cred.Material
		if c.config.AuthScheme != "" {
			value = c.config.AuthScheme + " " + value
		}
		req.Header.Set(c.config.AuthHeader, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{
			Success:        false,
			ResponseTimeMs: elapsedMs(start),
			Message:        fmt.Sprintf("request failed: %v", err),
		}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	elapsed := time.Since(start)
	result := Result{
		Success:        true,
		StatusCode:     resp.StatusCode,
		ResponseTimeMs: elapsed.Milliseconds(),
	}

	statusOK := false
	for _, code := range c.config.ExpectedStatusCodes {
		if resp.StatusCode == code {
			statusOK = true
			break
		}
	}
	switch {
	case !statusOK:
		result.Success = false
		result.Message = fmt.Sprintf("unexpected status code %d", resp.StatusCode)
	case c.config.ResponseTimeThreshold > 0 && elapsed > c.config.ResponseTimeThreshold:
		result.Success = false
		result.Message = fmt.Sprintf("response time %v exceeds threshold %v", elapsed, c.config.ResponseTimeThreshold)
	default:
		result.Message = fmt.Sprintf("healthy: status %d in %v", resp.StatusCode, elapsed)
	}
	return result, nil
}
