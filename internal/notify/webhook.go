package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RetryConfig holds webhook retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of delivery attempts (default 3).
	MaxAttempts int

	// Backoff strategy: fixed, linear or exponential (default exponential).
	Backoff string

	// InitialWait is the wait before the first retry (default 1s).
	InitialWait time.Duration
}

// WebhookConfig configures one webhook destination.
type WebhookConfig struct {
	// Name is a human-readable name for this webhook.
	Name string

	// URL is the webhook endpoint.
	URL string

	// Method is the HTTP method (default POST).
	Method string

	// Headers are additional request headers.
	Headers map[string]string

	// Alerts limits which alert types are delivered. Empty means all.
	Alerts []string

	// Retry configuration.
	Retry *RetryConfig

	// Timeout for each HTTP request.
	Timeout time.Duration
}

// WebhookProvider posts alerts as JSON to an HTTP endpoint.
type WebhookProvider struct {
	config WebhookConfig
	client *http.Client
}

// NewWebhookProvider creates a webhook provider, filling in defaults.
func NewWebhookProvider(config WebhookConfig) *WebhookProvider {
	if config.Method == "" {
		config.Method = "POST"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Retry == nil {
		config.Retry = &RetryConfig{}
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 3
	}
	if config.Retry.Backoff == "" {
		config.Retry.Backoff = "exponential"
	}
	if config.Retry.InitialWait == 0 {
		config.Retry.InitialWait = 1 * time.Second
	}

	return &WebhookProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Name returns the provider name.
func (p *WebhookProvider) Name() string {
	if p.config.Name != "" {
		return "webhook:" + p.config.Name
	}
	return "webhook"
}

// SupportsAlert reports whether this webhook wants the alert type.
func (p *WebhookProvider) SupportsAlert(alertType AlertType) bool {
	if len(p.config.Alerts) == 0 {
		return true
	}
	for _, a := range p.config.Alerts {
		if strings.EqualFold(a, string(alertType)) {
			return true
		}
	}
	return false
}

// Validate checks the webhook configuration.
func (p *WebhookProvider) Validate(_ context.Context) error {
	if p.config.URL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(p.config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL: %s", p.config.URL)
	}

	switch strings.ToUpper(p.config.Method) {
	case "POST", "PUT", "PATCH":
	default:
		return fmt.Errorf("invalid method: %s (must be POST, PUT, or PATCH)", p.config.Method)
	}

	switch strings.ToLower(p.config.Retry.Backoff) {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("invalid backoff strategy: %s (must be fixed, linear, or exponential)", p.config.Retry.Backoff)
	}
	return nil
}

// Send delivers the alert, retrying with backoff on failure.
func (p *WebhookProvider) Send(ctx context.Context, alert Alert) error {
	payload, err := p.buildPayload(alert)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.Retry.MaxAttempts; attempt++ {
		err := p.doSend(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < p.config.Retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.calculateBackoff(attempt)):
			}
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", p.config.Retry.MaxAttempts, lastErr)
}

func (p *WebhookProvider) doSend(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.config.Method), p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *WebhookProvider) buildPayload(alert Alert) ([]byte, error) {
	body := map[string]interface{}{
		"type":          string(alert.Type),
		"severity":      string(alert.Severity),
		"credential_id": alert.CredentialID,
		"service":       alert.Service,
		"message":       alert.Message,
		"timestamp":     alert.Timestamp.Format(time.RFC3339),
	}
	if len(alert.Metadata) > 0 {
		body["metadata"] = alert.Metadata
	}
	return json.Marshal(body)
}

func (p *WebhookProvider) calculateBackoff(attempt int) time.Duration {
	wait := p.config.Retry.InitialWait
	switch strings.ToLower(p.config.Retry.Backoff) {
	case "linear":
		return wait * time.Duration(attempt)
	case "exponential":
		return wait * time.Duration(1<<(attempt-1))
	default:
		return wait
	}
}
