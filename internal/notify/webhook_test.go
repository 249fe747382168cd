package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookProviderSendsJSONPayload(t *testing.T) {
	t.Parallel()

	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewWebhookProvider(WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "secret-token"},
	})

	err := p.Send(context.Background(), Alert{
		Type:         AlertHealthFailure,
		Severity:     SeverityCritical,
		CredentialID: "c-1",
		Service:      "stripe",
		Message:      "3 consecutive probe failures",
		Timestamp:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "health_failure", got["type"])
	assert.Equal(t, "critical", got["severity"])
	assert.Equal(t, "c-1", got["credential_id"])
	assert.Equal(t, "2025-06-01T12:00:00Z", got["timestamp"])
}

func TestWebhookProviderRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewWebhookProvider(WebhookConfig{
		URL:   srv.URL,
		Retry: &RetryConfig{MaxAttempts: 3, Backoff: "fixed", InitialWait: time.Millisecond},
	})

	err := p.Send(context.Background(), Alert{Type: AlertJobFailed, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestWebhookProviderGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewWebhookProvider(WebhookConfig{
		URL:   srv.URL,
		Retry: &RetryConfig{MaxAttempts: 2, Backoff: "fixed", InitialWait: time.Millisecond},
	})

	err := p.Send(context.Background(), Alert{Type: AlertJobFailed, Timestamp: time.Now()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}

func TestWebhookProviderValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		config  WebhookConfig
		wantErr string
	}{
		{"missing url", WebhookConfig{}, "URL is required"},
		{"bad url", WebhookConfig{URL: "not-a-url"}, "invalid URL"},
		{"bad method", WebhookConfig{URL: "https://example.com/hook", Method: "DELETE"}, "invalid method"},
		{"bad backoff", WebhookConfig{URL: "https://example.com/hook", Retry: &RetryConfig{Backoff: "random"}}, "invalid backoff"},
		{"valid", WebhookConfig{URL: "https://example.com/hook"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewWebhookProvider(tc.config).Validate(context.Background())
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestWebhookProviderAlertFilter(t *testing.T) {
	t.Parallel()

	p := NewWebhookProvider(WebhookConfig{
		URL:    "https://example.com/hook",
		Alerts: []string{"health_failure", "JOB_FAILED"},
	})
	assert.True(t, p.SupportsAlert(AlertHealthFailure))
	assert.True(t, p.SupportsAlert(AlertJobFailed))
	assert.False(t, p.SupportsAlert(AlertEmergencyGranted))

	all := NewWebhookProvider(WebhookConfig{URL: "https://example.com/hook"})
	assert.True(t, all.SupportsAlert(AlertEmergencyGranted))
}
