package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/notify"
	"github.com/keywheel/keywheel/internal/store"
)

// scriptedChecker returns canned results keyed by credential ID.
type scriptedChecker struct {
	mu      sync.Mutex
	results map[string][]Result
	err     error
}

func (c *scriptedChecker) Name() string { return "scripted" }

func (c *scriptedChecker) Probe(_ context.Context, cred *store.Credential) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return Result{}, c.err
	}
	queue := c.results[cred.ID]
	if len(queue) == 0 {
		return Result{Success: true, Message: "ok"}, nil
	}
	next := queue[0]
	c.results[cred.ID] = queue[1:]
	return next, nil
}

type capturingProvider struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (p *capturingProvider) Name() string                       { return "capture" }
func (p *capturingProvider) SupportsAlert(notify.AlertType) bool { return true }
func (p *capturingProvider) Validate(context.Context) error      { return nil }

func (p *capturingProvider) Send(_ context.Context, alert notify.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *capturingProvider) captured() []notify.Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Alert, len(p.alerts))
	copy(out, p.alerts)
	return out
}

type monitorHarness struct {
	monitor  *Monitor
	store    *store.Memory
	clk      *clock.Fake
	checker  *scriptedChecker
	provider *capturingProvider
	notifier *notify.Manager
}

func newMonitorHarness(t *testing.T) *monitorHarness {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := logging.New(false, true)

	provider := &capturingProvider{}
	notifier := notify.NewManager(32, logger)
	notifier.RegisterProvider(provider)
	notifier.Start(context.Background())
	t.Cleanup(notifier.Stop)

	checker := &scriptedChecker{results: map[string][]Result{}}
	registry := Registry{store.ProbeHTTP: checker}
	return &monitorHarness{
		monitor:  NewMonitor(mem, registry, notifier, clk, logger, DefaultMonitorConfig()),
		store:    mem,
		clk:      clk,
		checker:  checker,
		provider: provider,
		notifier: notifier,
	}
}

func (h *monitorHarness) addCredential(t *testing.T, cred *store.Credential) {
	t.Helper()
	if cred.ProbeType == "" {
		cred.ProbeType = store.ProbeHTTP
	}
	if cred.Status == "" {
		cred.Status = store.CredentialActive
	}
	require.NoError(t, h.store.CreateCredential(context.Background(), cred))
}

func TestPerformHealthCheckRecordsFailureAsData(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1", ServiceTemplate: "stripe"})
	h.checker.results["c-1"] = []Result{{Success: false, StatusCode: 500, Message: "boom"}}

	result, err := h.monitor.PerformHealthCheck(context.Background(), "c-1")
	require.NoError(t, err, "a failed probe must not be an error")
	assert.False(t, result.Success)
	assert.Equal(t, 500, result.StatusCode)

	history, err := h.monitor.GetHealthHistory(context.Background(), "c-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
}

func TestPerformHealthCheckErrors(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)

	_, err := h.monitor.PerformHealthCheck(context.Background(), "missing")
	assert.True(t, kwerr.IsNotFound(err))

	h.addCredential(t, &store.Credential{ID: "c-rev", Status: store.CredentialRevoked})
	_, err = h.monitor.PerformHealthCheck(context.Background(), "c-rev")
	assert.True(t, kwerr.IsState(err))

	h.addCredential(t, &store.Credential{ID: "c-sql", ProbeType: store.ProbePostgres})
	_, err = h.monitor.PerformHealthCheck(context.Background(), "c-sql")
	assert.True(t, kwerr.IsValidation(err), "unregistered probe type")

	h.addCredential(t, &store.Credential{ID: "c-err"})
	h.checker.err = errors.New("probe misconfigured")
	_, err = h.monitor.PerformHealthCheck(context.Background(), "c-err")
	assert.Error(t, err)
}

func TestAlertAfterThresholdCrossed(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	h.addCredential(t, &store.Credential{
		ID:                    "c-1",
		ServiceTemplate:       "stripe",
		AlertOnFailure:        true,
		FailureAlertThreshold: 3,
	})
	h.checker.results["c-1"] = []Result{
		{Success: false, Message: "fail 1"},
		{Success: false, Message: "fail 2"},
		{Success: false, Message: "fail 3"},
	}

	for i := 0; i < 3; i++ {
		_, err := h.monitor.PerformHealthCheck(context.Background(), "c-1")
		require.NoError(t, err)
		h.clk.Advance(time.Minute)
	}
	h.notifier.Stop()

	// Exactly one alert: nothing below the threshold, one at the crossing.
	alerts := h.provider.captured()
	require.Len(t, alerts, 1)
	assert.Equal(t, notify.AlertHealthFailure, alerts[0].Type)
	assert.Equal(t, notify.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "c-1", alerts[0].CredentialID)
}

func TestSuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1", AlertOnFailure: true, FailureAlertThreshold: 2})
	h.checker.results["c-1"] = []Result{
		{Success: false, Message: "fail"},
		{Success: true, Message: "ok"},
		{Success: false, Message: "fail"},
	}

	for i := 0; i < 3; i++ {
		_, err := h.monitor.PerformHealthCheck(context.Background(), "c-1")
		require.NoError(t, err)
		h.clk.Advance(time.Minute)
	}

	status, err := h.monitor.GetHealthStatus(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.False(t, status.Healthy)

	h.notifier.Stop()
	assert.Empty(t, h.provider.captured(), "streak was broken, threshold never crossed")
}

func TestCalculateUptime(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1"})
	h.checker.results["c-1"] = []Result{
		{Success: true}, {Success: true}, {Success: true}, {Success: false},
	}

	for i := 0; i < 4; i++ {
		_, err := h.monitor.PerformHealthCheck(context.Background(), "c-1")
		require.NoError(t, err)
		h.clk.Advance(time.Hour)
	}

	uptime, err := h.monitor.CalculateUptime(context.Background(), "c-1", 7)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, uptime, 1e-9)

	// No results in the window counts as fully up.
	h.addCredential(t, &store.Credential{ID: "c-quiet"})
	uptime, err = h.monitor.CalculateUptime(context.Background(), "c-quiet", 7)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, uptime, 1e-9)

	_, err = h.monitor.CalculateUptime(context.Background(), "c-1", 0)
	assert.True(t, kwerr.IsValidation(err))
}

func TestDashboardOrdersWorstFirst(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-ok", ServiceTemplate: "stripe"})
	h.addCredential(t, &store.Credential{ID: "c-flaky", ServiceTemplate: "twilio"})
	h.addCredential(t, &store.Credential{ID: "c-down", ServiceTemplate: "sendgrid"})

	h.checker.results["c-flaky"] = []Result{{Success: false}}
	h.checker.results["c-down"] = []Result{{Success: false}, {Success: false}}

	for _, id := range []string{"c-ok", "c-flaky"} {
		_, err := h.monitor.PerformHealthCheck(context.Background(), id)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := h.monitor.PerformHealthCheck(context.Background(), "c-down")
		require.NoError(t, err)
		h.clk.Advance(time.Minute)
	}

	dashboard, err := h.monitor.Dashboard(context.Background())
	require.NoError(t, err)
	require.Len(t, dashboard, 3)
	assert.Equal(t, "c-down", dashboard[0].CredentialID)
	assert.Equal(t, "c-flaky", dashboard[1].CredentialID)
	assert.Equal(t, "c-ok", dashboard[2].CredentialID)
}

func TestPerformAllHealthChecksSweep(t *testing.T) {
	t.Parallel()

	h := newMonitorHarness(t)
	for _, id := range []string{"c-1", "c-2", "c-3"} {
		h.addCredential(t, &store.Credential{ID: id})
	}
	h.addCredential(t, &store.Credential{ID: "c-revoked", Status: store.CredentialRevoked})
	h.checker.results["c-2"] = []Result{{Success: false}}

	summary, err := h.monitor.PerformAllHealthChecks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Checked, "revoked credentials are skipped")
	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
}
