package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/notify"
	"github.com/keywheel/keywheel/internal/store"
)

// MonitorConfig holds configuration for the health monitor.
type MonitorConfig struct {
	// Parallelism bounds concurrent probes during a sweep. Default: 4
	Parallelism int

	// HistoryWindow is how far back consecutive failures are derived from.
	// Default: 50 results
	HistoryWindow int
}

// DefaultMonitorConfig returns the default monitor configuration.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Parallelism:   4,
		HistoryWindow: 50,
	}
}

// Status is the derived health view for one credential.
type Status struct {
	CredentialID        string
	ServiceTemplate     string
	Healthy             bool
	ConsecutiveFailures int
	LastChecked         time.Time
	LastMessage         string

	// UptimePct covers the past 24 hours. 100 when never checked.
	UptimePct float64
}

// SweepSummary reports the outcome of a full probe sweep.
type SweepSummary struct {
	Checked int
	Passed  int
	Failed  int
}

// Monitor probes credentials, persists results and raises alerts when a
// credential crosses its failure threshold.
type Monitor struct {
	store    store.Store
	registry Registry
	notifier *notify.Manager
	clk      clock.Clock
	logger   *logging.Logger
	config   MonitorConfig
}

// NewMonitor wires a monitor. notifier may be nil when alerting is disabled.
func NewMonitor(s store.Store, registry Registry, notifier *notify.Manager, clk clock.Clock, logger *logging.Logger, config MonitorConfig) *Monitor {
	if config.Parallelism <= 0 {
		config.Parallelism = DefaultMonitorConfig().Parallelism
	}
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = DefaultMonitorConfig().HistoryWindow
	}
	return &Monitor{
		store:    s,
		registry: registry,
		notifier: notifier,
		clk:      clk,
		logger:   logger.With("health"),
		config:   config,
	}
}

// PerformHealthCheck probes one credential and records the result. A failed
// probe is reflected in the returned result, not in the error; errors mean
// the check could not run.
func (m *Monitor) PerformHealthCheck(ctx context.Context, credentialID string) (*store.HealthCheckResult, error) {
	cred, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.Status != store.CredentialActive {
		return nil, kwerr.State(string(cred.Status), "health_check", "credential is not active")
	}
	checker, ok := m.registry[cred.ProbeType]
	if !ok {
		return nil, kwerr.Validation("probe_type", "no checker for probe type %q", cred.ProbeType)
	}

	probed, err := checker.Probe(ctx, cred)
	if err != nil {
		return nil, err
	}

	result := &store.HealthCheckResult{
		ID:             uuid.NewString(),
		CredentialID:   cred.ID,
		Timestamp:      m.clk.Now().UTC(),
		StatusCode:     probed.StatusCode,
		ResponseTimeMs: probed.ResponseTimeMs,
		Success:        probed.Success,
		Message:        probed.Message,
	}
	if err := m.store.InsertHealthResult(ctx, result); err != nil {
		return nil, err
	}

	recordProbe(cred.ServiceTemplate, string(cred.ProbeType), float64(probed.ResponseTimeMs)/1000, probed.Success)
	recordStatus(cred.ID, cred.ServiceTemplate, probed.Success)

	if !probed.Success {
		m.logger.Warn("probe failed for %s (%s): %s", cred.ID, cred.ServiceTemplate, probed.Message)
		m.maybeAlert(ctx, cred)
	}
	return result, nil
}

// maybeAlert raises a health failure alert once the consecutive failure
// count reaches the credential's threshold.
func (m *Monitor) maybeAlert(ctx context.Context, cred *store.Credential) {
	if m.notifier == nil || !cred.AlertOnFailure {
		return
	}
	threshold := cred.FailureAlertThreshold
	if threshold <= 0 {
		threshold = 3
	}
	fails, err := m.consecutiveFailures(ctx, cred.ID)
	if err != nil {
		m.logger.Error("deriving failure count for %s: %v", cred.ID, err)
		return
	}
	if fails < threshold {
		return
	}
	m.notifier.Send(notify.Alert{
		Type:         notify.AlertHealthFailure,
		Severity:     notify.SeverityCritical,
		CredentialID: cred.ID,
		Service:      cred.ServiceTemplate,
		Message:      fmt.Sprintf("%d consecutive probe failures", fails),
		Metadata:     map[string]string{"threshold": fmt.Sprintf("%d", threshold)},
		Timestamp:    m.clk.Now().UTC(),
	})
}

// consecutiveFailures counts leading failures in the newest-first history.
func (m *Monitor) consecutiveFailures(ctx context.Context, credentialID string) (int, error) {
	results, err := m.store.ListHealthResults(ctx, credentialID, time.Time{}, m.config.HistoryWindow)
	if err != nil {
		return 0, err
	}
	fails := 0
	for _, r := range results {
		if r.Success {
			break
		}
		fails++
	}
	return fails, nil
}

// PerformAllHealthChecks sweeps every active credential with bounded
// parallelism. Individual probe errors are logged, not returned.
func (m *Monitor) PerformAllHealthChecks(ctx context.Context) (SweepSummary, error) {
	creds, err := m.store.ListCredentials(ctx, store.CredentialFilter{Status: store.CredentialActive})
	if err != nil {
		return SweepSummary{}, err
	}

	var (
		mu      sync.Mutex
		summary SweepSummary
		wg      sync.WaitGroup
	)
	sem := make(chan struct{}, m.config.Parallelism)
	for _, cred := range creds {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := m.PerformHealthCheck(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			switch {
			case err != nil:
				m.logger.Error("sweep probe for %s: %v", id, err)
				summary.Failed++
			case result.Success:
				summary.Passed++
			default:
				summary.Failed++
			}
		}(cred.ID)
	}
	wg.Wait()
	return summary, nil
}

// GetHealthStatus derives the current health view for one credential.
func (m *Monitor) GetHealthStatus(ctx context.Context, credentialID string) (*Status, error) {
	cred, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	return m.statusFor(ctx, cred)
}

func (m *Monitor) statusFor(ctx context.Context, cred *store.Credential) (*Status, error) {
	status := &Status{
		CredentialID:    cred.ID,
		ServiceTemplate: cred.ServiceTemplate,
		Healthy:         true,
		UptimePct:       100,
	}

	results, err := m.store.ListHealthResults(ctx, cred.ID, time.Time{}, m.config.HistoryWindow)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		status.Healthy = results[0].Success
		status.LastChecked = results[0].Timestamp
		status.LastMessage = results[0].Message
		for _, r := range results {
			if r.Success {
				break
			}
			status.ConsecutiveFailures++
		}
	}

	uptime, err := m.CalculateUptime(ctx, cred.ID, 1)
	if err != nil {
		return nil, err
	}
	status.UptimePct = uptime
	return status, nil
}

// CalculateUptime returns the probe success percentage over the past N days.
// A credential with no results in the window counts as 100.
func (m *Monitor) CalculateUptime(ctx context.Context, credentialID string, days int) (float64, error) {
	if days <= 0 {
		return 0, kwerr.Validation("days", "must be positive")
	}
	since := m.clk.Now().AddDate(0, 0, -days)
	results, err := m.store.ListHealthResults(ctx, credentialID, since, 0)
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 100, nil
	}
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	return float64(ok) * 100 / float64(len(results)), nil
}

// GetHealthHistory returns the newest-first probe history for a credential.
func (m *Monitor) GetHealthHistory(ctx context.Context, credentialID string, limit int) ([]*store.HealthCheckResult, error) {
	if _, err := m.store.GetCredential(ctx, credentialID); err != nil {
		return nil, err
	}
	return m.store.ListHealthResults(ctx, credentialID, time.Time{}, limit)
}

// Dashboard returns the health view for every active credential, worst
// first.
func (m *Monitor) Dashboard(ctx context.Context) ([]*Status, error) {
	creds, err := m.store.ListCredentials(ctx, store.CredentialFilter{Status: store.CredentialActive})
	if err != nil {
		return nil, err
	}

	statuses := make([]*Status, 0, len(creds))
	for _, cred := range creds {
		s, err := m.statusFor(ctx, cred)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, s)
	}
	sort.SliceStable(statuses, func(i, j int) bool {
		a, b := statuses[i], statuses[j]
		if a.ConsecutiveFailures != b.ConsecutiveFailures {
			return a.ConsecutiveFailures > b.ConsecutiveFailures
		}
		return a.UptimePct < b.UptimePct
	})
	return statuses, nil
}
