package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/emergency"
	"github.com/keywheel/keywheel/internal/health"
	"github.com/keywheel/keywheel/internal/notify"
	"github.com/keywheel/keywheel/internal/store"
)

// JobsConfig holds the cadence and retention knobs for the built-in jobs.
type JobsConfig struct {
	HealthCheckInterval     time.Duration
	EmergencyExpiryInterval time.Duration
	ExpiryWarnInterval      time.Duration
	AuditCleanupInterval    time.Duration
	HealthCleanupInterval   time.Duration

	// ExpiryWarningDays is how far ahead the warning job looks.
	ExpiryWarningDays int

	// AuditRetentionDays and HealthRetentionDays bound the cleanup jobs.
	AuditRetentionDays  int
	HealthRetentionDays int
}

// DefaultJobsConfig returns the default cadences and retention windows.
func DefaultJobsConfig() JobsConfig {
	return JobsConfig{
		HealthCheckInterval:     5 * time.Minute,
		EmergencyExpiryInterval: time.Minute,
		ExpiryWarnInterval:      6 * time.Hour,
		AuditCleanupInterval:    24 * time.Hour,
		HealthCleanupInterval:   24 * time.Hour,
		ExpiryWarningDays:       14,
		AuditRetentionDays:      365,
		HealthRetentionDays:     30,
	}
}

// Deps carries everything the built-in job handlers touch.
type Deps struct {
	Store     store.Store
	Monitor   *health.Monitor
	Emergency *emergency.Manager
	Notifier  *notify.Manager
	Clock     clock.Clock
}

// RegisterDefaultJobs binds every job type to its built-in handler.
func RegisterDefaultJobs(s *Scheduler, deps Deps, cfg JobsConfig) error {
	registrations := []struct {
		jobType  store.JobType
		interval time.Duration
		handler  Handler
	}{
		{store.JobHealthCheck, cfg.HealthCheckInterval, healthSweepJob(deps)},
		{store.JobEmergencyExpiration, cfg.EmergencyExpiryInterval, emergencyExpiryJob(deps)},
		{store.JobCredentialExpiryWarn, cfg.ExpiryWarnInterval, expiryWarningJob(deps, cfg.ExpiryWarningDays)},
		{store.JobAuditLogCleanup, cfg.AuditCleanupInterval, auditCleanupJob(deps, cfg.AuditRetentionDays)},
		{store.JobHealthHistoryCleanup, cfg.HealthCleanupInterval, healthCleanupJob(deps, cfg.HealthRetentionDays)},
	}
	for _, r := range registrations {
		if err := s.Register(r.jobType, r.interval, r.handler); err != nil {
			return err
		}
	}
	return nil
}

func healthSweepJob(deps Deps) Handler {
	return func(ctx context.Context) (string, error) {
		summary, err := deps.Monitor.PerformAllHealthChecks(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("checked %d credentials, %d passed, %d failed",
			summary.Checked, summary.Passed, summary.Failed), nil
	}
}

func emergencyExpiryJob(deps Deps) Handler {
	return func(ctx context.Context) (string, error) {
		n, err := deps.Emergency.ExpireOverdue(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("expired %d overdue grants", n), nil
	}
}

func expiryWarningJob(deps Deps, warningDays int) Handler {
	return func(ctx context.Context) (string, error) {
		creds, err := deps.Store.ListCredentials(ctx, store.CredentialFilter{Status: store.CredentialActive})
		if err != nil {
			return "", err
		}

		now := deps.Clock.Now()
		horizon := now.AddDate(0, 0, warningDays)
		warned := 0
		for _, cred := range creds {
			if cred.ExpiresAt == nil || cred.ExpiresAt.After(horizon) {
				continue
			}
			warned++
			if deps.Notifier == nil {
				continue
			}
			days := int(cred.ExpiresAt.Sub(now).Hours() / 24)
			message := fmt.Sprintf("credential expires in %d days", days)
			if cred.ExpiresAt.Before(now) {
				message = "credential is past its expiry date"
			}
			deps.Notifier.Send(notify.Alert{
				Type:         notify.AlertCredentialExpiring,
				Severity:     notify.SeverityWarning,
				CredentialID: cred.ID,
				Service:      cred.ServiceTemplate,
				Message:      message,
				Timestamp:    now.UTC(),
			})
		}
		return fmt.Sprintf("warned on %d expiring credentials", warned), nil
	}
}

func auditCleanupJob(deps Deps, retentionDays int) Handler {
	return func(ctx context.Context) (string, error) {
		cutoff := deps.Clock.Now().AddDate(0, 0, -retentionDays)
		n, err := deps.Store.DeleteAuditBefore(ctx, cutoff)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pruned %d audit entries", n), nil
	}
}

func healthCleanupJob(deps Deps, retentionDays int) Handler {
	return func(ctx context.Context) (string, error) {
		cutoff := deps.Clock.Now().AddDate(0, 0, -retentionDays)
		n, err := deps.Store.DeleteHealthResultsBefore(ctx, cutoff)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pruned %d health results", n), nil
	}
}
