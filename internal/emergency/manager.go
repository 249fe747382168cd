// Package emergency manages time-boxed break-glass access grants. A grant
// lifts rate and concurrency limits for one credential until it expires or
// is revoked; allowlists still apply.
package emergency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keywheel/keywheel/internal/audit"
	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/notify"
	"github.com/keywheel/keywheel/internal/store"
)

const (
	// MinReasonLength forces a usable justification on every grant.
	MinReasonLength = 10

	// MaxDurationHours caps grants at one day.
	MaxDurationHours = 24
)

// GrantState classifies a credential's emergency standing.
type GrantState string

const (
	StateActive  GrantState = "active"
	StateExpired GrantState = "expired"
	StateNone    GrantState = "none"
)

// Manager owns the grant lifecycle.
type Manager struct {
	store    store.Store
	recorder *audit.Recorder
	notifier *notify.Manager
	clk      clock.Clock
	logger   *logging.Logger
}

// NewManager wires the manager. notifier may be nil when alerting is
// disabled.
func NewManager(s store.Store, recorder *audit.Recorder, notifier *notify.Manager, clk clock.Clock, logger *logging.Logger) *Manager {
	return &Manager{
		store:    s,
		recorder: recorder,
		notifier: notifier,
		clk:      clk,
		logger:   logger.With("emergency"),
	}
}

// Request creates a grant for the credential. The reason must carry at least
// MinReasonLength characters and the duration must be 1 to 24 hours.
func (m *Manager) Request(ctx context.Context, credentialID, actor, reason string, durationHours int) (*store.EmergencyGrant, error) {
	if len(strings.TrimSpace(reason)) < MinReasonLength {
		return nil, kwerr.Validation("reason", "must be at least %d characters", MinReasonLength)
	}
	if durationHours < 1 || durationHours > MaxDurationHours {
		return nil, kwerr.Validation("duration_hours", "must be between 1 and %d", MaxDurationHours)
	}

	cred, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.Status != store.CredentialActive {
		return nil, kwerr.State(string(cred.Status), "emergency_access", "credential is not active")
	}

	now := m.clk.Now().UTC()
	grant := &store.EmergencyGrant{
		ID:            uuid.NewString(),
		CredentialID:  credentialID,
		RequestedBy:   actor,
		Reason:        reason,
		DurationHours: durationHours,
		GrantedAt:     now,
		ExpiresAt:     now.Add(time.Duration(durationHours) * time.Hour),
		Active:        true,
	}
	if err := m.store.CreateGrant(ctx, grant); err != nil {
		return nil, err
	}

	if !cred.EmergencyAccessEnabled {
		cred.EmergencyAccessEnabled = true
		if err := m.store.UpdateCredential(ctx, cred); err != nil {
			return nil, err
		}
	}

	m.logger.Warn("emergency access granted on %s to %s for %dh", credentialID, actor, durationHours)
	m.recorder.Record(audit.Event{
		CredentialID: credentialID,
		Action:       audit.ActionEmergencyGranted,
		PerformedBy:  actor,
		Success:      true,
		Metadata: map[string]string{
			"grant_id":       grant.ID,
			"duration_hours": fmt.Sprintf("%d", durationHours),
			"reason":         reason,
		},
	})
	m.alert(notify.AlertEmergencyGranted, notify.SeverityWarning, cred,
		fmt.Sprintf("emergency access granted to %s for %dh: %s", actor, durationHours, reason))
	return grant, nil
}

// Check classifies the credential's emergency standing by pure time
// comparison. It never mutates grants; expiry bookkeeping belongs to
// ExpireOverdue.
func (m *Manager) Check(ctx context.Context, credentialID string) (GrantState, *store.EmergencyGrant, error) {
	grants, err := m.store.ListGrants(ctx, store.GrantFilter{CredentialID: credentialID})
	if err != nil {
		return StateNone, nil, err
	}

	now := m.clk.Now()
	var newest *store.EmergencyGrant
	for _, g := range grants {
		if !g.Active {
			continue
		}
		if now.Before(g.ExpiresAt) {
			return StateActive, g, nil
		}
		if newest == nil || g.ExpiresAt.After(newest.ExpiresAt) {
			newest = g
		}
	}
	if newest != nil {
		return StateExpired, newest, nil
	}
	return StateNone, nil, nil
}

// HasActiveGrant reports whether the credential has a live grant. The access
// gate calls this on every emergency-enabled check.
func (m *Manager) HasActiveGrant(ctx context.Context, credentialID string) (bool, error) {
	state, _, err := m.Check(ctx, credentialID)
	return state == StateActive, err
}

// Revoke terminates a grant before its expiry.
func (m *Manager) Revoke(ctx context.Context, grantID, actor string) error {
	grant, err := m.store.GetGrant(ctx, grantID)
	if err != nil {
		return err
	}
	if !grant.Active {
		return kwerr.State("inactive", "revoke", "grant is already inactive")
	}

	now := m.clk.Now().UTC()
	grant.Active = false
	grant.RevokedAt = &now
	grant.RevokedBy = actor
	if err := m.store.UpdateGrant(ctx, grant); err != nil {
		return err
	}
	cred, err := m.deactivateIfLastGrant(ctx, grant.CredentialID)
	if err != nil {
		return err
	}

	m.recorder.Record(audit.Event{
		CredentialID: grant.CredentialID,
		Action:       audit.ActionEmergencyRevoked,
		PerformedBy:  actor,
		Success:      true,
		Metadata:     map[string]string{"grant_id": grant.ID},
	})
	m.alert(notify.AlertEmergencyRevoked, notify.SeverityInfo, cred,
		fmt.Sprintf("emergency access revoked by %s", actor))
	return nil
}

// ActiveGrants lists every grant that is still live right now.
func (m *Manager) ActiveGrants(ctx context.Context) ([]*store.EmergencyGrant, error) {
	grants, err := m.store.ListGrants(ctx, store.GrantFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	now := m.clk.Now()
	live := grants[:0]
	for _, g := range grants {
		if now.Before(g.ExpiresAt) {
			live = append(live, g)
		}
	}
	return live, nil
}

// ExpireOverdue deactivates grants past their expiry and returns how many it
// expired. The scheduler runs this; it is idempotent.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	grants, err := m.store.ListGrants(ctx, store.GrantFilter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}

	now := m.clk.Now()
	expired := 0
	for _, g := range grants {
		if now.Before(g.ExpiresAt) {
			continue
		}
		g.Active = false
		if err := m.store.UpdateGrant(ctx, g); err != nil {
			return expired, err
		}
		if _, err := m.deactivateIfLastGrant(ctx, g.CredentialID); err != nil {
			return expired, err
		}
		expired++

		m.recorder.Record(audit.Event{
			CredentialID: g.CredentialID,
			Action:       audit.ActionEmergencyExpired,
			PerformedBy:  "scheduler",
			Success:      true,
			Metadata:     map[string]string{"grant_id": g.ID},
		})
	}
	return expired, nil
}

// deactivateIfLastGrant clears the credential's emergency flag when no live
// grants remain, and returns the credential for alerting.
func (m *Manager) deactivateIfLastGrant(ctx context.Context, credentialID string) (*store.Credential, error) {
	cred, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	state, _, err := m.Check(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if state != StateActive && cred.EmergencyAccessEnabled {
		cred.EmergencyAccessEnabled = false
		if err := m.store.UpdateCredential(ctx, cred); err != nil {
			return nil, err
		}
	}
	return cred, nil
}

func (m *Manager) alert(alertType notify.AlertType, severity notify.Severity, cred *store.Credential, message string) {
	if m.notifier == nil || cred == nil {
		return
	}
	m.notifier.Send(notify.Alert{
		Type:         alertType,
		Severity:     severity,
		CredentialID: cred.ID,
		Service:      cred.ServiceTemplate,
		Message:      message,
		Timestamp:    m.clk.Now().UTC(),
	})
}
