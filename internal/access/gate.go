// Package access enforces per-credential usage policy: IP and domain
// allowlists, rate limits and concurrency caps, with an emergency override
// that bypasses the limiters but never the allowlists' audit trail.
package access

import (
	"context"
	"fmt"

	"github.com/keywheel/keywheel/internal/audit"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/store"
)

// Denial reason codes surfaced to callers and recorded on the trail.
const (
	ReasonIPNotAllowed       = "ip_not_allowed"
	ReasonDomainNotAllowed   = "domain_not_allowed"
	ReasonRateLimited        = "rate_limit_exceeded"
	ReasonConcurrencyLimited = "concurrency_limit_exceeded"
)

// Decision is the outcome of one access check.
type Decision struct {
	Allowed bool

	// Reason carries the denial code when Allowed is false.
	Reason string

	// EmergencyOverride is set when an active grant bypassed the limiters.
	EmergencyOverride bool
}

// EmergencyChecker reports whether a credential currently has an active
// emergency grant.
type EmergencyChecker interface {
	HasActiveGrant(ctx context.Context, credentialID string) (bool, error)
}

// SecurityMetrics aggregates the policy surface for dashboards.
type SecurityMetrics struct {
	TotalCredentials        int
	WithIPRestrictions      int
	WithDomainRestrictions  int
	WithRateLimits          int
	WithConcurrencyLimits   int
	WithEmergencyAccess     int
	CredentialsBeingLimited int
}

// Gate evaluates access policy for credential use. Checks run in a fixed
// order: IP allowlist, domain allowlist, emergency override, rate limit,
// concurrency cap. The first denial wins and is audited.
type Gate struct {
	store     store.Store
	limiter   *Limiter
	emergency EmergencyChecker
	recorder  *audit.Recorder
	logger    *logging.Logger
}

// NewGate wires the gate. emergency may be nil when emergency access is
// disabled entirely.
func NewGate(s store.Store, limiter *Limiter, emergency EmergencyChecker, recorder *audit.Recorder, logger *logging.Logger) *Gate {
	return &Gate{
		store:     s,
		limiter:   limiter,
		emergency: emergency,
		recorder:  recorder,
		logger:    logger.With("access"),
	}
}

// CheckAccess evaluates whether a call with the given client IP and origin
// domain may use the credential. A denied Decision is not an error; errors
// mean the check itself could not run. Allowed calls hold a concurrency slot
// until Release.
func (g *Gate) CheckAccess(ctx context.Context, credentialID, clientIP, domain string) (Decision, error) {
	cred, err := g.store.GetCredential(ctx, credentialID)
	if err != nil {
		return Decision{}, err
	}
	if cred.Status != store.CredentialActive {
		return Decision{}, kwerr.State(string(cred.Status), "use", "credential is not active")
	}

	if !ipAllowed(cred.AllowedIPs, clientIP) {
		return g.deny(cred, clientIP, domain, ReasonIPNotAllowed), nil
	}
	if !domainAllowed(cred.AllowedDomains, domain) {
		return g.deny(cred, clientIP, domain, ReasonDomainNotAllowed), nil
	}

	if cred.EmergencyAccessEnabled && g.emergency != nil {
		active, err := g.emergency.HasActiveGrant(ctx, credentialID)
		if err != nil {
			return Decision{}, err
		}
		if active {
			g.limiter.AcquireConcurrency(credentialID, nil)
			g.recorder.Record(audit.Event{
				CredentialID: credentialID,
				Action:       audit.ActionAccessGranted,
				IPAddress:    clientIP,
				Success:      true,
				Metadata:     map[string]string{"emergency_override": "true", "domain": domain},
			})
			return Decision{Allowed: true, EmergencyOverride: true}, nil
		}
	}

	if !g.limiter.AllowRate(credentialID, cred.RateLimit) {
		return g.deny(cred, clientIP, domain, ReasonRateLimited), nil
	}
	if !g.limiter.AcquireConcurrency(credentialID, cred.ConcurrentLimit) {
		return g.deny(cred, clientIP, domain, ReasonConcurrencyLimited), nil
	}
	return Decision{Allowed: true}, nil
}

// Release returns the concurrency slot taken by an allowed check. Call it
// when the credential use finishes.
func (g *Gate) Release(credentialID string) {
	g.limiter.ReleaseConcurrency(credentialID)
}

func (g *Gate) deny(cred *store.Credential, clientIP, domain, reason string) Decision {
	g.logger.Debug("denied %s for %s: %s", cred.ID, clientIP, reason)
	g.recorder.Record(audit.Event{
		CredentialID: cred.ID,
		Action:       audit.ActionAccessDenied,
		IPAddress:    clientIP,
		Success:      false,
		ErrorMessage: reason,
		Metadata:     map[string]string{"domain": domain},
	})
	return Decision{Allowed: false, Reason: reason}
}

// UpdateIPWhitelist validates and replaces the credential's IP allowlist.
func (g *Gate) UpdateIPWhitelist(ctx context.Context, credentialID, actor string, entries []string) error {
	if err := validateIPEntries(entries); err != nil {
		return kwerr.Validation("allowed_ips", "%s", err)
	}
	return g.mutatePolicy(ctx, credentialID, actor, audit.ActionIPWhitelistUpdated,
		map[string]string{"entries": fmt.Sprintf("%d", len(entries))},
		func(cred *store.Credential) {
			cred.AllowedIPs = entries
		})
}

// UpdateDomainWhitelist validates and replaces the credential's domain
// allowlist.
func (g *Gate) UpdateDomainWhitelist(ctx context.Context, credentialID, actor string, entries []string) error {
	if err := validateDomainEntries(entries); err != nil {
		return kwerr.Validation("allowed_domains", "%s", err)
	}
	return g.mutatePolicy(ctx, credentialID, actor, audit.ActionDomainWhitelistUpdated,
		map[string]string{"entries": fmt.Sprintf("%d", len(entries))},
		func(cred *store.Credential) {
			cred.AllowedDomains = entries
		})
}

// UpdateRateLimits sets the per-minute rate limit and concurrency cap. Nil
// clears a limit; values must be positive.
func (g *Gate) UpdateRateLimits(ctx context.Context, credentialID, actor string, rateLimit, concurrentLimit *int) error {
	if rateLimit != nil && *rateLimit <= 0 {
		return kwerr.Validation("rate_limit", "must be positive")
	}
	if concurrentLimit != nil && *concurrentLimit <= 0 {
		return kwerr.Validation("concurrent_limit", "must be positive")
	}
	return g.mutatePolicy(ctx, credentialID, actor, audit.ActionRateLimitsUpdated,
		map[string]string{
			"rate_limit":       formatLimit(rateLimit),
			"concurrent_limit": formatLimit(concurrentLimit),
		},
		func(cred *store.Credential) {
			cred.RateLimit = rateLimit
			cred.ConcurrentLimit = concurrentLimit
		})
}

func (g *Gate) mutatePolicy(ctx context.Context, credentialID, actor, action string, metadata map[string]string, apply func(*store.Credential)) error {
	cred, err := g.store.GetCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	apply(cred)
	if err := g.store.UpdateCredential(ctx, cred); err != nil {
		return err
	}
	g.recorder.Record(audit.Event{
		CredentialID: credentialID,
		Action:       action,
		PerformedBy:  actor,
		Success:      true,
		Metadata:     metadata,
	})
	return nil
}

func formatLimit(v *int) string {
	if v == nil {
		return "unlimited"
	}
	return fmt.Sprintf("%d", *v)
}

// GetRateLimitStatus reports the live limiter state for one credential.
func (g *Gate) GetRateLimitStatus(ctx context.Context, credentialID string) (RateStatus, error) {
	cred, err := g.store.GetCredential(ctx, credentialID)
	if err != nil {
		return RateStatus{}, err
	}
	return g.limiter.Status(credentialID, cred.RateLimit), nil
}

// GetAllRateLimitStats reports limiter state for every credential the
// limiter is tracking.
func (g *Gate) GetAllRateLimitStats(ctx context.Context) ([]RateStatus, error) {
	var out []RateStatus
	for _, id := range g.limiter.TrackedCredentials() {
		cred, err := g.store.GetCredential(ctx, id)
		if err != nil {
			if kwerr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, g.limiter.Status(id, cred.RateLimit))
	}
	return out, nil
}

// GetSecurityMetrics aggregates the restriction surface across credentials.
func (g *Gate) GetSecurityMetrics(ctx context.Context) (SecurityMetrics, error) {
	creds, err := g.store.ListCredentials(ctx, store.CredentialFilter{})
	if err != nil {
		return SecurityMetrics{}, err
	}

	m := SecurityMetrics{
		TotalCredentials:        len(creds),
		CredentialsBeingLimited: len(g.limiter.TrackedCredentials()),
	}
	for _, c := range creds {
		if len(c.AllowedIPs) > 0 {
			m.WithIPRestrictions++
		}
		if len(c.AllowedDomains) > 0 {
			m.WithDomainRestrictions++
		}
		if c.RateLimit != nil {
			m.WithRateLimits++
		}
		if c.ConcurrentLimit != nil {
			m.WithConcurrencyLimits++
		}
		if c.EmergencyAccessEnabled {
			m.WithEmergencyAccess++
		}
	}
	return m, nil
}
