package store

import (
	"context"
	"time"
)

// CredentialFilter narrows ListCredentials.
type CredentialFilter struct {
	Status          CredentialStatus
	ServiceTemplate string
	PrimaryOnly     bool
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	CredentialID string
	Limit        int
}

// GrantFilter narrows ListGrants.
type GrantFilter struct {
	CredentialID string
	ActiveOnly   bool
}

// AuditFilter narrows audit queries. Zero values mean "any".
type AuditFilter struct {
	CredentialID string
	Action       string
	PerformedBy  string
	Success      *bool
	From         time.Time
	To           time.Time
}

// Page is offset pagination for audit queries.
type Page struct {
	Offset int
	Limit  int
}

// Store is the persistence contract for every lifecycle entity. Both the
// in-memory and the Postgres implementation satisfy it; components never see
// anything more specific.
type Store interface {
	// Credentials. Credentials are never deleted; revocation flips Status.
	CreateCredential(ctx context.Context, c *Credential) error
	GetCredential(ctx context.Context, id string) (*Credential, error)
	UpdateCredential(ctx context.Context, c *Credential) error
	ListCredentials(ctx context.Context, f CredentialFilter) ([]*Credential, error)

	// Rotation sessions. CreateSession enforces the at-most-one non-terminal
	// session invariant per credential and returns a ConflictError otherwise.
	// SetSessionPartner records the partner credential minted for a session;
	// it runs once, before the session enters its grace period.
	// CompareAndSwapSessionState applies a transition only if the session is
	// still in the expected state, reporting whether it won the swap.
	CreateSession(ctx context.Context, s *RotationSession) error
	SetSessionPartner(ctx context.Context, id, partnerID string) error
	GetSession(ctx context.Context, id string) (*RotationSession, error)
	ActiveSessionForCredential(ctx context.Context, credentialID string) (*RotationSession, error)
	CompareAndSwapSessionState(ctx context.Context, id string, from, to SessionState, finishedAt *time.Time, reason string) (bool, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*RotationSession, error)

	// Health results.
	InsertHealthResult(ctx context.Context, r *HealthCheckResult) error
	ListHealthResults(ctx context.Context, credentialID string, since time.Time, limit int) ([]*HealthCheckResult, error)
	DeleteHealthResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Emergency grants.
	CreateGrant(ctx context.Context, g *EmergencyGrant) error
	GetGrant(ctx context.Context, id string) (*EmergencyGrant, error)
	UpdateGrant(ctx context.Context, g *EmergencyGrant) error
	ListGrants(ctx context.Context, f GrantFilter) ([]*EmergencyGrant, error)

	// Audit log. Append plus retention pruning; no update path exists.
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter, p Page) ([]*AuditEntry, int, error)
	DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Job runs.
	CreateJobRun(ctx context.Context, r *JobRun) error
	FinishJobRun(ctx context.Context, id string, status JobStatus, summary, errMsg string, finishedAt time.Time) error
	ListJobRuns(ctx context.Context, jobType JobType, limit int) ([]*JobRun, error)
}
