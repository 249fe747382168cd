// Package store defines the persisted entities of the credential lifecycle
// service and the Store contract the components operate against.
package store

import "time"

// CredentialStatus is the lifecycle status of a credential record.
// Revoked credentials are kept for audit continuity, never deleted.
type CredentialStatus string

const (
	CredentialActive  CredentialStatus = "active"
	CredentialRevoked CredentialStatus = "revoked"
)

// ProbeType selects the health checker used for a credential's endpoint.
type ProbeType string

const (
	ProbeHTTP     ProbeType = "http"
	ProbePostgres ProbeType = "postgres"
	ProbeMySQL    ProbeType = "mysql"
)

// Credential is a named external-service access secret plus its access policy.
type Credential struct {
	ID              string
	ServiceTemplate string
	Endpoint        string
	ProbeType       ProbeType
	Material        string
	IsPrimary       bool
	Status          CredentialStatus

	// RotationPartnerID links to the sibling credential that holds the new
	// material while a rotation is in its grace period.
	RotationPartnerID *string

	AllowedIPs      []string
	AllowedDomains  []string
	RateLimit       *int
	ConcurrentLimit *int

	EmergencyAccessEnabled bool
	AlertOnFailure         bool
	FailureAlertThreshold  int

	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionState is the state of a rotation session. The operative window is
// grace_period; everything after it is terminal.
type SessionState string

const (
	SessionInitiated   SessionState = "initiated"
	SessionGracePeriod SessionState = "grace_period"
	SessionCompleted   SessionState = "completed"
	SessionRolledBack  SessionState = "rolled_back"
	SessionCancelled   SessionState = "cancelled"
	SessionFailed      SessionState = "failed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionRolledBack, SessionCancelled, SessionFailed:
		return true
	}
	return false
}

// RotationConfig holds the per-session rotation parameters.
type RotationConfig struct {
	GracePeriodMinutes       int
	HealthCheckCount         int
	HealthCheckIntervalMs    int
	AutoRollbackOnFailure    bool
	RollbackFailureThreshold int
}

// RotationSession is one attempt to replace a credential's material without
// downtime. CredentialID is the credential under rotation; NewCredentialID is
// the partner carrying the replacement material.
type RotationSession struct {
	ID              string
	CredentialID    string
	NewCredentialID string
	State           SessionState
	Config          RotationConfig
	InitiatedBy     string
	FailureReason   string
	StartedAt       time.Time
	CompletedAt     *time.Time
	RolledBackAt    *time.Time
}

// HealthCheckResult is one probe outcome for a credential's endpoint.
type HealthCheckResult struct {
	ID             string
	CredentialID   string
	Timestamp      time.Time
	StatusCode     int
	ResponseTimeMs int64
	Success        bool
	Message        string
}

// EmergencyGrant is a time-boxed elevated-access exception to normal policy.
type EmergencyGrant struct {
	ID            string
	CredentialID  string
	RequestedBy   string
	Reason        string
	DurationHours int
	GrantedAt     time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	RevokedBy     string
	Active        bool
}

// AuditEntry is one append-only record of a security-relevant action.
type AuditEntry struct {
	ID           string
	CredentialID string
	Action       string
	PerformedBy  string
	IPAddress    string
	UserAgent    string
	Success      bool
	ErrorMessage string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// JobType identifies a background job. The set is closed; the scheduler
// refuses unknown types.
type JobType string

const (
	JobHealthCheck          JobType = "health_check"
	JobEmergencyExpiration  JobType = "emergency_expiration"
	JobCredentialExpiryWarn JobType = "credential_expiration_warning"
	JobAuditLogCleanup      JobType = "audit_log_cleanup"
	JobHealthHistoryCleanup JobType = "health_history_cleanup"
)

// AllJobTypes lists every schedulable job type.
func AllJobTypes() []JobType {
	return []JobType{
		JobHealthCheck,
		JobEmergencyExpiration,
		JobCredentialExpiryWarn,
		JobAuditLogCleanup,
		JobHealthHistoryCleanup,
	}
}

// JobTrigger records how a run was started.
type JobTrigger string

const (
	TriggerScheduled JobTrigger = "scheduled"
	TriggerManual    JobTrigger = "manual"
)

// JobStatus is the outcome of a job run.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// JobRun is one execution of a background job.
type JobRun struct {
	ID         string
	JobType    JobType
	Trigger    JobTrigger
	Status     JobStatus
	Summary    string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}
