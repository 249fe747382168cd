// Package notify delivers operational alerts about credentials without ever
// blocking the operation that raised them. Delivery is best-effort over an
// async bounded queue.
package notify

import "time"

// AlertType identifies the kind of operational alert.
type AlertType string

const (
	// AlertHealthFailure fires when a credential crosses its consecutive
	// failure threshold.
	AlertHealthFailure AlertType = "health_failure"

	// AlertCredentialExpiring fires from the expiration warning job.
	AlertCredentialExpiring AlertType = "credential_expiring"

	// AlertEmergencyGranted fires when emergency access is granted.
	AlertEmergencyGranted AlertType = "emergency_granted"

	// AlertEmergencyRevoked fires when a grant is revoked before expiry.
	AlertEmergencyRevoked AlertType = "emergency_revoked"

	// AlertRotationCompleted fires when a rotation session finalizes.
	AlertRotationCompleted AlertType = "rotation_completed"

	// AlertRotationRolledBack fires when a rotation is rolled back,
	// automatically or by an operator.
	AlertRotationRolledBack AlertType = "rotation_rolled_back"

	// AlertJobFailed fires when a background job run fails.
	AlertJobFailed AlertType = "job_failed"
)

// Severity ranks how urgently an alert needs attention.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a single operational event queued for delivery.
type Alert struct {
	Type         AlertType
	Severity     Severity
	CredentialID string
	Service      string
	Message      string
	Metadata     map[string]string
	Timestamp    time.Time
}
