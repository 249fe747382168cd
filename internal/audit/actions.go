package audit

// Canonical action names recorded on the trail. Queries and compliance
// reports key off these, so every writer uses the constants.
const (
	ActionCredentialCreated = "credential_created"
	ActionCredentialUpdated = "credential_updated"
	ActionCredentialRevoked = "credential_revoked"

	ActionRotationInitiated  = "rotation_initiated"
	ActionRotationCompleted  = "rotation_completed"
	ActionRotationRolledBack = "rotation_rolled_back"
	ActionRotationCancelled  = "rotation_cancelled"
	ActionRotationFailed     = "rotation_failed"

	ActionAccessGranted = "access_granted"
	ActionAccessDenied  = "access_denied"

	ActionIPWhitelistUpdated     = "ip_whitelist_updated"
	ActionDomainWhitelistUpdated = "domain_whitelist_updated"
	ActionRateLimitsUpdated      = "rate_limits_updated"

	ActionEmergencyGranted = "emergency_access_granted"
	ActionEmergencyRevoked = "emergency_access_revoked"
	ActionEmergencyExpired = "emergency_access_expired"
)
