package notify

import "context"

// Provider delivers alerts to one destination.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// SupportsAlert reports whether this provider wants the alert type.
	SupportsAlert(alertType AlertType) bool

	// Send delivers the alert. Errors are logged by the manager and never
	// propagate to the caller that raised the alert.
	Send(ctx context.Context, alert Alert) error

	// Validate checks the provider configuration.
	Validate(ctx context.Context) error
}
