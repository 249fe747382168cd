// Package health probes credential endpoints and keeps their check history.
// A failed probe is data recorded on the trail of results, never an error to
// the caller; errors mean the probe could not be attempted at all.
package health

import (
	"context"
	"time"

	"github.com/keywheel/keywheel/internal/store"
)

// Result is the outcome of one probe attempt.
type Result struct {
	Success        bool
	StatusCode     int
	ResponseTimeMs int64
	Message        string
}

// Checker probes one protocol. Implementations return a Result even when the
// probe fails; an error means the checker was misconfigured.
type Checker interface {
	// Name identifies the checker in logs and metrics.
	Name() string

	// Probe exercises the credential against its endpoint.
	Probe(ctx context.Context, cred *store.Credential) (Result, error)
}

// Registry maps probe types to checkers.
type Registry map[store.ProbeType]Checker

// DefaultRegistry wires the built-in checkers.
func DefaultRegistry() Registry {
	return Registry{
		store.ProbeHTTP:     NewHTTPChecker(DefaultHTTPConfig()),
		store.ProbePostgres: NewSQLChecker("postgres", DefaultSQLConfig()),
		store.ProbeMySQL:    NewSQLChecker("mysql", DefaultSQLConfig()),
	}
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
