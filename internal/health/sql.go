package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Probe drivers.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/keywheel/keywheel/internal/store"
)

// SQLConfig holds configuration for database probes.
type SQLConfig struct {
	// PingTimeout bounds the connect-and-ping attempt.
	PingTimeout time.Duration

	// LatencyThreshold marks slow pings unhealthy. Zero disables the check.
	LatencyThreshold time.Duration
}

// DefaultSQLConfig returns the default database probe configuration.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		PingTimeout:      10 * time.Second,
		LatencyThreshold: 500 * time.Millisecond,
	}
}

// Pinger is the connection surface the checker needs.
type Pinger interface {
	PingContext(ctx context.Context) error
	Close() error
}

// openFunc opens a probe connection; swapped out in tests.
type openFunc func(driver, dsn string) (Pinger, error)

func sqlOpen(driver, dsn string) (Pinger, error) {
	return sql.Open(driver, dsn)
}

// SQLChecker probes a database by connecting with the credential material as
// DSN and pinging.
type SQLChecker struct {
	driver string
	config SQLConfig
	open   openFunc
}

// NewSQLChecker creates a checker for the given driver ("postgres" or
// "mysql").
func NewSQLChecker(driver string, config SQLConfig) *SQLChecker {
	return &SQLChecker{
		driver: driver,
		config: config,
		open:   sqlOpen,
	}
}

// SetOpener replaces the connection opener for testing.
func (c *SQLChecker) SetOpener(open func(driver, dsn string) (Pinger, error)) {
	c.open = open
}

// Name returns the checker name.
func (c *SQLChecker) Name() string {
	return c.driver
}

// Probe connects with the credential material and pings the database.
func (c *SQLChecker) Probe(ctx context.Context, cred *store.Credential) (Result, error) {
	if cred.Material == "" {
		return Result{}, fmt.Errorf("credential %s has no connection material", cred.ID)
	}

	start := time.Now()
	db, err := c.open(c.driver, cred.Material)
	if err != nil {
		return Result{
			Success:        false,
			ResponseTimeMs: elapsedMs(start),
			Message:        fmt.Sprintf("open failed: %v", err),
		}, nil
	}
	defer func() { _ = db.Close() }()

	pingCtx := ctx
	if c.config.PingTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, c.config.PingTimeout)
		defer cancel()
	}

	if err := db.PingContext(pingCtx); err != nil {
		return Result{
			Success:        false,
			ResponseTimeMs: elapsedMs(start),
			Message:        fmt.Sprintf("ping failed: %v", err),
		}, nil
	}

	elapsed := time.Since(start)
	result := Result{
		Success:        true,
		ResponseTimeMs: elapsed.Milliseconds(),
		Message:        fmt.Sprintf("ping ok in %v", elapsed),
	}
	if c.config.LatencyThreshold > 0 && elapsed > c.config.LatencyThreshold {
		result.Success = false
		result.Message = fmt.Sprintf("ping latency %v exceeds threshold %v", elapsed, c.config.LatencyThreshold)
	}
	return result, nil
}
