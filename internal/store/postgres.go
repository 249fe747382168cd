package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/keywheel/keywheel/internal/kwerr"
)

// schema is applied idempotently at startup. The partial unique index on
// rotation_sessions is what makes the one-active-rotation invariant hold
// across processes, not just inside this one.
const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	id TEXT PRIMARY KEY,
	service_template TEXT NOT NULL,
	endpoint TEXT NOT NULL DEFAULT '',
	probe_type TEXT NOT NULL DEFAULT 'http',
	material TEXT NOT NULL DEFAULT '',
	is_primary BOOLEAN NOT NULL DEFAULT false,
	status TEXT NOT NULL DEFAULT 'active',
	rotation_partner_id TEXT,
	allowed_ips TEXT[] NOT NULL DEFAULT '{}',
	allowed_domains TEXT[] NOT NULL DEFAULT '{}',
	rate_limit INTEGER,
	concurrent_limit INTEGER,
	emergency_access_enabled BOOLEAN NOT NULL DEFAULT false,
	alert_on_failure BOOLEAN NOT NULL DEFAULT false,
	failure_alert_threshold INTEGER NOT NULL DEFAULT 3,
	expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rotation_sessions (
	id TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL REFERENCES credentials(id),
	new_credential_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	config JSONB NOT NULL DEFAULT '{}',
	initiated_by TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ,
	rolled_back_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS rotation_sessions_one_active
	ON rotation_sessions (credential_id)
	WHERE state IN ('initiated', 'grace_period');

CREATE TABLE IF NOT EXISTS health_check_results (
	id TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	response_time_ms BIGINT NOT NULL DEFAULT 0,
	success BOOLEAN NOT NULL,
	message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS health_check_results_cred_ts
	ON health_check_results (credential_id, ts DESC);

CREATE TABLE IF NOT EXISTS emergency_grants (
	id TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL,
	requested_by TEXT NOT NULL,
	reason TEXT NOT NULL,
	duration_hours INTEGER NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ,
	revoked_by TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_entries (
	id TEXT PRIMARY KEY,
	credential_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	performed_by TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	user_agent TEXT NOT NULL DEFAULT '',
	success BOOLEAN NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_entries_created
	ON audit_entries (created_at DESC);

CREATE TABLE IF NOT EXISTS job_runs (
	id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	trigger_kind TEXT NOT NULL,
	status TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS job_runs_type_started
	ON job_runs (job_type, started_at DESC);
`

// Postgres is a Store backed by PostgreSQL via database/sql and lib/pq.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a connection pool and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection, used by tests with sqlmock.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// InitSchema applies the schema idempotently.
func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return kwerr.Persistence("init schema", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

const credentialColumns = `id, service_template, endpoint, probe_type, material, is_primary, status,
	rotation_partner_id, allowed_ips, allowed_domains, rate_limit, concurrent_limit,
	emergency_access_enabled, alert_on_failure, failure_alert_threshold, expires_at, created_at, updated_at`

func scanCredential(row interface{ Scan(...interface{}) error }) (*Credential, error) {
	var (
		c         Credential
		partner   sql.NullString
		rateLimit sql.NullInt64
		concLimit sql.NullInt64
		expiresAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.ServiceTemplate, &c.Endpoint, &c.ProbeType, &c.Material,
		&c.IsPrimary, &c.Status, &partner,
		pq.Array(&c.AllowedIPs), pq.Array(&c.AllowedDomains),
		&rateLimit, &concLimit,
		&c.EmergencyAccessEnabled, &c.AlertOnFailure, &c.FailureAlertThreshold,
		&expiresAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if partner.Valid {
		c.RotationPartnerID = &partner.String
	}
	if rateLimit.Valid {
		v := int(rateLimit.Int64)
		c.RateLimit = &v
	}
	if concLimit.Valid {
		v := int(concLimit.Int64)
		c.ConcurrentLimit = &v
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	return &c, nil
}

// CreateCredential inserts a credential row.
func (p *Postgres) CreateCredential(ctx context.Context, c *Credential) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		c.ID, c.ServiceTemplate, c.Endpoint, c.ProbeType, c.Material, c.IsPrimary, c.Status,
		c.RotationPartnerID, pq.Array(c.AllowedIPs), pq.Array(c.AllowedDomains),
		c.RateLimit, c.ConcurrentLimit,
		c.EmergencyAccessEnabled, c.AlertOnFailure, c.FailureAlertThreshold,
		c.ExpiresAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return kwerr.Conflict("credential", "id %s already exists", c.ID)
		}
		return kwerr.Persistence("insert credential", err)
	}
	return nil
}

// GetCredential fetches a credential by id.
func (p *Postgres) GetCredential(ctx context.Context, id string) (*Credential, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kwerr.NotFound("credential", id)
	}
	if err != nil {
		return nil, kwerr.Persistence("select credential", err)
	}
	return c, nil
}

// UpdateCredential replaces every mutable column of a credential row.
func (p *Postgres) UpdateCredential(ctx context.Context, c *Credential) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE credentials SET service_template=$2, endpoint=$3, probe_type=$4, material=$5,
			is_primary=$6, status=$7, rotation_partner_id=$8, allowed_ips=$9, allowed_domains=$10,
			rate_limit=$11, concurrent_limit=$12, emergency_access_enabled=$13,
			alert_on_failure=$14, failure_alert_threshold=$15, expires_at=$16, updated_at=$17
		 WHERE id=$1`,
		c.ID, c.ServiceTemplate, c.Endpoint, c.ProbeType, c.Material,
		c.IsPrimary, c.Status, c.RotationPartnerID,
		pq.Array(c.AllowedIPs), pq.Array(c.AllowedDomains),
		c.RateLimit, c.ConcurrentLimit, c.EmergencyAccessEnabled,
		c.AlertOnFailure, c.FailureAlertThreshold, c.ExpiresAt, c.UpdatedAt)
	if err != nil {
		return kwerr.Persistence("update credential", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kwerr.Persistence("update credential", err)
	}
	if n == 0 {
		return kwerr.NotFound("credential", c.ID)
	}
	return nil
}

// ListCredentials returns credentials matching the filter, oldest first.
func (p *Postgres) ListCredentials(ctx context.Context, f CredentialFilter) ([]*Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.ServiceTemplate != "" {
		query += fmt.Sprintf(" AND service_template = $%d", idx)
		args = append(args, f.ServiceTemplate)
		idx++
	}
	if f.PrimaryOnly {
		query += " AND is_primary"
	}
	query += " ORDER BY created_at, id"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kwerr.Persistence("list credentials", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, kwerr.Persistence("scan credential", err)
		}
		out = append(out, c)
	}
	return out, kwerr.Persistence("list credentials", rows.Err())
}

const sessionColumns = `id, credential_id, new_credential_id, state, config, initiated_by,
	failure_reason, started_at, completed_at, rolled_back_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*RotationSession, error) {
	var (
		s          RotationSession
		configJSON []byte
		completed  sql.NullTime
		rolledBack sql.NullTime
	)
	err := row.Scan(&s.ID, &s.CredentialID, &s.NewCredentialID, &s.State, &configJSON,
		&s.InitiatedBy, &s.FailureReason, &s.StartedAt, &completed, &rolledBack)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configJSON, &s.Config); err != nil {
		return nil, fmt.Errorf("decoding session config: %w", err)
	}
	if completed.Valid {
		s.CompletedAt = &completed.Time
	}
	if rolledBack.Valid {
		s.RolledBackAt = &rolledBack.Time
	}
	return &s, nil
}

// CreateSession inserts a session row. The partial unique index turns a
// concurrent second insert into a ConflictError.
func (p *Postgres) CreateSession(ctx context.Context, s *RotationSession) error {
	configJSON, err := json.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("encoding session config: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO rotation_sessions (`+sessionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		s.ID, s.CredentialID, s.NewCredentialID, s.State, configJSON,
		s.InitiatedBy, s.FailureReason, s.StartedAt, s.CompletedAt, s.RolledBackAt)
	if err != nil {
		if isUniqueViolation(err) {
			return kwerr.Conflict("rotation_session",
				"credential %s already has an active rotation", s.CredentialID)
		}
		return kwerr.Persistence("insert session", err)
	}
	return nil
}

// SetSessionPartner records the partner credential minted for a session.
func (p *Postgres) SetSessionPartner(ctx context.Context, id, partnerID string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rotation_sessions SET new_credential_id = $2 WHERE id = $1`,
		id, partnerID)
	if err != nil {
		return kwerr.Persistence("set session partner", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kwerr.Persistence("set session partner", err)
	}
	if n == 0 {
		return kwerr.NotFound("rotation_session", id)
	}
	return nil
}

// GetSession fetches a session by id.
func (p *Postgres) GetSession(ctx context.Context, id string) (*RotationSession, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM rotation_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kwerr.NotFound("rotation_session", id)
	}
	if err != nil {
		return nil, kwerr.Persistence("select session", err)
	}
	return s, nil
}

// ActiveSessionForCredential fetches the one non-terminal session.
func (p *Postgres) ActiveSessionForCredential(ctx context.Context, credentialID string) (*RotationSession, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM rotation_sessions
		 WHERE credential_id = $1 AND state IN ('initiated', 'grace_period')`, credentialID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kwerr.NotFound("rotation_session", "active for "+credentialID)
	}
	if err != nil {
		return nil, kwerr.Persistence("select active session", err)
	}
	return s, nil
}

// CompareAndSwapSessionState applies a transition with a state-checked UPDATE
// so late callers cannot mutate a terminal session.
func (p *Postgres) CompareAndSwapSessionState(ctx context.Context, id string, from, to SessionState, finishedAt *time.Time, reason string) (bool, error) {
	column := "completed_at"
	if to != SessionCompleted {
		column = "rolled_back_at"
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE rotation_sessions
		 SET state = $1, failure_reason = CASE WHEN $2 <> '' THEN $2 ELSE failure_reason END, `+column+` = $3
		 WHERE id = $4 AND state = $5`,
		to, reason, finishedAt, id, from)
	if err != nil {
		return false, kwerr.Persistence("swap session state", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, kwerr.Persistence("swap session state", err)
	}
	return n == 1, nil
}

// ListSessions returns sessions newest first.
func (p *Postgres) ListSessions(ctx context.Context, f SessionFilter) ([]*RotationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM rotation_sessions WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.CredentialID != "" {
		query += fmt.Sprintf(" AND credential_id = $%d", idx)
		args = append(args, f.CredentialID)
		idx++
	}
	query += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kwerr.Persistence("list sessions", err)
	}
	defer rows.Close()

	var out []*RotationSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, kwerr.Persistence("scan session", err)
		}
		out = append(out, s)
	}
	return out, kwerr.Persistence("list sessions", rows.Err())
}

// InsertHealthResult appends a probe outcome.
func (p *Postgres) InsertHealthResult(ctx context.Context, r *HealthCheckResult) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO health_check_results (id, credential_id, ts, status_code, response_time_ms, success, message)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.CredentialID, r.Timestamp, r.StatusCode, r.ResponseTimeMs, r.Success, r.Message)
	return kwerr.Persistence("insert health result", err)
}

// ListHealthResults returns results newest first.
func (p *Postgres) ListHealthResults(ctx context.Context, credentialID string, since time.Time, limit int) ([]*HealthCheckResult, error) {
	query := `SELECT id, credential_id, ts, status_code, response_time_ms, success, message
		 FROM health_check_results WHERE credential_id = $1`
	args := []interface{}{credentialID}
	idx := 2
	if !since.IsZero() {
		query += fmt.Sprintf(" AND ts >= $%d", idx)
		args = append(args, since)
		idx++
	}
	query += " ORDER BY ts DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kwerr.Persistence("list health results", err)
	}
	defer rows.Close()

	var out []*HealthCheckResult
	for rows.Next() {
		var r HealthCheckResult
		if err := rows.Scan(&r.ID, &r.CredentialID, &r.Timestamp, &r.StatusCode,
			&r.ResponseTimeMs, &r.Success, &r.Message); err != nil {
			return nil, kwerr.Persistence("scan health result", err)
		}
		out = append(out, &r)
	}
	return out, kwerr.Persistence("list health results", rows.Err())
}

// DeleteHealthResultsBefore prunes old probe results.
func (p *Postgres) DeleteHealthResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM health_check_results WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, kwerr.Persistence("delete health results", err)
	}
	n, err := res.RowsAffected()
	return n, kwerr.Persistence("delete health results", err)
}

// CreateGrant inserts an emergency grant.
func (p *Postgres) CreateGrant(ctx context.Context, g *EmergencyGrant) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO emergency_grants (id, credential_id, requested_by, reason, duration_hours,
			granted_at, expires_at, revoked_at, revoked_by, active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		g.ID, g.CredentialID, g.RequestedBy, g.Reason, g.DurationHours,
		g.GrantedAt, g.ExpiresAt, g.RevokedAt, g.RevokedBy, g.Active)
	return kwerr.Persistence("insert grant", err)
}

// GetGrant fetches a grant by id.
func (p *Postgres) GetGrant(ctx context.Context, id string) (*EmergencyGrant, error) {
	var (
		g       EmergencyGrant
		revoked sql.NullTime
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT id, credential_id, requested_by, reason, duration_hours,
			granted_at, expires_at, revoked_at, revoked_by, active
		 FROM emergency_grants WHERE id = $1`, id).
		Scan(&g.ID, &g.CredentialID, &g.RequestedBy, &g.Reason, &g.DurationHours,
			&g.GrantedAt, &g.ExpiresAt, &revoked, &g.RevokedBy, &g.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kwerr.NotFound("emergency_grant", id)
	}
	if err != nil {
		return nil, kwerr.Persistence("select grant", err)
	}
	if revoked.Valid {
		g.RevokedAt = &revoked.Time
	}
	return &g, nil
}

// UpdateGrant replaces a grant row.
func (p *Postgres) UpdateGrant(ctx context.Context, g *EmergencyGrant) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE emergency_grants SET revoked_at=$2, revoked_by=$3, active=$4 WHERE id=$1`,
		g.ID, g.RevokedAt, g.RevokedBy, g.Active)
	if err != nil {
		return kwerr.Persistence("update grant", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kwerr.Persistence("update grant", err)
	}
	if n == 0 {
		return kwerr.NotFound("emergency_grant", g.ID)
	}
	return nil
}

// ListGrants returns grants newest first.
func (p *Postgres) ListGrants(ctx context.Context, f GrantFilter) ([]*EmergencyGrant, error) {
	query := `SELECT id, credential_id, requested_by, reason, duration_hours,
		granted_at, expires_at, revoked_at, revoked_by, active
		 FROM emergency_grants WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.CredentialID != "" {
		query += fmt.Sprintf(" AND credential_id = $%d", idx)
		args = append(args, f.CredentialID)
		idx++
	}
	if f.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY granted_at DESC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kwerr.Persistence("list grants", err)
	}
	defer rows.Close()

	var out []*EmergencyGrant
	for rows.Next() {
		var (
			g       EmergencyGrant
			revoked sql.NullTime
		)
		if err := rows.Scan(&g.ID, &g.CredentialID, &g.RequestedBy, &g.Reason, &g.DurationHours,
			&g.GrantedAt, &g.ExpiresAt, &revoked, &g.RevokedBy, &g.Active); err != nil {
			return nil, kwerr.Persistence("scan grant", err)
		}
		if revoked.Valid {
			g.RevokedAt = &revoked.Time
		}
		out = append(out, &g)
	}
	return out, kwerr.Persistence("list grants", rows.Err())
}

// AppendAudit inserts an audit entry. No update or delete statement for
// audit_entries exists anywhere except the retention pruning below.
func (p *Postgres) AppendAudit(ctx context.Context, e *AuditEntry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding audit metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, credential_id, action, performed_by, ip_address,
			user_agent, success, error_message, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.CredentialID, e.Action, e.PerformedBy, e.IPAddress,
		e.UserAgent, e.Success, e.ErrorMessage, metadata, e.CreatedAt)
	return kwerr.Persistence("append audit", err)
}

func auditWhere(f AuditFilter) (string, []interface{}) {
	where := " WHERE 1=1"
	var args []interface{}
	idx := 1
	add := func(clause string, v interface{}) {
		where += fmt.Sprintf(" AND "+clause, idx)
		args = append(args, v)
		idx++
	}
	if f.CredentialID != "" {
		add("credential_id = $%d", f.CredentialID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.PerformedBy != "" {
		add("performed_by = $%d", f.PerformedBy)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	return where, args
}

// ListAudit returns matching entries newest first plus the total match count.
func (p *Postgres) ListAudit(ctx context.Context, f AuditFilter, page Page) ([]*AuditEntry, int, error) {
	where, args := auditWhere(f)

	var total int
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, kwerr.Persistence("count audit", err)
	}

	query := `SELECT id, credential_id, action, performed_by, ip_address, user_agent,
		success, error_message, metadata, created_at
		 FROM audit_entries` + where + ` ORDER BY created_at DESC, id DESC`
	idx := len(args) + 1
	if page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, page.Limit)
		idx++
	}
	if page.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, page.Offset)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, kwerr.Persistence("list audit", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e        AuditEntry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.Action, &e.PerformedBy, &e.IPAddress,
			&e.UserAgent, &e.Success, &e.ErrorMessage, &metadata, &e.CreatedAt); err != nil {
			return nil, 0, kwerr.Persistence("scan audit", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decoding audit metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, total, kwerr.Persistence("list audit", rows.Err())
}

// DeleteAuditBefore prunes entries past the retention window.
func (p *Postgres) DeleteAuditBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM audit_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, kwerr.Persistence("delete audit", err)
	}
	n, err := res.RowsAffected()
	return n, kwerr.Persistence("delete audit", err)
}

// CreateJobRun records the start of a job run.
func (p *Postgres) CreateJobRun(ctx context.Context, r *JobRun) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO job_runs (id, job_type, trigger_kind, status, summary, error, started_at, finished_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.JobType, r.Trigger, r.Status, r.Summary, r.Error, r.StartedAt, r.FinishedAt)
	return kwerr.Persistence("insert job run", err)
}

// FinishJobRun records a run's outcome.
func (p *Postgres) FinishJobRun(ctx context.Context, id string, status JobStatus, summary, errMsg string, finishedAt time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE job_runs SET status=$2, summary=$3, error=$4, finished_at=$5 WHERE id=$1`,
		id, status, summary, errMsg, finishedAt)
	if err != nil {
		return kwerr.Persistence("finish job run", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kwerr.Persistence("finish job run", err)
	}
	if n == 0 {
		return kwerr.NotFound("job_run", id)
	}
	return nil
}

// ListJobRuns returns runs newest first, optionally filtered by type.
func (p *Postgres) ListJobRuns(ctx context.Context, jobType JobType, limit int) ([]*JobRun, error) {
	query := `SELECT id, job_type, trigger_kind, status, summary, error, started_at, finished_at
		 FROM job_runs WHERE 1=1`
	var args []interface{}
	idx := 1
	if jobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", idx)
		args = append(args, jobType)
		idx++
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kwerr.Persistence("list job runs", err)
	}
	defer rows.Close()

	var out []*JobRun
	for rows.Next() {
		var (
			r        JobRun
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.JobType, &r.Trigger, &r.Status, &r.Summary,
			&r.Error, &r.StartedAt, &finished); err != nil {
			return nil, kwerr.Persistence("scan job run", err)
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		out = append(out, &r)
	}
	return out, kwerr.Persistence("list job runs", rows.Err())
}
