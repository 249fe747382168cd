package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/keywheel/keywheel/internal/kwerr"
)

// Memory is an in-process Store used by tests and single-node evaluation
// runs. All methods copy entities on the way in and out so callers can never
// alias internal state.
type Memory struct {
	mu          sync.RWMutex
	credentials map[string]*Credential
	sessions    map[string]*RotationSession
	health      []*HealthCheckResult
	grants      map[string]*EmergencyGrant
	audit       []*AuditEntry
	jobRuns     map[string]*JobRun
	jobOrder    []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		credentials: make(map[string]*Credential),
		sessions:    make(map[string]*RotationSession),
		grants:      make(map[string]*EmergencyGrant),
		jobRuns:     make(map[string]*JobRun),
	}
}

func copyCredential(c *Credential) *Credential {
	out := *c
	out.AllowedIPs = append([]string(nil), c.AllowedIPs...)
	out.AllowedDomains = append([]string(nil), c.AllowedDomains...)
	if c.RotationPartnerID != nil {
		v := *c.RotationPartnerID
		out.RotationPartnerID = &v
	}
	if c.RateLimit != nil {
		v := *c.RateLimit
		out.RateLimit = &v
	}
	if c.ConcurrentLimit != nil {
		v := *c.ConcurrentLimit
		out.ConcurrentLimit = &v
	}
	if c.ExpiresAt != nil {
		v := *c.ExpiresAt
		out.ExpiresAt = &v
	}
	return &out
}

func copySession(s *RotationSession) *RotationSession {
	out := *s
	if s.CompletedAt != nil {
		v := *s.CompletedAt
		out.CompletedAt = &v
	}
	if s.RolledBackAt != nil {
		v := *s.RolledBackAt
		out.RolledBackAt = &v
	}
	return &out
}

func copyGrant(g *EmergencyGrant) *EmergencyGrant {
	out := *g
	if g.RevokedAt != nil {
		v := *g.RevokedAt
		out.RevokedAt = &v
	}
	return &out
}

func copyAudit(e *AuditEntry) *AuditEntry {
	out := *e
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func copyJobRun(r *JobRun) *JobRun {
	out := *r
	if r.FinishedAt != nil {
		v := *r.FinishedAt
		out.FinishedAt = &v
	}
	return &out
}

// CreateCredential stores a new credential.
func (m *Memory) CreateCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.credentials[c.ID]; exists {
		return kwerr.Conflict("credential", "id %s already exists", c.ID)
	}
	m.credentials[c.ID] = copyCredential(c)
	return nil
}

// GetCredential returns the credential with the given id.
func (m *Memory) GetCredential(_ context.Context, id string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[id]
	if !ok {
		return nil, kwerr.NotFound("credential", id)
	}
	return copyCredential(c), nil
}

// UpdateCredential replaces the stored credential.
func (m *Memory) UpdateCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credentials[c.ID]; !ok {
		return kwerr.NotFound("credential", c.ID)
	}
	m.credentials[c.ID] = copyCredential(c)
	return nil
}

// ListCredentials returns credentials matching the filter, oldest first.
func (m *Memory) ListCredentials(_ context.Context, f CredentialFilter) ([]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Credential
	for _, c := range m.credentials {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.ServiceTemplate != "" && c.ServiceTemplate != f.ServiceTemplate {
			continue
		}
		if f.PrimaryOnly && !c.IsPrimary {
			continue
		}
		out = append(out, copyCredential(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateSession stores a new rotation session, enforcing at most one
// non-terminal session per credential.
func (m *Memory) CreateSession(_ context.Context, s *RotationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.sessions {
		if existing.CredentialID == s.CredentialID && !existing.State.IsTerminal() {
			return kwerr.Conflict("rotation_session",
				"credential %s already has an active rotation (%s)", s.CredentialID, existing.ID)
		}
	}
	if _, exists := m.sessions[s.ID]; exists {
		return kwerr.Conflict("rotation_session", "id %s already exists", s.ID)
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

// SetSessionPartner records the partner credential minted for a session.
func (m *Memory) SetSessionPartner(_ context.Context, id, partnerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return kwerr.NotFound("rotation_session", id)
	}
	s.NewCredentialID = partnerID
	return nil
}

// GetSession returns the session with the given id.
func (m *Memory) GetSession(_ context.Context, id string) (*RotationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, kwerr.NotFound("rotation_session", id)
	}
	return copySession(s), nil
}

// ActiveSessionForCredential returns the non-terminal session for a
// credential, or NotFound when none exists.
func (m *Memory) ActiveSessionForCredential(_ context.Context, credentialID string) (*RotationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.CredentialID == credentialID && !s.State.IsTerminal() {
			return copySession(s), nil
		}
	}
	return nil, kwerr.NotFound("rotation_session", "active for "+credentialID)
}

// CompareAndSwapSessionState transitions a session only if it is still in the
// expected state. Late callers lose the swap instead of clobbering terminal
// sessions.
func (m *Memory) CompareAndSwapSessionState(_ context.Context, id string, from, to SessionState, finishedAt *time.Time, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, kwerr.NotFound("rotation_session", id)
	}
	if s.State != from {
		return false, nil
	}
	s.State = to
	if reason != "" {
		s.FailureReason = reason
	}
	if finishedAt != nil {
		v := *finishedAt
		switch to {
		case SessionCompleted:
			s.CompletedAt = &v
		case SessionRolledBack, SessionCancelled, SessionFailed:
			s.RolledBackAt = &v
		}
	}
	return true, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (m *Memory) ListSessions(_ context.Context, f SessionFilter) ([]*RotationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RotationSession
	for _, s := range m.sessions {
		if f.CredentialID != "" && s.CredentialID != f.CredentialID {
			continue
		}
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// InsertHealthResult appends a probe outcome.
func (m *Memory) InsertHealthResult(_ context.Context, r *HealthCheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *r
	m.health = append(m.health, &cp)
	return nil
}

// ListHealthResults returns results for a credential since the given time,
// newest first.
func (m *Memory) ListHealthResults(_ context.Context, credentialID string, since time.Time, limit int) ([]*HealthCheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*HealthCheckResult
	for _, r := range m.health {
		if r.CredentialID != credentialID {
			continue
		}
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteHealthResultsBefore prunes results older than the cutoff.
func (m *Memory) DeleteHealthResultsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.health[:0]
	var removed int64
	for _, r := range m.health {
		if r.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.health = kept
	return removed, nil
}

// CreateGrant stores a new emergency grant.
func (m *Memory) CreateGrant(_ context.Context, g *EmergencyGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.grants[g.ID]; exists {
		return kwerr.Conflict("emergency_grant", "id %s already exists", g.ID)
	}
	m.grants[g.ID] = copyGrant(g)
	return nil
}

// GetGrant returns the grant with the given id.
func (m *Memory) GetGrant(_ context.Context, id string) (*EmergencyGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[id]
	if !ok {
		return nil, kwerr.NotFound("emergency_grant", id)
	}
	return copyGrant(g), nil
}

// UpdateGrant replaces the stored grant.
func (m *Memory) UpdateGrant(_ context.Context, g *EmergencyGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.grants[g.ID]; !ok {
		return kwerr.NotFound("emergency_grant", g.ID)
	}
	m.grants[g.ID] = copyGrant(g)
	return nil
}

// ListGrants returns grants matching the filter, newest first.
func (m *Memory) ListGrants(_ context.Context, f GrantFilter) ([]*EmergencyGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*EmergencyGrant
	for _, g := range m.grants {
		if f.CredentialID != "" && g.CredentialID != f.CredentialID {
			continue
		}
		if f.ActiveOnly && !g.Active {
			continue
		}
		out = append(out, copyGrant(g))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GrantedAt.After(out[j].GrantedAt)
	})
	return out, nil
}

// AppendAudit appends an audit entry. There is no update path.
func (m *Memory) AppendAudit(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.audit = append(m.audit, copyAudit(e))
	return nil
}

func matchAudit(e *AuditEntry, f AuditFilter) bool {
	if f.CredentialID != "" && e.CredentialID != f.CredentialID {
		return false
	}
	if f.Action != "" && !strings.EqualFold(e.Action, f.Action) {
		return false
	}
	if f.PerformedBy != "" && e.PerformedBy != f.PerformedBy {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// ListAudit returns matching entries newest first plus the total match count.
func (m *Memory) ListAudit(_ context.Context, f AuditFilter, p Page) ([]*AuditEntry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*AuditEntry
	for _, e := range m.audit {
		if matchAudit(e, f) {
			matched = append(matched, copyAudit(e))
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if p.Offset >= total {
		return nil, total, nil
	}
	matched = matched[p.Offset:]
	if p.Limit > 0 && len(matched) > p.Limit {
		matched = matched[:p.Limit]
	}
	return matched, total, nil
}

// DeleteAuditBefore prunes entries older than the cutoff. Only the retention
// job calls this; nothing else removes audit entries.
func (m *Memory) DeleteAuditBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.audit[:0]
	var removed int64
	for _, e := range m.audit {
		if e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.audit = kept
	return removed, nil
}

// CreateJobRun records the start of a job run.
func (m *Memory) CreateJobRun(_ context.Context, r *JobRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobRuns[r.ID]; exists {
		return kwerr.Conflict("job_run", "id %s already exists", r.ID)
	}
	m.jobRuns[r.ID] = copyJobRun(r)
	m.jobOrder = append(m.jobOrder, r.ID)
	return nil
}

// FinishJobRun records a run's outcome.
func (m *Memory) FinishJobRun(_ context.Context, id string, status JobStatus, summary, errMsg string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.jobRuns[id]
	if !ok {
		return kwerr.NotFound("job_run", id)
	}
	r.Status = status
	r.Summary = summary
	r.Error = errMsg
	v := finishedAt
	r.FinishedAt = &v
	return nil
}

// ListJobRuns returns runs newest first, optionally filtered by type.
func (m *Memory) ListJobRuns(_ context.Context, jobType JobType, limit int) ([]*JobRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*JobRun
	for i := len(m.jobOrder) - 1; i >= 0; i-- {
		r := m.jobRuns[m.jobOrder[i]]
		if jobType != "" && r.JobType != jobType {
			continue
		}
		out = append(out, copyJobRun(r))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
