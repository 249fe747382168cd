package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywheel/keywheel/internal/kwerr"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(db), mock
}

func TestPostgresCreateSessionConflictMapping(t *testing.T) {
	t.Parallel()

	p, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO rotation_sessions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "rotation_sessions_one_active"})

	err := p.CreateSession(context.Background(), &RotationSession{
		ID:           "s-1",
		CredentialID: "cred-1",
		State:        SessionGracePeriod,
		StartedAt:    time.Now(),
	})
	assert.True(t, kwerr.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetSessionPartner(t *testing.T) {
	t.Parallel()

	p, mock := newMockStore(t)

	mock.ExpectExec("UPDATE rotation_sessions SET new_credential_id").
		WithArgs("s-1", "cred-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, p.SetSessionPartner(context.Background(), "s-1", "cred-2"))

	mock.ExpectExec("UPDATE rotation_sessions SET new_credential_id").
		WithArgs("missing", "cred-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.SetSessionPartner(context.Background(), "missing", "cred-2")
	assert.True(t, kwerr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompareAndSwapSessionState(t *testing.T) {
	t.Parallel()

	p, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectExec("UPDATE rotation_sessions").
		WithArgs(string(SessionCompleted), "", sqlmock.AnyArg(), "s-1", string(SessionGracePeriod)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := p.CompareAndSwapSessionState(context.Background(), "s-1",
		SessionGracePeriod, SessionCompleted, &now, "")
	require.NoError(t, err)
	assert.True(t, ok)

	// A late transition on an already-terminal session matches zero rows.
	mock.ExpectExec("UPDATE rotation_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err = p.CompareAndSwapSessionState(context.Background(), "s-1",
		SessionGracePeriod, SessionRolledBack, &now, "late probe")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetCredentialNotFound(t *testing.T) {
	t.Parallel()

	p, mock := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM credentials").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := p.GetCredential(context.Background(), "missing")
	assert.True(t, kwerr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendAudit(t *testing.T) {
	t.Parallel()

	p, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := p.AppendAudit(context.Background(), &AuditEntry{
		ID:          "a-1",
		Action:      "rotation_initiated",
		PerformedBy: "ops@example.com",
		Success:     true,
		Metadata:    map[string]string{"session_id": "s-1"},
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListJobRuns(t *testing.T) {
	t.Parallel()

	p, mock := newMockStore(t)
	started := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "job_type", "trigger_kind", "status", "summary", "error", "started_at", "finished_at"}).
		AddRow("j-2", "health_check", "manual", "succeeded", "checked 3", "", started.Add(time.Minute), started.Add(2*time.Minute)).
		AddRow("j-1", "health_check", "scheduled", "failed", "", "probe timeout", started, started.Add(time.Minute))

	mock.ExpectQuery("SELECT (.+) FROM job_runs").
		WithArgs(JobHealthCheck, 10).
		WillReturnRows(rows)

	runs, err := p.ListJobRuns(context.Background(), JobHealthCheck, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, JobSucceeded, runs[0].Status)
	assert.Equal(t, "probe timeout", runs[1].Error)
	require.NotNil(t, runs[0].FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteAuditBefore(t *testing.T) {
	t.Parallel()

	p, mock := newMockStore(t)
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM audit_entries").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := p.DeleteAuditBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
