package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/store"
)

func seedTrail(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	entries := []struct {
		action  string
		success bool
		offset  time.Duration
	}{
		{ActionRotationInitiated, true, 0},
		{ActionRotationCompleted, true, time.Hour},
		{ActionAccessDenied, false, 2 * time.Hour},
		{ActionAccessDenied, false, 3 * time.Hour},
		{ActionEmergencyGranted, true, 4 * time.Hour},
		{ActionRotationFailed, false, 5 * time.Hour},
	}
	for _, e := range entries {
		err := mem.AppendAudit(context.Background(), &store.AuditEntry{
			ID:           uuid.NewString(),
			CredentialID: "c-1",
			Action:       e.action,
			PerformedBy:  "ops@example.com",
			Success:      e.success,
			CreatedAt:    base.Add(e.offset),
		})
		require.NoError(t, err)
	}
	return mem
}

func TestStatistics(t *testing.T) {
	t.Parallel()

	r := NewReporter(seedTrail(t))
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	stats, err := r.Statistics(context.Background(), from, to)
	require.NoError(t, err)

	assert.Equal(t, 6, stats.Total)
	assert.Equal(t, 2, stats.PerAction[ActionAccessDenied])
	assert.Equal(t, 1, stats.PerAction[ActionRotationInitiated])
	assert.Equal(t, 3, stats.SuccessCount)
	assert.Equal(t, 3, stats.FailureCount)
	assert.InDelta(t, 0.5, stats.SuccessRate, 1e-9)
}

func TestComplianceReportSections(t *testing.T) {
	t.Parallel()

	r := NewReporter(seedTrail(t))
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	report, err := r.Report(context.Background(), from, to, StandardAll)
	require.NoError(t, err)
	require.Len(t, report.Sections, 2)

	soc2 := report.Sections[0]
	assert.Equal(t, StandardSOC2, soc2.Standard)
	assert.Equal(t, 2, soc2.Actions[ActionAccessDenied])
	assert.Equal(t, 1, soc2.Actions[ActionEmergencyGranted])
	assert.Len(t, soc2.Failures, 2)

	pci := report.Sections[1]
	assert.Equal(t, StandardPCI, pci.Standard)
	assert.Equal(t, 1, pci.Actions[ActionRotationCompleted])
	require.Len(t, pci.Failures, 1)
	assert.Equal(t, ActionRotationFailed, pci.Failures[0].Action)

	_, err = r.Report(context.Background(), from, to, Standard("hipaa"))
	assert.True(t, kwerr.IsValidation(err))
}

func TestExportCSVOrderedOldestFirst(t *testing.T) {
	t.Parallel()

	r := NewReporter(seedTrail(t))

	var buf bytes.Buffer
	err := r.ExportCSV(context.Background(), store.AuditFilter{CredentialID: "c-1"}, &buf)
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 7)
	assert.Equal(t, "action", rows[0][3])
	assert.Equal(t, ActionRotationInitiated, rows[1][3])
	assert.Equal(t, ActionRotationFailed, rows[6][3])
}
