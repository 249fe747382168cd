package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywheel/keywheel/internal/audit"
	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/store"
)

type fakeEmergency struct {
	active map[string]bool
}

func (f *fakeEmergency) HasActiveGrant(_ context.Context, credentialID string) (bool, error) {
	return f.active[credentialID], nil
}

type gateHarness struct {
	gate     *Gate
	store    *store.Memory
	recorder *audit.Recorder
	clk      *clock.Fake
	em       *fakeEmergency
}

func newGateHarness(t *testing.T) *gateHarness {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := logging.New(false, true)
	rec := audit.NewRecorder(mem, clk, logger, 64)
	rec.Start(context.Background())
	t.Cleanup(rec.Stop)
	em := &fakeEmergency{active: map[string]bool{}}
	return &gateHarness{
		gate:     NewGate(mem, NewLimiter(clk), em, rec, logger),
		store:    mem,
		recorder: rec,
		clk:      clk,
		em:       em,
	}
}

func (h *gateHarness) addCredential(t *testing.T, cred *store.Credential) {
	t.Helper()
	if cred.Status == "" {
		cred.Status = store.CredentialActive
	}
	require.NoError(t, h.store.CreateCredential(context.Background(), cred))
}

func (h *gateHarness) denialEntries(t *testing.T, credentialID string) []*store.AuditEntry {
	t.Helper()
	h.recorder.Flush()
	entries, _, err := h.store.ListAudit(context.Background(),
		store.AuditFilter{CredentialID: credentialID, Action: audit.ActionAccessDenied},
		store.Page{Limit: 100})
	require.NoError(t, err)
	return entries
}

func TestCheckAccessUnrestrictedCredential(t *testing.T) {
	t.Parallel()

	h := newGateHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1", ServiceTemplate: "stripe"})

	d, err := h.gate.CheckAccess(context.Background(), "c-1", "203.0.113.7", "api.example.com")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	h.gate.Release("c-1")
}

func TestCheckAccessDenialOrder(t *testing.T) {
	t.Parallel()

	h := newGateHarness(t)
	h.addCredential(t, &store.Credential{
		ID:             "c-1",
		AllowedIPs:     []string{"10.0.0.0/8"},
		AllowedDomains: []string{"*.example.com"},
		RateLimit:      intPtr(100),
	})

	// IP is checked before domain; a doubly-bad request reports the IP code.
	d, err := h.gate.CheckAccess(context.Background(), "c-1", "203.0.113.7", "evil.org")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonIPNotAllowed, d.Reason)

	d, err = h.gate.CheckAccess(context.Background(), "c-1", "10.1.2.3", "evil.org")
	require.NoError(t, err)
	assert.Equal(t, ReasonDomainNotAllowed, d.Reason)

	entries := h.denialEntries(t, "c-1")
	require.Len(t, entries, 2)
	assert.False(t, entries[0].Success)
}

func TestCheckAccessRateLimitDenied(t *testing.T) {
	t.Parallel()

	h := newGateHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1", RateLimit: intPtr(3)})

	for i := 0; i < 3; i++ {
		d, err := h.gate.CheckAccess(context.Background(), "c-1", "10.0.0.1", "")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		h.gate.Release("c-1")
	}

	d, err := h.gate.CheckAccess(context.Background(), "c-1", "10.0.0.1", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)

	entries := h.denialEntries(t, "c-1")
	require.Len(t, entries, 1)
	assert.Equal(t, ReasonRateLimited, entries[0].ErrorMessage)
}

func TestCheckAccessConcurrencyDenied(t *testing.T) {
	t.Parallel()

	h := newGateHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1", ConcurrentLimit: intPtr(2)})

	for i := 0; i < 2; i++ {
		d, err := h.gate.CheckAccess(context.Background(), "c-1", "10.0.0.1", "")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := h.gate.CheckAccess(context.Background(), "c-1", "10.0.0.1", "")
	require.NoError(t, err)
	assert.Equal(t, ReasonConcurrencyLimited, d.Reason)

	h.gate.Release("c-1")
	d, err = h.gate.CheckAccess(context.Background(), "c-1", "10.0.0.1", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestEmergencyOverrideBypassesLimitsNotAllowlists(t *testing.T) {
	t.Parallel()

	h := newGateHarness(t)
	h.addCredential(t, &store.Credential{
		ID:                     "c-1",
		AllowedIPs:             []string{"10.0.0.0/8"},
		RateLimit:              intPtr(1),
		EmergencyAccessEnabled: true,
	})
	h.em.active["c-1"] = true

	// Limits are bypassed.
	for i := 0; i < 5; i++ {
		d, err := h.gate.CheckAccess(context.Background(), "c-1", "10.0.0.1", "")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.EmergencyOverride)
		h.gate.Release("c-1")
	}

	// The IP allowlist still applies.
	d, err := h.gate.CheckAccess(context.Background(), "c-1", "203.0.113.7", "")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonIPNotAllowed, d.Reason)
}

func TestCheckAccessInactiveCredential(t *testing.T) {
	t.Parallel()

	h := newGateHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1", Status: store.CredentialRevoked})

	_, err := h.gate.CheckAccess(context.Background(), "c-1", "10.0.0.1", "")
	assert.True(t, kwerr.IsState(err))

	_, err = h.gate.CheckAccess(context.Background(), "missing", "10.0.0.1", "")
	assert.True(t, kwerr.IsNotFound(err))
}

func TestUpdateWhitelistsValidateAndAudit(t *testing.T) {
	t.Parallel()

	h := newGateHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1"})

	err := h.gate.UpdateIPWhitelist(context.Background(), "c-1", "ops@example.com", []string{"not-an-ip"})
	assert.True(t, kwerr.IsValidation(err))

	// Rejected entries are quoted verbatim, percent signs included.
	err = h.gate.UpdateIPWhitelist(context.Background(), "c-1", "ops@example.com", []string{"10.%d.0.1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"10.%d.0.1"`)

	err = h.gate.UpdateDomainWhitelist(context.Background(), "c-1", "ops@example.com", []string{"bad %s.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad %s.example.com"`)

	require.NoError(t, h.gate.UpdateIPWhitelist(context.Background(), "c-1", "ops@example.com", []string{"10.0.0.0/8"}))
	require.NoError(t, h.gate.UpdateDomainWhitelist(context.Background(), "c-1", "ops@example.com", []string{"*.example.com"}))

	cred, err := h.store.GetCredential(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8"}, cred.AllowedIPs)
	assert.Equal(t, []string{"*.example.com"}, cred.AllowedDomains)

	h.recorder.Flush()
	entries, _, err := h.store.ListAudit(context.Background(),
		store.AuditFilter{CredentialID: "c-1", PerformedBy: "ops@example.com"},
		store.Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestUpdateRateLimits(t *testing.T) {
	t.Parallel()

	h := newGateHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1"})

	assert.True(t, kwerr.IsValidation(h.gate.UpdateRateLimits(context.Background(), "c-1", "ops", intPtr(0), nil)))

	require.NoError(t, h.gate.UpdateRateLimits(context.Background(), "c-1", "ops", intPtr(60), intPtr(5)))
	cred, err := h.store.GetCredential(context.Background(), "c-1")
	require.NoError(t, err)
	require.NotNil(t, cred.RateLimit)
	assert.Equal(t, 60, *cred.RateLimit)
}

func TestSecurityMetrics(t *testing.T) {
	t.Parallel()

	h := newGateHarness(t)
	h.addCredential(t, &store.Credential{ID: "c-1", AllowedIPs: []string{"10.0.0.1"}, RateLimit: intPtr(10)})
	h.addCredential(t, &store.Credential{ID: "c-2", AllowedDomains: []string{"*.example.com"}, EmergencyAccessEnabled: true})
	h.addCredential(t, &store.Credential{ID: "c-3"})

	m, err := h.gate.GetSecurityMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, m.TotalCredentials)
	assert.Equal(t, 1, m.WithIPRestrictions)
	assert.Equal(t, 1, m.WithDomainRestrictions)
	assert.Equal(t, 1, m.WithRateLimits)
	assert.Equal(t, 1, m.WithEmergencyAccess)
}
