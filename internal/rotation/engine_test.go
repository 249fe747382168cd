package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywheel/keywheel/internal/audit"
	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/health"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/material"
	"github.com/keywheel/keywheel/internal/store"
)

// scriptedChecker returns queued results per credential, then successes.
type scriptedChecker struct {
	mu      sync.Mutex
	results map[string][]health.Result
}

func (c *scriptedChecker) Name() string { return "scripted" }

func (c *scriptedChecker) Probe(_ context.Context, cred *store.Credential) (health.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.results[cred.ID]
	if len(queue) == 0 {
		return health.Result{Success: true, Message: "ok"}, nil
	}
	next := queue[0]
	c.results[cred.ID] = queue[1:]
	return next, nil
}

func (c *scriptedChecker) failNext(credID string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.results[credID] = append(c.results[credID], health.Result{Success: false, Message: "refused"})
	}
}

type engineHarness struct {
	engine   *Engine
	store    *store.Memory
	clk      *clock.Fake
	checker  *scriptedChecker
	recorder *audit.Recorder
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := logging.New(false, true)
	rec := audit.NewRecorder(mem, clk, logger, 64)
	rec.Start(context.Background())
	t.Cleanup(rec.Stop)

	checker := &scriptedChecker{results: map[string][]health.Result{}}
	registry := health.Registry{store.ProbeHTTP: checker}
	engine := NewEngine(mem, material.NewRandomSource(), registry, rec, nil, clk, logger)
	t.Cleanup(engine.Stop)

	require.NoError(t, mem.CreateCredential(context.Background(), &store.Credential{
		ID:              "c-1",
		ServiceTemplate: "stripe",
		Endpoint:        "https://api.stripe.example/v1/ping",
		ProbeType:       store.ProbeHTTP,
		Material:        "sk_live_original",
		IsPrimary:       true,
		Status:          store.CredentialActive,
	}))
	return &engineHarness{engine: engine, store: mem, clk: clk, checker: checker, recorder: rec}
}

func testConfig() store.RotationConfig {
	return store.RotationConfig{
		GracePeriodMinutes:       30,
		HealthCheckCount:         3,
		HealthCheckIntervalMs:    1000,
		AutoRollbackOnFailure:    true,
		RollbackFailureThreshold: 2,
	}
}

// seedPartnerProbes inserts probe results for the partner so eligibility can
// be driven without running the loop.
func (h *engineHarness) seedPartnerProbes(t *testing.T, session *store.RotationSession, outcomes []bool) {
	t.Helper()
	at := session.StartedAt
	for _, ok := range outcomes {
		at = at.Add(time.Second)
		require.NoError(t, h.store.InsertHealthResult(context.Background(), &store.HealthCheckResult{
			ID:           uuid.NewString(),
			CredentialID: session.NewCredentialID,
			Timestamp:    at,
			Success:      ok,
		}))
	}
}

func TestInitiateCreatesLinkedPartner(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	session, err := h.engine.Initiate(context.Background(), "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)

	assert.Equal(t, store.SessionGracePeriod, session.State)
	require.NotEmpty(t, session.NewCredentialID)

	old, err := h.store.GetCredential(context.Background(), "c-1")
	require.NoError(t, err)
	partner, err := h.store.GetCredential(context.Background(), session.NewCredentialID)
	require.NoError(t, err)

	require.NotNil(t, old.RotationPartnerID)
	assert.Equal(t, partner.ID, *old.RotationPartnerID)
	require.NotNil(t, partner.RotationPartnerID)
	assert.Equal(t, "c-1", *partner.RotationPartnerID)

	assert.True(t, old.IsPrimary, "original stays primary through the grace period")
	assert.False(t, partner.IsPrimary)
	assert.Equal(t, store.CredentialActive, partner.Status, "both admit traffic during grace")
	assert.NotEmpty(t, partner.Material)
	assert.NotEqual(t, old.Material, partner.Material)
	assert.Equal(t, old.Endpoint, partner.Endpoint)
}

func TestInitiatePersistsPartnerOnSession(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	session, err := h.engine.Initiate(ctx, "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)

	// Completion, rollback and resume all reload the session from the store,
	// so the partner id has to be on the stored row, not just the returned
	// struct.
	persisted, err := h.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotEmpty(t, persisted.NewCredentialID)
	assert.Equal(t, session.NewCredentialID, persisted.NewCredentialID)

	h.seedPartnerProbes(t, persisted, []bool{true, true, true})
	require.NoError(t, h.engine.Complete(ctx, persisted.ID, "ops@example.com", false))

	status, err := h.engine.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.ProbeCount)
}

func TestInitiateConflictOnSecondSession(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	_, err := h.engine.Initiate(context.Background(), "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)

	_, err = h.engine.Initiate(context.Background(), "c-1", "ops@example.com", testConfig())
	assert.True(t, kwerr.IsConflict(err))
}

func TestInitiateRejectsUnsupportedCredentials(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.CreateCredential(ctx, &store.Credential{
		ID: "c-secondary", Status: store.CredentialActive, Endpoint: "https://x", ProbeType: store.ProbeHTTP,
	}))
	_, err := h.engine.Initiate(ctx, "c-secondary", "ops", testConfig())
	assert.True(t, kwerr.IsValidation(err))

	require.NoError(t, h.store.CreateCredential(ctx, &store.Credential{
		ID: "c-noprobe", Status: store.CredentialActive, IsPrimary: true, Endpoint: "https://x", ProbeType: store.ProbePostgres,
	}))
	_, err = h.engine.Initiate(ctx, "c-noprobe", "ops", testConfig())
	assert.True(t, kwerr.IsValidation(err))

	_, err = h.engine.Initiate(ctx, "missing", "ops", testConfig())
	assert.True(t, kwerr.IsNotFound(err))
}

func TestCompletePromotesPartnerAfterPassingProbes(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	session, err := h.engine.Initiate(ctx, "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)

	// Not yet eligible.
	err = h.engine.Complete(ctx, session.ID, "ops@example.com", false)
	assert.True(t, kwerr.IsState(err))

	h.seedPartnerProbes(t, session, []bool{true, true, true})
	require.NoError(t, h.engine.Complete(ctx, session.ID, "ops@example.com", false))

	final, err := h.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCompleted, final.State)
	require.NotNil(t, final.CompletedAt)

	old, err := h.store.GetCredential(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, store.CredentialRevoked, old.Status)
	assert.False(t, old.IsPrimary)
	assert.Nil(t, old.RotationPartnerID)

	partner, err := h.store.GetCredential(ctx, session.NewCredentialID)
	require.NoError(t, err)
	assert.True(t, partner.IsPrimary)
	assert.Equal(t, store.CredentialActive, partner.Status)

	// Late rollback is refused.
	err = h.engine.Rollback(ctx, session.ID, "ops@example.com", "too late")
	assert.True(t, kwerr.IsState(err))
}

func TestCompleteEligibilityNeedsConsecutiveSuccesses(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	session, err := h.engine.Initiate(ctx, "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)

	// A failure inside the last three breaks the streak.
	h.seedPartnerProbes(t, session, []bool{true, true, false, true, true})
	err = h.engine.Complete(ctx, session.ID, "ops@example.com", false)
	assert.True(t, kwerr.IsState(err))

	// Operator override completes anyway.
	require.NoError(t, h.engine.Complete(ctx, session.ID, "ops@example.com", true))
}

func TestRollbackRestoresOriginalMaterial(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	before, err := h.store.GetCredential(ctx, "c-1")
	require.NoError(t, err)

	session, err := h.engine.Initiate(ctx, "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)

	require.NoError(t, h.engine.Rollback(ctx, session.ID, "ops@example.com", "integration broke"))

	final, err := h.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionRolledBack, final.State)
	assert.Equal(t, "integration broke", final.FailureReason)
	require.NotNil(t, final.RolledBackAt)

	old, err := h.store.GetCredential(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, before.Material, old.Material, "restored material is byte-identical")
	assert.True(t, old.IsPrimary)
	assert.Equal(t, store.CredentialActive, old.Status)
	assert.Nil(t, old.RotationPartnerID)

	partner, err := h.store.GetCredential(ctx, session.NewCredentialID)
	require.NoError(t, err)
	assert.Equal(t, store.CredentialRevoked, partner.Status)
	assert.Empty(t, partner.Material, "partner material discarded")

	// A second rotation can start after rollback.
	_, err = h.engine.Initiate(ctx, "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)
}

func TestAutoRollbackAfterConsecutiveProbeFailures(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	session, err := h.engine.Initiate(ctx, "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)
	h.checker.failNext(session.NewCredentialID, 2)

	interval := time.Duration(testConfig().HealthCheckIntervalMs) * time.Millisecond
	for i := 0; i < 2; i++ {
		// Loop parked on the grace timer plus its interval tick.
		h.clk.BlockUntil(2)
		h.clk.Advance(interval)
	}

	require.Eventually(t, func() bool {
		s, err := h.store.GetSession(ctx, session.ID)
		return err == nil && s.State == store.SessionRolledBack
	}, 2*time.Second, 5*time.Millisecond)

	s, err := h.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Contains(t, s.FailureReason, "consecutive probe failures")

	old, err := h.store.GetCredential(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, old.IsPrimary)
	assert.Equal(t, store.CredentialActive, old.Status)
}

func TestProbeLoopStopsWhenGraceWindowElapses(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	cfg := testConfig()
	session, err := h.engine.Initiate(ctx, "c-1", "ops@example.com", cfg)
	require.NoError(t, err)

	h.clk.BlockUntil(2)
	h.clk.Advance(time.Duration(cfg.GracePeriodMinutes) * time.Minute)

	// The probe loop winds down; the session stays in grace period awaiting
	// an operator decision.
	require.Eventually(t, func() bool {
		h.engine.mu.Lock()
		defer h.engine.mu.Unlock()
		_, running := h.engine.loops[session.ID]
		return !running
	}, time.Second, 5*time.Millisecond)

	s, err := h.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionGracePeriod, s.State)
}

func TestCancelAbandonsRotation(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	session, err := h.engine.Initiate(ctx, "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(ctx, session.ID, "ops@example.com"))

	final, err := h.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCancelled, final.State)

	h.recorder.Flush()
	entries, _, err := h.store.ListAudit(ctx,
		store.AuditFilter{CredentialID: "c-1", Action: audit.ActionRotationCancelled}, store.Page{Limit: 5})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStatusAndHistory(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	session, err := h.engine.Initiate(ctx, "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)
	h.seedPartnerProbes(t, session, []bool{false, true, true, true})

	status, err := h.engine.Status(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, status.ProbeCount)
	assert.Equal(t, 3, status.ConsecutiveSuccesses)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.True(t, status.Eligible)

	history, err := h.engine.History(ctx, "c-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, session.ID, history[0].ID)

	_, err = h.engine.Status(ctx, "missing")
	assert.True(t, kwerr.IsNotFound(err))
}

func TestEngineRefusesTransitionsOutsideTheTable(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	ctx := context.Background()

	session, err := h.engine.Initiate(ctx, "c-1", "ops@example.com", testConfig())
	require.NoError(t, err)

	// The transition table is checked before the store sees the swap.
	swapped, err := h.engine.swapState(ctx, session.ID,
		store.SessionInitiated, store.SessionCompleted, nil, "")
	assert.False(t, swapped)
	assert.True(t, kwerr.IsState(err))

	s, err := h.store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionGracePeriod, s.State)
}

func TestStateTransitionTable(t *testing.T) {
	t.Parallel()

	assert.True(t, CanTransition(store.SessionInitiated, store.SessionGracePeriod))
	assert.True(t, CanTransition(store.SessionGracePeriod, store.SessionCompleted))
	assert.True(t, CanTransition(store.SessionGracePeriod, store.SessionRolledBack))
	assert.True(t, CanTransition(store.SessionGracePeriod, store.SessionFailed))

	assert.False(t, CanTransition(store.SessionCompleted, store.SessionRolledBack))
	assert.False(t, CanTransition(store.SessionRolledBack, store.SessionGracePeriod))
	assert.False(t, CanTransition(store.SessionInitiated, store.SessionCompleted))
}
