// Package rotation drives zero-downtime credential rotation. A session puts
// a partner credential with fresh material next to the one being rotated,
// probes it through a grace period, and finishes by promoting the partner or
// restoring the original.
package rotation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keywheel/keywheel/internal/audit"
	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/health"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/material"
	"github.com/keywheel/keywheel/internal/notify"
	"github.com/keywheel/keywheel/internal/store"
)

// DefaultRotationConfig returns the session parameters used when the caller
// leaves them zero.
func DefaultRotationConfig() store.RotationConfig {
	return store.RotationConfig{
		GracePeriodMinutes:       60,
		HealthCheckCount:         3,
		HealthCheckIntervalMs:    30000,
		AutoRollbackOnFailure:    true,
		RollbackFailureThreshold: 3,
	}
}

// SessionStatus is the live view of one session.
type SessionStatus struct {
	Session              *store.RotationSession
	Eligible             bool
	ProbeCount           int
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
}

// probeLoop tracks one session's grace period goroutine.
type probeLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns rotation sessions and their grace period probe loops.
type Engine struct {
	store    store.Store
	source   material.Source
	registry health.Registry
	recorder *audit.Recorder
	notifier *notify.Manager
	clk      clock.Clock
	logger   *logging.Logger

	// transMu serializes terminal transitions in-process; the store's
	// compare-and-swap guards them across processes.
	transMu sync.Mutex

	mu    sync.Mutex
	loops map[string]*probeLoop
}

// NewEngine wires the engine. notifier may be nil when alerting is disabled.
func NewEngine(s store.Store, source material.Source, registry health.Registry, recorder *audit.Recorder, notifier *notify.Manager, clk clock.Clock, logger *logging.Logger) *Engine {
	return &Engine{
		store:    s,
		source:   source,
		registry: registry,
		recorder: recorder,
		notifier: notifier,
		clk:      clk,
		logger:   logger.With("rotation"),
		loops:    make(map[string]*probeLoop),
	}
}

// SupportsRotation reports whether the credential can enter a rotation, with
// the blocking reason when it cannot.
func (e *Engine) SupportsRotation(ctx context.Context, credentialID string) (bool, string, error) {
	cred, err := e.store.GetCredential(ctx, credentialID)
	if err != nil {
		return false, "", err
	}
	switch {
	case cred.Status != store.CredentialActive:
		return false, "credential is not active", nil
	case !cred.IsPrimary:
		return false, "only primary credentials rotate", nil
	case cred.Endpoint == "":
		return false, "credential has no endpoint to probe", nil
	}
	if _, ok := e.registry[cred.ProbeType]; !ok {
		return false, fmt.Sprintf("no checker for probe type %q", cred.ProbeType), nil
	}
	return true, "", nil
}

// Initiate starts a rotation session for the credential. At most one
// non-terminal session can exist per credential; a second call returns a
// ConflictError.
func (e *Engine) Initiate(ctx context.Context, credentialID, actor string, cfg store.RotationConfig) (*store.RotationSession, error) {
	cfg = normalizeConfig(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	ok, reason, err := e.SupportsRotation(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kwerr.Validation("credential_id", "%s", reason)
	}
	cred, err := e.store.GetCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	now := e.clk.Now().UTC()
	session := &store.RotationSession{
		ID:           uuid.NewString(),
		CredentialID: cred.ID,
		State:        store.SessionInitiated,
		Config:       cfg,
		InitiatedBy:  actor,
		StartedAt:    now,
	}
	// Creating the session first makes the store's single-active invariant
	// resolve concurrent initiations before any material is minted.
	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	partner, err := e.createPartner(ctx, cred)
	if err != nil {
		finished := e.clk.Now().UTC()
		_, _ = e.swapState(ctx, session.ID,
			store.SessionInitiated, store.SessionCancelled, &finished, "partner provisioning failed")
		return nil, err
	}
	// The partner id must reach the store before the grace period starts;
	// completion, rollback and resume all reload the session from there.
	session.NewCredentialID = partner.ID
	if err := e.store.SetSessionPartner(ctx, session.ID, partner.ID); err != nil {
		finished := e.clk.Now().UTC()
		_, _ = e.swapState(ctx, session.ID,
			store.SessionInitiated, store.SessionCancelled, &finished, "recording partner failed")
		return nil, err
	}

	swapped, err := e.swapState(ctx, session.ID,
		store.SessionInitiated, store.SessionGracePeriod, nil, "")
	if err != nil {
		return nil, err
	}
	if !swapped {
		return nil, kwerr.Conflict("rotation_session", "session %s left initiated state concurrently", session.ID)
	}
	session.State = store.SessionGracePeriod

	e.startLoop(session, partner.ID)
	e.logger.Info("rotation %s started for %s (%s)", session.ID, cred.ID, cred.ServiceTemplate)
	recordStarted(cred.ServiceTemplate)
	e.recorder.Record(audit.Event{
		CredentialID: cred.ID,
		Action:       audit.ActionRotationInitiated,
		PerformedBy:  actor,
		Success:      true,
		Metadata: map[string]string{
			"session_id":     session.ID,
			"new_credential": partner.ID,
		},
	})
	return session, nil
}

// createPartner mints material and stores the sibling credential carrying
// it, linked to the original in both directions.
func (e *Engine) createPartner(ctx context.Context, cred *store.Credential) (*store.Credential, error) {
	mat, err := e.source.Generate(ctx, cred.ServiceTemplate)
	if err != nil {
		return nil, err
	}
	defer mat.Destroy()
	plaintext, err := mat.String()
	if err != nil {
		return nil, err
	}

	partner := &store.Credential{
		ID:                uuid.NewString(),
		ServiceTemplate:   cred.ServiceTemplate,
		Endpoint:          cred.Endpoint,
		ProbeType:         cred.ProbeType,
		Material:          plaintext,
		IsPrimary:         false,
		Status:            store.CredentialActive,
		RotationPartnerID: &cred.ID,

		AllowedIPs:            cred.AllowedIPs,
		AllowedDomains:        cred.AllowedDomains,
		RateLimit:             cred.RateLimit,
		ConcurrentLimit:       cred.ConcurrentLimit,
		AlertOnFailure:        cred.AlertOnFailure,
		FailureAlertThreshold: cred.FailureAlertThreshold,
	}
	if err := e.store.CreateCredential(ctx, partner); err != nil {
		return nil, err
	}

	cred.RotationPartnerID = &partner.ID
	if err := e.store.UpdateCredential(ctx, cred); err != nil {
		return nil, err
	}
	return partner, nil
}

// Complete promotes the partner and revokes the rotated credential. Without
// override the partner must have passed the configured number of consecutive
// probes.
func (e *Engine) Complete(ctx context.Context, sessionID, actor string, override bool) error {
	e.transMu.Lock()
	defer e.transMu.Unlock()

	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State != store.SessionGracePeriod {
		return kwerr.State(string(session.State), string(store.SessionCompleted), "session is not in its grace period")
	}

	if !override {
		eligible, err := e.eligible(ctx, session)
		if err != nil {
			return err
		}
		if !eligible {
			return kwerr.State(string(session.State), string(store.SessionCompleted),
				"partner has not passed %d consecutive probes", session.Config.HealthCheckCount)
		}
	}

	now := e.clk.Now().UTC()
	swapped, err := e.swapState(ctx, session.ID,
		store.SessionGracePeriod, store.SessionCompleted, &now, "")
	if err != nil {
		return err
	}
	if !swapped {
		return kwerr.State("terminal", string(store.SessionCompleted), "session finished concurrently")
	}
	e.stopLoop(session.ID)

	old, err := e.store.GetCredential(ctx, session.CredentialID)
	if err != nil {
		return err
	}
	partner, err := e.store.GetCredential(ctx, session.NewCredentialID)
	if err != nil {
		return err
	}
	old.Status = store.CredentialRevoked
	old.IsPrimary = false
	old.RotationPartnerID = nil
	if err := e.store.UpdateCredential(ctx, old); err != nil {
		return err
	}
	partner.IsPrimary = true
	partner.RotationPartnerID = nil
	if err := e.store.UpdateCredential(ctx, partner); err != nil {
		return err
	}

	e.logger.Info("rotation %s completed, %s promoted", session.ID, partner.ID)
	recordFinished(partner.ServiceTemplate, string(store.SessionCompleted))
	e.recorder.Record(audit.Event{
		CredentialID: session.CredentialID,
		Action:       audit.ActionRotationCompleted,
		PerformedBy:  actor,
		Success:      true,
		Metadata: map[string]string{
			"session_id":     session.ID,
			"new_credential": partner.ID,
			"override":       fmt.Sprintf("%t", override),
		},
	})
	e.alert(notify.AlertRotationCompleted, notify.SeverityInfo, partner,
		fmt.Sprintf("rotation completed, %s is now primary", partner.ID))
	return nil
}

// Rollback restores the rotated credential as sole primary and discards the
// partner. If restoration itself fails the session lands in failed and an
// operator alert goes out.
func (e *Engine) Rollback(ctx context.Context, sessionID, actor, reason string) error {
	return e.finishWithRestore(ctx, sessionID, actor, reason,
		store.SessionRolledBack, audit.ActionRotationRolledBack, notify.AlertRotationRolledBack)
}

// Cancel abandons a rotation from its grace period. Restoration is the same
// as rollback; only the recorded action differs.
func (e *Engine) Cancel(ctx context.Context, sessionID, actor string) error {
	return e.finishWithRestore(ctx, sessionID, actor, "cancelled by operator",
		store.SessionCancelled, audit.ActionRotationCancelled, notify.AlertRotationRolledBack)
}

func (e *Engine) finishWithRestore(ctx context.Context, sessionID, actor, reason string, finalState store.SessionState, action string, alertType notify.AlertType) error {
	e.transMu.Lock()
	defer e.transMu.Unlock()

	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !CanTransition(session.State, finalState) {
		return kwerr.State(string(session.State), string(finalState), "transition not allowed")
	}
	fromState := session.State

	old, err := e.store.GetCredential(ctx, session.CredentialID)
	if err != nil {
		return err
	}

	restoreErr := e.restore(ctx, session)
	now := e.clk.Now().UTC()
	if restoreErr != nil {
		_, _ = e.swapState(ctx, session.ID,
			fromState, store.SessionFailed, &now, fmt.Sprintf("restore failed: %v", restoreErr))
		e.stopLoop(session.ID)
		e.logger.Error("rotation %s restore failed: %v", session.ID, restoreErr)
		recordFinished(old.ServiceTemplate, string(store.SessionFailed))
		e.recorder.Record(audit.Event{
			CredentialID: session.CredentialID,
			Action:       audit.ActionRotationFailed,
			PerformedBy:  actor,
			Success:      false,
			ErrorMessage: restoreErr.Error(),
			Metadata:     map[string]string{"session_id": session.ID},
		})
		e.alert(notify.AlertRotationRolledBack, notify.SeverityCritical, old,
			fmt.Sprintf("rotation %s failed during restore, manual intervention required: %v", session.ID, restoreErr))
		return kwerr.Persistence("rotation restore", restoreErr)
	}

	swapped, err := e.swapState(ctx, session.ID, fromState, finalState, &now, reason)
	if err != nil {
		return err
	}
	if !swapped {
		return kwerr.State("terminal", string(finalState), "session finished concurrently")
	}
	e.stopLoop(session.ID)

	e.logger.Info("rotation %s %s: %s", session.ID, finalState, reason)
	recordFinished(old.ServiceTemplate, string(finalState))
	e.recorder.Record(audit.Event{
		CredentialID: session.CredentialID,
		Action:       action,
		PerformedBy:  actor,
		Success:      true,
		Metadata: map[string]string{
			"session_id": session.ID,
			"reason":     reason,
		},
	})
	e.alert(alertType, notify.SeverityWarning, old,
		fmt.Sprintf("rotation %s: %s", finalState, reason))
	return nil
}

// restore puts the original credential back as sole primary and revokes the
// partner.
func (e *Engine) restore(ctx context.Context, session *store.RotationSession) error {
	old, err := e.store.GetCredential(ctx, session.CredentialID)
	if err != nil {
		return err
	}
	old.Status = store.CredentialActive
	old.IsPrimary = true
	old.RotationPartnerID = nil
	if err := e.store.UpdateCredential(ctx, old); err != nil {
		return err
	}

	if session.NewCredentialID == "" {
		return nil
	}
	partner, err := e.store.GetCredential(ctx, session.NewCredentialID)
	if err != nil {
		if kwerr.IsNotFound(err) {
			return nil
		}
		return err
	}
	partner.Status = store.CredentialRevoked
	partner.IsPrimary = false
	partner.Material = ""
	partner.RotationPartnerID = nil
	return e.store.UpdateCredential(ctx, partner)
}

// Status reports the session plus probe-derived eligibility.
func (e *Engine) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := &SessionStatus{Session: session}
	if session.NewCredentialID == "" {
		return status, nil
	}
	results, err := e.store.ListHealthResults(ctx, session.NewCredentialID, session.StartedAt, 0)
	if err != nil {
		return nil, err
	}
	status.ProbeCount = len(results)
	for _, r := range results {
		if r.Success {
			break
		}
		status.ConsecutiveFailures++
	}
	for _, r := range results {
		if !r.Success {
			break
		}
		status.ConsecutiveSuccesses++
	}
	status.Eligible = status.ConsecutiveSuccesses >= session.Config.HealthCheckCount
	return status, nil
}

// History lists a credential's sessions, newest first.
func (e *Engine) History(ctx context.Context, credentialID string, limit int) ([]*store.RotationSession, error) {
	if _, err := e.store.GetCredential(ctx, credentialID); err != nil {
		return nil, err
	}
	return e.store.ListSessions(ctx, store.SessionFilter{CredentialID: credentialID, Limit: limit})
}

// Resume restarts probe loops for sessions still in their grace period,
// after a process restart.
func (e *Engine) Resume(ctx context.Context) error {
	creds, err := e.store.ListCredentials(ctx, store.CredentialFilter{Status: store.CredentialActive})
	if err != nil {
		return err
	}
	for _, cred := range creds {
		session, err := e.store.ActiveSessionForCredential(ctx, cred.ID)
		if err != nil {
			if kwerr.IsNotFound(err) {
				continue
			}
			return err
		}
		if session.State != store.SessionGracePeriod || session.NewCredentialID == "" {
			continue
		}
		e.startLoop(session, session.NewCredentialID)
		e.logger.Info("resumed probe loop for session %s", session.ID)
	}
	return nil
}

// Stop cancels every probe loop and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	loops := make([]*probeLoop, 0, len(e.loops))
	for _, l := range e.loops {
		l.cancel()
		loops = append(loops, l)
	}
	e.loops = make(map[string]*probeLoop)
	e.mu.Unlock()

	for _, l := range loops {
		<-l.done
	}
}

func (e *Engine) startLoop(session *store.RotationSession, partnerID string) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &probeLoop{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if _, exists := e.loops[session.ID]; exists {
		e.mu.Unlock()
		cancel()
		return
	}
	e.loops[session.ID] = loop
	e.mu.Unlock()

	go e.runLoop(ctx, loop, session, partnerID)
}

func (e *Engine) stopLoop(sessionID string) {
	e.mu.Lock()
	loop, ok := e.loops[sessionID]
	if ok {
		delete(e.loops, sessionID)
	}
	e.mu.Unlock()
	if ok {
		loop.cancel()
	}
}

// runLoop probes the partner on the session's interval until the grace
// window closes, the session finishes, or consecutive failures trip an auto
// rollback.
func (e *Engine) runLoop(ctx context.Context, loop *probeLoop, session *store.RotationSession, partnerID string) {
	defer func() {
		close(loop.done)
		e.mu.Lock()
		if e.loops[session.ID] == loop {
			delete(e.loops, session.ID)
		}
		e.mu.Unlock()
	}()

	cfg := session.Config
	interval := time.Duration(cfg.HealthCheckIntervalMs) * time.Millisecond
	graceOver := e.clk.After(time.Duration(cfg.GracePeriodMinutes) * time.Minute)

	consecutiveFails := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-graceOver:
			e.logger.Debug("grace window for session %s elapsed, probing stopped", session.ID)
			return
		case <-e.clk.After(interval):
			current, err := e.store.GetSession(ctx, session.ID)
			if err != nil || current.State.IsTerminal() {
				return
			}

			success := e.probePartner(ctx, partnerID)
			if success {
				consecutiveFails = 0
				continue
			}
			consecutiveFails++
			if cfg.AutoRollbackOnFailure && consecutiveFails >= cfg.RollbackFailureThreshold {
				reason := fmt.Sprintf("%d consecutive probe failures during grace period", consecutiveFails)
				if err := e.Rollback(ctx, session.ID, "system", reason); err != nil && !kwerr.IsState(err) {
					e.logger.Error("auto rollback of session %s: %v", session.ID, err)
				}
				return
			}
		}
	}
}

// probePartner runs one probe and records the result. Probe problems are
// treated as failures, never surfaced.
func (e *Engine) probePartner(ctx context.Context, partnerID string) bool {
	partner, err := e.store.GetCredential(ctx, partnerID)
	if err != nil {
		e.logger.Error("loading partner %s: %v", partnerID, err)
		return false
	}
	checker, ok := e.registry[partner.ProbeType]
	if !ok {
		e.logger.Error("no checker for partner %s probe type %q", partnerID, partner.ProbeType)
		return false
	}

	probed, err := checker.Probe(ctx, partner)
	if err != nil {
		probed = health.Result{Success: false, Message: err.Error()}
	}
	result := &store.HealthCheckResult{
		ID:             uuid.NewString(),
		CredentialID:   partnerID,
		Timestamp:      e.clk.Now().UTC(),
		StatusCode:     probed.StatusCode,
		ResponseTimeMs: probed.ResponseTimeMs,
		Success:        probed.Success,
		Message:        probed.Message,
	}
	if err := e.store.InsertHealthResult(ctx, result); err != nil {
		e.logger.Error("recording grace probe for %s: %v", partnerID, err)
	}
	recordProbe(partner.ServiceTemplate, probed.Success)
	return probed.Success
}

// swapState routes a transition through the state table before the store's
// compare-and-swap applies it, so ValidTransitions is what the engine
// actually enforces.
func (e *Engine) swapState(ctx context.Context, id string, from, to store.SessionState, finishedAt *time.Time, reason string) (bool, error) {
	if !CanTransition(from, to) {
		return false, kwerr.State(string(from), string(to), "transition not allowed")
	}
	return e.store.CompareAndSwapSessionState(ctx, id, from, to, finishedAt, reason)
}

// eligible recomputes completion eligibility from the partner's probe
// history.
func (e *Engine) eligible(ctx context.Context, session *store.RotationSession) (bool, error) {
	if session.NewCredentialID == "" {
		return false, nil
	}
	results, err := e.store.ListHealthResults(ctx, session.NewCredentialID, session.StartedAt, session.Config.HealthCheckCount)
	if err != nil {
		return false, err
	}
	if len(results) < session.Config.HealthCheckCount {
		return false, nil
	}
	for _, r := range results {
		if !r.Success {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) alert(alertType notify.AlertType, severity notify.Severity, cred *store.Credential, message string) {
	if e.notifier == nil || cred == nil {
		return
	}
	e.notifier.Send(notify.Alert{
		Type:         alertType,
		Severity:     severity,
		CredentialID: cred.ID,
		Service:      cred.ServiceTemplate,
		Message:      message,
		Timestamp:    e.clk.Now().UTC(),
	})
}

func normalizeConfig(cfg store.RotationConfig) store.RotationConfig {
	defaults := DefaultRotationConfig()
	if cfg.GracePeriodMinutes == 0 {
		cfg.GracePeriodMinutes = defaults.GracePeriodMinutes
	}
	if cfg.HealthCheckCount == 0 {
		cfg.HealthCheckCount = defaults.HealthCheckCount
	}
	if cfg.HealthCheckIntervalMs == 0 {
		cfg.HealthCheckIntervalMs = defaults.HealthCheckIntervalMs
	}
	if cfg.RollbackFailureThreshold == 0 {
		cfg.RollbackFailureThreshold = defaults.RollbackFailureThreshold
	}
	return cfg
}

func validateConfig(cfg store.RotationConfig) error {
	if cfg.GracePeriodMinutes < 0 {
		return kwerr.Validation("grace_period_minutes", "must be positive")
	}
	if cfg.HealthCheckCount < 0 {
		return kwerr.Validation("health_check_count", "must be positive")
	}
	if cfg.HealthCheckIntervalMs < 0 {
		return kwerr.Validation("health_check_interval_ms", "must be positive")
	}
	if cfg.RollbackFailureThreshold < 0 {
		return kwerr.Validation("rollback_failure_threshold", "must be positive")
	}
	return nil
}
