package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/store"
)

func noopHandler(context.Context) (string, error) { return "ok", nil }

func newScheduler(t *testing.T) (*Scheduler, *store.Memory, *clock.Fake) {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(mem, clk, nil, logging.New(false, true)), mem, clk
}

// registerAll binds every job type on a one-hour cadence, with optional
// handler and interval overrides.
func registerAll(t *testing.T, s *Scheduler, overrides map[store.JobType]Handler, intervals map[store.JobType]time.Duration) {
	t.Helper()
	for _, jobType := range store.AllJobTypes() {
		h := Handler(noopHandler)
		if o, ok := overrides[jobType]; ok {
			h = o
		}
		interval := time.Hour
		if d, ok := intervals[jobType]; ok {
			interval = d
		}
		require.NoError(t, s.Register(jobType, interval, h))
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t)

	err := s.Register("disk_defrag", time.Minute, noopHandler)
	assert.True(t, kwerr.IsValidation(err), "closed enum")

	err = s.Register(store.JobHealthCheck, 0, noopHandler)
	assert.True(t, kwerr.IsValidation(err))

	require.NoError(t, s.Register(store.JobHealthCheck, time.Minute, noopHandler))
	err = s.Register(store.JobHealthCheck, time.Minute, noopHandler)
	assert.True(t, kwerr.IsConflict(err))
}

func TestStartRequiresExhaustiveRegistry(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t)
	require.NoError(t, s.Register(store.JobHealthCheck, time.Minute, noopHandler))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, kwerr.IsValidation(err))
}

func TestScheduledRunsFireOnInterval(t *testing.T) {
	t.Parallel()

	s, mem, clk := newScheduler(t)
	var runs int32
	registerAll(t, s, map[store.JobType]Handler{
		store.JobHealthCheck: func(context.Context) (string, error) {
			atomic.AddInt32(&runs, 1)
			return "swept", nil
		},
	}, map[store.JobType]time.Duration{store.JobHealthCheck: time.Minute})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	// All five tickers park, then one interval elapses.
	clk.BlockUntil(5)
	clk.Advance(time.Minute)
	clk.BlockUntil(5)

	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))

	history, err := s.History(context.Background(), store.JobHealthCheck, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.TriggerScheduled, history[0].Trigger)
	assert.Equal(t, store.JobSucceeded, history[0].Status)
	assert.Equal(t, "swept", history[0].Summary)
	require.NotNil(t, history[0].FinishedAt)

	// Unfired jobs recorded nothing.
	other, err := mem.ListJobRuns(context.Background(), store.JobAuditLogCleanup, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestManualTriggerRecordsManualRun(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t)
	registerAll(t, s, nil, nil)

	run, err := s.Trigger(context.Background(), store.JobEmergencyExpiration)
	require.NoError(t, err)
	assert.Equal(t, store.TriggerManual, run.Trigger)
	assert.Equal(t, store.JobSucceeded, run.Status)

	_, err = s.Trigger(context.Background(), "disk_defrag")
	assert.True(t, kwerr.IsNotFound(err))
}

func TestFailedRunRecordsError(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t)
	registerAll(t, s, map[store.JobType]Handler{
		store.JobAuditLogCleanup: func(context.Context) (string, error) {
			return "", errors.New("disk full")
		},
	}, nil)

	run, err := s.Trigger(context.Background(), store.JobAuditLogCleanup)
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.JobFailed, run.Status)
	assert.Equal(t, "disk full", run.Error)
}

func TestSameTypeRunsAreMutuallyExclusive(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t)
	release := make(chan struct{})
	started := make(chan struct{})
	registerAll(t, s, map[store.JobType]Handler{
		store.JobHealthCheck: func(context.Context) (string, error) {
			close(started)
			<-release
			return "done", nil
		},
	}, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Trigger(context.Background(), store.JobHealthCheck)
		assert.NoError(t, err)
	}()

	<-started
	_, err := s.Trigger(context.Background(), store.JobHealthCheck)
	assert.True(t, kwerr.IsConflict(err), "second run of the same type is refused")

	// A different type is free to run.
	_, err = s.Trigger(context.Background(), store.JobEmergencyExpiration)
	assert.NoError(t, err)

	close(release)
	wg.Wait()
}

func TestStatusListsEveryJobWithLastRun(t *testing.T) {
	t.Parallel()

	s, _, _ := newScheduler(t)
	registerAll(t, s, nil, nil)

	_, err := s.Trigger(context.Background(), store.JobHealthCheck)
	require.NoError(t, err)

	infos, err := s.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, len(store.AllJobTypes()))

	assert.Equal(t, store.JobHealthCheck, infos[0].Type)
	require.NotNil(t, infos[0].LastRun)
	assert.Equal(t, store.JobSucceeded, infos[0].LastRun.Status)
	assert.Nil(t, infos[1].LastRun)
}
