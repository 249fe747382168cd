// Package scheduler runs the recurring maintenance jobs: health sweeps,
// emergency grant expiration, expiry warnings and retention cleanup. The job
// set is a closed enum; every type must be registered before Start.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/notify"
	"github.com/keywheel/keywheel/internal/store"
)

// Handler executes one job run and returns a short human summary.
type Handler func(ctx context.Context) (string, error)

// job is one registered job with its cadence and exclusion lock.
type job struct {
	jobType  store.JobType
	interval time.Duration
	handler  Handler
	running  sync.Mutex
}

// JobInfo describes a registered job and its latest run.
type JobInfo struct {
	Type     store.JobType
	Interval time.Duration
	LastRun  *store.JobRun
}

// Scheduler drives registered jobs on independent intervals over an injected
// clock. Runs of the same type never overlap; different types run freely in
// parallel.
type Scheduler struct {
	store    store.Store
	clk      clock.Clock
	notifier *notify.Manager
	logger   *logging.Logger

	mu      sync.Mutex
	jobs    map[store.JobType]*job
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. notifier may be nil when alerting is disabled.
func New(s store.Store, clk clock.Clock, notifier *notify.Manager, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		clk:      clk,
		notifier: notifier,
		logger:   logger.With("scheduler"),
		jobs:     make(map[store.JobType]*job),
	}
}

// Register binds a handler and interval to a job type. Unknown types and
// double registration are refused.
func (s *Scheduler) Register(jobType store.JobType, interval time.Duration, handler Handler) error {
	known := false
	for _, t := range store.AllJobTypes() {
		if t == jobType {
			known = true
			break
		}
	}
	if !known {
		return kwerr.Validation("job_type", "unknown job type %q", jobType)
	}
	if interval <= 0 {
		return kwerr.Validation("interval", "must be positive")
	}
	if handler == nil {
		return kwerr.Validation("handler", "must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[jobType]; exists {
		return kwerr.Conflict("job", "%s is already registered", jobType)
	}
	s.jobs[jobType] = &job{jobType: jobType, interval: interval, handler: handler}
	return nil
}

// Start checks the registry is exhaustive and launches one ticker goroutine
// per job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return kwerr.State("running", "start", "scheduler already started")
	}
	for _, t := range store.AllJobTypes() {
		if _, ok := s.jobs[t]; !ok {
			return kwerr.Validation("jobs", "job type %q has no handler registered", t)
		}
	}

	s.running = true
	s.done = make(chan struct{})
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runTicker(ctx, j)
	}
	s.logger.Info("scheduler started with %d jobs", len(s.jobs))
	return nil
}

// Stop halts the ticker goroutines. In-flight runs finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runTicker(ctx context.Context, j *job) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.clk.After(j.interval):
			// Failures are logged and recorded by execute itself.
			_, _ = s.execute(ctx, j, store.TriggerScheduled)
		}
	}
}

// Trigger runs a job immediately, outside its schedule. It returns a
// ConflictError when a run of the same type is already in flight.
func (s *Scheduler) Trigger(ctx context.Context, jobType store.JobType) (*store.JobRun, error) {
	s.mu.Lock()
	j, ok := s.jobs[jobType]
	s.mu.Unlock()
	if !ok {
		return nil, kwerr.NotFound("job", string(jobType))
	}
	return s.execute(ctx, j, store.TriggerManual)
}

// execute runs the job under its per-type exclusion lock and records the run.
func (s *Scheduler) execute(ctx context.Context, j *job, trigger store.JobTrigger) (*store.JobRun, error) {
	if !j.running.TryLock() {
		return nil, kwerr.Conflict("job", "%s is already running", j.jobType)
	}
	defer j.running.Unlock()

	run := &store.JobRun{
		ID:        uuid.NewString(),
		JobType:   j.jobType,
		Trigger:   trigger,
		Status:    store.JobRunning,
		StartedAt: s.clk.Now().UTC(),
	}
	if err := s.store.CreateJobRun(ctx, run); err != nil {
		return nil, err
	}

	summary, jobErr := j.handler(ctx)
	finished := s.clk.Now().UTC()

	status := store.JobSucceeded
	errMsg := ""
	if jobErr != nil {
		status = store.JobFailed
		errMsg = jobErr.Error()
		s.logger.Error("%s run %s failed: %v", j.jobType, run.ID, jobErr)
		if s.notifier != nil {
			s.notifier.Send(notify.Alert{
				Type:      notify.AlertJobFailed,
				Severity:  notify.SeverityWarning,
				Message:   fmt.Sprintf("%s job failed: %v", j.jobType, jobErr),
				Metadata:  map[string]string{"job_run_id": run.ID},
				Timestamp: finished,
			})
		}
	} else {
		s.logger.Debug("%s run %s: %s", j.jobType, run.ID, summary)
	}

	if err := s.store.FinishJobRun(ctx, run.ID, status, summary, errMsg, finished); err != nil {
		return nil, err
	}
	run.Status = status
	run.Summary = summary
	run.Error = errMsg
	run.FinishedAt = &finished
	return run, jobErr
}

// Status lists every registered job with its most recent run.
func (s *Scheduler) Status(ctx context.Context) ([]JobInfo, error) {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	infos := make([]JobInfo, 0, len(jobs))
	for _, t := range store.AllJobTypes() {
		for _, j := range jobs {
			if j.jobType != t {
				continue
			}
			info := JobInfo{Type: j.jobType, Interval: j.interval}
			runs, err := s.store.ListJobRuns(ctx, j.jobType, 1)
			if err != nil {
				return nil, err
			}
			if len(runs) > 0 {
				info.LastRun = runs[0]
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

// History lists past runs of one job type, newest first.
func (s *Scheduler) History(ctx context.Context, jobType store.JobType, limit int) ([]*store.JobRun, error) {
	return s.store.ListJobRuns(ctx, jobType, limit)
}
