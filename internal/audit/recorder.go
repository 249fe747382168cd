// Package audit maintains the append-only trail of credential operations.
// Writes are best-effort and asynchronous so a slow audit store never blocks
// the operation being recorded.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/store"
)

const (
	// DefaultQueueSize bounds the pending write queue.
	DefaultQueueSize = 256

	flushPoll = 5 * time.Millisecond
)

// Event describes one auditable operation. The recorder fills in ID and
// timestamp.
type Event struct {
	CredentialID string
	Action       string
	PerformedBy  string
	IPAddress    string
	UserAgent    string
	Success      bool
	ErrorMessage string
	Metadata     map[string]string
}

// Recorder appends audit entries through an async bounded queue. Record never
// blocks and never returns an error; failed writes are logged and counted.
type Recorder struct {
	store  store.Store
	clk    clock.Clock
	logger *logging.Logger

	queue   chan *store.AuditEntry
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool

	pending sync.WaitGroup

	droppedMu    sync.Mutex
	droppedCount int64
	failedCount  int64
}

// NewRecorder creates a recorder. If queueSize is 0, DefaultQueueSize is
// used.
func NewRecorder(s store.Store, clk clock.Clock, logger *logging.Logger, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Recorder{
		store:  s,
		clk:    clk,
		logger: logger.With("audit"),
		queue:  make(chan *store.AuditEntry, queueSize),
		done:   make(chan struct{}),
	}
}

// Start begins the background write worker.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.worker(ctx)
}

// Stop drains pending writes and shuts the worker down.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.done)
	r.wg.Wait()
}

// Record queues an audit entry. Never blocks; entries that cannot be queued,
// whether the queue is full or the recorder is not running, are dropped and
// counted.
func (r *Recorder) Record(event Event) {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		r.droppedMu.Lock()
		r.droppedCount++
		r.droppedMu.Unlock()
		r.logger.Warn("recorder not running, dropped %s for %s", event.Action, event.CredentialID)
		return
	}

	entry := &store.AuditEntry{
		ID:           uuid.NewString(),
		CredentialID: event.CredentialID,
		Action:       event.Action,
		PerformedBy:  event.PerformedBy,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		Success:      event.Success,
		ErrorMessage: event.ErrorMessage,
		Metadata:     event.Metadata,
		CreatedAt:    r.clk.Now().UTC(),
	}

	r.pending.Add(1)
	select {
	case r.queue <- entry:
	default:
		r.pending.Done()
		r.droppedMu.Lock()
		r.droppedCount++
		r.droppedMu.Unlock()
		r.logger.Warn("audit queue full, dropped %s for %s", event.Action, event.CredentialID)
	}
}

// Flush blocks until every entry queued before the call has been written or
// given up on. Tests and shutdown paths use it.
func (r *Recorder) Flush() {
	r.pending.Wait()
}

// DroppedCount returns how many entries were dropped due to queue overflow.
func (r *Recorder) DroppedCount() int64 {
	r.droppedMu.Lock()
	defer r.droppedMu.Unlock()
	return r.droppedCount
}

// FailedCount returns how many queued entries failed to persist.
func (r *Recorder) FailedCount() int64 {
	r.droppedMu.Lock()
	defer r.droppedMu.Unlock()
	return r.failedCount
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			r.drainQueue()
			return
		case <-r.done:
			r.drainQueue()
			return
		case entry := <-r.queue:
			r.write(ctx, entry)
		}
	}
}

func (r *Recorder) drainQueue() {
	for {
		select {
		case entry := <-r.queue:
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			r.write(drainCtx, entry)
			cancel()
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, entry *store.AuditEntry) {
	defer r.pending.Done()
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.droppedMu.Lock()
		r.failedCount++
		r.droppedMu.Unlock()
		r.logger.Error("audit write failed for %s: %v", entry.Action, err)
	}
}
