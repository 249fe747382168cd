package notify

import (
	"context"
	"sync"
	"time"

	"github.com/keywheel/keywheel/internal/logging"
)

const (
	// DefaultQueueSize is the maximum number of alerts that can be queued.
	DefaultQueueSize = 100

	drainTimeout = 5 * time.Second
)

// Manager fans alerts out to registered providers from a single background
// worker. Send never blocks; when the queue is full the alert is dropped and
// counted.
type Manager struct {
	providers []Provider
	queue     chan Alert
	wg        sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	done      chan struct{}
	logger    *logging.Logger

	droppedCount int64
	droppedMu    sync.Mutex
}

// NewManager creates a notification manager. If queueSize is 0,
// DefaultQueueSize is used.
func NewManager(queueSize int, logger *logging.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		providers: make([]Provider, 0),
		queue:     make(chan Alert, queueSize),
		done:      make(chan struct{}),
		logger:    logger.With("notify"),
	}
}

// RegisterProvider adds a provider to the fan-out set.
func (m *Manager) RegisterProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Providers returns a copy of the registered providers.
func (m *Manager) Providers() []Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	providers := make([]Provider, len(m.providers))
	copy(providers, m.providers)
	return providers
}

// Start begins the background delivery worker. Must be called before Send.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.worker(ctx)
}

// Stop shuts the manager down, draining pending alerts first.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
}

// Send queues an alert for delivery. If the queue is full the alert is
// dropped and the drop counter is incremented. Never blocks.
func (m *Manager) Send(alert Alert) {
	m.mu.RLock()
	if !m.running {
		m.mu.RUnlock()
		return
	}
	m.mu.RUnlock()

	select {
	case m.queue <- alert:
	default:
		m.droppedMu.Lock()
		m.droppedCount++
		m.droppedMu.Unlock()
		incrementDroppedCounter()
		m.logger.Warn("alert queue full, dropped %s for %s", alert.Type, alert.CredentialID)
	}
}

// DroppedCount returns how many alerts were dropped due to queue overflow.
func (m *Manager) DroppedCount() int64 {
	m.droppedMu.Lock()
	defer m.droppedMu.Unlock()
	return m.droppedCount
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			m.drainQueue()
			return
		case <-m.done:
			m.drainQueue()
			return
		case alert, ok := <-m.queue:
			if !ok {
				return
			}
			m.dispatch(ctx, alert)
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		select {
		case alert, ok := <-m.queue:
			if !ok {
				return
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			m.dispatch(drainCtx, alert)
			cancel()
		default:
			return
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, alert Alert) {
	m.mu.RLock()
	providers := m.providers
	m.mu.RUnlock()

	for _, provider := range providers {
		if !provider.SupportsAlert(alert.Type) {
			continue
		}
		if err := provider.Send(ctx, alert); err != nil {
			m.logger.Warn("%s delivery failed for %s: %v", provider.Name(), alert.Type, err)
		}
	}
}
