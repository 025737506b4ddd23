package reconcile

import (
	"log/slog"
	"sync"
)

// Monitor enforces the single-active-poller invariant: at most one poller
// runs per process, owned through an explicit handle rather than a global
// variable. Starting a new poller pre-empts the previous one.
type Monitor struct {
	mu     sync.Mutex
	active *Poller
	logger *slog.Logger
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger}
}

// Start cancels any active poller, then starts p and takes ownership of it.
func (m *Monitor) Start(p *Poller) error {
	m.mu.Lock()
	prev := m.active
	m.active = p
	m.mu.Unlock()

	if prev != nil && !prev.State().Terminal() {
		m.logger.Info("pre-empting active poller")
		prev.Cancel()
		<-prev.Done()
	}

	if err := p.Start(); err != nil {
		m.mu.Lock()
		if m.active == p {
			m.active = nil
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// Cancel stops the active poller, if any, and waits for it to wind down
// so no in-flight tick outlives the cancellation. The last published
// snapshot is retained.
func (m *Monitor) Cancel() {
	m.mu.Lock()
	p := m.active
	m.mu.Unlock()

	if p != nil {
		p.Cancel()
		<-p.Done()
	}
}

// Active returns the currently owned poller, or nil.
func (m *Monitor) Active() *Poller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
