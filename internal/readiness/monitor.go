// Package readiness decides when a device has enough data to leave its
// loading state: whether local data exists, whether the record service
// probably has data for this account, and whether the first import from
// the service has completed.
package readiness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/offshore-budgeting/ledgersync/internal/remote"
)

// Monitor tracks import progress from a stream of events. It is safe for
// concurrent use.
type Monitor struct {
	mu        sync.Mutex
	importing bool
	completed bool
	done      chan struct{} // closed on first completed import

	logger *slog.Logger
}

// NewMonitor returns a Monitor that has seen no events.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{done: make(chan struct{}), logger: logger}
}

// Run consumes events until the channel closes or ctx is done.
func (m *Monitor) Run(ctx context.Context, events <-chan remote.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			m.Observe(ev)
		}
	}
}

// Observe applies one event. Setup events are ignored.
func (m *Monitor) Observe(ev remote.Event) {
	if ev.Type != remote.EventImport {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.importing = !ev.Finished()

	if ev.Finished() && !m.completed {
		m.completed = true
		close(m.done)

		m.logger.Info("initial import completed")
	}
}

// IsImporting reports whether an import is in progress.
func (m *Monitor) IsImporting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.importing
}

// InitialImportCompleted reports whether a successful import with an end
// marker has been seen.
func (m *Monitor) InitialImportCompleted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.completed
}

// AwaitInitialImport waits up to timeout for the initial import to
// complete. It returns false on timeout or cancellation.
func (m *Monitor) AwaitInitialImport(ctx context.Context, timeout time.Duration) bool {
	if m.InitialImportCompleted() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
