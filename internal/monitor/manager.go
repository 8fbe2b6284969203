// Package monitor hands out explicit handles for running supervisors. The
// handle returned by Start is the only way to stop or query a monitor; there
// is no ambient registry of "the current monitor task".
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"blewatch/internal/bleutil"
	"blewatch/internal/reconnect"
)

// Handle identifies one running supervisor and owns its lifecycle.
type Handle struct {
	ID      string
	Address string

	reconnector *reconnect.Reconnector
	done        chan struct{}

	mu  sync.Mutex
	err error
}

// Stop requests a cooperative shutdown. It returns immediately; wait on
// Done for the supervisor to finish its cleanup.
func (h *Handle) Stop() {
	h.reconnector.RequestStop()
}

// Done closes once the supervisor has fully exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err reports the run outcome once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// StartConfig describes one monitoring run.
type StartConfig struct {
	Address string
	Policy  reconnect.Policy
	Options reconnect.Options
	Runtime time.Duration
}

// Manager starts supervisors and tracks the live ones. It never exposes them
// except through the handles it returns.
type Manager struct {
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default().With("component", "monitor")
	}

	return &Manager{
		logger: logger,
		active: make(map[string]*Handle),
	}
}

// Start launches a supervisor goroutine and returns its handle. An address
// already being monitored by this manager is rejected.
func (m *Manager) Start(ctx context.Context, cfg StartConfig) (*Handle, error) {
	address := bleutil.NormalizeAddress(cfg.Address)

	rec, err := reconnect.New(cfg.Address, cfg.Policy, cfg.Options)
	if err != nil {
		return nil, err
	}

	handle := &Handle{
		ID:          uuid.NewString(),
		Address:     address,
		reconnector: rec,
		done:        make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.active[address]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("monitor already active for %s", address)
	}
	m.active[address] = handle
	m.mu.Unlock()

	go func() {
		err := rec.Run(ctx, cfg.Runtime)

		handle.mu.Lock()
		handle.err = err
		handle.mu.Unlock()

		m.mu.Lock()
		if m.active[address] == handle {
			delete(m.active, address)
		}
		m.mu.Unlock()

		close(handle.done)
		m.logger.Info("monitor finished", "id", handle.ID, "address", address, "error", err)
	}()

	m.logger.Info("monitor started", "id", handle.ID, "address", address)
	return handle, nil
}

// Stop requests shutdown of the monitor for an address, if one is active.
func (m *Manager) Stop(address string) bool {
	normalized := bleutil.NormalizeAddress(address)

	m.mu.Lock()
	handle, ok := m.active[normalized]
	m.mu.Unlock()

	if !ok {
		return false
	}
	handle.Stop()
	return true
}

// Active returns handles for the currently running monitors.
func (m *Manager) Active() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	handles := make([]*Handle, 0, len(m.active))
	for _, handle := range m.active {
		handles = append(handles, handle)
	}
	return handles
}

// StopAll requests shutdown of every active monitor and waits for each to
// finish or for ctx to expire.
func (m *Manager) StopAll(ctx context.Context) {
	for _, handle := range m.Active() {
		handle.Stop()
	}
	for _, handle := range m.Active() {
		select {
		case <-handle.Done():
		case <-ctx.Done():
			return
		}
	}
}
