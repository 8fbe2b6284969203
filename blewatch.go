// Package blewatch maintains a reliable logical connection to a wireless
// peripheral over an unreliable short-range radio link, while producing a
// continuous, queryable record of connection health.
//
// The package re-exports the consumer surface of the internal packages:
// discovery, the reconnection supervisor, the metrics trail, and the monitor
// manager. Façade layers (HTTP API, dashboards, CLIs) build on these.
package blewatch

import (
	"context"
	"log/slog"
	"time"

	"blewatch/internal/adapter"
	"blewatch/internal/adapter/tinyble"
	"blewatch/internal/bus"
	"blewatch/internal/connevents"
	"blewatch/internal/history"
	"blewatch/internal/metrics"
	"blewatch/internal/monitor"
	"blewatch/internal/notify"
	"blewatch/internal/reconnect"
	"blewatch/internal/scan"
	"blewatch/internal/session"
)

// Radio and link abstraction.
type (
	Radio         = adapter.Radio
	Link          = adapter.Link
	Advertisement = adapter.Advertisement
	Capability    = adapter.Capability
)

const (
	CapSignalStrength = adapter.CapSignalStrength
	CapTransferUnit   = adapter.CapTransferUnit
)

var (
	ErrAdapterUnavailable = adapter.ErrUnavailable
	ErrNotConnected       = session.ErrNotConnected
	ErrConnectionLost     = session.ErrConnectionLost
	ErrInvalidMetadata    = session.ErrInvalidMetadata
)

// Discovery.
type (
	ScanResult = scan.Result
	ScanConfig = scan.Config
	Scanner    = scan.Scanner
)

// Session and supervision.
type (
	Session        = session.Session
	SessionConfig  = session.Config
	ConnectError   = session.ConnectError
	Reconnector    = reconnect.Reconnector
	Policy         = reconnect.Policy
	ReconnectorOpt = reconnect.Options
)

// Metrics trail.
type (
	MetricsLogger  = metrics.Logger
	MetricsOptions = metrics.Options
	MetricFields   = metrics.Fields
	MetricEntry    = metrics.Entry
)

// Eventing and projections.
type (
	MessageBus        = bus.MessageBus
	ConnStatus        = connevents.ConnStatus
	RSSISample        = connevents.RSSISample
	ConnectionHistory = history.ConnectionHistory
	NotifySender      = notify.Sender
	Manager           = monitor.Manager
	MonitorHandle     = monitor.Handle
	MonitorConfig     = monitor.StartConfig
)

// NewRadio binds the production adapter over the platform Bluetooth stack.
func NewRadio(logger *slog.Logger) Radio {
	return tinyble.NewRadio(logger)
}

// Discover runs a one-shot bounded discovery pass.
func Discover(ctx context.Context, radio Radio, timeout time.Duration, cfg ScanConfig) ([]ScanResult, error) {
	return scan.Discover(ctx, radio, timeout, cfg)
}

// NewMetricsLogger opens (or resumes) an append-only metrics trail.
func NewMetricsLogger(path string, opts MetricsOptions) (*MetricsLogger, error) {
	return metrics.New(path, opts)
}

// NewSession builds an unconnected session toward one peripheral.
func NewSession(radio Radio, cfg SessionConfig) (*Session, error) {
	return session.New(radio, cfg)
}

// NewReconnector builds a supervisor for one peripheral address.
func NewReconnector(address string, policy Policy, opts ReconnectorOpt) (*Reconnector, error) {
	return reconnect.New(address, policy, opts)
}

// NewBus creates the shared event bus for status, scan, and sample events.
func NewBus(logger *slog.Logger) MessageBus {
	return bus.New(logger)
}

// NewManager creates a monitor manager that hands out explicit run handles.
func NewManager(logger *slog.Logger) *Manager {
	return monitor.NewManager(logger)
}
