// Package session owns a single logical connection to one peripheral:
// connect, disconnect, signal reads, attribute IO, and notifications, with
// every outcome reported to the metrics trail.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"blewatch/internal/adapter"
	"blewatch/internal/bleutil"
	"blewatch/internal/metrics"
)

const minConnectTimeout = time.Second

// NotificationFunc receives one inbound notification for a characteristic.
type NotificationFunc func(id string, data []byte)

// Config carries per-connection parameters.
type Config struct {
	Address        string
	AdapterID      string
	ConnectTimeout time.Duration
	MTU            int
	Metrics        *metrics.Logger
	Metadata       map[string]any
	Logger         *slog.Logger
}

// Session wraps one adapter link. All lifecycle operations serialize on an
// internal lock, so concurrent connect/disconnect calls never race.
type Session struct {
	config Config
	radio  adapter.Radio
	logger *slog.Logger

	mu            sync.Mutex
	link          adapter.Link
	notifications map[string]NotificationFunc
	releaseScope  func()
}

// New validates the config and returns an unconnected session.
func New(radio adapter.Radio, config Config) (*Session, error) {
	if bleutil.NormalizeAddress(config.Address) == "" {
		return nil, fmt.Errorf("session address is required")
	}
	if config.ConnectTimeout < minConnectTimeout {
		config.ConnectTimeout = minConnectTimeout
	}
	if config.Metadata != nil {
		if _, err := json.Marshal(config.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
		}
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "session")
	}

	return &Session{
		config:        config,
		radio:         radio,
		logger:        config.Logger.With("address", bleutil.NormalizeAddress(config.Address)),
		notifications: make(map[string]NotificationFunc),
	}, nil
}

// Address returns the normalized target address.
func (s *Session) Address() string {
	return bleutil.NormalizeAddress(s.config.Address)
}

// Connected reports whether the underlying link is currently live.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil && s.link.Connected()
}

// Connect opens the link. Idempotent: connecting an already-connected session
// succeeds without a new attempt or a duplicate success log line. A failure
// is logged as a terminal attempt and returned as a ConnectError; the session
// performs no retries of its own.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureScope()

	if s.link != nil && s.link.Connected() {
		s.logger.Debug("connect skipped: already connected")
		return nil
	}

	link, err := s.radio.OpenLink(s.config.Address, s.config.AdapterID)
	if err != nil {
		s.logMetric("connect", metrics.Entry{Status: "error", Message: err.Error()})
		s.clearScopeLocked()
		return &ConnectError{Address: s.Address(), Err: err}
	}

	if err := link.Open(ctx, s.config.ConnectTimeout); err != nil {
		s.logMetric("connect", metrics.Entry{Status: "error", Message: err.Error()})
		s.logger.Warn("connect attempt failed", "error", err)
		s.clearScopeLocked()
		return &ConnectError{Address: s.Address(), Err: err}
	}

	s.link = link
	s.logMetric("connect", metrics.Entry{Status: "ok"})

	// MTU negotiation is purely best-effort; a refusal never fails the
	// freshly established connection.
	if s.config.MTU > 0 && link.Capabilities().Has(adapter.CapTransferUnit) {
		if err := link.RequestTransferUnit(s.config.MTU); err != nil {
			s.logger.Debug("transfer unit negotiation failed", "mtu", s.config.MTU, "error", err)
		}
	}

	return nil
}

// Disconnect closes the link. Idempotent; always clears notification
// subscriptions and closes the metrics scope, even when the underlying close
// fails (the failure is logged, never returned).
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil {
		s.clearScopeLocked()
		return
	}

	for id := range s.notifications {
		if err := s.link.Unsubscribe(id); err != nil {
			s.logger.Debug("unsubscribe failed during disconnect", "characteristic", id, "error", err)
		}
	}
	s.notifications = make(map[string]NotificationFunc)

	if err := s.link.Close(); err != nil {
		s.logMetric("disconnect", metrics.Entry{Status: "error", Message: err.Error()})
		s.logger.Warn("disconnect encountered error", "error", err)
	} else {
		s.logMetric("disconnect", metrics.Entry{Status: "ok"})
	}

	s.link = nil
	s.clearScopeLocked()
}

// ReadRSSI samples current signal strength. known is false when the link
// does not expose a signal accessor; that is not an error.
func (s *Session) ReadRSSI() (rssi int, known bool, err error) {
	link, err := s.requireLink()
	if err != nil {
		return 0, false, err
	}

	if !link.Capabilities().Has(adapter.CapSignalStrength) {
		return 0, false, nil
	}

	rssi, err = link.SignalStrength()
	if err != nil {
		if !link.Connected() {
			return 0, false, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return 0, false, fmt.Errorf("read rssi: %w", err)
	}

	s.logMetric("rssi", metrics.Entry{Status: "ok", Value: metrics.Float(float64(rssi))})
	return rssi, true, nil
}

// ReadAttribute reads one characteristic. Requires a live connection.
func (s *Session) ReadAttribute(ctx context.Context, id string) ([]byte, error) {
	link, err := s.requireLink()
	if err != nil {
		return nil, err
	}

	data, err := link.ReadAttribute(ctx, id)
	if err != nil {
		if !link.Connected() {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return nil, err
	}

	s.logMetric("read_gatt", metrics.Entry{Status: "ok", Extra: metrics.Fields{"characteristic": id, "len": len(data)}})
	return data, nil
}

// WriteAttribute writes one characteristic, optionally requiring an ack.
func (s *Session) WriteAttribute(ctx context.Context, id string, data []byte, ack bool) error {
	link, err := s.requireLink()
	if err != nil {
		return err
	}

	if err := link.WriteAttribute(ctx, id, data, ack); err != nil {
		if !link.Connected() {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return err
	}

	s.logMetric("write_gatt", metrics.Entry{Status: "ok", Extra: metrics.Fields{"characteristic": id, "len": len(data), "response": ack}})
	return nil
}

// StartNotify registers a callback invoked once per inbound notification.
// Callback panics are recovered and logged; they never tear down the session.
func (s *Session) StartNotify(id string, fn NotificationFunc) error {
	link, err := s.requireLink()
	if err != nil {
		return err
	}

	wrapped := func(data []byte) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Warn("notification callback panicked", "characteristic", id, "panic", r)
			}
		}()
		fn(id, data)
	}

	if err := link.Subscribe(id, wrapped); err != nil {
		return err
	}

	s.mu.Lock()
	s.notifications[id] = fn
	s.mu.Unlock()

	s.logMetric("notify_start", metrics.Entry{Status: "ok", Extra: metrics.Fields{"characteristic": id}})
	return nil
}

// StopNotify removes a registered notification subscription. Unknown ids are
// a no-op.
func (s *Session) StopNotify(id string) error {
	link, err := s.requireLink()
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, registered := s.notifications[id]
	delete(s.notifications, id)
	s.mu.Unlock()

	if !registered {
		return nil
	}

	if err := link.Unsubscribe(id); err != nil {
		s.logger.Debug("unsubscribe failed", "characteristic", id, "error", err)
	}

	s.logMetric("notify_stop", metrics.Entry{Status: "ok", Extra: metrics.Fields{"characteristic": id}})
	return nil
}

func (s *Session) requireLink() (adapter.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil {
		return nil, ErrNotConnected
	}
	if !s.link.Connected() {
		return nil, ErrConnectionLost
	}
	return s.link, nil
}

// ensureScope opens the per-session metrics scope keyed by address and the
// static metadata. It stays open for the session lifetime. Caller holds mu.
func (s *Session) ensureScope() {
	if s.config.Metrics == nil || s.releaseScope != nil {
		return
	}

	payload := metrics.Fields{"address": s.Address()}
	for k, v := range s.config.Metadata {
		payload[k] = v
	}
	s.releaseScope = s.config.Metrics.Scope(payload)
}

func (s *Session) clearScopeLocked() {
	if s.releaseScope == nil {
		return
	}
	s.releaseScope()
	s.releaseScope = nil
}

func (s *Session) logMetric(event string, e metrics.Entry) {
	if s.config.Metrics == nil {
		return
	}
	s.config.Metrics.Log(event, e)
}
