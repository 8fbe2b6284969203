package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"blewatch/internal/bus"
	"blewatch/internal/connevents"
)

const (
	titleConnected = "Device connected"
	titleLost      = "Device connection lost"
)

// Service listens to bus status events and alerts on meaningful transitions:
// a connection established after at least one failure, or a live connection
// dropping. Repeats of the same state are suppressed.
type Service struct {
	bus    bus.MessageBus
	sender Sender
	logger *slog.Logger

	mu        sync.Mutex
	lastState connevents.ConnectionState
	hasState  bool
	failures  int
}

func NewService(messageBus bus.MessageBus, sender Sender, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}

	return &Service{
		bus:    messageBus,
		sender: sender,
		logger: logger,
	}
}

// Start consumes conn.status events until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	sub := s.bus.SubscribeStatus()

	go func() {
		defer s.bus.Unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				status, ok := raw.(connevents.ConnStatus)
				if !ok {
					continue
				}
				s.handle(status)
			}
		}
	}()
}

func (s *Service) handle(status connevents.ConnStatus) {
	s.mu.Lock()
	repeated := s.hasState && s.lastState == status.State
	previous := s.lastState
	s.lastState = status.State
	s.hasState = true

	var payload *Payload
	switch status.State {
	case connevents.ConnectionStateConnected:
		if !repeated && s.failures > 0 {
			payload = &Payload{
				Title:   titleConnected,
				Content: fmt.Sprintf("%s is reachable again after %d failed attempts", status.Target, s.failures),
			}
		}
		s.failures = 0
	case connevents.ConnectionStateReconnecting:
		s.failures++
		if previous == connevents.ConnectionStateConnected {
			reason := status.Err
			if reason == "" {
				reason = "connection lost"
			}
			payload = &Payload{
				Title:   titleLost,
				Content: fmt.Sprintf("%s dropped: %s", status.Target, reason),
			}
		}
	}
	s.mu.Unlock()

	if payload == nil {
		return
	}
	if err := s.sender.Send(*payload); err != nil {
		s.logger.Warn("notification delivery failed", "title", payload.Title, "error", err)
	}
}
