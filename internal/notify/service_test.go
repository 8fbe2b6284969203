package notify

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"blewatch/internal/connevents"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []Payload
	sendErr error
}

func (s *fakeSender) Send(payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, payload)
	return s.sendErr
}

func (s *fakeSender) payloads() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Payload(nil), s.sent...)
}

func status(state connevents.ConnectionState) connevents.ConnStatus {
	return connevents.ConnStatus{State: state, Target: "AA:BB:CC:DD:EE:01"}
}

func TestFirstConnectionIsSilent(t *testing.T) {
	sender := &fakeSender{}
	s := NewService(nil, sender, nil)

	s.handle(status(connevents.ConnectionStateConnecting))
	s.handle(status(connevents.ConnectionStateConnected))

	if len(sender.payloads()) != 0 {
		t.Fatalf("clean first connection must not alert: %v", sender.payloads())
	}
}

func TestRecoveryAfterFailuresAlerts(t *testing.T) {
	sender := &fakeSender{}
	s := NewService(nil, sender, nil)

	s.handle(status(connevents.ConnectionStateConnecting))
	s.handle(status(connevents.ConnectionStateReconnecting))
	s.handle(status(connevents.ConnectionStateConnecting))
	s.handle(status(connevents.ConnectionStateReconnecting))
	s.handle(status(connevents.ConnectionStateConnected))

	sent := sender.payloads()
	if len(sent) != 1 {
		t.Fatalf("expected one recovery alert, got %d", len(sent))
	}
	if sent[0].Title != titleConnected {
		t.Fatalf("title = %q", sent[0].Title)
	}
	if !strings.Contains(sent[0].Content, "2 failed attempts") {
		t.Fatalf("content = %q", sent[0].Content)
	}
}

func TestDropFromConnectedAlerts(t *testing.T) {
	sender := &fakeSender{}
	s := NewService(nil, sender, nil)

	s.handle(status(connevents.ConnectionStateConnecting))
	s.handle(status(connevents.ConnectionStateConnected))

	dropped := status(connevents.ConnectionStateReconnecting)
	dropped.Err = "supervision timeout"
	s.handle(dropped)

	sent := sender.payloads()
	if len(sent) != 1 {
		t.Fatalf("expected one drop alert, got %d", len(sent))
	}
	if sent[0].Title != titleLost {
		t.Fatalf("title = %q", sent[0].Title)
	}
	if !strings.Contains(sent[0].Content, "supervision timeout") {
		t.Fatalf("content = %q", sent[0].Content)
	}
}

func TestDropWithoutReasonUsesFallback(t *testing.T) {
	sender := &fakeSender{}
	s := NewService(nil, sender, nil)

	s.handle(status(connevents.ConnectionStateConnected))
	s.handle(status(connevents.ConnectionStateReconnecting))

	sent := sender.payloads()
	if len(sent) != 1 {
		t.Fatalf("expected one drop alert, got %d", len(sent))
	}
	if !strings.HasSuffix(sent[0].Content, "dropped: connection lost") {
		t.Fatalf("content = %q", sent[0].Content)
	}
}

func TestRepeatedStatesAreSuppressed(t *testing.T) {
	sender := &fakeSender{}
	s := NewService(nil, sender, nil)

	s.handle(status(connevents.ConnectionStateConnected))
	s.handle(status(connevents.ConnectionStateReconnecting))
	s.handle(status(connevents.ConnectionStateReconnecting))
	s.handle(status(connevents.ConnectionStateReconnecting))

	if got := len(sender.payloads()); got != 1 {
		t.Fatalf("repeated reconnecting produced %d alerts, want 1", got)
	}
}

func TestDeliveryFailureDoesNotPanic(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("dbus session closed")}
	s := NewService(nil, sender, nil)

	s.handle(status(connevents.ConnectionStateConnected))
	s.handle(status(connevents.ConnectionStateReconnecting))
	s.handle(status(connevents.ConnectionStateConnected))

	// Both transitions attempted delivery despite the sender failing.
	if got := len(sender.payloads()); got != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", got)
	}
}

func TestDesktopSenderSkipsEmptyPayload(t *testing.T) {
	s := NewDesktopSender("")
	if s.AppName != "blewatch" {
		t.Fatalf("default app name = %q", s.AppName)
	}
	if err := s.Send(Payload{}); err != nil {
		t.Fatalf("empty payload must be a no-op: %v", err)
	}
}
