// Package history keeps in-memory, read-only projections of connection and
// communication activity. These fill the gap between the append-only metrics
// trail and the durable catalog owned by external consumers.
package history

import (
	"sync"
	"time"
)

// ConnectionStatus classifies one connection event.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusFailed       ConnectionStatus = "failed"
)

// ConnectionRecord is a single connection or disconnection event.
type ConnectionRecord struct {
	Address   string
	Timestamp time.Time
	Status    ConnectionStatus
}

// ConnectionHistory keeps an ordered history of connection events. Safe for
// concurrent writers and readers.
type ConnectionHistory struct {
	mu      sync.RWMutex
	records []ConnectionRecord
}

func NewConnectionHistory() *ConnectionHistory {
	return &ConnectionHistory{}
}

func (h *ConnectionHistory) LogConnection(address string) ConnectionRecord {
	return h.append(address, StatusConnected)
}

func (h *ConnectionHistory) LogDisconnection(address string) ConnectionRecord {
	return h.append(address, StatusDisconnected)
}

func (h *ConnectionHistory) LogFailure(address string) ConnectionRecord {
	return h.append(address, StatusFailed)
}

func (h *ConnectionHistory) append(address string, status ConnectionStatus) ConnectionRecord {
	record := ConnectionRecord{
		Address:   address,
		Timestamp: time.Now().UTC(),
		Status:    status,
	}

	h.mu.Lock()
	h.records = append(h.records, record)
	h.mu.Unlock()

	return record
}

// Last returns the most recent record, if any.
func (h *ConnectionHistory) Last() (ConnectionRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.records) == 0 {
		return ConnectionRecord{}, false
	}
	return h.records[len(h.records)-1], true
}

// Snapshot returns a copy of the full history in observation order.
func (h *ConnectionHistory) Snapshot() []ConnectionRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return append([]ConnectionRecord(nil), h.records...)
}

// Direction tags which way a payload travelled.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Message is one recorded exchange with a device.
type Message struct {
	Address   string
	Timestamp time.Time
	Direction Direction
	Payload   []byte
}

// CommunicationHistory records payloads exchanged with devices.
type CommunicationHistory struct {
	mu       sync.RWMutex
	messages []Message
}

func NewCommunicationHistory() *CommunicationHistory {
	return &CommunicationHistory{}
}

func (h *CommunicationHistory) LogMessage(address string, direction Direction, payload []byte) {
	msg := Message{
		Address:   address,
		Timestamp: time.Now().UTC(),
		Direction: direction,
		Payload:   append([]byte(nil), payload...),
	}

	h.mu.Lock()
	h.messages = append(h.messages, msg)
	h.mu.Unlock()
}

// ForDevice returns the messages recorded for one address, in order.
func (h *CommunicationHistory) ForDevice(address string) []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Message
	for _, msg := range h.messages {
		if msg.Address == address {
			out = append(out, msg)
		}
	}
	return out
}
