package connevents

import "time"

// ConnectionState describes the supervisor lifecycle state published on the bus.
type ConnectionState string

const (
	ConnectionStateIdle         ConnectionState = "idle"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateStopped      ConnectionState = "stopped"
)

// ConnStatus is a bus event snapshot of one supervisor's connection status.
type ConnStatus struct {
	State     ConnectionState
	Err       string
	Target    string
	Attempt   int
	Timestamp time.Time
}

// RSSISample carries one signal-strength poll result.
type RSSISample struct {
	Address   string
	RSSI      int
	Known     bool
	Timestamp time.Time
}
