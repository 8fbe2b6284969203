// Package adapter defines the narrow abstraction over a platform Bluetooth
// binding. The supervisor core talks only to these interfaces; the production
// binding lives in adapter/tinyble and tests supply in-memory fakes.
package adapter

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means no working radio is present. Discovery degrades
	// to an empty result instead of failing when it sees this.
	ErrUnavailable = errors.New("radio adapter unavailable")
	// ErrUnsupported is returned by optional operations the bound link does
	// not declare via Capabilities.
	ErrUnsupported = errors.New("link capability not supported")
)

// Capability flags optional link features known at bind time. Callers check
// flags instead of probing the binding at call time.
type Capability uint8

const (
	CapSignalStrength Capability = 1 << iota
	CapTransferUnit
)

func (c Capability) Has(want Capability) bool {
	return c&want != 0
}

// Advertisement is one observed broadcast from a peripheral.
type Advertisement struct {
	Address          string
	LocalName        string
	RSSI             *int
	ServiceUUIDs     []string
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	Connectable      *bool
	TxPower          *int
	ObservedAt       time.Time
	Extra            map[string]any
}

// Hints narrows an observation pass. Bindings may ignore hints they cannot
// express natively; filtering correctness belongs to the scanner.
type Hints struct {
	ServiceUUIDs []string
	ScanningMode string
	AdapterID    string
}

// ObserveFunc receives each observed advertisement. It is invoked from the
// binding's callback goroutine and must not block.
type ObserveFunc func(Advertisement)

// Radio starts observation passes and opens links to peripherals.
type Radio interface {
	// Observe begins delivering advertisements to fn until the returned
	// stop func is called or ctx is cancelled. Returns ErrUnavailable when
	// no radio can be enabled.
	Observe(ctx context.Context, hints Hints, fn ObserveFunc) (stop func() error, err error)

	// OpenLink binds a link handle for the given peripheral address. The
	// link is not connected until Open is called on it.
	OpenLink(address, adapterID string) (Link, error)
}

// NotifyFunc receives one inbound notification payload.
type NotifyFunc func(data []byte)

// Link is a single-owner handle to one peripheral connection.
type Link interface {
	Open(ctx context.Context, timeout time.Duration) error
	Close() error
	Connected() bool

	Capabilities() Capability

	// SignalStrength reports the current RSSI. Links without
	// CapSignalStrength return ErrUnsupported.
	SignalStrength() (int, error)

	ReadAttribute(ctx context.Context, id string) ([]byte, error)
	WriteAttribute(ctx context.Context, id string, data []byte, ack bool) error

	Subscribe(id string, fn NotifyFunc) error
	Unsubscribe(id string) error

	// RequestTransferUnit negotiates a preferred payload size. Best effort:
	// failures are reported but callers must treat them as advisory.
	RequestTransferUnit(size int) error
}
