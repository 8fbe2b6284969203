package tinyble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"blewatch/internal/adapter"
	"blewatch/internal/bleutil"
)

const attributeReadBufferSize = 512

// link is a single-owner connection handle to one peripheral.
type link struct {
	logger    *slog.Logger
	address   bluetooth.Address
	adapterID string

	mu         sync.Mutex
	connected  bool
	device     bluetooth.Device
	chars      map[string]bluetooth.DeviceCharacteristic
	subscribed map[string]struct{}
}

func (l *link) Open(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.connected {
		l.logger.Debug("open skipped: already connected")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ble := systemAdapter(l.adapterID)
	if err := ble.Enable(); err != nil {
		l.logger.Warn("enable adapter failed", "error", err)
		return bleutil.ClassifyEnableError(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// The binding reports connection loss through an adapter-global handler
	// rather than per device, so filter on our own address.
	ble.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		l.handleConnectEvent(dev.Address.String(), connected)
	})

	params := bluetooth.ConnectionParams{ConnectionTimeout: bluetooth.NewDuration(timeout)}
	device, err := ble.Connect(l.address, params)
	if err != nil {
		l.logger.Warn("connect failed", "error", err)
		return fmt.Errorf("connect %s: %w", l.address.String(), err)
	}

	l.device = device
	l.connected = true
	l.chars = make(map[string]bluetooth.DeviceCharacteristic)
	l.subscribed = make(map[string]struct{})
	l.logger.Debug("link open")

	return nil
}

func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil
	}

	var closeErr error
	for id := range l.subscribed {
		if char, ok := l.chars[id]; ok {
			if err := char.EnableNotifications(nil); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("disable notifications %s: %w", id, err))
			}
		}
	}
	if err := l.device.Disconnect(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("disconnect: %w", err))
	}

	l.connected = false
	l.chars = nil
	l.subscribed = nil
	l.logger.Debug("link closed")

	return closeErr
}

func (l *link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// handleConnectEvent flips the connected flag when the stack reports a
// disconnect for this link's peer. Connect events and events for other
// peers are ignored.
func (l *link) handleConnectEvent(addr string, connected bool) {
	if connected {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return
	}
	if bleutil.NormalizeAddress(addr) != bleutil.NormalizeAddress(l.address.String()) {
		return
	}

	l.connected = false
	l.logger.Warn("link lost")
}

func (l *link) Capabilities() adapter.Capability {
	// The tinygo binding exposes neither post-connection RSSI nor an MTU
	// request, so both optional capabilities stay unset.
	return 0
}

func (l *link) SignalStrength() (int, error) {
	return 0, adapter.ErrUnsupported
}

func (l *link) ReadAttribute(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	char, err := l.characteristic(id)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, attributeReadBufferSize)
	n, err := char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", id, err)
	}
	if n <= 0 {
		return nil, nil
	}
	if n > len(buf) {
		return nil, fmt.Errorf("payload length %d exceeds buffer size %d", n, len(buf))
	}

	payload := make([]byte, n)
	copy(payload, buf[:n])
	return payload, nil
}

func (l *link) WriteAttribute(ctx context.Context, id string, data []byte, ack bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	char, err := l.characteristic(id)
	if err != nil {
		return err
	}

	var written int
	if ack {
		written, err = char.Write(data)
	} else {
		written, err = char.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	if written != len(data) {
		return fmt.Errorf("short write to %s: wrote %d of %d", id, written, len(data))
	}

	return nil
}

func (l *link) Subscribe(id string, fn adapter.NotifyFunc) error {
	char, err := l.characteristic(id)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(func(buf []byte) {
		fn(append([]byte(nil), buf...))
	}); err != nil {
		return fmt.Errorf("enable notifications %s: %w", id, err)
	}

	l.mu.Lock()
	if l.subscribed != nil {
		l.subscribed[id] = struct{}{}
	}
	l.mu.Unlock()

	return nil
}

func (l *link) Unsubscribe(id string) error {
	char, err := l.characteristic(id)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("disable notifications %s: %w", id, err)
	}

	l.mu.Lock()
	delete(l.subscribed, id)
	l.mu.Unlock()

	return nil
}

func (l *link) RequestTransferUnit(int) error {
	return adapter.ErrUnsupported
}

// characteristic resolves an attribute id lazily and caches the handle for
// the lifetime of the connection.
func (l *link) characteristic(id string) (bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return bluetooth.DeviceCharacteristic{}, errors.New("link is not connected")
	}
	if char, ok := l.chars[id]; ok {
		return char, nil
	}

	uuid, err := bluetooth.ParseUUID(id)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("invalid attribute id %q: %w", id, err)
	}

	services, err := l.device.DiscoverServices(nil)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("discover services: %w", err)
	}
	for _, service := range services {
		chars, err := service.DiscoverCharacteristics([]bluetooth.UUID{uuid})
		if err != nil {
			continue
		}
		if len(chars) > 0 {
			l.chars[id] = chars[0]
			return chars[0], nil
		}
	}

	return bluetooth.DeviceCharacteristic{}, fmt.Errorf("attribute %q not found", id)
}
