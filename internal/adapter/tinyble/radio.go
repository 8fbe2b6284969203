// Package tinyble binds the adapter abstraction to tinygo.org/x/bluetooth.
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

// Radio implements adapter.Radio over the platform BLE stack. One Radio may
// serve several observation passes and links, but a single physical adapter
// supports only one scan at a time; Observe serializes on scanMu.
type Radio struct {
	logger *slog.Logger
	scanMu sync.Mutex
}

func NewRadio(logger *slog.Logger) *Radio {
	if logger == nil {
		logger = slog.Default().With("component", "tinyble")
	}
	return &Radio{logger: logger}
}

func (r *Radio) Observe(ctx context.Context, hints adapter.Hints, fn adapter.ObserveFunc) (func() error, error) {
	r.scanMu.Lock()

	ble := systemAdapter(hints.AdapterID)
	if err := ble.Enable(); err != nil {
		r.scanMu.Unlock()
		r.logger.Warn("enable adapter failed", "adapter", hints.AdapterID, "error", err)
		return nil, bleutil.ClassifyEnableError(err)
	}
	if err := bleutil.StopScan(ble); err != nil {
		r.scanMu.Unlock()
		return nil, fmt.Errorf("reset scan state: %w", err)
	}

	hintUUIDs := parseHintUUIDs(hints.ServiceUUIDs)
	scanErrCh := make(chan error, 1)

	go func() {
		scanErrCh <- runScan(ble, func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			fn(advertisementFromScan(result, hintUUIDs))
		})
	}()

	var stopOnce sync.Once
	var stopErr error
	stop := func() error {
		stopOnce.Do(func() {
			defer r.scanMu.Unlock()
			if err := bleutil.StopScan(ble); err != nil {
				stopErr = fmt.Errorf("stop scan: %w", err)
				return
			}
			stopErr = bleutil.NormalizeScanError(<-scanErrCh)
		})
		return stopErr
	}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			_ = stop()
		}()
	}

	return stop, nil
}

func (r *Radio) OpenLink(address, adapterID string) (adapter.Link, error) {
	addr, err := bleutil.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	return &link{
		logger:    r.logger.With("address", bleutil.NormalizeAddress(address)),
		address:   addr,
		adapterID: adapterID,
	}, nil
}

// runScan retries once when a stale discovery session is still registered
// with the daemon, mirroring bluez behavior after an unclean shutdown.
func runScan(ble *bluetooth.Adapter, callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := ble.Scan(callback)
		if err == nil {
			return nil
		}
		lastErr = err
		if !bleutil.IsScanInProgress(err) {
			return err
		}
		if stopErr := bleutil.StopScan(ble); stopErr != nil {
			return errors.Join(err, fmt.Errorf("stop stale scan: %w", stopErr))
		}
	}
	return lastErr
}

func parseHintUUIDs(raw []string) []bluetooth.UUID {
	uuids := make([]bluetooth.UUID, 0, len(raw))
	for _, s := range raw {
		if parsed, err := bluetooth.ParseUUID(s); err == nil {
			uuids = append(uuids, parsed)
		}
	}
	return uuids
}

func advertisementFromScan(result bluetooth.ScanResult, hintUUIDs []bluetooth.UUID) adapter.Advertisement {
	rssi := int(result.RSSI)

	adv := adapter.Advertisement{
		Address:    bleutil.NormalizeAddress(result.Address.String()),
		LocalName:  result.LocalName(),
		RSSI:       &rssi,
		ObservedAt: time.Now(),
	}

	seen := make(map[string]struct{})
	appendUUID := func(u string) {
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, u)
	}

	for _, u := range hintUUIDs {
		if result.HasServiceUUID(u) {
			appendUUID(u.String())
		}
	}

	for _, element := range result.AdvertisementPayload.ServiceData() {
		appendUUID(element.UUID.String())
		if adv.ServiceData == nil {
			adv.ServiceData = make(map[string][]byte)
		}
		adv.ServiceData[element.UUID.String()] = append([]byte(nil), element.Data...)
	}

	for _, element := range result.AdvertisementPayload.ManufacturerData() {
		if adv.ManufacturerData == nil {
			adv.ManufacturerData = make(map[uint16][]byte)
		}
		adv.ManufacturerData[element.CompanyID] = append([]byte(nil), element.Data...)
	}

	return adv
}
