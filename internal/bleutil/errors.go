package bleutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"blewatch/internal/adapter"
)

// bluez surfaces most radio faults as named dbus errors; the rest arrive as
// free-text strings from the binding. Classification here maps both onto the
// adapter error taxonomy so callers never match on daemon strings themselves.

const (
	bluezNotReady   = "org.bluez.Error.NotReady"
	bluezFailed     = "org.bluez.Error.Failed"
	bluezInProgress = "org.bluez.Error.InProgress"
)

func dbusErrorName(err error) string {
	var ptr *dbus.Error
	if errors.As(err, &ptr) && ptr != nil {
		return ptr.Name
	}
	var val dbus.Error
	if errors.As(err, &val) {
		return val.Name
	}
	return ""
}

func containsAny(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// ClassifyEnableError maps an adapter enable failure onto the taxonomy:
// conditions that mean no usable radio is present wrap adapter.ErrUnavailable
// so discovery can degrade; transient daemon failures pass through untouched
// and surface to the caller.
func ClassifyEnableError(err error) error {
	if err == nil {
		return nil
	}
	if radioUnavailable(err) {
		return fmt.Errorf("%w: %v", adapter.ErrUnavailable, err)
	}
	return err
}

func radioUnavailable(err error) bool {
	if dbusErrorName(err) == bluezNotReady {
		return true
	}
	return containsAny(strings.ToLower(err.Error()),
		"no such adapter",
		"no adapter",
		"resource not ready",
		"hci device",
		"powered off",
	)
}

// benignStopScan reports whether a stop-scan failure just means there was
// nothing left to stop.
func benignStopScan(err error) bool {
	if err == nil {
		return true
	}

	switch dbusErrorName(err) {
	case bluezNotReady:
		return true
	case bluezFailed:
		if strings.Contains(strings.ToLower(err.Error()), "no discovery started") {
			return true
		}
	}

	return containsAny(strings.ToLower(err.Error()),
		"cancel",
		"stopped",
		"not scanning",
		"no scan in progress",
	)
}

// IsScanInProgress detects the stale-discovery collision bluez reports when a
// previous session did not shut down cleanly.
func IsScanInProgress(err error) bool {
	if err == nil {
		return false
	}
	if dbusErrorName(err) == bluezInProgress {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already in progress")
}
