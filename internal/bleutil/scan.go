package bleutil

import "tinygo.org/x/bluetooth"

// StopScan halts a discovery pass, treating "nothing to stop" responses from
// the daemon as success so callers can use it both for cleanup and for
// resetting stale state.
func StopScan(a *bluetooth.Adapter) error {
	if err := a.StopScan(); err != nil && !benignStopScan(err) {
		return err
	}
	return nil
}

// NormalizeScanError folds the shutdown noise a deliberately stopped scan
// returns into a nil result; real failures pass through.
func NormalizeScanError(err error) error {
	if benignStopScan(err) {
		return nil
	}
	return err
}
