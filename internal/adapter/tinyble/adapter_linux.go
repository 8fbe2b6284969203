//go:build linux

package tinyble

import (
	"strings"

	"tinygo.org/x/bluetooth"
)

// systemAdapter resolves the hinted local adapter id (e.g. "hci1"). An empty
// hint selects the system default.
func systemAdapter(id string) *bluetooth.Adapter {
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		return bluetooth.NewAdapter(trimmed)
	}
	return bluetooth.DefaultAdapter
}
