//go:build !linux

package tinyble

import "tinygo.org/x/bluetooth"

// Selecting an adapter by id is a bluez concept; every other platform binds
// the system default regardless of the hint.
func systemAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
