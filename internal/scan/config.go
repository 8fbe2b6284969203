package scan

import (
	"errors"
	"strings"

	"blewatch/internal/adapter"
	"blewatch/internal/bleutil"
)

// Callback receives each accepted observation as it arrives.
type Callback func(Result)

// Config is the discovery policy bundle. Build with NewConfig so allow-lists
// are normalized once; a Config is never mutated during a run.
type Config struct {
	ServiceUUIDs     []string
	AddressAllowlist []string
	NameAllowlist    []string
	MaxDevices       int
	ReturnDuplicates bool
	ScanningMode     string
	AdapterID        string
	Callback         Callback

	addressIndex map[string]struct{}
	nameIndex    map[string]struct{}
	serviceIndex map[string]struct{}
}

// NewConfig validates and normalizes the policy. Allow-lists become
// case-insensitive lookup sets.
func NewConfig(cfg Config) (Config, error) {
	if cfg.MaxDevices < 0 {
		return Config{}, errors.New("scan: max devices must not be negative")
	}

	if len(cfg.AddressAllowlist) > 0 {
		cfg.addressIndex = make(map[string]struct{}, len(cfg.AddressAllowlist))
		for _, address := range cfg.AddressAllowlist {
			cfg.addressIndex[bleutil.NormalizeAddress(address)] = struct{}{}
		}
	}
	if len(cfg.NameAllowlist) > 0 {
		cfg.nameIndex = make(map[string]struct{}, len(cfg.NameAllowlist))
		for _, name := range cfg.NameAllowlist {
			cfg.nameIndex[name] = struct{}{}
		}
	}
	if len(cfg.ServiceUUIDs) > 0 {
		cfg.serviceIndex = make(map[string]struct{}, len(cfg.ServiceUUIDs))
		for _, uuid := range cfg.ServiceUUIDs {
			cfg.serviceIndex[strings.ToLower(uuid)] = struct{}{}
		}
	}

	return cfg, nil
}

// Allows applies the configured allow-lists to one observation.
func (c Config) Allows(adv adapter.Advertisement) bool {
	if c.addressIndex != nil {
		if _, ok := c.addressIndex[bleutil.NormalizeAddress(adv.Address)]; !ok {
			return false
		}
	}

	if c.nameIndex != nil {
		if _, ok := c.nameIndex[adv.LocalName]; !ok {
			return false
		}
	}

	if c.serviceIndex != nil {
		observed := make(map[string]struct{}, len(adv.ServiceUUIDs))
		for _, uuid := range adv.ServiceUUIDs {
			observed[strings.ToLower(uuid)] = struct{}{}
		}
		for required := range c.serviceIndex {
			if _, ok := observed[required]; !ok {
				return false
			}
		}
	}

	return true
}

func (c Config) hints() adapter.Hints {
	return adapter.Hints{
		ServiceUUIDs: append([]string(nil), c.ServiceUUIDs...),
		ScanningMode: c.ScanningMode,
		AdapterID:    c.AdapterID,
	}
}
