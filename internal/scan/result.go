package scan

import (
	"encoding/hex"
	"time"

	"blewatch/internal/adapter"
	"blewatch/internal/bleutil"
)

// Result is one observed-advertisement snapshot. Immutable once constructed;
// in unique mode a later observation of the same address replaces it, in
// duplicate-preserving mode each observation is kept in order.
type Result struct {
	Address          string
	Name             string
	RSSI             *int
	ServiceUUIDs     []string
	ManufacturerData map[uint16][]byte
	ServiceData      map[string][]byte
	Connectable      *bool
	TxPower          *int
	ObservedAt       time.Time
	Extra            map[string]any
}

func resultFromAdvertisement(adv adapter.Advertisement) Result {
	return Result{
		Address:          bleutil.NormalizeAddress(adv.Address),
		Name:             adv.LocalName,
		RSSI:             adv.RSSI,
		ServiceUUIDs:     append([]string(nil), adv.ServiceUUIDs...),
		ManufacturerData: copyByteMap(adv.ManufacturerData),
		ServiceData:      copyStringByteMap(adv.ServiceData),
		Connectable:      adv.Connectable,
		TxPower:          adv.TxPower,
		ObservedAt:       adv.ObservedAt,
		Extra:            adv.Extra,
	}
}

// ToMap renders the snapshot as a JSON-friendly payload for façade layers.
func (r Result) ToMap() map[string]any {
	payload := map[string]any{
		"address": r.Address,
		"name":    r.Name,
		"uuids":   append([]string(nil), r.ServiceUUIDs...),
	}
	if r.RSSI != nil {
		payload["rssi"] = *r.RSSI
	}
	if r.Connectable != nil {
		payload["connectable"] = *r.Connectable
	}
	if r.TxPower != nil {
		payload["tx_power"] = *r.TxPower
	}
	if !r.ObservedAt.IsZero() {
		payload["observed_at"] = r.ObservedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(r.ManufacturerData) > 0 {
		encoded := make(map[uint16]string, len(r.ManufacturerData))
		for key, value := range r.ManufacturerData {
			encoded[key] = hex.EncodeToString(value)
		}
		payload["manufacturer_data"] = encoded
	}
	if len(r.ServiceData) > 0 {
		encoded := make(map[string]string, len(r.ServiceData))
		for key, value := range r.ServiceData {
			encoded[key] = hex.EncodeToString(value)
		}
		payload["service_data"] = encoded
	}
	if len(r.Extra) > 0 {
		payload["extra"] = r.Extra
	}

	return payload
}

func copyByteMap(src map[uint16][]byte) map[uint16][]byte {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[uint16][]byte, len(src))
	for k, v := range src {
		dst[k] = append([]byte(nil), v...)
	}
	return dst
}

func copyStringByteMap(src map[string][]byte) map[string][]byte {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string][]byte, len(src))
	for k, v := range src {
		dst[k] = append([]byte(nil), v...)
	}
	return dst
}
