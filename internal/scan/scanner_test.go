package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"blewatch/internal/adapter"
)

// fakeRadio replays a scripted advertisement sequence to the observer.
type fakeRadio struct {
	script     []adapter.Advertisement
	observeErr error

	mu       sync.Mutex
	stopped  bool
	observed int
}

func (f *fakeRadio) Observe(ctx context.Context, _ adapter.Hints, fn adapter.ObserveFunc) (func() error, error) {
	if f.observeErr != nil {
		return nil, f.observeErr
	}

	go func() {
		for _, adv := range f.script {
			select {
			case <-ctx.Done():
				return
			default:
			}
			f.mu.Lock()
			f.observed++
			f.mu.Unlock()
			fn(adv)
		}
	}()

	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopped = true
		return nil
	}, nil
}

func (f *fakeRadio) OpenLink(string, string) (adapter.Link, error) {
	return nil, adapter.ErrUnsupported
}

func intPtr(v int) *int { return &v }

func adv(address, name string, rssi int, uuids ...string) adapter.Advertisement {
	return adapter.Advertisement{
		Address:      address,
		LocalName:    name,
		RSSI:         intPtr(rssi),
		ServiceUUIDs: uuids,
		ObservedAt:   time.Now(),
	}
}

func runScan(t *testing.T, radio adapter.Radio, cfg Config, timeout time.Duration) []Result {
	t.Helper()

	config, err := NewConfig(cfg)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	results, err := NewScanner(radio, config, nil).Run(context.Background(), timeout)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return results
}

func TestRunDeduplicatesLatestWins(t *testing.T) {
	radio := &fakeRadio{script: []adapter.Advertisement{
		adv("aa:bb:cc:dd:ee:01", "first", -80),
		adv("aa:bb:cc:dd:ee:02", "other", -60),
		adv("AA:BB:CC:DD:EE:01", "first", -55),
	}}

	results := runScan(t, radio, Config{}, 100*time.Millisecond)
	if len(results) != 2 {
		t.Fatalf("expected 2 unique results, got %d", len(results))
	}
	// First-seen order is preserved while the payload reflects the latest
	// observation.
	if results[0].Address != "AA:BB:CC:DD:EE:01" || results[1].Address != "AA:BB:CC:DD:EE:02" {
		t.Fatalf("unexpected order: %v, %v", results[0].Address, results[1].Address)
	}
	if *results[0].RSSI != -55 {
		t.Fatalf("latest observation did not win: rssi=%d", *results[0].RSSI)
	}
	if !radio.stopped {
		t.Fatalf("scanner did not stop the radio")
	}
}

func TestRunReturnDuplicatesKeepsEveryObservation(t *testing.T) {
	radio := &fakeRadio{script: []adapter.Advertisement{
		adv("aa:bb:cc:dd:ee:01", "d", -80),
		adv("aa:bb:cc:dd:ee:01", "d", -70),
		adv("aa:bb:cc:dd:ee:01", "d", -60),
	}}

	results := runScan(t, radio, Config{ReturnDuplicates: true}, 100*time.Millisecond)
	if len(results) != 3 {
		t.Fatalf("expected 3 observations, got %d", len(results))
	}
	for i, want := range []int{-80, -70, -60} {
		if *results[i].RSSI != want {
			t.Fatalf("observation %d rssi = %d, want %d", i, *results[i].RSSI, want)
		}
	}
}

func TestRunAddressAllowlist(t *testing.T) {
	radio := &fakeRadio{script: []adapter.Advertisement{
		adv("aa:bb:cc:dd:ee:01", "keep", -50),
		adv("aa:bb:cc:dd:ee:02", "drop", -50),
	}}

	results := runScan(t, radio, Config{
		AddressAllowlist: []string{"AA:BB:CC:DD:EE:01"},
	}, 100*time.Millisecond)
	if len(results) != 1 || results[0].Name != "keep" {
		t.Fatalf("allow-list not applied: %v", results)
	}
}

func TestRunNameAllowlistExactMatch(t *testing.T) {
	radio := &fakeRadio{script: []adapter.Advertisement{
		adv("aa:bb:cc:dd:ee:01", "Sensor-1", -50),
		adv("aa:bb:cc:dd:ee:02", "sensor-1", -50),
		adv("aa:bb:cc:dd:ee:03", "", -50),
	}}

	results := runScan(t, radio, Config{
		NameAllowlist: []string{"Sensor-1"},
	}, 100*time.Millisecond)
	if len(results) != 1 || results[0].Name != "Sensor-1" {
		t.Fatalf("name filter must be case-sensitive and exact: %v", results)
	}
}

func TestRunServiceAllowlistRequiresSuperset(t *testing.T) {
	radio := &fakeRadio{script: []adapter.Advertisement{
		adv("aa:bb:cc:dd:ee:01", "both", -50, "180f", "180a"),
		adv("aa:bb:cc:dd:ee:02", "one", -50, "180f"),
		adv("aa:bb:cc:dd:ee:03", "none", -50),
	}}

	results := runScan(t, radio, Config{
		ServiceUUIDs: []string{"180F", "180A"},
	}, 100*time.Millisecond)
	if len(results) != 1 || results[0].Name != "both" {
		t.Fatalf("service filter must require all configured UUIDs: %v", results)
	}
}

func TestRunMaxDevicesStopsEarly(t *testing.T) {
	script := make([]adapter.Advertisement, 0, 10)
	for i := 0; i < 10; i++ {
		script = append(script, adv("aa:bb:cc:dd:ee:0"+string(rune('0'+i)), "d", -50))
	}
	radio := &fakeRadio{script: script}

	start := time.Now()
	results := runScan(t, radio, Config{MaxDevices: 2}, 5*time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("run did not stop early, took %v", elapsed)
	}
	if len(results) != 2 {
		t.Fatalf("expected exactly 2 results, got %d", len(results))
	}
}

func TestRunRadioUnavailableDegradesToEmpty(t *testing.T) {
	radio := &fakeRadio{observeErr: adapter.ErrUnavailable}

	results, err := NewScanner(radio, Config{}, nil).Run(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("unavailable radio must not error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected empty results, got %v", results)
	}
}

func TestRunOtherObserveErrorPropagates(t *testing.T) {
	boom := errors.New("dbus timeout")
	radio := &fakeRadio{observeErr: boom}

	_, err := NewScanner(radio, Config{}, nil).Run(context.Background(), time.Second)
	if !errors.Is(err, boom) {
		t.Fatalf("expected observe error, got %v", err)
	}
}

func TestRunCancelledContextPropagates(t *testing.T) {
	radio := &fakeRadio{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScanner(radio, Config{}, nil).Run(ctx, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCallbackReceivesAcceptedOnly(t *testing.T) {
	radio := &fakeRadio{script: []adapter.Advertisement{
		adv("aa:bb:cc:dd:ee:01", "keep", -50),
		adv("aa:bb:cc:dd:ee:02", "drop", -50),
	}}

	var mu sync.Mutex
	var seen []string
	cfg := Config{
		AddressAllowlist: []string{"aa:bb:cc:dd:ee:01"},
		Callback: func(r Result) {
			mu.Lock()
			seen = append(seen, r.Address)
			mu.Unlock()
		},
	}

	runScan(t, radio, cfg, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("callback saw %v", seen)
	}
}

func TestCallbackPanicDoesNotAbortScan(t *testing.T) {
	radio := &fakeRadio{script: []adapter.Advertisement{
		adv("aa:bb:cc:dd:ee:01", "a", -50),
		adv("aa:bb:cc:dd:ee:02", "b", -50),
	}}

	results := runScan(t, radio, Config{
		Callback: func(Result) { panic("listener bug") },
	}, 100*time.Millisecond)
	if len(results) != 2 {
		t.Fatalf("panicking callback lost observations: %d", len(results))
	}
}

func TestNewConfigRejectsNegativeMaxDevices(t *testing.T) {
	if _, err := NewConfig(Config{MaxDevices: -1}); err == nil {
		t.Fatalf("expected error for negative max devices")
	}
}

func TestResultToMapEncodesBinaryPayloads(t *testing.T) {
	connectable := true
	result := Result{
		Address:          "AA:BB:CC:DD:EE:01",
		Name:             "sensor",
		RSSI:             intPtr(-60),
		ServiceUUIDs:     []string{"180f"},
		ManufacturerData: map[uint16][]byte{0x004C: {0xDE, 0xAD}},
		ServiceData:      map[string][]byte{"180f": {0x64}},
		Connectable:      &connectable,
		ObservedAt:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	payload := result.ToMap()
	mfg := payload["manufacturer_data"].(map[uint16]string)
	if mfg[0x004C] != "dead" {
		t.Fatalf("manufacturer data = %q", mfg[0x004C])
	}
	svc := payload["service_data"].(map[string]string)
	if svc["180f"] != "64" {
		t.Fatalf("service data = %q", svc["180f"])
	}
	if payload["rssi"].(int) != -60 || payload["connectable"].(bool) != true {
		t.Fatalf("scalar fields wrong: %v", payload)
	}
}
