package metrics

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open metrics file: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("parse metrics file: %v", err)
	}

	return rows
}

func decodeExtra(t *testing.T, raw string) Fields {
	t.Helper()

	if raw == "" {
		return Fields{}
	}

	var extra Fields
	if err := json.Unmarshal([]byte(raw), &extra); err != nil {
		t.Fatalf("decode extra column %q: %v", raw, err)
	}

	return extra
}

func TestNewWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	first, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first.Log("boot", Entry{Status: "ok"})
	first.Close()

	// A second logger over the same non-empty file must not rewrite the
	// header or truncate existing records.
	second, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New over existing file: %v", err)
	}
	second.Log("boot", Entry{Status: "ok"})
	second.Close()

	rows := readRows(t, path)
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 records, got %d rows", len(rows))
	}
	for i, want := range DefaultFields {
		if rows[0][i] != want {
			t.Fatalf("header column %d = %q, want %q", i, rows[0][i], want)
		}
	}
	for _, row := range rows[1:] {
		if row[1] != "boot" || row[2] != "ok" {
			t.Fatalf("unexpected record %v", row)
		}
	}
}

func TestLogTimestampFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	fixed := time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.FixedZone("CET", 3600))
	logger, err := New(path, Options{Clock: func() time.Time { return fixed }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Log("tick", Entry{})
	logger.Close()

	rows := readRows(t, path)
	if got, want := rows[1][0], "2025-03-14T08:26:53.589+00:00"; got != want {
		t.Fatalf("timestamp = %q, want %q", got, want)
	}
}

func TestLogTimestampsMonotonicWithRealClock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 20; i++ {
		logger.Log("tick", Entry{})
	}
	logger.Close()

	rows := readRows(t, path)
	for i := 2; i < len(rows); i++ {
		if rows[i][0] < rows[i-1][0] {
			t.Fatalf("timestamps went backwards: %q after %q", rows[i][0], rows[i-1][0])
		}
	}
}

func TestLogValueAndMessageColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Log("rssi", Entry{Status: "ok", Value: Float(-67)})
	logger.Log("note", Entry{Message: "with, comma and \"quote\""})
	logger.Close()

	rows := readRows(t, path)
	if rows[1][3] != "-67" {
		t.Fatalf("value column = %q, want -67", rows[1][3])
	}
	if rows[1][4] != "" {
		t.Fatalf("message column = %q, want empty", rows[1][4])
	}
	if rows[2][3] != "" {
		t.Fatalf("value column = %q, want empty", rows[2][3])
	}
	if rows[2][4] != `with, comma and "quote"` {
		t.Fatalf("message column = %q", rows[2][4])
	}
}

func TestScopeMergePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{Static: Fields{"host": "bench-1", "layer": "static"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	releaseOuter := logger.Scope(Fields{"layer": "outer", "session": "abc"})
	releaseInner := logger.Scope(Fields{"layer": "inner"})
	logger.Log("probe", Entry{Extra: Fields{"layer": "call"}})
	releaseInner()
	logger.Log("probe", Entry{})
	releaseOuter()
	logger.Log("probe", Entry{})
	logger.Close()

	rows := readRows(t, path)

	extra := decodeExtra(t, rows[1][5])
	if extra["layer"] != "call" {
		t.Fatalf("per-call extra must win, got layer=%v", extra["layer"])
	}
	if extra["host"] != "bench-1" || extra["session"] != "abc" {
		t.Fatalf("static and outer scope fields missing: %v", extra)
	}

	extra = decodeExtra(t, rows[2][5])
	if extra["layer"] != "outer" {
		t.Fatalf("after releasing inner scope, layer=%v", extra["layer"])
	}

	extra = decodeExtra(t, rows[3][5])
	if extra["layer"] != "static" {
		t.Fatalf("after releasing all scopes, layer=%v", extra["layer"])
	}
	if _, ok := extra["session"]; ok {
		t.Fatalf("released scope field leaked: %v", extra)
	}
}

func TestScopeReleasedOnPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		defer logger.Scope(Fields{"session": "doomed"})()
		panic("boom")
	}()

	logger.Log("after", Entry{})
	logger.Close()

	rows := readRows(t, path)
	if rows[1][5] != "" {
		t.Fatalf("scope survived panic: extra=%q", rows[1][5])
	}
}

func TestScopeReleaseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Two identical layers; double-releasing one must not pop the other.
	releaseA := logger.Scope(Fields{"k": "v"})
	logger.Scope(Fields{"k": "v"})
	releaseA()
	releaseA()

	logger.Log("probe", Entry{})
	logger.Close()

	rows := readRows(t, path)
	extra := decodeExtra(t, rows[1][5])
	if extra["k"] != "v" {
		t.Fatalf("remaining scope lost after double release: %v", extra)
	}
}

func TestTimerLogsSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := logger.Timer("sweep", Fields{"pass": "full"}, func() error {
		time.Sleep(10 * time.Millisecond)
		return nil
	}); err != nil {
		t.Fatalf("Timer returned %v", err)
	}
	logger.Close()

	rows := readRows(t, path)
	if len(rows) != 2 {
		t.Fatalf("expected exactly one record, got %d", len(rows)-1)
	}
	if rows[1][1] != "sweep" || rows[1][2] != "ok" {
		t.Fatalf("unexpected record %v", rows[1])
	}

	extra := decodeExtra(t, rows[1][5])
	if extra["pass"] != "full" {
		t.Fatalf("timer extra missing: %v", extra)
	}
	duration, ok := extra["duration"].(float64)
	if !ok || duration < 0.01 {
		t.Fatalf("duration = %v, want >= 10ms", extra["duration"])
	}
}

func TestTimerLogsFailureAndReturnsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("link dropped")
	if err := logger.Timer("sweep", nil, func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Timer returned %v, want original error", err)
	}
	logger.Close()

	rows := readRows(t, path)
	if rows[1][2] != "error" {
		t.Fatalf("status = %q, want error", rows[1][2])
	}
	if rows[1][4] != "link dropped" {
		t.Fatalf("message = %q", rows[1][4])
	}

	extra := decodeExtra(t, rows[1][5])
	if _, ok := extra["error"]; !ok {
		t.Fatalf("error type missing from extra: %v", extra)
	}
}

func TestLogAsyncPreservesOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 100; i++ {
		logger.LogAsync("tick", Entry{Message: fmt.Sprintf("n=%d", i)})
	}
	logger.Close()

	rows := readRows(t, path)
	if len(rows) != 101 {
		t.Fatalf("expected 100 records after Close, got %d", len(rows)-1)
	}
	for i, row := range rows[1:] {
		if want := fmt.Sprintf("n=%d", i); row[4] != want {
			t.Fatalf("record %d message = %q, want %q", i, row[4], want)
		}
	}
}

func TestLogManyRoutesReservedColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.LogMany([]Fields{
		{"event": "rssi", "status": "ok", "value": -70, "peer": "AA:BB"},
		{"message": "no event key"},
	})
	logger.Close()

	rows := readRows(t, path)
	if rows[1][1] != "rssi" || rows[1][2] != "ok" || rows[1][3] != "-70" {
		t.Fatalf("reserved columns not routed: %v", rows[1])
	}
	extra := decodeExtra(t, rows[1][5])
	if extra["peer"] != "AA:BB" {
		t.Fatalf("non-reserved key missing from extra: %v", extra)
	}
	if _, ok := extra["status"]; ok {
		t.Fatalf("reserved key leaked into extra: %v", extra)
	}
	if rows[2][1] != "unknown" {
		t.Fatalf("missing event defaulted to %q, want unknown", rows[2][1])
	}
}

func TestConcurrentWritersProduceWholeRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv")

	logger, err := New(path, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				logger.Log("tick", Entry{Message: fmt.Sprintf("w%d", worker)})
			}
		}(worker)
	}
	wg.Wait()
	logger.Close()

	rows := readRows(t, path)
	if len(rows) != 201 {
		t.Fatalf("expected 200 records, got %d", len(rows)-1)
	}
	for _, row := range rows[1:] {
		if len(row) != len(DefaultFields) || row[1] != "tick" {
			t.Fatalf("torn record %v", row)
		}
	}
}

func TestEncodeExtraASCIIOnly(t *testing.T) {
	encoded := encodeExtra(Fields{"name": "café \U0001F50B"})
	if !isASCII(encoded) {
		t.Fatalf("encoded extra is not ASCII: %q", encoded)
	}
	if !strings.Contains(encoded, `é`) {
		t.Fatalf("expected escaped e-acute in %q", encoded)
	}
	if !strings.Contains(encoded, `🔋`) {
		t.Fatalf("expected surrogate pair for battery emoji in %q", encoded)
	}

	var decoded map[string]string
	if err := json.Unmarshal([]byte(encoded), &decoded); err != nil {
		t.Fatalf("escaped extra no longer parses: %v", err)
	}
	if decoded["name"] != "café \U0001F50B" {
		t.Fatalf("round trip lost data: %q", decoded["name"])
	}
}

func TestEncodeExtraEmpty(t *testing.T) {
	if got := encodeExtra(nil); got != "" {
		t.Fatalf("empty extra encoded as %q, want empty string", got)
	}
}
