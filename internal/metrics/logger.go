package metrics

import (
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const asyncQueueSize = 256

// Logger appends structured metric records to a CSV file.
//
// Records are appended synchronously with the write lock held only for the
// physical append, so the file stays tail-friendly: a concurrent reader sees
// every record as soon as Log returns. Logging failures never propagate to
// callers; they are reported on the diagnostic logger and swallowed.
type Logger struct {
	path   string
	fields []string
	clock  func() time.Time
	static Fields
	diag   *slog.Logger

	writeMu sync.Mutex

	scopeMu sync.Mutex
	scopes  []Fields

	asyncCh   chan Record
	drained   chan struct{}
	closeOnce sync.Once
}

// Options tunes Logger construction. The zero value is usable.
type Options struct {
	// Fields overrides the column set. Must not be empty when set.
	Fields []string
	// Static is merged into every record with the lowest priority.
	Static Fields
	// Clock overrides the timestamp source, for tests.
	Clock func() time.Time
	// Diag receives best-effort reports of swallowed logging failures.
	Diag *slog.Logger
}

func New(path string, opts Options) (*Logger, error) {
	fields := opts.Fields
	if fields == nil {
		fields = DefaultFields
	}
	if len(fields) == 0 {
		return nil, errors.New("metrics: fields must contain at least one column")
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	diag := opts.Diag
	if diag == nil {
		diag = slog.Default().With("component", "metrics")
	}

	static := make(Fields, len(opts.Static))
	for k, v := range opts.Static {
		static[k] = v
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create metrics dir: %w", err)
		}
	}

	l := &Logger{
		path:    filepath.Clean(path),
		fields:  append([]string(nil), fields...),
		clock:   clock,
		static:  static,
		diag:    diag,
		asyncCh: make(chan Record, asyncQueueSize),
		drained: make(chan struct{}),
	}

	if err := l.ensureHeader(); err != nil {
		return nil, err
	}

	go l.drainAsync()

	return l, nil
}

// Path returns the backing file location.
func (l *Logger) Path() string {
	return l.path
}

// Fields returns the column set fixed at construction.
func (l *Logger) Fields() []string {
	return append([]string(nil), l.fields...)
}

// Entry carries the optional parts of one record.
type Entry struct {
	Status  string
	Value   *float64
	Message string
	Extra   Fields
}

// Log appends one record synchronously.
func (l *Logger) Log(event string, e Entry) {
	l.writeRecord(l.buildRecord(event, e))
}

// LogStatus is Log with an explicit status tag.
func (l *Logger) LogStatus(event, status string, e Entry) {
	e.Status = status
	l.Log(event, e)
}

// LogAsync appends one record without blocking the caller. The record is
// built immediately so scope fields and timestamps reflect the call site;
// writes issued through LogAsync retain their submission order.
func (l *Logger) LogAsync(event string, e Entry) {
	rec := l.buildRecord(event, e)
	select {
	case l.asyncCh <- rec:
	default:
		// Queue full: fall back to a direct append rather than dropping.
		l.writeRecord(rec)
	}
}

// LogMany appends a batch of loosely typed payloads. Keys matching the column
// set populate the corresponding columns; everything else lands in extra.
func (l *Logger) LogMany(payloads []Fields) {
	columns := make(map[string]struct{}, len(l.fields))
	for _, name := range l.fields {
		columns[name] = struct{}{}
	}

	for _, payload := range payloads {
		event := "unknown"
		if ev, ok := payload["event"].(string); ok && ev != "" {
			event = ev
		}

		var e Entry
		if status, ok := payload["status"].(string); ok {
			e.Status = status
		}
		if v, ok := toFloat(payload["value"]); ok {
			e.Value = Float(v)
		}
		if msg, ok := payload["message"].(string); ok {
			e.Message = msg
		}

		extra := make(Fields)
		for k, v := range payload {
			if _, reserved := columns[k]; reserved {
				continue
			}
			extra[k] = v
		}
		e.Extra = extra

		l.Log(event, e)
	}
}

// Scope pushes contextual fields merged into every record logged until the
// returned release func runs. Nested scopes merge outer to inner with inner
// keys winning; callers release with defer so the fields are removed even
// when the guarded block panics.
func (l *Logger) Scope(extra Fields) (release func()) {
	layer := make(Fields, len(extra))
	for k, v := range extra {
		layer[k] = v
	}

	l.scopeMu.Lock()
	l.scopes = append(l.scopes, layer)
	l.scopeMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.scopeMu.Lock()
			defer l.scopeMu.Unlock()
			for i := len(l.scopes) - 1; i >= 0; i-- {
				if sameLayer(l.scopes[i], layer) {
					l.scopes = append(l.scopes[:i], l.scopes[i+1:]...)
					return
				}
			}
		})
	}
}

// Timer runs fn, measures wall-clock duration, and logs exactly one record:
// status ok with the duration on success, status error with the duration and
// the failure text otherwise. The error is returned to the caller unchanged.
func (l *Logger) Timer(event string, extra Fields, fn func() error) error {
	start := time.Now()

	err := func() error {
		defer l.Scope(extra)()
		return fn()
	}()

	duration := time.Since(start).Seconds()

	payload := make(Fields, len(extra)+2)
	for k, v := range extra {
		payload[k] = v
	}
	payload["duration"] = duration

	if err != nil {
		payload["error"] = fmt.Sprintf("%T", err)
		l.Log(event, Entry{
			Status:  "error",
			Value:   Float(duration),
			Message: err.Error(),
			Extra:   payload,
		})
		return err
	}

	l.Log(event, Entry{
		Status: "ok",
		Value:  Float(duration),
		Extra:  payload,
	})

	return nil
}

// Close flushes the async queue. Further LogAsync calls fall back to
// synchronous appends.
func (l *Logger) Close() {
	l.closeOnce.Do(func() {
		close(l.asyncCh)
		<-l.drained
	})
}

func (l *Logger) drainAsync() {
	defer close(l.drained)
	for rec := range l.asyncCh {
		l.writeRecord(rec)
	}
}

func (l *Logger) buildRecord(event string, e Entry) Record {
	return Record{
		Timestamp: l.timestamp(),
		Event:     event,
		Status:    e.Status,
		Value:     e.Value,
		Message:   e.Message,
		Extra:     encodeExtra(l.combinedExtra(e.Extra)),
	}
}

func (l *Logger) combinedExtra(extra Fields) Fields {
	payload := make(Fields, len(l.static)+len(extra))
	for k, v := range l.static {
		payload[k] = v
	}

	l.scopeMu.Lock()
	for _, layer := range l.scopes {
		for k, v := range layer {
			payload[k] = v
		}
	}
	l.scopeMu.Unlock()

	for k, v := range extra {
		payload[k] = v
	}

	return payload
}

func (l *Logger) ensureHeader() error {
	if info, err := os.Stat(l.path); err == nil && info.Size() > 0 {
		return nil
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	// #nosec G304 -- path is chosen by the constructing caller.
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open metrics file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(l.fields); err != nil {
		return fmt.Errorf("write metrics header: %w", err)
	}
	w.Flush()

	return w.Error()
}

func (l *Logger) writeRecord(rec Record) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	// #nosec G304 -- path is chosen by the constructing caller.
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		l.diag.Debug("metrics append failed", "event", rec.Event, "error", err)
		return
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(rec.row(l.fields)); err != nil {
		l.diag.Debug("metrics row write failed", "event", rec.Event, "error", err)
		return
	}
	w.Flush()
	if err := w.Error(); err != nil {
		l.diag.Debug("metrics flush failed", "event", rec.Event, "error", err)
	}
}

func (l *Logger) timestamp() string {
	now := l.clock()
	return now.UTC().Format("2006-01-02T15:04:05.000-07:00")
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func sameLayer(a, b Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || fmt.Sprint(other) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}
