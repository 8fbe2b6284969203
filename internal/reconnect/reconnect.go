// Package reconnect supervises one peripheral connection: acquire a session,
// poll signal strength while it lives, release it on any failure, and retry
// after an exponentially growing delay.
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"blewatch/internal/adapter"
	"blewatch/internal/bleutil"
	"blewatch/internal/bus"
	"blewatch/internal/connevents"
	"blewatch/internal/metrics"
	"blewatch/internal/session"
)

const (
	minConnectTimeout = time.Second
	minPollInterval   = 100 * time.Millisecond
	minBaseBackoff    = 500 * time.Millisecond
)

// Policy bundles the immutable tuning parameters of one supervisor.
type Policy struct {
	ConnectTimeout time.Duration
	PollInterval   time.Duration
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

func (p Policy) withFloors() Policy {
	if p.ConnectTimeout < minConnectTimeout {
		p.ConnectTimeout = minConnectTimeout
	}
	if p.PollInterval < minPollInterval {
		p.PollInterval = minPollInterval
	}
	if p.BaseBackoff < minBaseBackoff {
		p.BaseBackoff = minBaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// Session is the slice of the session surface the supervisor drives. The
// default factory returns *session.Session; tests substitute fakes.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect()
	ReadRSSI() (rssi int, known bool, err error)
}

// Factory builds a fresh session for each connection attempt.
type Factory func(cfg session.Config) (Session, error)

// Options carries the optional collaborators of a Reconnector.
type Options struct {
	AdapterID      string
	MTU            int
	Metrics        *metrics.Logger
	Metadata       map[string]any
	Bus            bus.MessageBus
	Logger         *slog.Logger
	Radio          adapter.Radio
	SessionFactory Factory
}

// Reconnector is the supervisory state machine. Construct one per monitoring
// run; Run drives it until stopped or its deadline passes.
type Reconnector struct {
	address string
	policy  Policy
	opts    Options

	scopePayload metrics.Fields
	logger       *slog.Logger
	factory      Factory

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	current Session

	// Overridable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New validates inputs and builds an idle supervisor. Metadata must be
// JSON-encodable; violations are rejected before any session work starts.
func New(address string, policy Policy, opts Options) (*Reconnector, error) {
	normalized := bleutil.NormalizeAddress(address)
	if normalized == "" {
		return nil, errors.New("reconnect: address is required")
	}
	if opts.Metadata != nil {
		if _, err := json.Marshal(opts.Metadata); err != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrInvalidMetadata, err)
		}
	}
	if opts.SessionFactory == nil && opts.Radio == nil {
		return nil, errors.New("reconnect: a radio or session factory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "reconnect")
	}
	logger = logger.With("address", normalized)

	scopePayload := metrics.Fields{"address": normalized}
	for k, v := range opts.Metadata {
		scopePayload[k] = v
	}

	r := &Reconnector{
		address:      normalized,
		policy:       policy.withFloors(),
		opts:         opts,
		scopePayload: scopePayload,
		logger:       logger,
		stop:         make(chan struct{}),
		now:          time.Now,
	}
	r.sleep = r.realSleep

	r.factory = opts.SessionFactory
	if r.factory == nil {
		radio := opts.Radio
		r.factory = func(cfg session.Config) (Session, error) {
			return session.New(radio, cfg)
		}
	}

	return r, nil
}

// Address returns the supervised peripheral address.
func (r *Reconnector) Address() string {
	return r.address
}

// RequestStop signals the supervisor to shut down. Safe to call from any
// goroutine, any number of times; the run loop observes it at every
// suspension point.
func (r *Reconnector) RequestStop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
}

// Run supervises until RequestStop, context cancellation, or the optional
// runtime deadline. The session in hand is always released on the way out,
// and monitor_stop is logged exactly once at the very end.
func (r *Reconnector) Run(ctx context.Context, runtime time.Duration) error {
	var deadline time.Time
	if runtime > 0 {
		deadline = r.now().Add(runtime)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	backoff := r.policy.BaseBackoff
	attempt := 0

	var releaseScope func()
	if r.opts.Metrics != nil {
		releaseScope = r.opts.Metrics.Scope(r.scopePayload)
	}

	r.log("monitor_start", metrics.Entry{Status: "pending"})
	r.logger.Info("monitor started")

	defer func() {
		r.releaseSession()

		status := "ok"
		if ctx.Err() != nil {
			status = "cancelled"
		}
		r.log("monitor_stop", metrics.Entry{Status: status})
		r.publishStatus(connevents.ConnectionStateStopped, nil, attempt)
		r.logger.Info("monitor stopped", "status", status)

		if releaseScope != nil {
			releaseScope()
		}
	}()

	for {
		if r.shouldExit(runCtx, deadline) {
			return ctx.Err()
		}

		attempt++
		r.log("connect_attempt", metrics.Entry{Status: "pending", Extra: metrics.Fields{"attempt": attempt}})
		r.publishStatus(connevents.ConnectionStateConnecting, nil, attempt)

		sess, err := r.factory(session.Config{
			Address:        r.address,
			AdapterID:      r.opts.AdapterID,
			ConnectTimeout: r.policy.ConnectTimeout,
			MTU:            r.opts.MTU,
			Metrics:        r.opts.Metrics,
			Metadata:       r.opts.Metadata,
		})
		if err == nil {
			r.setSession(sess)
			err = sess.Connect(runCtx)
		}

		if err != nil {
			r.log("session_error", metrics.Entry{Status: "error", Message: err.Error()})
			r.publishStatus(connevents.ConnectionStateReconnecting, err, attempt)
			r.logger.Warn("session error", "attempt", attempt, "error", err)
		} else {
			backoff = r.policy.BaseBackoff
			r.log("connect_attempt", metrics.Entry{Status: "ok", Extra: metrics.Fields{
				"attempt": attempt,
				"backoff": backoff.Seconds(),
			}})
			r.publishStatus(connevents.ConnectionStateConnected, nil, attempt)
			r.logger.Info("connected", "attempt", attempt)

			r.activeLoop(runCtx, sess, deadline)
			r.publishStatus(connevents.ConnectionStateReconnecting, nil, attempt)
		}

		r.releaseSession()

		if r.shouldExit(runCtx, deadline) {
			return ctx.Err()
		}

		r.sleepWithStop(runCtx, backoff, deadline)
		backoff = backoff * 2
		if backoff > r.policy.MaxBackoff {
			backoff = r.policy.MaxBackoff
		}
	}
}

// activeLoop polls signal strength until the connection is lost, the
// supervisor is stopped, or the deadline passes. Transient read failures are
// logged and tolerated; structural loss breaks out immediately.
func (r *Reconnector) activeLoop(ctx context.Context, sess Session, deadline time.Time) {
	r.log("session_active", metrics.Entry{Status: "ok"})
	defer r.log("session_active", metrics.Entry{Status: "ended"})

	for {
		if r.shouldExit(ctx, deadline) {
			return
		}

		rssi, known, err := sess.ReadRSSI()
		switch {
		case err == nil:
			entry := metrics.Entry{Status: "unknown"}
			if known {
				entry.Status = "ok"
				entry.Value = metrics.Float(float64(rssi))
			}
			r.log("rssi_sample", entry)
			r.publishSample(rssi, known)
		case errors.Is(err, session.ErrConnectionLost) || errors.Is(err, session.ErrNotConnected):
			r.log("session_lost", metrics.Entry{Status: "error", Message: err.Error()})
			r.logger.Warn("connection lost", "error", err)
			return
		default:
			r.log("rssi_sample", metrics.Entry{Status: "error", Message: err.Error()})
		}

		r.sleepWithStop(ctx, r.policy.PollInterval, deadline)
	}
}

func (r *Reconnector) shouldExit(ctx context.Context, deadline time.Time) bool {
	select {
	case <-r.stop:
		return true
	default:
	}
	if ctx.Err() != nil {
		return true
	}
	return !deadline.IsZero() && !r.now().Before(deadline)
}

// sleepWithStop waits for d, clipped so it never overshoots the deadline,
// and returns early when the stop signal fires.
func (r *Reconnector) sleepWithStop(ctx context.Context, d time.Duration, deadline time.Time) {
	if d <= 0 {
		return
	}
	if !deadline.IsZero() {
		remaining := deadline.Sub(r.now())
		if remaining <= 0 {
			return
		}
		if d > remaining {
			d = remaining
		}
	}
	r.sleep(ctx, d)
}

func (r *Reconnector) realSleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *Reconnector) setSession(sess Session) {
	r.mu.Lock()
	r.current = sess
	r.mu.Unlock()
}

func (r *Reconnector) releaseSession() {
	r.mu.Lock()
	sess := r.current
	r.current = nil
	r.mu.Unlock()

	if sess != nil {
		sess.Disconnect()
	}
}

// log merges the scope payload into the record's extra so every row stays
// self-describing even when several supervisors share one metrics logger.
func (r *Reconnector) log(event string, e metrics.Entry) {
	if r.opts.Metrics == nil {
		return
	}

	payload := make(metrics.Fields, len(r.scopePayload)+len(e.Extra))
	for k, v := range r.scopePayload {
		payload[k] = v
	}
	for k, v := range e.Extra {
		payload[k] = v
	}
	e.Extra = payload

	r.opts.Metrics.Log(event, e)
}

func (r *Reconnector) publishStatus(state connevents.ConnectionState, err error, attempt int) {
	if r.opts.Bus == nil {
		return
	}

	status := connevents.ConnStatus{
		State:     state,
		Target:    r.address,
		Attempt:   attempt,
		Timestamp: time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	r.opts.Bus.PublishStatus(status)
}

func (r *Reconnector) publishSample(rssi int, known bool) {
	if r.opts.Bus == nil {
		return
	}
	r.opts.Bus.PublishSample(connevents.RSSISample{
		Address:   r.address,
		RSSI:      rssi,
		Known:     known,
		Timestamp: time.Now(),
	})
}
