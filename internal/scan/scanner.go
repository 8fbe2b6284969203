// Package scan performs bounded discovery passes over the radio with
// allow-list filtering and deduplication.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"blewatch/internal/adapter"
)

// degradedGracePeriod bounds the wait when no radio is available, so callers
// in discovery-less environments still return promptly with an empty set.
const degradedGracePeriod = 100 * time.Millisecond

// Scanner runs one discovery pass at a time against a Radio.
type Scanner struct {
	config Config
	radio  adapter.Radio
	logger *slog.Logger

	mu         sync.Mutex
	unique     map[string]Result
	order      []string
	duplicates []Result
}

func NewScanner(radio adapter.Radio, config Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default().With("component", "scan")
	}

	return &Scanner{
		config: config,
		radio:  radio,
		logger: logger,
	}
}

// Run performs one bounded discovery pass and returns the accepted results:
// deduplicated by address with the latest observation winning, or the full
// ordered sequence when duplicate-preserving mode is set. A missing radio
// degrades to an empty result after a short grace period.
func (s *Scanner) Run(ctx context.Context, timeout time.Duration) ([]Result, error) {
	s.reset()

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stop, err := s.radio.Observe(scanCtx, s.config.hints(), func(adv adapter.Advertisement) {
		if done := s.onObservation(adv); done {
			cancel()
		}
	})
	if err != nil {
		if errors.Is(err, adapter.ErrUnavailable) {
			s.logger.Warn("radio unavailable, returning empty scan results", "error", err)
			wait := degradedGracePeriod
			if timeout < wait {
				wait = timeout
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			return nil, nil
		}
		return nil, err
	}

	<-scanCtx.Done()
	if err := stop(); err != nil {
		s.logger.Warn("scan stop failed", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return s.Results(), nil
}

// Results returns a snapshot of the accepted observations so far.
func (s *Scanner) Results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.ReturnDuplicates {
		return append([]Result(nil), s.duplicates...)
	}

	results := make([]Result, 0, len(s.order))
	for _, address := range s.order {
		results = append(results, s.unique[address])
	}
	return results
}

func (s *Scanner) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unique = make(map[string]Result)
	s.order = nil
	s.duplicates = nil
}

// onObservation filters, stores, and dispatches one advertisement. Returns
// true once the accepted-result count satisfies MaxDevices.
func (s *Scanner) onObservation(adv adapter.Advertisement) bool {
	if !s.config.Allows(adv) {
		return false
	}

	result := resultFromAdvertisement(adv)

	s.mu.Lock()
	if s.config.ReturnDuplicates {
		s.duplicates = append(s.duplicates, result)
	} else {
		if _, seen := s.unique[result.Address]; !seen {
			s.order = append(s.order, result.Address)
		}
		s.unique[result.Address] = result
	}
	count := len(s.duplicates)
	if !s.config.ReturnDuplicates {
		count = len(s.unique)
	}
	s.mu.Unlock()

	if s.config.Callback != nil {
		s.dispatchCallback(result)
	}

	return s.config.MaxDevices > 0 && count >= s.config.MaxDevices
}

func (s *Scanner) dispatchCallback(result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("scan callback panicked", "address", result.Address, "panic", r)
		}
	}()
	s.config.Callback(result)
}

// Discover is a one-shot convenience: build the policy, run a single pass,
// return its results.
func Discover(ctx context.Context, radio adapter.Radio, timeout time.Duration, cfg Config) ([]Result, error) {
	config, err := NewConfig(cfg)
	if err != nil {
		return nil, err
	}

	return NewScanner(radio, config, nil).Run(ctx, timeout)
}
