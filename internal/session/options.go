package session

import (
	"log/slog"
	"time"
)

// RetryPolicy controls how append retries a Stale or VersionConflict
// failure. MaxAttempts counts every try, the first one included. The
// default is four attempts (one try plus three retries) with fixed
// 100/200/300ms backoff before the three retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Backoff:     []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond},
	}
}

func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	if attempt < 0 || attempt >= len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt]
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithRetryPolicy overrides the default retry attempts/backoff used for
// Stale and VersionConflict failures during AppendEvent. len(delays) should
// be >= attempts-1; backoffFor clamps to the last entry if not.
func WithRetryPolicy(attempts int, delays []time.Duration) Option {
	return func(s *Service) {
		s.retry = RetryPolicy{MaxAttempts: attempts, Backoff: delays}
	}
}

// WithLogger sets the structured logger used for diagnostics (malformed
// delta degrade, retry attempts). Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithSleeper overrides the function used to wait between retries. Tests
// substitute a no-op so Scenario D-style concurrent-append tests don't
// pay real wall-clock backoff.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(s *Service) {
		s.sleep = sleep
	}
}

// WithSequenceBase overrides the per-version multiplier used to derive
// event sequence numbers. Defaults to 1000. An embedding application
// that also configures a store.Config should pass the same value to
// both, since the sequence derivation lives in the service but the
// configured ceiling is conceptually shared with the backend's table
// layout.
func WithSequenceBase(base int64) Option {
	return func(s *Service) {
		if base > 0 {
			s.sequenceBase = base
		}
	}
}
