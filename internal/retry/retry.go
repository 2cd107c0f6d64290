// Package retry implements bounded exponential backoff with jitter and a
// process-wide circuit breaker, the two collaborating primitives every
// remote call in this module is wrapped in.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Policy mirrors the reference engine's BackoffConfig shape
// (internal/attractor/engine/backoff.go) plus the breaker knobs the original
// Python CircuitBreaker carries alongside it.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration

	BreakerFailures int
	BreakerCooldown time.Duration
}

// DefaultPolicy matches original_source/kajovo/core/config.py's RetryPolicy defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     6,
		BaseDelay:       800 * time.Millisecond,
		MaxDelay:        20 * time.Second,
		Jitter:          250 * time.Millisecond,
		BreakerFailures: 6,
		BreakerCooldown: 20 * time.Second,
	}
}

// DelayForAttempt returns the backoff sleep before attempt (1-indexed).
// Jitter is deterministic given seed, following the reference engine's
// sha256-seeded jitter so retried calls are reproducible in tests.
func DelayForAttempt(attempt int, p Policy, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max := float64(p.MaxDelay); base > max {
		base = max
	}
	d := time.Duration(base)
	if p.Jitter > 0 {
		d += time.Duration(jitterUnit(seed) * float64(p.Jitter))
	}
	return d
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	v := binary.BigEndian.Uint64(sum[:8])
	return float64(v) / float64(^uint64(0))
}

// Breaker is a process-wide failure gate: it opens for Cooldown seconds
// after Failures consecutive transient failures, and resets on success.
type Breaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return true
	}
	return !time.Now().Before(b.openUntil)
}

func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.threshold > 0 && b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

// ErrBreakerOpen is returned when the breaker refuses a call outright.
var ErrBreakerOpen = errors.New("retry: circuit breaker open")

// TransientClassifier decides whether an error from a thunk should be
// retried. The remote client supplies one that recognizes HTTP
// 429/500/502/503/504 and network timeout/connect errors (spec §4.1/§7).
type TransientClassifier func(err error) bool

// DefaultTransientClassifier matches the status-code substrings the
// original Python client checks for (" 429:", " 500:", etc.) plus generic
// timeout/connection wording, since Go HTTP errors don't carry a structured
// status code once wrapped.
func DefaultTransientClassifier(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, code := range []string{"429", "500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof") ||
		errors.Is(err, context.DeadlineExceeded)
}

// Do runs fn, retrying transient failures per policy p and recording
// success/failure against breaker. seedPrefix identifies the call for
// deterministic jitter (e.g. "run_id:stage:attempt").
func Do(ctx context.Context, p Policy, breaker *Breaker, classify TransientClassifier, seedPrefix string, fn func(ctx context.Context) error) error {
	if classify == nil {
		classify = DefaultTransientClassifier
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if breaker != nil && !breaker.Allow() {
			wait := p.BreakerCooldown
			if wait <= 0 || wait > 3*time.Second {
				wait = 3 * time.Second
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		err := fn(ctx)
		if err == nil {
			if breaker != nil {
				breaker.OnSuccess()
			}
			return nil
		}
		lastErr = err
		if !classify(err) {
			// Non-transient failures (RemoteRejection, etc.) propagate immediately.
			return err
		}
		if breaker != nil {
			breaker.OnFailure()
		}
		if attempt == maxAttempts {
			break
		}
		seed := fmt.Sprintf("%s:%d", seedPrefix, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(DelayForAttempt(attempt, p, seed)):
		}
	}
	if lastErr == nil {
		return fmt.Errorf("%w: %s never ran within %d attempts", ErrBreakerOpen, seedPrefix, maxAttempts)
	}
	return fmt.Errorf("retry: exhausted %d attempts: %w", maxAttempts, lastErr)
}

// Jitter exposes a seeded random source for callers that need a one-off
// jittered sleep outside of Do (e.g. breaker-open backoff loops).
func Jitter(seed string, max time.Duration) time.Duration {
	r := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sha256Sum(seed)))))
	return time.Duration(r.Int63n(int64(max) + 1))
}

func sha256Sum(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:8]
}
