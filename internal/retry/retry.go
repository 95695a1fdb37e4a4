// Package retry implements the Retry Controller (spec.md §4.7):
// classifies a failure into a RetryVerdict and schedules the next attempt
// with jitter and exponential backoff. It generalizes the teacher's
// transport.RetryManager — same backoff formula and circuit breaker, per
// chunk instead of per connection identifier.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/trackshift/upload/pkg/models"
)

// Verdict is the Retry Controller's decision for a failed attempt.
type Verdict int

const (
	// VerdictRetry means schedule another attempt after Delay.
	VerdictRetry Verdict = iota
	// VerdictRetryAfterOnline means wait for connectivity to return before
	// scheduling the next attempt.
	VerdictRetryAfterOnline
	// VerdictRestartFromCheckpoint means a merge error occurred; restart
	// from the last ledger checkpoint rather than a bare retry.
	VerdictRestartFromCheckpoint
	// VerdictFatal means the chunk (and its file) fails; do not retry.
	VerdictFatal
	// VerdictTerminal means the operation was cancelled; not an error
	// surfaced to the caller.
	VerdictTerminal
)

// Decision is the result of Classify: a verdict plus the delay to wait
// before the next attempt (meaningful only for retry-ish verdicts).
type Decision struct {
	Verdict Verdict
	Delay   time.Duration
}

// CircuitState mirrors the teacher's transport.CircuitState, scoped here
// per chunk instead of per connection id.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// Controller holds the backoff parameters and the per-chunk circuit
// breaker state. Safe for concurrent use.
type Controller struct {
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	RetryBudget       int

	mu       sync.Mutex
	failures map[string]int
	state    map[string]CircuitState
}

// New creates a Controller with the given retry budget (spec.md §4.7:
// "at most retryBudget+1 attempts").
func New(retryBudget int, baseDelay time.Duration) *Controller {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Controller{
		BaseBackoff:       baseDelay,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
		RetryBudget:       retryBudget,
		failures:          make(map[string]int),
		state:             make(map[string]CircuitState),
	}
}

// Classify maps err to a RetryVerdict per the spec.md §4.7 table. id
// identifies the chunk (fingerprint + index) for circuit-breaker and
// attempt-count bookkeeping; attempt is the 0-based number of prior
// attempts for this chunk.
func (c *Controller) Classify(id string, attempt int, err error, retryAfter time.Duration) Decision {
	kind := models.KindOf(err)

	if kind == models.KindCancelled {
		return Decision{Verdict: VerdictTerminal}
	}
	if attempt >= c.RetryBudget {
		c.RecordFailure(id)
		return Decision{Verdict: VerdictFatal}
	}

	switch kind {
	case models.KindTimeout:
		return Decision{Verdict: VerdictRetry, Delay: c.NextBackoff(attempt)}
	case models.KindNetwork:
		return Decision{Verdict: VerdictRetryAfterOnline, Delay: c.NextBackoff(attempt)}
	case models.KindHTTPTransient:
		delay := retryAfter
		if delay <= 0 {
			delay = c.NextBackoff(attempt)
		}
		return Decision{Verdict: VerdictRetry, Delay: delay}
	case models.KindHTTPClient, models.KindValidation:
		c.RecordFailure(id)
		return Decision{Verdict: VerdictFatal}
	case models.KindAuth:
		c.RecordFailure(id)
		return Decision{Verdict: VerdictFatal}
	case models.KindMergeError:
		return Decision{Verdict: VerdictRestartFromCheckpoint, Delay: c.NextBackoff(attempt)}
	case models.KindDataCorruption:
		c.RecordFailure(id)
		return Decision{Verdict: VerdictFatal}
	default:
		return Decision{Verdict: VerdictRetry, Delay: c.NextBackoff(attempt)}
	}
}

// NextBackoff computes base*multiplier^attempt, clamped to MaxBackoff and
// jittered by JitterFactor — identical formula to the teacher's
// transport.RetryManager.NextBackoff.
func (c *Controller) NextBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(c.BaseBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	jitter := backoff * c.JitterFactor * rand.Float64()
	backoff += jitter
	if backoff < float64(c.BaseBackoff) {
		backoff = float64(c.BaseBackoff)
	}
	return time.Duration(backoff)
}

// RecordSuccess resets the failure count and closes the circuit for id.
func (c *Controller) RecordSuccess(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, id)
	c.state[id] = CircuitClosed
}

// RecordFailure increments the failure count for id and may open its
// circuit.
func (c *Controller) RecordFailure(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[id]++
	if c.failures[id] > c.RetryBudget {
		c.state[id] = CircuitOpen
	}
}

// State returns the current circuit state for id.
func (c *Controller) State(id string) CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.state[id]; ok {
		return s
	}
	return CircuitClosed
}

// Forget drops all bookkeeping for id, called once a chunk completes or
// its file is no longer live.
func (c *Controller) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, id)
	delete(c.state, id)
}
