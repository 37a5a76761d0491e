package execution

import (
	"fmt"
	"math"
	"time"
)

// BackoffKind selects how the delay between attempts grows.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

const defaultMaxRetryDelay = time.Minute

// RetryPolicy controls how many times a failed attempt is re-queued.
// MaxRetries counts retries, so a policy with MaxRetries=N allows N+1 attempts.
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	Delay          time.Duration `json:"delay" yaml:"delay" toml:"delay"`
	Backoff        BackoffKind   `json:"backoff" yaml:"backoff" toml:"backoff"`
	MaxDelay       time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty" toml:"max_delay"`
	RetryOnTimeout bool          `json:"retry_on_timeout,omitempty" yaml:"retry_on_timeout,omitempty" toml:"retry_on_timeout"`
	// MaxElapsed bounds the whole retry window measured from the first start.
	// Zero means unbounded.
	MaxElapsed time.Duration `json:"max_elapsed,omitempty" yaml:"max_elapsed,omitempty" toml:"max_elapsed"`
}

// Validate checks the policy for obviously broken values.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if p.Delay < 0 || p.MaxDelay < 0 || p.MaxElapsed < 0 {
		return fmt.Errorf("retry durations must not be negative")
	}
	switch p.Backoff {
	case "", BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q", p.Backoff)
	}
	return nil
}

// MaxAttempts returns the total number of attempts the policy allows.
func (p RetryPolicy) MaxAttempts() int {
	switch {
	case p.MaxRetries < 0:
		return 1
	case p.MaxRetries == math.MaxInt:
		return math.MaxInt
	}
	return p.MaxRetries + 1
}

// DelayFor returns the wait before retry number retry (1-based).
func (p RetryPolicy) DelayFor(retry int) time.Duration {
	if retry < 1 || p.Delay <= 0 {
		return 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}

	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.Delay * time.Duration(retry)
	case BackoffExponential:
		d = p.Delay
		for i := 1; i < retry; i++ {
			d *= 2
			if d >= maxDelay {
				break
			}
		}
	default:
		d = p.Delay
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Retryable reports whether an attempt that failed with kind may be retried
// under this policy. Attempt-count limits are checked separately.
func (p RetryPolicy) Retryable(kind Kind) bool {
	switch kind {
	case KindExecution:
		return true
	case KindTimeout:
		return p.RetryOnTimeout
	}
	return false
}
