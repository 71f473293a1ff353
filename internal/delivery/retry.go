package delivery

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how often a transient task failure is retried and how
// long each retry waits. MaxRetries excludes the first attempt.
type RetryPolicy struct {
	MaxRetries int
	Backoff    []time.Duration
}

// DefaultRetryPolicy retries three times, after 30s, 120s and 600s.
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries: 3,
	Backoff:    []time.Duration{30 * time.Second, 120 * time.Second, 600 * time.Second},
}

// PolicyFromSeconds builds a policy from configuration values.
func PolicyFromSeconds(maxRetries int, seconds []int) RetryPolicy {
	p := RetryPolicy{MaxRetries: maxRetries}
	for _, s := range seconds {
		p.Backoff = append(p.Backoff, time.Duration(s)*time.Second)
	}
	return p
}

// NewBackOff returns a fresh schedule for one task. It yields backoff.Stop
// once MaxRetries retries have been handed out.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	return &scheduleBackOff{policy: p}
}

type scheduleBackOff struct {
	policy  RetryPolicy
	retries int
}

func (b *scheduleBackOff) Reset() { b.retries = 0 }

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.retries >= b.policy.MaxRetries {
		return backoff.Stop
	}
	var d time.Duration
	if n := len(b.policy.Backoff); n > 0 {
		i := b.retries
		if i >= n {
			i = n - 1
		}
		d = b.policy.Backoff[i]
	}
	b.retries++
	return d
}

// classify wraps non-retryable errors as permanent.
func classify(err error, retryable func(error) bool) error {
	if err == nil || retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

// isPermanent unwraps a permanent error.
func isPermanent(err error) (error, bool) {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err, true
	}
	return err, false
}
