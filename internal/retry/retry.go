// Package retry bounds reattempts of transiently failing applies.
package retry

import "time"

// Policy decides how many times a transiently failing action is retried
// and how long to wait between attempts.
//
// The delay grows linearly with the retry count (BaseDelay × count) and is
// capped at MaxDelay. Exhausting MaxRetries is never silent: the
// coordinator marks the action Failed and it shows up in the status counts
// until an operator acts on it.
type Policy struct {
	// MaxRetries is how many apply attempts an action gets before it is
	// marked Failed.
	MaxRetries int

	// BaseDelay is the delay unit multiplied by the retry count.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
}

// DefaultPolicy returns the stock policy: 3 attempts, 5s × count, capped
// at one minute.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  5 * time.Second,
		MaxDelay:   time.Minute,
	}
}

// Delay returns how long to wait before the attempt following retryCount
// failures.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := p.BaseDelay * time.Duration(retryCount)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Exhausted reports whether an action with this many failed attempts is
// out of retries.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}
