package transport

import "time"

// RetryPolicy bounds the reconnect-and-retry loop a client-role Conn runs
// when a call hits a transport failure. Server-role Conns never retry.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, the first one included.
	MaxAttempts int
	// BaseDelay is the wait before the first retry. Each further retry
	// doubles it.
	BaseDelay time.Duration
	// MaxDelay caps the doubling.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is what NewConn installs when no policy is given.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 8,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// Delay returns the backoff before retry number retry (zero-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry > 30 {
		retry = 30
	}
	d := p.BaseDelay << uint(retry)
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
