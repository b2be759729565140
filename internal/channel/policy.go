package channel

import (
	"math/rand/v2"
	"time"
)

// reconnectPolicy decides whether and when to redial after a connection ends.
type reconnectPolicy struct {
	minDelay    time.Duration
	maxDelay    time.Duration
	jitter      time.Duration
	maxRetries  int
	maxDuration time.Duration
	unstable    time.Duration

	started time.Time
	retries int
	rand    func() float64
}

func newPolicy(opts Options, started time.Time) *reconnectPolicy {
	return &reconnectPolicy{
		minDelay:    opts.MinDelay,
		maxDelay:    opts.MaxDelay,
		jitter:      opts.Jitter,
		maxRetries:  opts.MaxRetries,
		maxDuration: opts.MaxDuration,
		unstable:    opts.UnstableThreshold,
		started:     started,
		rand:        rand.Float64,
	}
}

// backoff is min(maxDelay, minDelay * 2^retries) without jitter.
func (p *reconnectPolicy) backoff(retries int) time.Duration {
	d := p.minDelay
	for i := 0; i < retries; i++ {
		if d >= p.maxDelay || d > time.Duration(1<<62) {
			return p.maxDelay
		}
		d *= 2
	}
	if d > p.maxDelay {
		return p.maxDelay
	}
	return d
}

// next is called once per ended connection attempt. openedFor is how long
// the connection stayed open, zero when it never opened. A connection that
// survived the unstable threshold resets the retry count first.
func (p *reconnectPolicy) next(now time.Time, openedFor time.Duration) (time.Duration, bool) {
	if openedFor > 0 && openedFor >= p.unstable {
		p.retries = 0
	}
	if p.maxDuration > 0 && now.Sub(p.started) > p.maxDuration {
		return 0, false
	}
	if p.retries >= p.maxRetries {
		return 0, false
	}

	delay := p.backoff(p.retries)
	if p.jitter > 0 {
		delay += time.Duration(p.rand() * float64(p.jitter))
	}
	p.retries++
	return delay, true
}
