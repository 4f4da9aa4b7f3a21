package libmux

import (
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// backoffCalculator returns how long to wait before reconnect attempt n
// (1-based).
type backoffCalculator func(attempts int) time.Duration

// Backoff is a capped exponential schedule with optional jitter. Jitter
// is a fraction of the wait (0..1) applied symmetrically.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: 0.2,
	}
}

func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	lo := b.Min
	if lo <= 0 {
		lo = 100 * time.Millisecond
	}
	hi := b.Max
	if hi <= 0 {
		hi = 30 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2
	}

	wait := lo
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > hi {
			wait = hi
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := math.Min(b.Jitter, 1)
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

func (b Backoff) Calculator() backoffCalculator {
	return b.Next
}

// FixedBackoff waits d before every attempt.
func FixedBackoff(d time.Duration) backoffCalculator {
	return func(int) time.Duration { return d }
}

func ExponentialBackoff(attempts int) float64 {
	return (math.Pow(2.0, float64(attempts)) - 1) / 2
}

// ExponentialBackoffSeconds waits 0.5s, 1.5s, 3.5s, ... truncated to
// whole seconds.
func ExponentialBackoffSeconds(attempts int) time.Duration {
	return time.Duration(ExponentialBackoff(attempts)) * time.Second
}

func (c *Connection) startReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return
	}
	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop redials until a socket opens, the connection is torn
// down, or MaxRetries consecutive attempts failed.
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	for attempt := 1; ; attempt++ {
		if c.opts.MaxRetries >= 0 && attempt > c.opts.MaxRetries {
			c.fail()
			return
		}

		wait := c.opts.Backoff(attempt)

		c.mu.Lock()
		if c.terminated || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.retries = attempt
		c.queueEvent(Event{Type: EventReconnecting, Attempt: attempt, Wait: wait, Err: c.lastErr})
		c.unlockAndEmit()

		c.logger.Infof("reconnect attempt %d in %s", attempt, wait)

		timer := time.NewTimer(wait)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s, err := c.dial(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.lastErr = err
			c.mu.Unlock()
			c.logger.Warnf("reconnect attempt %d failed: %s", attempt, err)
			continue
		}

		if err := c.open(s, true); err != nil {
			c.logger.Debugf("discarding socket opened after teardown")
		}
		return
	}
}

// fail gives up: queued work is rejected and the connection stays failed
// until an explicit Connect or Reconnect.
func (c *Connection) fail() {
	c.mu.Lock()
	if c.terminated || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	lastErr := c.lastErr
	attempts := c.retries
	c.setState(StateFailed)
	c.queue.drain()
	c.batch.take()
	c.queueEvent(Event{Type: EventFailed, Attempt: attempts, Kind: KindRetriesExhausted, Err: lastErr})
	c.mu.Unlock()

	err := errors.Wrapf(ErrRetriesExhausted, "gave up after %d attempts: %v", attempts, lastErr)
	if n := c.pending.rejectAll(err); n > 0 {
		c.logger.Warnf("rejected %d queued requests: %s", n, err)
	}
	c.logger.Errorf("%s", err)

	c.emitOutbox()
}
