package libmux

import (
	"time"

	"github.com/pkg/errors"
)

// HealthSnapshot is a point-in-time measurement of a Connection.
type HealthSnapshot struct {
	ConnectionID     string
	State            State
	Latency          time.Duration
	Outstanding      int
	Queued           int
	Reconnects       int
	MissedHeartbeats int
	At               time.Time
}

// Health returns the latest probe results merged with the current load.
func (c *Connection) Health() HealthSnapshot {
	c.mu.Lock()
	snap := c.health
	snap.ConnectionID = c.id
	snap.State = c.state
	snap.Queued = c.queue.len() + c.batch.len()
	snap.Reconnects = c.reconnects
	c.mu.Unlock()

	snap.Outstanding = c.pending.len()
	if snap.At.IsZero() {
		snap.At = time.Now()
	}
	return snap
}

// healthInterval scales the probe interval with the connection priority.
func (c *Connection) healthInterval() time.Duration {
	interval := c.opts.Health.Interval
	switch c.opts.Priority {
	case PriorityLow:
		interval *= 2
	case PriorityHigh:
		interval /= 2
	}
	return interval
}

// monitor probes the session's socket every interval. A probe that is not
// acknowledged within the interval is a missed heartbeat; MaxMissed
// consecutive misses force a reconnect, catching half-open sockets that
// never report a close.
func (c *Connection) monitor(s *session) {
	defer c.wg.Done()

	interval := c.healthInterval()
	if interval <= 0 {
		return
	}

	log := c.logger.WithField("component", "health")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		latency, err := c.probe(s, interval)
		switch {
		case err == nil:
			missed = 0
		case errors.Is(err, ErrRequestTimeout):
			missed++
			log.Warnf("heartbeat missed (%d/%d)", missed, c.opts.Health.MaxMissed)
		default:
			log.Debugf("probe aborted: %s", err)
			return
		}

		c.publishHealth(latency, missed)

		if c.opts.Health.MaxMissed > 0 && missed >= c.opts.Health.MaxMissed {
			c.ForceReconnect(errors.Wrapf(ErrHeartbeatMissed, "%d consecutive probes unanswered", missed))
			return
		}
	}
}

// probe sends one high priority probe and waits for its acknowledgement.
// A remote error, or any inbound frame while waiting, still proves the
// peer is alive. Probes are not held back by MaxInFlight.
func (c *Connection) probe(s *session, timeout time.Duration) (time.Duration, error) {
	env := NewEnvelope(c.opts.Health.ProbeMethod, nil,
		WithPriority(PriorityHigh),
		WithTimeout(timeout),
	)
	env.heartbeat = true

	start := time.Now()
	call, err := c.Send(env)
	if err != nil {
		return 0, err
	}

	select {
	case r := <-call.Done():
		var remote *RemoteError
		if errors.Is(r.Err, ErrRequestTimeout) && c.LastActivity().After(start) {
			// inbound traffic since the probe went out proves the peer is alive
			return 0, nil
		}
		if r.Err != nil && !errors.As(r.Err, &remote) {
			return 0, r.Err
		}
		return time.Since(start), nil
	case <-s.done:
		call.Cancel(ErrConnectionLost)
		return 0, ErrConnectionLost
	case <-c.ctx.Done():
		call.Cancel(ErrConnectionClosed)
		return 0, ErrConnectionClosed
	}
}

func (c *Connection) publishHealth(latency time.Duration, missed int) {
	c.mu.Lock()
	if latency > 0 {
		c.health.Latency = latency
	}
	c.health.MissedHeartbeats = missed
	c.health.At = time.Now()
	c.mu.Unlock()

	snap := c.Health()

	c.mu.Lock()
	c.queueEvent(Event{Type: EventHealth, Health: &snap})
	c.unlockAndEmit()
}
