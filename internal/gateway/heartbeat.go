package gateway

import "time"

// Heartbeat tracks peer liveness for one connection. It is purely
// time-driven: it never fails, it only classifies. Mutated only by the
// connection's own loop (single writer).
type Heartbeat struct {
	interval time.Duration
	timeout  time.Duration
	started  time.Time
	last     time.Time
	observed bool
}

// NewHeartbeat builds a supervisor. timeout must exceed interval (validated
// at config load); otherwise every probe window could read as a timeout.
func NewHeartbeat(interval, timeout time.Duration, now time.Time) *Heartbeat {
	return &Heartbeat{
		interval: interval,
		timeout:  timeout,
		started:  now,
		last:     now,
	}
}

// Interval is the probe emission period.
func (h *Heartbeat) Interval() time.Duration { return h.interval }

// Observe records a liveness signal (a pong or equivalent).
func (h *Heartbeat) Observe(now time.Time) {
	h.last = now
	h.observed = true
}

// Expired reports whether no liveness signal has been seen within the
// timeout window.
func (h *Heartbeat) Expired(now time.Time) bool {
	return now.Sub(h.last) > h.timeout
}

// NoAuthExpired reports whether the peer has produced zero liveness signals
// for a full timeout window since connect. Used while the connection is
// still unauthenticated to evict peers that never answer the first probe.
func (h *Heartbeat) NoAuthExpired(now time.Time) bool {
	return !h.observed && now.Sub(h.started) > h.timeout
}
