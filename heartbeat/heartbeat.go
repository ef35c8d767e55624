// Package heartbeat schedules liveness beacons to the group
// coordinator. It is deliberately backend-agnostic: the cadence gate
// lives here, the actual beacon RPC is injected, grounded on the same
// cadence-gate idiom the teacher uses for commit scheduling
// (committer/periodic.go's record/interval gate), generalized from a
// count+interval gate to a pure interval gate.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/mkerrin/gconsume/errs"
)

// Sender performs the actual liveness RPC against the coordinator.
type Sender interface {
	Beacon(ctx context.Context) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context) error

func (f SenderFunc) Beacon(ctx context.Context) error { return f(ctx) }

// Heartbeat sends a beacon at most once per Interval. It must be safe
// to call SendIfNecessary from a single goroutine repeatedly without
// external synchronization beyond the one that calls it (the consume
// loop), but an internal mutex guards last-sent bookkeeping in case a
// caller shares one Heartbeat across goroutines.
type Heartbeat struct {
	sender   Sender
	interval time.Duration

	mu       sync.Mutex
	lastSent time.Time
}

// New creates a Heartbeat that beacons via sender no more than once per
// interval. interval must be strictly smaller than the group session
// timeout for the member to avoid eviction; that invariant is enforced
// by consumer.New, not here.
func New(sender Sender, interval time.Duration) *Heartbeat {
	return &Heartbeat{sender: sender, interval: interval}
}

// SendIfNecessary beacons only if Interval has elapsed since the last
// successful beacon. A failed beacon does not update lastSent, so the
// next call retries immediately rather than waiting out the interval
// again.
func (h *Heartbeat) SendIfNecessary(ctx context.Context) error {
	h.mu.Lock()
	due := time.Since(h.lastSent) >= h.interval
	h.mu.Unlock()

	if !due {
		return nil
	}

	if err := h.sender.Beacon(ctx); err != nil {
		return &errs.HeartbeatError{Err: err}
	}

	h.mu.Lock()
	h.lastSent = time.Now()
	h.mu.Unlock()

	return nil
}

// Reset forces the next SendIfNecessary call to beacon immediately,
// used after a rejoin so the fresh session starts from a known state.
func (h *Heartbeat) Reset() {
	h.mu.Lock()
	h.lastSent = time.Time{}
	h.mu.Unlock()
}
