// Package limiter implements the rate-limiter façade: it maps an I/O
// type onto a priority, delegates writes to the throttle, and records
// every request into the statistics sink when enabled.
package limiter

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flowctl/throttlegate/internal/priority"
	"github.com/flowctl/throttlegate/internal/stats"
)

// Throttler is the subset of *throttle.Throttle the façade depends on,
// narrowed so tests can substitute a fake without pulling in the real
// epoch/refill machinery.
type Throttler interface {
	Request(p priority.Priority, amount uint64) uint64
	AsyncRequest(p priority.Priority, amount uint64) <-chan uint64
	SetBytesPerSecond(rate uint64)
}

// EpochDiagnostics is implemented by *throttle.Throttle to expose epoch
// timing and per-tier carried-forward debt for health checks. It is
// deliberately separate from Throttler so test fakes can satisfy the
// latter without reproducing the former.
type EpochDiagnostics interface {
	NextRefillTime() time.Time
	PendingBytes(p priority.Priority) uint64
	BytesPerEpoch(p priority.Priority) uint64
}

// Limiter is the process-facing entry point: construct one, configure a
// priority map, and call Request/AsyncRequest from every write path.
type Limiter struct {
	throttle Throttler
	stats    *stats.Sink // nil when statistics are disabled

	mu          sync.RWMutex
	priorityMap []priority.Priority // indexed by priority.IOType

	log *slog.Logger
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithStatistics enables the statistics sink (the enable_statistics config flag).
func WithStatistics() Option {
	return func(l *Limiter) { l.stats = stats.NewSink() }
}

// WithLogger overrides the default slog.Logger (slog.Default()) used for
// per-request debug logging. A nil logger disables that logging.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New builds a Limiter over the given Throttler. Every IOType defaults to
// High priority until reassigned with SetIOPriority.
func New(th Throttler, opts ...Option) *Limiter {
	l := &Limiter{throttle: th, log: slog.Default(), priorityMap: make([]priority.Priority, priority.NumIOTypes())}
	for i := range l.priorityMap {
		l.priorityMap[i] = priority.High
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetIOPriority assigns io_type a priority. Intended to be called during
// setup, before the Limiter is shared across goroutines; the mutex here
// also makes a later call safe, at the cost of a race on ordering with
// in-flight requests that already read the old mapping.
func (l *Limiter) SetIOPriority(t priority.IOType, p priority.Priority) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.priorityMap[int(t)] = p
}

func (l *Limiter) priorityFor(t priority.IOType) priority.Priority {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.priorityMap[int(t)]
}

// PriorityFor reports the priority currently mapped to io_type t, for
// read-only introspection (e.g. the admin HTTP API's /v1/config).
func (l *Limiter) PriorityFor(t priority.IOType) priority.Priority {
	return l.priorityFor(t)
}

// SetBytesPerSecond forwards to the underlying throttle's configuration
// setter; exposed here so callers only need a Limiter.
func (l *Limiter) SetBytesPerSecond(rate uint64) {
	l.throttle.SetBytesPerSecond(rate)
}

// Statistics returns the statistics sink, or nil if WithStatistics was
// not supplied.
func (l *Limiter) Statistics() *stats.Sink { return l.stats }

// EpochLag reports how far the underlying throttle's next refill
// boundary has drifted into the past, for the epoch-lag health check.
// ok is false when the underlying Throttler doesn't implement
// EpochDiagnostics (e.g. a test fake).
func (l *Limiter) EpochLag() (lag time.Duration, ok bool) {
	d, ok := l.throttle.(EpochDiagnostics)
	if !ok {
		return 0, false
	}
	return time.Since(d.NextRefillTime()), true
}

// PendingDebt reports the carried-forward pendingBytes and current
// epoch budget for priority p, for the pending-debt health check. ok is
// false under the same condition as EpochLag.
func (l *Limiter) PendingDebt(p priority.Priority) (pending, budget uint64, ok bool) {
	d, ok := l.throttle.(EpochDiagnostics)
	if !ok {
		return 0, 0, false
	}
	return d.PendingBytes(p), d.BytesPerEpoch(p), true
}

// Request throttles writes and passes reads through unthrottled, then
// records the granted amount into the statistics sink when enabled.
func (l *Limiter) Request(t priority.IOType, op priority.IOOp, bytes uint64) uint64 {
	granted := bytes
	if op == priority.Write {
		granted = l.throttle.Request(l.priorityFor(t), bytes)
	}
	l.record(t, op, granted)
	return granted
}

// AsyncRequest is identical to Request except writes are admitted via the
// throttle's cooperative entry point; once admission completes the
// statistics are recorded, and then the channel delivers the granted amount.
func (l *Limiter) AsyncRequest(t priority.IOType, op priority.IOOp, bytes uint64) <-chan uint64 {
	if op != priority.Write {
		out := make(chan uint64, 1)
		out <- bytes
		l.record(t, op, bytes)
		return out
	}

	grantCh := l.throttle.AsyncRequest(l.priorityFor(t), bytes)
	out := make(chan uint64, 1)
	go func() {
		granted := <-grantCh
		l.record(t, op, granted)
		out <- granted
	}()
	return out
}

func (l *Limiter) record(t priority.IOType, op priority.IOOp, bytes uint64) {
	if l.stats != nil {
		l.stats.Record(t, op, bytes)
	}
	if l.log != nil {
		l.log.Debug("io request granted",
			"io_type", t.String(),
			"op", op.String(),
			"bytes", bytes,
			"priority", l.priorityFor(t).String(),
		)
	}
}
