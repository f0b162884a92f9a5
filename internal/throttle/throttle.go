// Package throttle implements the epoch-based, priority-aware token
// bucket shared across the High, Medium and Low tiers. It is the hard
// part of throttlegate: lock-free fast-path accounting, a mutex-guarded
// refill routine, and the feedback loop that calibrates Medium and Low
// from the measured consumption of the tier above them.
package throttle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowctl/throttlegate/internal/estimator"
	"github.com/flowctl/throttlegate/internal/priority"
)

// DefaultEpochPeriod is the production refill cadence.
const DefaultEpochPeriod = 40 * time.Millisecond

// refillRaceSlack tolerates a refill landing between a requester's budget
// read and its mutex acquisition; a small slack accommodates coarse
// clocks without mistaking a fresh epoch for a stale read.
const refillRaceSlack = time.Millisecond

// Observer is notified once per slow-path admission, after the sleep
// duration has been computed but before the caller suspends. Throttle
// never imports a metrics library itself; internal/monitoring supplies an
// Observer that feeds a Prometheus histogram labelled by priority.
type Observer func(p priority.Priority, wait time.Duration)

// protected bundles the fields that must be serialised behind a single
// mutex: the epoch boundary, each tier's carried-forward debt, and the
// throughput estimators used to calibrate lower tiers.
type protected struct {
	nextRefillTime time.Time
	pendingBytes   [3]uint64
	estimated      [3]estimator.Throughput
}

// Throttle is the shared, priority-aware epoch token bucket. The zero
// value is not usable; construct one with New. A Throttle is safe for
// concurrent use by many requesters plus one periodic refiller.
type Throttle struct {
	epochPeriod time.Duration
	observer    Observer

	bytesThrough  [3]atomic.Uint64
	bytesPerEpoch [3]atomic.Uint64

	mu   sync.Mutex
	prot protected
}

// New constructs a Throttle with all budgets at zero (disabled) and the
// first epoch boundary one epochPeriod from now. A zero or negative
// epochPeriod falls back to DefaultEpochPeriod.
func New(epochPeriod time.Duration, observer Observer) *Throttle {
	if epochPeriod <= 0 {
		epochPeriod = DefaultEpochPeriod
	}
	t := &Throttle{
		epochPeriod: epochPeriod,
		observer:    observer,
	}
	t.prot.nextRefillTime = time.Now().Add(epochPeriod)
	return t
}

// EpochPeriod returns the configured refill cadence.
func (t *Throttle) EpochPeriod() time.Duration { return t.epochPeriod }

// BytesPerEpoch returns the current budget for priority p. Relaxed read;
// a concurrent SetBytesPerSecond or Refill may be in flight.
func (t *Throttle) BytesPerEpoch(p priority.Priority) uint64 {
	return t.bytesPerEpoch[int(p)].Load()
}

// SetBytesPerSecond sets the High-tier budget from a bytes-per-second
// rate. If this toggles the limiter on (0 -> positive) or off (positive
// -> 0), Medium and Low are synchronously set to match while holding the
// protected-state mutex, so a Refill already in progress cannot overwrite
// the toggle afterward. The High budget itself is swapped before the
// mutex is taken. If no toggle occurs, Medium and Low are left for
// the next Refill to recalibrate. Takes effect within at most one epoch.
func (t *Throttle) SetBytesPerSecond(rate uint64) {
	newBudget := uint64(float64(rate) * t.epochPeriod.Seconds())
	before := t.bytesPerEpoch[priority.High].Swap(newBudget)

	toggled := (before == 0) != (newBudget == 0)
	if !toggled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytesPerEpoch[priority.Medium].Store(newBudget)
	t.bytesPerEpoch[priority.Low].Store(newBudget)
}

// Request admits up to amount bytes at priority p, blocking the calling
// goroutine for the duration computed by the slow path if the epoch
// budget is exceeded. It returns granted such that 0 < granted <= amount
// and granted <= the epoch budget for p, unless the limiter is disabled
// at p, in which case amount is returned immediately.
func (t *Throttle) Request(p priority.Priority, amount uint64) uint64 {
	granted, wait := t.admit(p, amount)
	if wait > 0 {
		time.Sleep(wait)
	}
	return granted
}

// AsyncRequest has identical admission semantics to Request, but the
// suspension is cooperative rather than a goroutine sleep: the grant is
// delivered on the returned channel once the computed wait elapses, so
// the caller's own goroutine is free to select
// on other work in the meantime instead of blocking outright. The
// channel is buffered by one and always receives exactly one value.
func (t *Throttle) AsyncRequest(p priority.Priority, amount uint64) <-chan uint64 {
	granted, wait := t.admit(p, amount)
	ch := make(chan uint64, 1)
	if wait <= 0 {
		ch <- granted
		return ch
	}
	timer := time.NewTimer(wait)
	go func() {
		defer timer.Stop()
		<-timer.C
		ch <- granted
	}()
	return ch
}

// admit runs the admission algorithm up to, but not including, the
// actual suspension: a single atomic read plus a single
// atomic fetch-add on the fast path, and at most one mutex acquisition
// plus one retry on the slow path. It returns the granted byte count and
// the duration the caller (or AsyncRequest's timer) must wait before
// returning that grant; wait is zero on the fast path.
func (t *Throttle) admit(p priority.Priority, amount uint64) (granted uint64, wait time.Duration) {
	pi := int(p)
	retried := false
	for {
		budget := t.bytesPerEpoch[pi].Load()
		if budget == 0 {
			return amount, 0
		}
		if amount > budget {
			amount = budget
		}

		total := t.bytesThrough[pi].Add(amount)
		if total <= budget {
			return amount, 0
		}

		now := time.Now()
		t.mu.Lock()
		if !retried && !t.prot.nextRefillTime.Add(refillRaceSlack).Before(now.Add(t.epochPeriod)) {
			// A refill landed between the budget load above and this
			// lock acquisition; our over-budget reading is stale.
			t.mu.Unlock()
			retried = true
			continue
		}
		t.prot.pendingBytes[pi] += amount
		pending := t.prot.pendingBytes[pi]
		nextRefillTime := t.prot.nextRefillTime
		t.mu.Unlock()

		wait = t.epochPeriod * time.Duration(pending/budget)
		switch {
		case nextRefillTime.After(now):
			wait += nextRefillTime.Sub(now)
		case nextRefillTime.Add(t.epochPeriod/2).Before(now):
			// The periodic driver is overdue; self-heal synchronously
			// rather than let this and every other blocked requester
			// wait indefinitely for a tick that hasn't arrived.
			t.Refill()
		}

		if t.observer != nil {
			t.observer(p, wait)
		}
		return amount, wait
	}
}

// Refill rotates the epoch and recalibrates Medium and Low from the
// measured consumption of the tier above them. It is safe to call from
// any goroutine (the periodic driver, or admit's self-heal path). A call
// made while more than half of the current epoch remains is a no-op.
func (t *Throttle) Refill() {
	t.mu.Lock()
	defer t.mu.Unlock()

	limit := t.bytesPerEpoch[priority.High].Load()
	if limit == 0 {
		return
	}

	now := time.Now()
	if t.prot.nextRefillTime.After(now.Add(t.epochPeriod / 2)) {
		// A concurrent refill already ran this epoch.
		return
	}
	t.prot.nextRefillTime = now.Add(t.epochPeriod)

	for _, p := range [...]priority.Priority{priority.High, priority.Medium} {
		pi := int(p)

		consumed := t.bytesThrough[pi].Swap(t.prot.pendingBytes[pi])
		if consumed > limit {
			consumed = limit
		}
		t.prot.pendingBytes[pi] = saturatingSub(t.prot.pendingBytes[pi], limit)

		if avg, emitted := t.prot.estimated[pi].Sample(consumed); emitted {
			if limit > avg {
				limit -= avg
			} else {
				limit = 1 // keep the next tier barely alive rather than starved
			}
			t.bytesPerEpoch[pi-1].Store(limit)
		} else {
			limit = t.bytesPerEpoch[pi-1].Load()
		}
	}

	lowIdx := int(priority.Low)
	t.bytesThrough[lowIdx].Store(t.prot.pendingBytes[lowIdx])
	t.prot.pendingBytes[lowIdx] = saturatingSub(t.prot.pendingBytes[lowIdx], limit)
}

func saturatingSub(a, b uint64) uint64 {
	if a <= b {
		return 0
	}
	return a - b
}

// PendingBytes returns the current pending debt for priority p, for
// tests and the admin status endpoint. It acquires the protected-state
// mutex.
func (t *Throttle) PendingBytes(p priority.Priority) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prot.pendingBytes[int(p)]
}

// NextRefillTime returns the end of the current epoch, for tests and
// status reporting.
func (t *Throttle) NextRefillTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prot.nextRefillTime
}
