// Package globalthrottle models the optional process-wide limiter handle
// and the periodic driver that calls its throttle's Refill every epoch.
// This is lifecycle-managed shared state with explicit install/clear
// operations; test configurations should build their own
// *limiter.Limiter rather than mutate this handle.
package globalthrottle

import (
	"sync"
	"time"

	"github.com/flowctl/throttlegate/internal/limiter"
)

// Refiller is the subset of *throttle.Throttle the periodic driver needs.
type Refiller interface {
	Refill()
}

// Handle bundles the façade callers use with the Refiller the periodic
// driver ticks. The two are installed and cleared together so Get never
// returns a Limiter whose throttle nobody is refilling.
type Handle struct {
	Limiter *limiter.Limiter
	Refill  Refiller
}

var (
	mu       sync.Mutex
	instance *Handle
)

// Set installs or clears (nil) the process-wide handle.
func Set(h *Handle) {
	mu.Lock()
	defer mu.Unlock()
	instance = h
}

// Get returns the installed handle, or nil if none is installed. The
// returned pointer is a plain read of the shared reference, taken under
// a short lock.
func Get() *Handle {
	mu.Lock()
	defer mu.Unlock()
	return instance
}

// Driver ticks the installed handle's Refiller every period until Stop is
// called. If no handle is installed at tick time, the tick is a no-op.
type Driver struct {
	period time.Duration

	stop chan struct{}
	done chan struct{}
}

// NewDriver builds a Driver that ticks the process-wide handle installed
// via Set.
func NewDriver(period time.Duration) *Driver {
	return &Driver{
		period: period,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the tick loop in a new goroutine. Call Stop to end it.
func (d *Driver) Start() {
	go d.loop()
}

func (d *Driver) loop() {
	defer close(d.done)
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if h := Get(); h != nil && h.Refill != nil {
				h.Refill.Refill()
			}
		case <-d.stop:
			return
		}
	}
}

// Stop ends the tick loop and waits for it to exit.
func (d *Driver) Stop() {
	close(d.stop)
	<-d.done
}
