package globalthrottle

import (
	"testing"
	"time"

	"github.com/flowctl/throttlegate/internal/limiter"
	"github.com/flowctl/throttlegate/internal/priority"
	"github.com/flowctl/throttlegate/internal/throttle"
)

func TestGetReturnsNilBeforeSet(t *testing.T) {
	Set(nil)
	if Get() != nil {
		t.Fatalf("expected nil handle before Set")
	}
}

func TestSetAndGetRoundTrip(t *testing.T) {
	th := throttle.New(5*time.Millisecond, nil)
	l := limiter.New(th)
	h := &Handle{Limiter: l, Refill: th}
	Set(h)
	defer Set(nil)

	if Get() != h {
		t.Fatalf("Get did not return the installed handle")
	}
}

func TestDriverTicksInstalledRefiller(t *testing.T) {
	th := throttle.New(5*time.Millisecond, nil)
	th.SetBytesPerSecond(1000)
	l := limiter.New(th)
	Set(&Handle{Limiter: l, Refill: th})
	defer Set(nil)

	before := th.NextRefillTime()
	d := NewDriver(5 * time.Millisecond)
	d.Start()
	time.Sleep(20 * time.Millisecond)
	d.Stop()

	if !th.NextRefillTime().After(before) {
		t.Fatalf("expected driver ticks to advance the epoch boundary")
	}
}

func TestDriverNoopWithoutInstalledHandle(t *testing.T) {
	Set(nil)
	d := NewDriver(5 * time.Millisecond)
	d.Start()
	time.Sleep(15 * time.Millisecond)
	d.Stop() // must not panic or block
}

func TestRequestStillWorksThroughInstalledHandle(t *testing.T) {
	th := throttle.New(5*time.Millisecond, nil)
	th.SetBytesPerSecond(1_000_000)
	l := limiter.New(th, limiter.WithStatistics())
	Set(&Handle{Limiter: l, Refill: th})
	defer Set(nil)

	got := Get().Limiter.Request(priority.ForegroundWrite, priority.Write, 10)
	if got != 10 {
		t.Fatalf("got %d, want 10", got)
	}
}
