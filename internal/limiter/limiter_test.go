package limiter

import (
	"testing"
	"time"

	"github.com/flowctl/throttlegate/internal/priority"
	"github.com/flowctl/throttlegate/internal/throttle"
)

func TestReadsAreNeverThrottled(t *testing.T) {
	th := throttle.New(5*time.Millisecond, nil)
	th.SetBytesPerSecond(1) // pathologically small
	l := New(th, WithStatistics())

	got := l.Request(priority.ForegroundWrite, priority.Read, 1_000_000)
	if got != 1_000_000 {
		t.Fatalf("got %d, want full amount for a read", got)
	}
}

func TestWritesGoThroughTheThrottle(t *testing.T) {
	th := throttle.New(10*time.Millisecond, nil)
	th.SetBytesPerSecond(1000) // 10 bytes/epoch
	l := New(th, WithStatistics())

	got := l.Request(priority.ForegroundWrite, priority.Write, 1_000_000)
	if got != th.BytesPerEpoch(priority.High) {
		t.Fatalf("got %d, want clamp to epoch budget %d", got, th.BytesPerEpoch(priority.High))
	}
}

func TestStatisticsRecordGrantedNotRequested(t *testing.T) {
	th := throttle.New(10*time.Millisecond, nil)
	th.SetBytesPerSecond(1000)
	l := New(th, WithStatistics())

	l.Request(priority.Compaction, priority.Write, 1_000_000)
	got := l.Statistics().Fetch(priority.Compaction, priority.Write)
	if got != th.BytesPerEpoch(priority.High) {
		t.Fatalf("recorded %d, want clamped grant %d", got, th.BytesPerEpoch(priority.High))
	}
}

func TestStatisticsDisabledByDefault(t *testing.T) {
	th := throttle.New(10*time.Millisecond, nil)
	l := New(th)
	if l.Statistics() != nil {
		t.Fatalf("expected nil statistics sink without WithStatistics")
	}
}

func TestSetIOPriorityChangesRouting(t *testing.T) {
	th := throttle.New(10*time.Millisecond, nil)
	th.SetBytesPerSecond(100000)
	l := New(th)

	l.SetIOPriority(priority.Import, priority.Low)
	if got := l.priorityFor(priority.Import); got != priority.Low {
		t.Fatalf("priority = %v, want Low", got)
	}
	if got := l.priorityFor(priority.ForegroundWrite); got != priority.High {
		t.Fatalf("default priority = %v, want High", got)
	}
}

func TestAsyncRequestDeliversGrantedBytes(t *testing.T) {
	th := throttle.New(5*time.Millisecond, nil)
	th.SetBytesPerSecond(10)
	l := New(th, WithStatistics())

	ch := l.AsyncRequest(priority.ForegroundWrite, priority.Write, 1000)
	select {
	case got := <-ch:
		if got == 0 {
			t.Fatalf("expected positive grant")
		}
		if got != l.Statistics().Fetch(priority.ForegroundWrite, priority.Write) {
			t.Fatalf("stats not yet recorded when channel fired")
		}
	case <-time.After(time.Second):
		t.Fatal("async request never completed")
	}
}
