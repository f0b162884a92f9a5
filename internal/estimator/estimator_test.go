package estimator

import "testing"

func TestThroughputEmitsOnFifthSample(t *testing.T) {
	var e Throughput
	samples := []uint64{10, 20, 30, 40, 50}
	for i, s := range samples {
		avg, emitted := e.Sample(s)
		if i < WindowSize-1 {
			if emitted {
				t.Fatalf("sample %d: unexpected emission", i)
			}
			continue
		}
		if !emitted {
			t.Fatalf("sample %d: expected emission", i)
		}
		want := uint64(30) // (10+20+30+40+50)/5
		if avg != want {
			t.Fatalf("avg = %d, want %d", avg, want)
		}
	}
}

func TestThroughputResetsAfterEmission(t *testing.T) {
	var e Throughput
	for i := 0; i < WindowSize; i++ {
		e.Sample(100)
	}
	if e.sum != 0 {
		t.Fatalf("sum not reset: %d", e.sum)
	}
	avg, emitted := e.Sample(5)
	if emitted {
		t.Fatalf("unexpected emission on first sample of new window")
	}
	_ = avg
	for i := 0; i < WindowSize-2; i++ {
		e.Sample(5)
	}
	avg, emitted = e.Sample(5)
	if !emitted || avg != 5 {
		t.Fatalf("avg = %d emitted=%v, want 5/true", avg, emitted)
	}
}

func TestThroughputCountAccumulatesAcrossWindows(t *testing.T) {
	var e Throughput
	for i := 0; i < WindowSize*3; i++ {
		e.Sample(1)
	}
	if e.count != WindowSize*3 {
		t.Fatalf("count = %d, want %d", e.count, WindowSize*3)
	}
}
