// Package estimator implements the fixed-window throughput averager used
// by the priority throttle to calibrate lower tiers from the observed
// consumption of the tier above them.
package estimator

// WindowSize is the number of epoch samples averaged into one estimate.
// At the default 40ms epoch period this yields a piecewise-constant
// estimate updated roughly every 200ms.
const WindowSize = 5

// Throughput is a fixed-window averager over WindowSize epochs. It
// accepts one sample per epoch and emits the arithmetic mean once every
// WindowSize samples, resetting its running sum afterward. The zero value
// is ready to use.
//
// count and sum are uint64 rather than a narrower type so that a
// storage-engine-scale per-epoch sample (bytes admitted in 40ms) cannot
// overflow across the lifetime of a long-running process; this only
// fails if a single sample exceeds UINT_MAX/WindowSize, far beyond any
// realistic epoch byte count.
type Throughput struct {
	count uint64
	sum   uint64
}

// Sample feeds one epoch's observed consumption into the estimator. It
// returns the window average and true on the WindowSize'th, 2*WindowSize'th,
// ... sample; otherwise it returns (0, false) and the sample is merely
// accumulated.
func (t *Throughput) Sample(v uint64) (avg uint64, emitted bool) {
	t.count++
	t.sum += v
	if t.count%WindowSize != 0 {
		return 0, false
	}
	avg = t.sum / WindowSize
	t.sum = 0
	return avg, true
}

// Reset clears the estimator back to its zero value.
func (t *Throughput) Reset() {
	t.count = 0
	t.sum = 0
}
