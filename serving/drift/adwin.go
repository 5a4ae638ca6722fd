// Package drift watches the stream of served probabilities for shifts in their mean.
//
// Detection uses ADWIN (Bifet and Gavalda, 2007, "Learning from time-changing data with
// adaptive windowing"): the window is cut whenever two of its sub-windows have means that
// differ by more than a Hoeffding bound.
package drift

import (
	"math"
	"sync"
)

// ADWIN is an adaptive window over a stream of values in [0, 1].
//
// Values are grouped into fixed-size buckets and cut points are only tested at bucket
// boundaries, so the cost of an update is O(buckets).
type ADWIN struct {
	delta      float64
	bucketSize int
	maxBuckets int

	buckets []bucket // oldest first; the last one may be partial
	sum     float64
	count   int

	mu sync.RWMutex
}

type bucket struct {
	sum   float64
	count int
}

// ADWINOption configures an ADWIN.
type ADWINOption func(*ADWIN)

// WithDelta sets the confidence parameter. Smaller values detect fewer, larger shifts.
func WithDelta(delta float64) ADWINOption {
	return func(a *ADWIN) {
		if delta > 0 && delta < 1 {
			a.delta = delta
		}
	}
}

// WithBucketSize sets how many values share a bucket.
func WithBucketSize(n int) ADWINOption {
	return func(a *ADWIN) {
		if n > 0 {
			a.bucketSize = n
		}
	}
}

// WithMaxBuckets bounds the window to n buckets; older buckets are forgotten.
func WithMaxBuckets(n int) ADWINOption {
	return func(a *ADWIN) {
		if n > 1 {
			a.maxBuckets = n
		}
	}
}

// NewADWIN creates an empty window.
func NewADWIN(options ...ADWINOption) *ADWIN {
	a := &ADWIN{
		delta:      0.002,
		bucketSize: 32,
		maxBuckets: 256,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// Update adds v and reports whether the window was cut because its mean shifted.
func (a *ADWIN) Update(v float64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.buckets); n == 0 || a.buckets[n-1].count == a.bucketSize {
		a.buckets = append(a.buckets, bucket{})
	}
	last := &a.buckets[len(a.buckets)-1]
	last.sum += v
	last.count++
	a.sum += v
	a.count++

	if len(a.buckets) > a.maxBuckets {
		a.sum -= a.buckets[0].sum
		a.count -= a.buckets[0].count
		a.buckets = a.buckets[1:]
	}
	if last.count != a.bucketSize {
		return false
	}
	return a.cut()
}

// cut drops the oldest buckets up to the first split whose sub-window means differ by more
// than the Hoeffding bound.
func (a *ADWIN) cut() bool {
	if len(a.buckets) < 2 {
		return false
	}
	sum0, n0 := 0.0, 0
	for i := 1; i < len(a.buckets); i++ {
		sum0 += a.buckets[i-1].sum
		n0 += a.buckets[i-1].count
		n1 := a.count - n0
		if n1 <= 0 {
			break
		}
		mean0 := sum0 / float64(n0)
		mean1 := (a.sum - sum0) / float64(n1)
		if math.Abs(mean0-mean1) > a.bound(n0, n1) {
			a.buckets = append([]bucket(nil), a.buckets[i:]...)
			a.sum -= sum0
			a.count -= n0
			return true
		}
	}
	return false
}

func (a *ADWIN) bound(n0, n1 int) float64 {
	m := 1/float64(n0) + 1/float64(n1)
	return math.Sqrt(0.5 * m * math.Log(2/a.delta))
}

// Mean returns the mean of the current window.
func (a *ADWIN) Mean() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.count == 0 {
		return 0
	}
	return a.sum / float64(a.count)
}

// Width returns the number of values in the current window.
func (a *ADWIN) Width() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.count
}

// Reset empties the window.
func (a *ADWIN) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buckets = nil
	a.sum = 0
	a.count = 0
}
