package ratelimit

import (
	"sync"
	"time"
)

// numBuckets is the number of time slices a sliding window is divided
// into. Expiry granularity is window/numBuckets.
const numBuckets = 12

// burstFactor scales the admission cap when bursting is allowed.
const burstFactor = 1.5

// slidingWindow counts events over a rolling window using fixed time
// slices. It admits at most max events (or 1.5x with bursting) in any
// window-length interval, up to the bucket granularity.
type slidingWindow struct {
	mu          sync.Mutex
	max         int
	window      time.Duration
	bucketWidth time.Duration
	allowBurst  bool

	counts map[int64]int

	// now is swappable for tests.
	now func() time.Time
}

func newSlidingWindow(max int, window time.Duration, allowBurst bool) *slidingWindow {
	return &slidingWindow{
		max:         max,
		window:      window,
		bucketWidth: window / numBuckets,
		allowBurst:  allowBurst,
		counts:      make(map[int64]int),
		now:         time.Now,
	}
}

func (w *slidingWindow) limit() int {
	if w.allowBurst {
		return int(float64(w.max) * burstFactor)
	}
	return w.max
}

// tryAcquire records one event iff the in-window count is below the
// limit.
func (w *slidingWindow) tryAcquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.pruneLocked()
	if w.sumLocked() >= w.limit() {
		return false
	}
	w.counts[current]++
	return true
}

// count returns the current in-window event count.
func (w *slidingWindow) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return w.sumLocked()
}

// waitTime returns how long until the oldest in-window bucket ages out.
// Zero when the window has room.
func (w *slidingWindow) waitTime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked()
	if w.sumLocked() < w.limit() {
		return 0
	}

	oldest := int64(-1)
	for b := range w.counts {
		if oldest == -1 || b < oldest {
			oldest = b
		}
	}
	expiry := time.Duration(oldest+numBuckets) * w.bucketWidth
	wait := expiry - time.Duration(w.now().UnixNano())
	if wait < 0 {
		wait = 0
	}
	return wait
}

// pruneLocked drops buckets outside the window and returns the current
// bucket index.
func (w *slidingWindow) pruneLocked() int64 {
	current := w.now().UnixNano() / int64(w.bucketWidth)
	for b := range w.counts {
		if b <= current-numBuckets {
			delete(w.counts, b)
		}
	}
	return current
}

func (w *slidingWindow) sumLocked() int {
	n := 0
	for _, c := range w.counts {
		n += c
	}
	return n
}
