// Package fpsstats measures the delivered frame rate of a live source over
// a rolling window of recent frame arrival times.
package fpsstats

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of the mean. 25 FPS mean → stable if stddev < 3.75 FPS.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the nominal frame interval. 40ms interval → stable if jitter < 8ms.
	jitterStabilityThreshold = 0.20
)

// Stats summarises frame arrival timing.
type Stats struct {
	Frames     int
	Span       time.Duration // first to last arrival in the window
	FPSMean    float64
	FPSStdDev  float64
	FPSMin     float64
	FPSMax     float64
	JitterMean time.Duration // mean |interval - nominal|
	JitterMax  time.Duration
	IsStable   bool
}

// Compute derives statistics from arrival times. Jitter is measured against
// nominal, the frame duration the source advertises. When nominal is zero
// the mean interval is used instead.
//
// Stable means FPS stddev < 15% of mean AND mean jitter < 20% of the
// expected interval.
func Compute(arrivals []time.Time, nominal time.Duration) Stats {
	n := len(arrivals)
	if n < 2 {
		return Stats{Frames: n}
	}

	span := arrivals[n-1].Sub(arrivals[0])
	if span <= 0 {
		return Stats{Frames: n}
	}
	fpsMean := float64(n-1) / span.Seconds()

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := arrivals[i].Sub(arrivals[i-1]).Seconds(); d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return Stats{Frames: n, Span: span, FPSMean: fpsMean}
	}

	fpsMin, fpsMax := math.Inf(1), 0.0
	var sumSquares float64
	for _, d := range intervals {
		fps := 1 / d
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(intervals)))

	expected := nominal.Seconds()
	if expected <= 0 {
		expected = 1 / fpsMean
	}
	var jitterSum, jitterMax float64
	for _, d := range intervals {
		j := math.Abs(d - expected)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(intervals))

	return Stats{
		Frames:     n,
		Span:       span,
		FPSMean:    fpsMean,
		FPSStdDev:  fpsStdDev,
		FPSMin:     fpsMin,
		FPSMax:     fpsMax,
		JitterMean: seconds(jitterMean),
		JitterMax:  seconds(jitterMax),
		IsStable: fpsStdDev < fpsMean*fpsStabilityThreshold &&
			jitterMean < expected*jitterStabilityThreshold,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Window keeps the most recent arrival times in a ring.
//
// Thread-safety: safe for concurrent use.
type Window struct {
	mu   sync.Mutex
	ring []time.Time
	next int
	full bool
}

// NewWindow returns a window holding up to size arrivals.
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{ring: make([]time.Time, size)}
}

// Record adds an arrival time.
func (w *Window) Record(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ring[w.next] = t
	w.next = (w.next + 1) % len(w.ring)
	if w.next == 0 {
		w.full = true
	}
}

// Arrivals returns the recorded times, oldest first.
func (w *Window) Arrivals() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		return append([]time.Time(nil), w.ring[:w.next]...)
	}
	out := make([]time.Time, 0, len(w.ring))
	out = append(out, w.ring[w.next:]...)
	return append(out, w.ring[:w.next]...)
}

// Stats computes statistics over the current window.
func (w *Window) Stats(nominal time.Duration) Stats {
	return Compute(w.Arrivals(), nominal)
}

// Reset clears the window.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.ring)
	w.next = 0
	w.full = false
}
