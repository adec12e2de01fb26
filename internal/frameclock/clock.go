// Package frameclock derives per-frame timestamps for a live camera whose
// frame rate is bounded by its exposure time.
//
// The sensor cannot deliver frames faster than one per exposure, and the
// USB link caps the rate at a configured maximum. The effective rate is
// therefore min(1000/exposure_ms, max_fps), and every produced frame
// advances the stream time by exactly one frame duration.
package frameclock

import (
	"math"
	"sync"
	"time"
)

// EffectiveFrameRate returns min(1000/exposureMS, maxFrameRate) in frames
// per second.
func EffectiveFrameRate(exposureMS, maxFrameRate float64) float64 {
	if exposureMS <= 0 {
		return maxFrameRate
	}
	return math.Min(1e3/exposureMS, maxFrameRate)
}

// FrameDuration returns the duration of one frame at fps.
func FrameDuration(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(1e9 / fps)
}

// Stamp carries the timing metadata of one produced frame.
type Stamp struct {
	PTS       time.Duration // stream time of the frame
	Duration  time.Duration
	Offset    uint64 // frame index
	OffsetEnd uint64 // Offset + 1
}

// Clock tracks exposure, frame rate and stream position for one session.
//
// Thread-safety: all methods are safe for concurrent use. Exposure changes
// arrive from property setters while Tick runs on the streaming thread.
type Clock struct {
	mu sync.Mutex

	exposureMS   float64
	maxFrameRate float64
	frameRate    float64
	duration     time.Duration

	last  time.Duration
	count uint64
	limit uint64
}

// New returns a clock for the given exposure and frame-rate ceiling.
func New(exposureMS, maxFrameRate float64) *Clock {
	c := &Clock{
		exposureMS:   exposureMS,
		maxFrameRate: maxFrameRate,
	}
	c.recompute()
	return c
}

func (c *Clock) recompute() {
	c.frameRate = EffectiveFrameRate(c.exposureMS, c.maxFrameRate)
	c.duration = FrameDuration(c.frameRate)
}

// SetExposure records the exposure actually applied by the device and
// recomputes the effective rate and frame duration.
func (c *Clock) SetExposure(exposureMS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exposureMS = exposureMS
	c.recompute()
}

// SetMaxFrameRate changes the frame-rate ceiling.
func (c *Clock) SetMaxFrameRate(fps float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxFrameRate = fps
	c.recompute()
}

// SetLimit sets the number of frames after which Done reports true.
// Zero means unlimited.
func (c *Clock) SetLimit(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = n
}

// Tick advances the stream by one frame and returns its stamp.
// The first frame is stamped at one frame duration, not zero.
func (c *Clock) Tick() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last += c.duration
	s := Stamp{
		PTS:       c.last,
		Duration:  c.duration,
		Offset:    c.count,
		OffsetEnd: c.count + 1,
	}
	c.count++
	return s
}

// Done reports whether the frame limit has been reached.
func (c *Clock) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit > 0 && c.count >= c.limit
}

// Reset rewinds the stream position. Exposure, ceiling and limit are kept.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = 0
	c.count = 0
}

// Snapshot is a consistent copy of the clock state.
type Snapshot struct {
	ExposureMS   float64
	MaxFrameRate float64
	FrameRate    float64
	Duration     time.Duration
	Last         time.Duration
	Count        uint64
	Limit        uint64
}

// Snapshot returns the current clock state.
func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ExposureMS:   c.exposureMS,
		MaxFrameRate: c.maxFrameRate,
		FrameRate:    c.frameRate,
		Duration:     c.duration,
		Last:         c.last,
		Count:        c.count,
		Limit:        c.limit,
	}
}
