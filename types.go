package lumenerasrc

import (
	"fmt"
	"time"

	"github.com/e7canasta/lucamsrc/internal/device"
)

// Driver opens cameras. See internal/device for the SDK contract.
type Driver = device.Driver

// Camera is an open camera handle.
type Camera = device.Camera

// Frame is one produced RGB video buffer.
type Frame struct {
	// Data holds Height rows of Stride bytes, packed RGB.
	Data   []byte
	Width  int
	Height int
	Stride int

	// PTS is the stream time of the frame. The first frame of a session is
	// stamped at one frame duration.
	PTS      time.Duration
	Duration time.Duration

	// Offset is the frame index in the session; OffsetEnd = Offset + 1.
	Offset    uint64
	OffsetEnd uint64

	CapturedAt time.Time
	TraceID    string // per-frame UUID for log correlation
}

// PixelFormatRGB is the only output format: packed 8-bit R, G, B.
const PixelFormatRGB = "RGB"

// VideoFormat describes raw video caps. Zero Width/Height mean any size.
type VideoFormat struct {
	Format string
	Width  int
	Height int

	// Stride is the output row size in bytes. Zero selects the default RGB
	// stride (row bytes rounded up to a multiple of 4).
	Stride int

	// FramerateNum/FramerateDen is the nominal frame rate. 0/1 means
	// variable: the rate follows exposure.
	FramerateNum int
	FramerateDen int
}

// DefaultStride returns the default row stride for RGB at width.
func DefaultStride(width int) int {
	return (width*3 + 3) &^ 3
}

// IsFixed reports whether the format names a concrete size.
func (f VideoFormat) IsFixed() bool {
	return f.Width > 0 && f.Height > 0
}

// String renders the format as GStreamer caps.
func (f VideoFormat) String() string {
	format := f.Format
	if format == "" {
		format = PixelFormatRGB
	}
	if !f.IsFixed() {
		return fmt.Sprintf("video/x-raw, format=(string)%s, width=(int)[ 1, 2147483647 ], "+
			"height=(int)[ 1, 2147483647 ], framerate=(fraction)[ 0/1, 2147483647/1 ]", format)
	}
	den := f.FramerateDen
	if den == 0 {
		den = 1
	}
	return fmt.Sprintf("video/x-raw, format=(string)%s, width=(int)%d, height=(int)%d, "+
		"framerate=(fraction)%d/%d, interlace-mode=(string)progressive",
		format, f.Width, f.Height, f.FramerateNum, den)
}

// Intersect narrows f by filter. It reports false when they cannot both
// hold (different pixel format or size).
func (f VideoFormat) Intersect(filter VideoFormat) (VideoFormat, bool) {
	out := f
	if filter.Format != "" {
		if f.Format != "" && f.Format != filter.Format {
			return VideoFormat{}, false
		}
		out.Format = filter.Format
	}
	if filter.Width > 0 {
		if f.Width > 0 && f.Width != filter.Width {
			return VideoFormat{}, false
		}
		out.Width = filter.Width
	}
	if filter.Height > 0 {
		if f.Height > 0 && f.Height != filter.Height {
			return VideoFormat{}, false
		}
		out.Height = filter.Height
	}
	return out, true
}

// WhiteBalanceMode selects how colour gains are maintained.
type WhiteBalanceMode int

const (
	// WhiteBalanceDisabled leaves colour gains as set.
	WhiteBalanceDisabled WhiteBalanceMode = iota
	// WhiteBalanceOneShot runs the camera white balance routine once.
	WhiteBalanceOneShot
	// WhiteBalanceAuto repeats the one-shot routine while streaming.
	WhiteBalanceAuto
)

var whiteBalanceNames = []string{"disabled", "oneshot", "auto"}

func (m WhiteBalanceMode) String() string {
	if m < 0 || int(m) >= len(whiteBalanceNames) {
		return fmt.Sprintf("whitebalance(%d)", int(m))
	}
	return whiteBalanceNames[m]
}

// ParseWhiteBalanceMode parses "disabled", "oneshot" (or "one-shot") and
// "auto".
func ParseWhiteBalanceMode(s string) (WhiteBalanceMode, error) {
	switch s {
	case "disabled", "":
		return WhiteBalanceDisabled, nil
	case "oneshot", "one-shot":
		return WhiteBalanceOneShot, nil
	case "auto":
		return WhiteBalanceAuto, nil
	default:
		return 0, fmt.Errorf("%w: whitebalance %q (want disabled, oneshot or auto)", ErrInvalidProperty, s)
	}
}

// Stats is a snapshot of source activity.
type Stats struct {
	SessionID     string
	DevicePresent bool
	Streaming     bool

	FramesProduced  uint64
	FramesDelivered uint64 // written into the slot by the device callback
	FramesDropped   uint64 // arrived while the consumer held the slot
	Timeouts        uint64

	EffectiveFrameRate float64
	FrameDuration      time.Duration
	LastTimestamp      time.Duration

	// Measured over recent frames.
	FPSReal    float64
	FPSStdDev  float64
	JitterMean time.Duration
	IsStable   bool
}
