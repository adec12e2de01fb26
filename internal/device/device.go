// Package device defines the contract between the source element and the
// camera vendor SDK.
//
// The SDK is treated as opaque: it opens a camera by index, exposes
// numbered float properties with ranges, streams raw sensor frames to a
// registered callback on its own thread, and converts a raw frame into
// packed 24-bit RGB. Implementations live in subpackages (sim for a
// simulated sensor, lucam for the Lumenera USB3 SDK).
package device

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Driver.Open when no camera answers at the
// requested index.
var ErrNotFound = errors.New("device: camera not found")

// CallError reports a failed SDK call together with the SDK error code.
type CallError struct {
	Op   string
	Code uint32
}

func (e *CallError) Error() string {
	return fmt.Sprintf("device: %s call failed with: %d", e.Op, e.Code)
}

// PropertyID identifies a camera property.
type PropertyID int

const (
	PropExposure PropertyID = iota
	PropGain
	PropGainRed
	PropGainGreen1
	PropGainGreen2
	PropGainBlue
	PropFlippingX
	PropFlippingY
	PropTapConfiguration
)

var propertyNames = map[PropertyID]string{
	PropExposure:         "exposure",
	PropGain:             "gain",
	PropGainRed:          "gain_red",
	PropGainGreen1:       "gain_green1",
	PropGainGreen2:       "gain_green2",
	PropGainBlue:         "gain_blue",
	PropFlippingX:        "flipping_x",
	PropFlippingY:        "flipping_y",
	PropTapConfiguration: "tap_configuration",
}

func (p PropertyID) String() string {
	if n, ok := propertyNames[p]; ok {
		return n
	}
	return fmt.Sprintf("property(%d)", int(p))
}

// Tap configurations for PropTapConfiguration.
const (
	TapSingle float64 = 0
	TapDual   float64 = 1
)

// Range is the device-reported range of a property.
type Range struct {
	Min     float64
	Max     float64
	Default float64
}

// Clamp bounds v to [Min, Max].
func (r Range) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// PixelFormat is the raw sensor pixel format.
type PixelFormat int

const (
	PixelFormat8 PixelFormat = iota
	PixelFormat16
	PixelFormat24
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormat8:
		return "PF_8"
	case PixelFormat16:
		return "PF_16"
	case PixelFormat24:
		return "PF_24"
	default:
		return fmt.Sprintf("PF(%d)", int(p))
	}
}

// OutputBitsPerPixel returns the bits per pixel of the RGB image produced
// from a raw frame of this format, or 0 for an unknown format.
func (p PixelFormat) OutputBitsPerPixel() int {
	switch p {
	case PixelFormat8, PixelFormat24:
		return 24
	case PixelFormat16:
		return 48
	default:
		return 0
	}
}

// ImageFormat describes raw frames delivered by the streaming callback.
type ImageFormat struct {
	Width       int
	Height      int
	PixelFormat PixelFormat
	ImageSize   int // bytes per raw frame
}

// FrameFormat is the sensor readout window.
type FrameFormat struct {
	XOffset     int
	YOffset     int
	Width       int
	Height      int
	PixelFormat PixelFormat
	SubSampleX  int
	SubSampleY  int
}

// Demosaic methods for ConversionParams.
const (
	DemosaicFast = iota
	DemosaicHighQuality
)

// ConversionParams controls raw to RGB24 conversion.
type ConversionParams struct {
	DemosaicMethod      int
	CorrectionMatrix    bool
	FlipX               bool
	FlipY               bool
	Hue                 float64
	Saturation          float64
	UseColorGainsOverWB bool
	DigitalGainRed      float64
	DigitalGainGreen    float64
	DigitalGainBlue     float64
}

// FrameFunc receives one raw frame on the SDK streaming thread. The slice
// is only valid for the duration of the call.
type FrameFunc func(raw []byte)

// CallbackID identifies a registered streaming callback.
type CallbackID int

// Driver opens cameras.
type Driver interface {
	// Open opens the camera at index (1-based, as the SDK counts).
	// Returns ErrNotFound if no camera is present.
	Open(index int) (Camera, error)
}

// Camera is an open camera handle.
//
// Methods other than the streaming callback are called from the element's
// threads; implementations serialize SDK access as needed.
type Camera interface {
	Close() error

	PropertyRange(id PropertyID) (Range, error)
	Property(id PropertyID) (float64, error)
	SetProperty(id PropertyID, value float64) error

	// FrameRates lists the frame rates supported at the current format,
	// in ascending order.
	FrameRates() ([]float64, error)
	VideoImageFormat() (ImageFormat, error)
	Format() (FrameFormat, float64, error)
	SetFormat(f FrameFormat, frameRate float64) error

	StartStreaming() error
	StopStreaming() error
	AddStreamingCallback(fn FrameFunc) (CallbackID, error)
	RemoveStreamingCallback(id CallbackID) error

	// ConvertToRGB24 converts raw into dst (Width*Height*3 bytes).
	ConvertToRGB24(dst, raw []byte, f ImageFormat, p ConversionParams) error

	OneShotAutoWhiteBalance(x, y, width, height int) error
	DigitalWhiteBalance(x, y, width, height int) error

	// ConfigureGPO selects GPO functions and configures GPIO directions.
	ConfigureGPO(selectMask, outputMask byte) error
}
