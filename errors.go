package lumenerasrc

import (
	"errors"

	"github.com/e7canasta/lucamsrc/internal/device"
)

var (
	// ErrDeviceNotFound is returned by Start when no camera answers at the
	// configured index.
	ErrDeviceNotFound = errors.New("lumenerasrc: device not found")

	// ErrUnsupportedFormat is returned by Negotiate for anything other than
	// RGB at the device's output size.
	ErrUnsupportedFormat = errors.New("lumenerasrc: unsupported format")

	// ErrNotStarted is returned by operations that need an open device.
	ErrNotStarted = errors.New("lumenerasrc: device not started")

	// ErrNotNegotiated is returned by Produce before Negotiate succeeded.
	ErrNotNegotiated = errors.New("lumenerasrc: format not negotiated")

	// ErrEndOfStream is returned by Produce once the configured number of
	// frames has been produced.
	ErrEndOfStream = errors.New("lumenerasrc: end of stream")

	// ErrFlushing is returned by Produce when the session was stopped while
	// waiting for a frame.
	ErrFlushing = errors.New("lumenerasrc: flushing")

	// ErrFrameTimeout is returned by Produce when the device delivered no
	// frame within the frame timeout.
	ErrFrameTimeout = errors.New("lumenerasrc: timed out waiting for frame")

	// ErrInvalidProperty is returned for out-of-range or mistyped property
	// values.
	ErrInvalidProperty = errors.New("lumenerasrc: invalid property value")

	// ErrUnknownProperty is returned by keyed property access for names
	// that are not properties.
	ErrUnknownProperty = errors.New("lumenerasrc: unknown property")

	// ErrReadOnlyProperty is returned when setting a read-only property.
	ErrReadOnlyProperty = errors.New("lumenerasrc: property is read-only")
)

// DeviceCallError is a failed SDK call carrying the SDK error code.
// Property writes that fail with it are logged, not returned.
type DeviceCallError = device.CallError
