package lumenerasrc

import "context"

// FrameSource is the contract a pipeline element drives.
//
// Implementations must guarantee:
//   - Produce is called from one goroutine at a time
//   - Stop unblocks a pending Produce (ErrFlushing) and is idempotent
//   - Stats is safe from any goroutine
type FrameSource interface {
	// Start opens the device. Returns ErrDeviceNotFound when absent.
	Start(ctx context.Context) error

	// Caps returns the producible format: a template before Start, the
	// fixed device format after.
	Caps() VideoFormat

	// Negotiate accepts the downstream format and starts acquisition.
	// Returns ErrUnsupportedFormat for anything but RGB at device size.
	Negotiate(req VideoFormat) error

	// Produce blocks until the next frame.
	//
	// Returns ErrEndOfStream after the buffer limit, ErrFlushing after
	// Stop, ErrFrameTimeout when the device stalls.
	Produce(ctx context.Context) (*Frame, error)

	// Stop ends acquisition and closes the device.
	Stop() error

	Stats() Stats
}

// PropertyStore is keyed runtime property access, as used by remote
// control.
type PropertyStore interface {
	SetProperty(name string, value any) error
	Property(name string) (any, error)
	Properties() map[string]any
}

var (
	_ FrameSource   = (*Source)(nil)
	_ PropertyStore = (*Source)(nil)
)
