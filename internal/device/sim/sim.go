// Package sim provides a simulated Lumenera-class colour camera.
//
// The simulated sensor produces 8-bit Bayer (RGGB) frames of a moving
// gradient scene with a warm colour cast, so white balance has something
// to correct. Frames are emitted on an internal goroutine at the rate the
// real sensor would reach: one frame per exposure, capped by the selected
// frame rate. Property writes are clamped to device ranges like the SDK
// does.
//
// Tests can switch to manual mode and emit frames with Trigger, inject SDK
// failures per operation, and drive the frame timer with a mock clock.
package sim

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/e7canasta/lucamsrc/internal/device"
)

// SDK error codes reported by the simulator.
const (
	CodeNotOpen      uint32 = 1
	CodeInvalidParam uint32 = 2
	CodeBusy         uint32 = 3
	CodeInjected     uint32 = 99
)

// Config configures the simulated camera bus.
type Config struct {
	// Cameras is the number of attached cameras. Zero means none.
	Cameras int

	Width  int
	Height int

	// FrameRates are the selectable frame rates, ascending.
	FrameRates []float64

	// Manual disables the frame timer; frames are emitted by Trigger.
	Manual bool

	// Clock drives the frame timer. Defaults to the wall clock.
	Clock clock.Clock

	// Fail maps operation names (e.g. "StartStreaming") to the SDK
	// error code they should fail with.
	Fail map[string]uint32
}

// DefaultConfig returns one attached 640x480 camera.
func DefaultConfig() Config {
	return Config{
		Cameras:    1,
		Width:      640,
		Height:     480,
		FrameRates: []float64{7.5, 15, 30, 60},
	}
}

// Driver is a simulated camera bus. It implements device.Driver.
type Driver struct {
	cfg Config

	mu     sync.Mutex
	opened map[int]*Camera
	fail   map[string]uint32
}

// New creates a simulated bus. Missing config fields take DefaultConfig
// values, except Cameras.
func New(cfg Config) *Driver {
	def := DefaultConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if len(cfg.FrameRates) == 0 {
		cfg.FrameRates = def.FrameRates
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	fail := make(map[string]uint32, len(cfg.Fail))
	for op, code := range cfg.Fail {
		fail[op] = code
	}

	return &Driver{
		cfg:    cfg,
		opened: make(map[int]*Camera),
		fail:   fail,
	}
}

// SetFailure makes op fail with code on every open camera and on future
// opens. A zero code clears the failure.
func (d *Driver) SetFailure(op string, code uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code == 0 {
		delete(d.fail, op)
		return
	}
	d.fail[op] = code
}

func (d *Driver) failure(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if code, ok := d.fail[op]; ok {
		return &device.CallError{Op: op, Code: code}
	}
	return nil
}

// Open implements device.Driver.
func (d *Driver) Open(index int) (device.Camera, error) {
	if err := d.failure("Open"); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 1 || index > d.cfg.Cameras {
		return nil, fmt.Errorf("sim: open camera %d: %w", index, device.ErrNotFound)
	}
	if _, busy := d.opened[index]; busy {
		return nil, &device.CallError{Op: "Open", Code: CodeBusy}
	}

	cam := newCamera(d, index)
	d.opened[index] = cam

	slog.Debug("sim: camera opened",
		"index", index,
		"width", d.cfg.Width,
		"height", d.cfg.Height,
	)
	return cam, nil
}

// Camera returns the open camera at index, or nil.
func (d *Driver) Camera(index int) *Camera {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened[index]
}

func (d *Driver) release(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.opened, index)
}

// frameInterval is the sensor readout period for an exposure and a frame
// rate: the slower of the two wins.
func frameInterval(exposureMS, frameRate float64) time.Duration {
	exposure := time.Duration(exposureMS * float64(time.Millisecond))
	period := time.Duration(float64(time.Second) / frameRate)
	if exposure > period {
		return exposure
	}
	return period
}
