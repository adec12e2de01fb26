package sim

import (
	"fmt"
	"sort"
	"sync"

	"github.com/e7canasta/lucamsrc/internal/device"
)

// Camera is an open simulated camera. It implements device.Camera.
type Camera struct {
	drv   *Driver
	index int

	mu        sync.Mutex
	closed    bool
	props     map[device.PropertyID]float64
	ranges    map[device.PropertyID]device.Range
	format    device.FrameFormat
	frameRate float64

	streaming bool
	stop      chan struct{}
	wg        sync.WaitGroup

	callbacks map[device.CallbackID]device.FrameFunc
	nextID    device.CallbackID

	seq     uint64
	lastRaw []byte
	digital [3]float64 // residual per-channel gains from digital white balance

	gpoSelect  byte
	gpioConfig byte
	calls      []string
}

func newCamera(d *Driver, index int) *Camera {
	ranges := map[device.PropertyID]device.Range{
		device.PropExposure:         {Min: 0.01, Max: 2000, Default: 10},
		device.PropGain:             {Min: 0, Max: 7.75, Default: 1},
		device.PropGainRed:          {Min: 1, Max: 3.984375, Default: 1},
		device.PropGainGreen1:       {Min: 1, Max: 3.984375, Default: 1},
		device.PropGainGreen2:       {Min: 1, Max: 3.984375, Default: 1},
		device.PropGainBlue:         {Min: 1, Max: 3.984375, Default: 1},
		device.PropFlippingX:        {Min: 0, Max: 1, Default: 0},
		device.PropFlippingY:        {Min: 0, Max: 1, Default: 0},
		device.PropTapConfiguration: {Min: 0, Max: 1, Default: 0},
	}
	props := make(map[device.PropertyID]float64, len(ranges))
	for id, r := range ranges {
		props[id] = r.Default
	}

	rates := append([]float64(nil), d.cfg.FrameRates...)
	sort.Float64s(rates)

	return &Camera{
		drv:    d,
		index:  index,
		props:  props,
		ranges: ranges,
		format: device.FrameFormat{
			Width:       d.cfg.Width,
			Height:      d.cfg.Height,
			PixelFormat: device.PixelFormat8,
			SubSampleX:  1,
			SubSampleY:  1,
		},
		frameRate: rates[len(rates)-1],
		callbacks: make(map[device.CallbackID]device.FrameFunc),
		digital:   [3]float64{1, 1, 1},
	}
}

// enter records the call and checks the handle and injected failures.
// Caller holds c.mu.
func (c *Camera) enter(op string) error {
	c.calls = append(c.calls, op)
	if c.closed {
		return &device.CallError{Op: op, Code: CodeNotOpen}
	}
	return c.drv.failure(op)
}

// Calls returns the SDK operations invoked on this camera, in order.
func (c *Camera) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Streaming reports whether the sensor is streaming.
func (c *Camera) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Callbacks returns the number of registered streaming callbacks.
func (c *Camera) Callbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callbacks)
}

// GPO returns the last GPO select and GPIO configuration masks.
func (c *Camera) GPO() (selectMask, outputMask byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gpoSelect, c.gpioConfig
}

// Close implements device.Camera.
func (c *Camera) Close() error {
	c.mu.Lock()
	if err := c.enter("Close"); err != nil {
		c.mu.Unlock()
		return err
	}
	c.closed = true
	stop := c.stopLocked()
	c.callbacks = map[device.CallbackID]device.FrameFunc{}
	c.mu.Unlock()

	stop()
	c.drv.release(c.index)
	return nil
}

// PropertyRange implements device.Camera.
func (c *Camera) PropertyRange(id device.PropertyID) (device.Range, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("PropertyRange"); err != nil {
		return device.Range{}, err
	}
	r, ok := c.ranges[id]
	if !ok {
		return device.Range{}, &device.CallError{Op: "PropertyRange", Code: CodeInvalidParam}
	}
	return r, nil
}

// Property implements device.Camera.
func (c *Camera) Property(id device.PropertyID) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("Property"); err != nil {
		return 0, err
	}
	v, ok := c.props[id]
	if !ok {
		return 0, &device.CallError{Op: "Property", Code: CodeInvalidParam}
	}
	return v, nil
}

// SetProperty implements device.Camera. Values are clamped to the property
// range.
func (c *Camera) SetProperty(id device.PropertyID, value float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("SetProperty"); err != nil {
		return err
	}
	r, ok := c.ranges[id]
	if !ok {
		return &device.CallError{Op: "SetProperty", Code: CodeInvalidParam}
	}
	c.props[id] = r.Clamp(value)
	c.calls[len(c.calls)-1] = fmt.Sprintf("SetProperty(%s)", id)
	return nil
}

// FrameRates implements device.Camera.
func (c *Camera) FrameRates() ([]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("FrameRates"); err != nil {
		return nil, err
	}
	rates := append([]float64(nil), c.drv.cfg.FrameRates...)
	sort.Float64s(rates)
	return rates, nil
}

// VideoImageFormat implements device.Camera.
func (c *Camera) VideoImageFormat() (device.ImageFormat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("VideoImageFormat"); err != nil {
		return device.ImageFormat{}, err
	}
	return device.ImageFormat{
		Width:       c.format.Width,
		Height:      c.format.Height,
		PixelFormat: c.format.PixelFormat,
		ImageSize:   c.format.Width * c.format.Height,
	}, nil
}

// Format implements device.Camera.
func (c *Camera) Format() (device.FrameFormat, float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("Format"); err != nil {
		return device.FrameFormat{}, 0, err
	}
	return c.format, c.frameRate, nil
}

// SetFormat implements device.Camera. The simulated sensor only supports
// its full frame; the frame rate snaps to the nearest supported rate not
// above the request.
func (c *Camera) SetFormat(f device.FrameFormat, frameRate float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("SetFormat"); err != nil {
		return err
	}
	if f.Width != c.format.Width || f.Height != c.format.Height {
		return &device.CallError{Op: "SetFormat", Code: CodeInvalidParam}
	}

	rates := append([]float64(nil), c.drv.cfg.FrameRates...)
	sort.Float64s(rates)
	selected := rates[0]
	for _, r := range rates {
		if r <= frameRate {
			selected = r
		}
	}
	c.frameRate = selected
	return nil
}

// AddStreamingCallback implements device.Camera.
func (c *Camera) AddStreamingCallback(fn device.FrameFunc) (device.CallbackID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("AddStreamingCallback"); err != nil {
		return -1, err
	}
	c.nextID++
	c.callbacks[c.nextID] = fn
	return c.nextID, nil
}

// RemoveStreamingCallback implements device.Camera.
func (c *Camera) RemoveStreamingCallback(id device.CallbackID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("RemoveStreamingCallback"); err != nil {
		return err
	}
	if _, ok := c.callbacks[id]; !ok {
		return &device.CallError{Op: "RemoveStreamingCallback", Code: CodeInvalidParam}
	}
	delete(c.callbacks, id)
	return nil
}

// ConfigureGPO implements device.Camera.
func (c *Camera) ConfigureGPO(selectMask, outputMask byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter("ConfigureGPO"); err != nil {
		return err
	}
	c.gpoSelect = selectMask
	c.gpioConfig = outputMask
	return nil
}

var _ device.Camera = (*Camera)(nil)
