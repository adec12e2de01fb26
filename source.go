package lumenerasrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/e7canasta/lucamsrc/internal/device"
	"github.com/e7canasta/lucamsrc/internal/fpsstats"
	"github.com/e7canasta/lucamsrc/internal/frameclock"
	"github.com/e7canasta/lucamsrc/internal/handoff"
)

// Source is a live RGB video source backed by one camera.
//
// Lifecycle:
//
//	Start → Caps → Negotiate → Produce... → Stop
//
// A Source can be started again after Stop. Produce runs on one streaming
// goroutine; property accessors, Stats and Stop may be called from any
// goroutine.
type Source struct {
	cfg Config
	drv device.Driver
	clk clock.Clock

	mu     sync.Mutex
	cam    device.Camera // nil when no session is open
	sess   session
	props  properties
	stream *stream // non-nil once negotiated

	frameClock *frameclock.Clock
	window     *fpsstats.Window

	wbMu   sync.Mutex // serializes white balance runs
	autoWB context.CancelFunc
	autoWG sync.WaitGroup

	produced atomic.Uint64
	timeouts atomic.Uint64
	dropLog  rate.Sometimes

	// slot counters of the last stopped stream
	lastDelivered uint64
	lastDropped   uint64
}

// session is what Start learns about the open camera.
type session struct {
	id string

	image device.ImageFormat
	frame device.FrameFormat

	width         int
	height        int
	pitch         int // bytes per converted RGB row
	bitsPerPixel  int
	bytesPerPixel int
	imageSize     int

	exposure      device.Range
	gain          device.Range
	deviceMaxRate float64

	conv device.ConversionParams
}

// stream is the state of a negotiated acquisition.
type stream struct {
	slot       *handoff.Slot
	callbackID device.CallbackID
	format     VideoFormat
}

// properties caches the runtime-mutable property values.
type properties struct {
	exposureMS   float64
	gain         int
	redGain      float64
	greenGain    float64
	blueGain     float64
	hflip        bool
	vflip        bool
	whiteBalance WhiteBalanceMode
	maxFrameRate float64
}

// Option configures a Source.
type Option func(*Source)

// WithClock sets the clock used for white balance settle delays, the auto
// white balance period and frame arrival times.
func WithClock(c clock.Clock) Option {
	return func(s *Source) {
		s.clk = c
	}
}

// New creates a source for the camera drv opens at cfg.Device.Index.
// cfg is validated and completed with defaults.
func New(drv Driver, cfg Config, opts ...Option) (*Source, error) {
	if drv == nil {
		return nil, fmt.Errorf("lumenerasrc: driver is required")
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("lumenerasrc: invalid configuration: %w", err)
	}
	wb, err := ParseWhiteBalanceMode(cfg.Properties.WhiteBalance)
	if err != nil {
		return nil, err
	}

	p := cfg.Properties
	s := &Source{
		cfg: cfg,
		drv: drv,
		clk: clock.New(),
		props: properties{
			exposureMS:   p.ExposureMS,
			gain:         p.Gain,
			redGain:      p.RedGain,
			greenGain:    p.GreenGain,
			blueGain:     p.BlueGain,
			hflip:        p.HFlip,
			vflip:        p.VFlip,
			whiteBalance: wb,
			maxFrameRate: p.MaxFrameRate,
		},
		frameClock: frameclock.New(p.ExposureMS, p.MaxFrameRate),
		window:     fpsstats.NewWindow(cfg.Stream.StatsWindow),
		dropLog:    rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
	s.frameClock.SetLimit(cfg.Stream.NumBuffers)

	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// check logs a failed SDK call and reports whether it succeeded. Device
// call failures do not abort the operation that made them.
func check(op string, err error) bool {
	if err == nil {
		return true
	}
	var callErr *device.CallError
	if errors.As(err, &callErr) {
		slog.Error("lumenerasrc: lucam call failed", "op", op, "code", callErr.Code)
	} else {
		slog.Error("lumenerasrc: lucam call failed", "op", op, "error", err)
	}
	return false
}

// Start opens the camera and prepares it for streaming.
//
// This method:
//  1. Opens the camera (ErrDeviceNotFound if absent)
//  2. Sets the tap configuration, reads frame rates, property ranges and
//     image format
//  3. Configures the GPO frame pulse
//  4. Optionally runs a startup white balance on live video
//  5. Pushes the cached properties to the camera
//
// Device call failures in steps 2–5 are logged and do not fail Start.
// Calling Start on a started source is a no-op.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cam != nil {
		slog.Debug("lumenerasrc: already started")
		return nil
	}

	index := s.cfg.Device.Index
	cam, err := s.drv.Open(index)
	if err != nil {
		slog.Error("lumenerasrc: failed to open camera", "index", index, "error", err)
		if errors.Is(err, device.ErrNotFound) {
			return fmt.Errorf("%w: index %d: %w", ErrDeviceNotFound, index, err)
		}
		return fmt.Errorf("lumenerasrc: open camera %d: %w", index, err)
	}

	sess, err := s.setupSession(ctx, cam)
	if err != nil {
		check("CameraClose", cam.Close())
		return err
	}

	s.cam = cam
	s.sess = sess
	s.applyPropertiesLocked()

	slog.Info("lumenerasrc: camera opened",
		"session_id", sess.id,
		"index", index,
		"width", sess.width,
		"height", sess.height,
		"pixel_format", sess.image.PixelFormat,
		"bits_per_pixel", sess.bitsPerPixel,
		"device_max_fps", sess.deviceMaxRate,
	)
	return nil
}

// setupSession queries the camera and runs the one-time setup. Only cancellation
// of ctx during startup white balance is fatal.
func (s *Source) setupSession(ctx context.Context, cam device.Camera) (session, error) {
	sess := session{id: uuid.New().String()}

	switch s.cfg.Device.TapConfiguration {
	case "dual":
		check("SetProperty(tap_configuration)", cam.SetProperty(device.PropTapConfiguration, device.TapDual))
	case "single":
		check("SetProperty(tap_configuration)", cam.SetProperty(device.PropTapConfiguration, device.TapSingle))
	}

	if rates, err := cam.FrameRates(); check("FrameRates", err) && len(rates) > 0 {
		sess.deviceMaxRate = lo.Max(rates)
		slog.Debug("lumenerasrc: available frame rates", "rates", rates)
	}

	sess.exposure = device.Range{Min: MinExposureMS, Max: MaxExposureMS}
	if r, err := cam.PropertyRange(device.PropExposure); check("PropertyRange(exposure)", err) {
		sess.exposure = r
	}
	if r, err := cam.PropertyRange(device.PropGain); check("PropertyRange(gain)", err) {
		sess.gain = r
	}
	for _, id := range []device.PropertyID{device.PropGainRed, device.PropGainGreen1, device.PropGainBlue} {
		if r, err := cam.PropertyRange(id); check("PropertyRange("+id.String()+")", err) {
			slog.Debug("lumenerasrc: colour gain range", "property", id, "min", r.Min, "max", r.Max, "default", r.Default)
		}
	}

	if f, err := cam.VideoImageFormat(); check("VideoImageFormat", err) {
		sess.image = f
	}
	if f, fps, err := cam.Format(); check("Format", err) {
		sess.frame = f
		slog.Debug("lumenerasrc: frame format",
			"x", f.XOffset, "y", f.YOffset,
			"width", f.Width, "height", f.Height,
			"subsample_x", f.SubSampleX, "subsample_y", f.SubSampleY,
			"frame_rate", fps,
		)
	}

	sess.bitsPerPixel = sess.image.PixelFormat.OutputBitsPerPixel()
	if sess.bitsPerPixel == 0 {
		slog.Warn("lumenerasrc: unknown pixel format, assuming 24 bits", "pixel_format", sess.image.PixelFormat)
		sess.bitsPerPixel = 24
	}

	if s.cfg.Device.FramePulse {
		check("ConfigureGPO", cam.ConfigureGPO(0x00, 0xFF))
	}

	if s.cfg.Device.StartupWhiteBalance {
		if err := s.startupWhiteBalance(ctx, cam, sess.image); err != nil {
			return session{}, fmt.Errorf("lumenerasrc: startup white balance: %w", err)
		}
	}

	sess.width = sess.image.Width
	sess.height = sess.image.Height
	sess.pitch = sess.width * 3
	sess.bytesPerPixel = (sess.bitsPerPixel + 1) / 8
	sess.imageSize = sess.width * sess.height * sess.bytesPerPixel

	sess.conv = device.ConversionParams{
		DemosaicMethod:      device.DemosaicFast,
		CorrectionMatrix:    false,
		UseColorGainsOverWB: true,
		DigitalGainRed:      1,
		DigitalGainGreen:    1,
		DigitalGainBlue:     1,
		Hue:                 0,
		Saturation:          1,
	}

	slog.Debug("lumenerasrc: image geometry",
		"width", sess.width,
		"height", sess.height,
		"pitch", sess.pitch,
		"bits_per_pixel", sess.bitsPerPixel,
		"bytes_per_pixel", sess.bytesPerPixel,
		"image_size", sess.imageSize,
	)
	return sess, nil
}

// startupWhiteBalance streams briefly so the camera can measure the scene,
// then runs one-shot and digital white balance.
func (s *Source) startupWhiteBalance(ctx context.Context, cam device.Camera, f device.ImageFormat) error {
	settle := s.cfg.Device.WhiteBalanceSettle()

	if !check("StartStreaming", cam.StartStreaming()) {
		return nil
	}
	defer func() { check("StopStreaming", cam.StopStreaming()) }()

	if err := s.sleep(ctx, settle); err != nil {
		return err
	}
	check("OneShotAutoWhiteBalance", cam.OneShotAutoWhiteBalance(0, 0, f.Width, f.Height))
	if err := s.sleep(ctx, settle); err != nil {
		return err
	}
	check("DigitalWhiteBalance", cam.DigitalWhiteBalance(0, 0, f.Width, f.Height))
	return s.sleep(ctx, settle)
}

func (s *Source) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Caps returns the formats the source can produce: the template (RGB at
// any size) before Start, the camera's fixed output afterwards. The frame
// rate is always variable (0/1) because it follows exposure.
func (s *Source) Caps() VideoFormat {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cam == nil || s.sess.width == 0 || s.sess.height == 0 {
		return VideoFormat{Format: PixelFormatRGB}
	}
	return VideoFormat{
		Format:       PixelFormatRGB,
		Width:        s.sess.width,
		Height:       s.sess.height,
		FramerateNum: 0,
		FramerateDen: 1,
	}
}

// CapsFiltered returns Caps narrowed by filter, and false if nothing the
// source produces satisfies filter.
func (s *Source) CapsFiltered(filter VideoFormat) (VideoFormat, bool) {
	return s.Caps().Intersect(filter)
}

// Negotiate accepts the downstream format, allocates the frame slot,
// registers the frame callback and starts streaming.
//
// Only RGB at the camera's output size is accepted (ErrUnsupportedFormat).
// A failed stream start aborts negotiation and undoes the registration.
func (s *Source) Negotiate(req VideoFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cam == nil {
		return ErrNotStarted
	}
	if req.Format != "" && req.Format != PixelFormatRGB {
		return fmt.Errorf("%w: format %q, only %s is produced", ErrUnsupportedFormat, req.Format, PixelFormatRGB)
	}
	if req.Width != s.sess.width || req.Height != s.sess.height || s.sess.width == 0 {
		return fmt.Errorf("%w: %dx%d requested, camera produces %dx%d",
			ErrUnsupportedFormat, req.Width, req.Height, s.sess.width, s.sess.height)
	}
	stride := req.Stride
	if stride == 0 {
		stride = DefaultStride(req.Width)
	}
	if stride < s.sess.pitch {
		return fmt.Errorf("%w: stride %d shorter than row of %d bytes", ErrUnsupportedFormat, stride, s.sess.pitch)
	}

	format := req
	format.Format = PixelFormatRGB
	format.Stride = stride
	format.FramerateNum, format.FramerateDen = 0, 1

	if s.stream != nil {
		if s.stream.format == format {
			return nil
		}
		return fmt.Errorf("%w: already streaming %s", ErrUnsupportedFormat, s.stream.format)
	}

	slot := handoff.New(s.sess.imageSize)
	id, err := s.cam.AddStreamingCallback(s.frameCallback(slot, s.cam, s.sess.image, s.sess.conv))
	if err != nil {
		check("AddStreamingCallback", err)
		slot.Close()
		return fmt.Errorf("lumenerasrc: register frame callback: %w", err)
	}
	if err := s.cam.StartStreaming(); err != nil {
		check("StartStreaming", err)
		check("RemoveStreamingCallback", s.cam.RemoveStreamingCallback(id))
		slot.Close()
		return fmt.Errorf("lumenerasrc: start streaming: %w", err)
	}

	s.stream = &stream{slot: slot, callbackID: id, format: format}
	s.frameClock.Reset()
	s.window.Reset()
	s.produced.Store(0)
	s.timeouts.Store(0)
	s.lastDelivered, s.lastDropped = 0, 0

	if s.props.whiteBalance == WhiteBalanceAuto {
		s.startAutoWhiteBalanceLocked()
	}

	slog.Info("lumenerasrc: streaming started",
		"session_id", s.sess.id,
		"caps", format.String(),
		"stride", stride,
		"frame_rate", s.frameClock.Snapshot().FrameRate,
	)
	return nil
}

// frameCallback converts device frames into the slot. It runs on the SDK
// streaming thread and never blocks on the consumer.
func (s *Source) frameCallback(slot *handoff.Slot, cam device.Camera, f device.ImageFormat, conv device.ConversionParams) device.FrameFunc {
	return func(raw []byte) {
		ok := slot.Deliver(func(dst []byte) error {
			err := cam.ConvertToRGB24(dst, raw, f, conv)
			check("ConvertToRGB24", err)
			return err
		})
		if !ok {
			s.dropLog.Do(func() {
				_, dropped := slot.Stats()
				slog.Debug("lumenerasrc: frame dropped, previous frame not consumed", "dropped_total", dropped)
			})
		}
	}
}

// Produce waits for the next camera frame and returns it as a timestamped
// buffer.
//
// Returns:
//   - ErrEndOfStream once stream.num_buffers frames were produced
//   - ErrFrameTimeout if no frame arrives within stream.frame_timeout_ms
//   - ErrFlushing if Stop ran while waiting
//   - ctx.Err() if ctx was cancelled
func (s *Source) Produce(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	st := s.stream
	height := s.sess.height
	pitch := s.sess.pitch
	s.mu.Unlock()

	if st == nil {
		return nil, ErrNotNegotiated
	}
	if s.frameClock.Done() {
		return nil, ErrEndOfStream
	}

	timeout := s.cfg.Stream.FrameTimeout()
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf, err := st.slot.Request(wctx)
	switch {
	case err == nil:
	case errors.Is(err, handoff.ErrClosed):
		return nil, ErrFlushing
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		n := s.timeouts.Add(1)
		slog.Warn("lumenerasrc: no frame from camera", "timeout", timeout, "total_timeouts", n)
		return nil, fmt.Errorf("%w after %v", ErrFrameTimeout, timeout)
	default:
		return nil, fmt.Errorf("lumenerasrc: request frame: %w", err)
	}

	stride := st.format.Stride
	data := make([]byte, stride*height)
	for row := 0; row < height; row++ {
		copy(data[row*stride:row*stride+pitch], buf[row*pitch:(row+1)*pitch])
	}

	stamp := s.frameClock.Tick()
	now := s.clk.Now()
	s.window.Record(now)
	s.produced.Add(1)

	return &Frame{
		Data:       data,
		Width:      st.format.Width,
		Height:     height,
		Stride:     stride,
		PTS:        stamp.PTS,
		Duration:   stamp.Duration,
		Offset:     stamp.Offset,
		OffsetEnd:  stamp.OffsetEnd,
		CapturedAt: now,
		TraceID:    uuid.New().String(),
	}, nil
}

// Stop ends the session.
//
// This method:
//  1. Stops auto white balance
//  2. Closes the frame slot, waking a blocked Produce (ErrFlushing) and
//     waiting for an in-flight conversion
//  3. Unregisters the callback, stops streaming and closes the camera
//
// Device errors are logged and returned combined; the session is closed
// either way. Safe to call multiple times.
func (s *Source) Stop() error {
	s.stopAutoWhiteBalance()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cam == nil {
		slog.Debug("lumenerasrc: not started, nothing to stop")
		return nil
	}

	if s.autoWB != nil {
		s.autoWB()
		s.autoWB = nil
	}

	var errs error
	if st := s.stream; st != nil {
		st.slot.Close()
		errs = multierr.Append(errs, s.cam.RemoveStreamingCallback(st.callbackID))
		errs = multierr.Append(errs, s.cam.StopStreaming())

		delivered, dropped := st.slot.Stats()
		s.lastDelivered, s.lastDropped = delivered, dropped
		slog.Info("lumenerasrc: streaming stopped",
			"session_id", s.sess.id,
			"frames_produced", s.produced.Load(),
			"frames_delivered", delivered,
			"frames_dropped", dropped,
			"timeouts", s.timeouts.Load(),
		)
		s.stream = nil
	}
	errs = multierr.Append(errs, s.cam.Close())

	for _, err := range multierr.Errors(errs) {
		check("Stop", err)
	}

	slog.Info("lumenerasrc: camera closed", "session_id", s.sess.id)
	s.cam = nil
	s.sess = session{}
	return errs
}

// Stats returns a snapshot of source activity. Safe to call from any
// goroutine.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	st := s.stream
	id := s.sess.id
	present := s.cam != nil
	delivered, dropped := s.lastDelivered, s.lastDropped
	s.mu.Unlock()

	clk := s.frameClock.Snapshot()
	fps := s.window.Stats(clk.Duration)

	stats := Stats{
		SessionID:          id,
		DevicePresent:      present,
		Streaming:          st != nil,
		FramesProduced:     s.produced.Load(),
		Timeouts:           s.timeouts.Load(),
		EffectiveFrameRate: clk.FrameRate,
		FrameDuration:      clk.Duration,
		LastTimestamp:      clk.Last,
		FPSReal:            fps.FPSMean,
		FPSStdDev:          fps.FPSStdDev,
		JitterMean:         fps.JitterMean,
		IsStable:           fps.IsStable,
	}
	if st != nil {
		delivered, dropped = st.slot.Stats()
	}
	stats.FramesDelivered, stats.FramesDropped = delivered, dropped
	return stats
}

// Config returns the validated configuration.
func (s *Source) Config() Config {
	return s.cfg
}
