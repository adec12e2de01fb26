package lumenerasrc

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/e7canasta/lucamsrc/internal/device/sim"
	"github.com/e7canasta/lucamsrc/internal/handoff"
)

const (
	testWidth  = 8
	testHeight = 4
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Device.Driver = "sim"
	cfg.Device.StartupWhiteBalance = false
	cfg.Device.WhiteBalanceSettleMS = 0
	cfg.Stream.FrameTimeoutMS = 1000
	return cfg
}

func newSimDriver(mutate func(*sim.Config)) *sim.Driver {
	sc := sim.DefaultConfig()
	sc.Width = testWidth
	sc.Height = testHeight
	sc.Manual = true
	if mutate != nil {
		mutate(&sc)
	}
	return sim.New(sc)
}

// startSource creates and starts a source on a manual simulated camera.
func startSource(t *testing.T, cfg Config) (*Source, *sim.Driver, *sim.Camera) {
	t.Helper()
	drv := newSimDriver(nil)
	src, err := New(drv, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { src.Stop() })
	return src, drv, drv.Camera(cfg.Device.Index)
}

func negotiate(t *testing.T, src *Source) {
	t.Helper()
	if err := src.Negotiate(src.Caps()); err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}
}

// waitRequested polls until Produce has handed the slot to the camera.
func waitRequested(t *testing.T, src *Source) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		src.mu.Lock()
		st := src.stream
		src.mu.Unlock()
		if st != nil && st.slot.Owner() == handoff.Producer {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Produce never requested a frame")
		}
		time.Sleep(time.Millisecond)
	}
}

// produceOne runs Produce while the camera keeps emitting frames.
func produceOne(t *testing.T, src *Source, cam *sim.Camera) (*Frame, error) {
	t.Helper()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				cam.Trigger()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return src.Produce(context.Background())
}

func TestSourceLifecycle(t *testing.T) {
	src, _, cam := startSource(t, testConfig())

	if !src.DevicePresent() {
		t.Fatal("DevicePresent() = false after Start")
	}
	caps := src.Caps()
	if caps.Width != testWidth || caps.Height != testHeight || caps.Format != PixelFormatRGB {
		t.Fatalf("Caps() = %+v, want RGB %dx%d", caps, testWidth, testHeight)
	}
	if caps.FramerateNum != 0 || caps.FramerateDen != 1 {
		t.Errorf("Caps() framerate = %d/%d, want 0/1", caps.FramerateNum, caps.FramerateDen)
	}

	negotiate(t, src)
	if !cam.Streaming() {
		t.Fatal("camera not streaming after Negotiate")
	}
	if cam.Callbacks() != 1 {
		t.Fatalf("Callbacks() = %d, want 1", cam.Callbacks())
	}

	// exposure 20 ms, ceiling 25 fps → 40 ms per frame
	want := 40 * time.Millisecond
	for i := 0; i < 3; i++ {
		frame, err := produceOne(t, src, cam)
		if err != nil {
			t.Fatalf("Produce() #%d failed: %v", i, err)
		}
		if frame.PTS != time.Duration(i+1)*want {
			t.Errorf("frame %d PTS = %v, want %v", i, frame.PTS, time.Duration(i+1)*want)
		}
		if frame.Duration != want {
			t.Errorf("frame %d Duration = %v, want %v", i, frame.Duration, want)
		}
		if frame.Offset != uint64(i) || frame.OffsetEnd != uint64(i+1) {
			t.Errorf("frame %d offsets = %d/%d", i, frame.Offset, frame.OffsetEnd)
		}
		if len(frame.Data) != frame.Stride*testHeight || frame.Stride != DefaultStride(testWidth) {
			t.Errorf("frame %d: len=%d stride=%d", i, len(frame.Data), frame.Stride)
		}
		if frame.TraceID == "" {
			t.Errorf("frame %d has no trace ID", i)
		}
	}

	stats := src.Stats()
	if stats.FramesProduced != 3 || stats.FramesDelivered != 3 || !stats.Streaming {
		t.Errorf("Stats() = %+v", stats)
	}

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if src.DevicePresent() {
		t.Error("DevicePresent() = true after Stop")
	}
	if cam.Streaming() {
		t.Error("camera still streaming after Stop")
	}
	if err := src.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
	if caps := src.Caps(); caps.IsFixed() {
		t.Errorf("Caps() after Stop = %+v, want template", caps)
	}
}

func TestSourceRestart(t *testing.T) {
	src, drv, _ := startSource(t, testConfig())
	negotiate(t, src)
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	negotiate(t, src)
	frame, err := produceOne(t, src, drv.Camera(1))
	if err != nil {
		t.Fatalf("Produce() after restart failed: %v", err)
	}
	if frame.Offset != 0 || frame.PTS != 40*time.Millisecond {
		t.Errorf("timestamps not reset: offset=%d pts=%v", frame.Offset, frame.PTS)
	}
}

func TestProduceEndOfStream(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.NumBuffers = 2
	src, _, cam := startSource(t, cfg)
	negotiate(t, src)

	for i := 0; i < 2; i++ {
		if _, err := produceOne(t, src, cam); err != nil {
			t.Fatalf("Produce() #%d failed: %v", i, err)
		}
	}
	_, err := src.Produce(context.Background())
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("Produce() after limit = %v, want ErrEndOfStream", err)
	}
	if got := src.Stats().FramesProduced; got != 2 {
		t.Errorf("FramesProduced = %d, want 2", got)
	}
}

func TestProduceBeforeNegotiate(t *testing.T) {
	src, _, _ := startSource(t, testConfig())
	if _, err := src.Produce(context.Background()); !errors.Is(err, ErrNotNegotiated) {
		t.Fatalf("Produce() = %v, want ErrNotNegotiated", err)
	}
}

// TestStopUnblocksProduce validates shutdown while the streaming goroutine
// waits for a frame.
//
// Contract:
//   - Produce MUST return ErrFlushing, not hang
//   - the camera MUST be closed afterwards
func TestStopUnblocksProduce(t *testing.T) {
	src, _, cam := startSource(t, testConfig())
	negotiate(t, src)

	errc := make(chan error, 1)
	go func() {
		_, err := src.Produce(context.Background())
		errc <- err
	}()
	waitRequested(t, src)

	if err := src.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrFlushing) {
			t.Fatalf("Produce() = %v, want ErrFlushing", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Produce() still blocked after Stop")
	}
	if cam.Streaming() {
		t.Error("camera still streaming")
	}
}

func TestProduceContextCancel(t *testing.T) {
	src, _, _ := startSource(t, testConfig())
	negotiate(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := src.Produce(ctx)
		errc <- err
	}()
	waitRequested(t, src)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Produce() = %v, want context.Canceled", err)
	}
}

func TestProduceTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.FrameTimeoutMS = 20
	src, _, cam := startSource(t, cfg)
	negotiate(t, src)

	_, err := src.Produce(context.Background())
	if !errors.Is(err, ErrFrameTimeout) {
		t.Fatalf("Produce() = %v, want ErrFrameTimeout", err)
	}
	if got := src.Stats().Timeouts; got != 1 {
		t.Errorf("Timeouts = %d, want 1", got)
	}

	// the slot was reclaimed, so the next frame still arrives
	if _, err := produceOne(t, src, cam); err != nil {
		t.Fatalf("Produce() after timeout failed: %v", err)
	}
}

func TestFramesDroppedWhileNotRequested(t *testing.T) {
	src, _, cam := startSource(t, testConfig())
	negotiate(t, src)

	for i := 0; i < 3; i++ {
		if !cam.Trigger() {
			t.Fatal("Trigger() = false while streaming")
		}
	}
	if got := src.Stats().FramesDropped; got != 3 {
		t.Errorf("FramesDropped = %d, want 3", got)
	}
}

func TestProduceCopiesRowsIntoStride(t *testing.T) {
	src, _, cam := startSource(t, testConfig())

	req := src.Caps()
	req.Stride = 32 // row is 24 bytes
	if err := src.Negotiate(req); err != nil {
		t.Fatalf("Negotiate() failed: %v", err)
	}

	frame, err := produceOne(t, src, cam)
	if err != nil {
		t.Fatalf("Produce() failed: %v", err)
	}
	if frame.Stride != 32 || len(frame.Data) != 32*testHeight {
		t.Fatalf("stride=%d len=%d, want 32 and %d", frame.Stride, len(frame.Data), 32*testHeight)
	}
	for y := 0; y < testHeight; y++ {
		row := frame.Data[y*32 : (y+1)*32]
		if slices.Equal(row[:24], make([]byte, 24)) {
			t.Errorf("row %d has no pixel data", y)
		}
		if !slices.Equal(row[24:], make([]byte, 8)) {
			t.Errorf("row %d padding = %v, want zeros", y, row[24:])
		}
	}
}

func TestExposureChangeAffectsLaterFrames(t *testing.T) {
	src, _, cam := startSource(t, testConfig())
	negotiate(t, src)

	first, err := produceOne(t, src, cam)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.SetExposure(100); err != nil {
		t.Fatalf("SetExposure() failed: %v", err)
	}
	second, err := produceOne(t, src, cam)
	if err != nil {
		t.Fatal(err)
	}

	if first.Duration != 40*time.Millisecond {
		t.Errorf("first Duration = %v, want 40ms", first.Duration)
	}
	if second.Duration != 100*time.Millisecond {
		t.Errorf("second Duration = %v, want 100ms", second.Duration)
	}
	if second.PTS != 140*time.Millisecond {
		t.Errorf("second PTS = %v, want 140ms", second.PTS)
	}
}

func TestStartDeviceNotFound(t *testing.T) {
	tests := []struct {
		name    string
		cameras int
		index   int
	}{
		{"no cameras", 0, 1},
		{"index beyond bus", 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := newSimDriver(func(c *sim.Config) { c.Cameras = tt.cameras })
			cfg := testConfig()
			cfg.Device.Index = tt.index
			src, err := New(drv, cfg)
			if err != nil {
				t.Fatal(err)
			}
			err = src.Start(context.Background())
			if !errors.Is(err, ErrDeviceNotFound) {
				t.Fatalf("Start() = %v, want ErrDeviceNotFound", err)
			}
			if src.DevicePresent() {
				t.Error("DevicePresent() = true after failed Start")
			}
		})
	}
}

func TestNegotiateRejectsUnsupportedFormats(t *testing.T) {
	src, _, _ := startSource(t, testConfig())
	caps := src.Caps()

	tests := []struct {
		name string
		req  VideoFormat
	}{
		{"other pixel format", VideoFormat{Format: "GRAY8", Width: testWidth, Height: testHeight}},
		{"wrong width", VideoFormat{Format: PixelFormatRGB, Width: testWidth * 2, Height: testHeight}},
		{"wrong height", VideoFormat{Format: PixelFormatRGB, Width: testWidth, Height: 1}},
		{"stride too short", VideoFormat{Format: PixelFormatRGB, Width: testWidth, Height: testHeight, Stride: testWidth * 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := src.Negotiate(tt.req); !errors.Is(err, ErrUnsupportedFormat) {
				t.Fatalf("Negotiate(%+v) = %v, want ErrUnsupportedFormat", tt.req, err)
			}
		})
	}

	if err := src.Negotiate(caps); err != nil {
		t.Fatalf("Negotiate(caps) failed after rejections: %v", err)
	}
}

func TestNegotiateBeforeStart(t *testing.T) {
	src, err := New(newSimDriver(nil), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	err = src.Negotiate(VideoFormat{Format: PixelFormatRGB, Width: testWidth, Height: testHeight})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Negotiate() = %v, want ErrNotStarted", err)
	}
	if caps := src.Caps(); caps.IsFixed() {
		t.Errorf("Caps() before Start = %+v, want template", caps)
	}
}

// TestNegotiateStreamStartFailure validates that a failed stream start
// aborts negotiation without leaving the callback registered.
func TestNegotiateStreamStartFailure(t *testing.T) {
	src, drv, cam := startSource(t, testConfig())
	drv.SetFailure("StartStreaming", 7)

	err := src.Negotiate(src.Caps())
	var callErr *DeviceCallError
	if !errors.As(err, &callErr) || callErr.Code != 7 {
		t.Fatalf("Negotiate() = %v, want device call error code 7", err)
	}
	if cam.Callbacks() != 0 {
		t.Errorf("Callbacks() = %d, want 0", cam.Callbacks())
	}
	if src.Stats().Streaming {
		t.Error("Stats().Streaming = true after failed Negotiate")
	}

	drv.SetFailure("StartStreaming", 0)
	negotiate(t, src)
}

func TestStartConfiguresCamera(t *testing.T) {
	src, _, cam := startSource(t, testConfig())

	calls := cam.Calls()
	for _, want := range []string{"SetProperty(tap_configuration)", "ConfigureGPO", "SetFormat", "SetProperty(exposure)", "SetProperty(gain_blue)"} {
		if !slices.Contains(calls, want) {
			t.Errorf("call %q missing from %v", want, calls)
		}
	}
	if sel, out := cam.GPO(); sel != 0x00 || out != 0xFF {
		t.Errorf("GPO() = %#x/%#x, want 0x00/0xff", sel, out)
	}
	if got := src.RedGain(); got != DefaultRedGain {
		t.Errorf("RedGain() = %v, want %v", got, DefaultRedGain)
	}
}

func TestStartWithoutFramePulse(t *testing.T) {
	cfg := testConfig()
	cfg.Device.FramePulse = false
	cfg.Device.TapConfiguration = "keep"
	_, _, cam := startSource(t, cfg)

	calls := cam.Calls()
	if slices.Contains(calls, "ConfigureGPO") {
		t.Error("ConfigureGPO called with frame pulse disabled")
	}
	if slices.Contains(calls, "SetProperty(tap_configuration)") {
		t.Error("tap configuration changed with tap_configuration=keep")
	}
}

func TestDeviceMaxRateLimitsCeiling(t *testing.T) {
	drv := newSimDriver(func(c *sim.Config) { c.FrameRates = []float64{7.5, 15} })
	src, err := New(drv, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	// exposure 20 ms allows 50 fps, configured ceiling 25, camera tops at 15
	if got := src.FrameRate(); got != 15 {
		t.Errorf("FrameRate() = %v, want 15", got)
	}
	if got := src.MaxFrameRate(); got != 15 {
		t.Errorf("MaxFrameRate() = %v, want the camera limit 15", got)
	}
	if got, err := src.Property("maxframerate"); err != nil || got != 15.0 {
		t.Errorf("Property(maxframerate) = %v, %v, want 15", got, err)
	}

	src.Stop()
	if got := src.MaxFrameRate(); got != DefaultMaxFrameRate {
		t.Errorf("MaxFrameRate() after Stop = %v, want configured %v", got, DefaultMaxFrameRate)
	}
}

func TestStartFailingCallsAreNotFatal(t *testing.T) {
	drv := newSimDriver(func(c *sim.Config) {
		c.Fail = map[string]uint32{"ConfigureGPO": 3, "PropertyRange": 4}
	})
	src, err := New(drv, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v, want device call failures to be logged only", err)
	}
	defer src.Stop()
	negotiate(t, src)
}

func TestStartupWhiteBalance(t *testing.T) {
	sc := sim.DefaultConfig()
	sc.Width, sc.Height = 16, 8
	drv := sim.New(sc)

	cfg := testConfig()
	cfg.Device.StartupWhiteBalance = true
	cfg.Device.WhiteBalanceSettleMS = 50
	src, err := New(drv, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer src.Stop()

	cam := drv.Camera(1)
	calls := cam.Calls()
	want := []string{"StartStreaming", "OneShotAutoWhiteBalance", "DigitalWhiteBalance", "StopStreaming"}
	var got []string
	for _, c := range calls {
		if slices.Contains(want, c) {
			got = append(got, c)
		}
	}
	if !slices.Equal(got, want) {
		t.Errorf("white balance sequence = %v, want %v", got, want)
	}
	if cam.Streaming() {
		t.Error("camera left streaming after startup white balance")
	}
}

func TestStartupWhiteBalanceCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Device.StartupWhiteBalance = true
	cfg.Device.WhiteBalanceSettleMS = 10_000
	drv := newSimDriver(nil)
	src, err := New(drv, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := src.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Start() = %v, want context.DeadlineExceeded", err)
	}
	if src.DevicePresent() {
		t.Error("DevicePresent() = true after cancelled Start")
	}
	// the index was released
	if _, err := drv.Open(1); err != nil {
		t.Errorf("camera not released: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Properties.ExposureMS = 5000
	if _, err := New(newSimDriver(nil), cfg); err == nil {
		t.Fatal("New() accepted exposure outside range")
	}
	if _, err := New(nil, testConfig()); err == nil {
		t.Fatal("New() accepted nil driver")
	}
}
