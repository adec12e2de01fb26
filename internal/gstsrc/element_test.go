package gstsrc

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/lucamsrc"
)

// fakeSource replays a script of Produce results.
type fakeSource struct {
	results []error // nil produces a frame
	n       int
	stopped bool
}

func (f *fakeSource) Start(context.Context) error { return nil }
func (f *fakeSource) Caps() lumenerasrc.VideoFormat {
	return lumenerasrc.VideoFormat{Format: lumenerasrc.PixelFormatRGB, Width: 4, Height: 2, FramerateDen: 1}
}
func (f *fakeSource) Negotiate(lumenerasrc.VideoFormat) error { return nil }
func (f *fakeSource) Stop() error                             { f.stopped = true; return nil }
func (f *fakeSource) Stats() lumenerasrc.Stats                { return lumenerasrc.Stats{} }

func (f *fakeSource) Produce(ctx context.Context) (*lumenerasrc.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.n >= len(f.results) {
		return nil, lumenerasrc.ErrEndOfStream
	}
	err := f.results[f.n]
	f.n++
	if err != nil {
		return nil, err
	}
	d := 40 * time.Millisecond
	return &lumenerasrc.Frame{
		Data:      make([]byte, 24),
		PTS:       time.Duration(f.n) * d,
		Duration:  d,
		Offset:    uint64(f.n - 1),
		OffsetEnd: uint64(f.n),
	}, nil
}

// fakePusher records pushed frames and answers with a fixed flow.
type fakePusher struct {
	flow   gst.FlowReturn
	frames []*lumenerasrc.Frame
	eos    int
}

func (p *fakePusher) Push(frame *lumenerasrc.Frame) gst.FlowReturn {
	if p.flow != gst.FlowOK {
		return p.flow
	}
	p.frames = append(p.frames, frame)
	return gst.FlowOK
}

func (p *fakePusher) EndStream() gst.FlowReturn {
	p.eos++
	return gst.FlowOK
}

func TestPushFramesUntilEndOfStream(t *testing.T) {
	src := &fakeSource{results: []error{nil, nil, nil}}
	out := &fakePusher{flow: gst.FlowOK}
	e := New(src, Config{})

	if err := e.PushFrames(context.Background(), out); err != nil {
		t.Fatalf("PushFrames() = %v", err)
	}
	if len(out.frames) != 3 {
		t.Fatalf("pushed %d frames, want 3", len(out.frames))
	}
	if out.eos != 1 {
		t.Errorf("EndStream called %d times, want 1", out.eos)
	}
	for i, f := range out.frames {
		if f.Offset != uint64(i) || f.PTS != time.Duration(i+1)*40*time.Millisecond {
			t.Errorf("frame %d: offset=%d pts=%v", i, f.Offset, f.PTS)
		}
	}
	if got := e.Stats().FramesPushed; got != 3 {
		t.Errorf("FramesPushed = %d, want 3", got)
	}
}

func TestPushFramesFlushingExitsWithoutEOS(t *testing.T) {
	src := &fakeSource{results: []error{nil, lumenerasrc.ErrFlushing}}
	out := &fakePusher{flow: gst.FlowOK}

	if err := New(src, Config{}).PushFrames(context.Background(), out); err != nil {
		t.Fatalf("PushFrames() = %v", err)
	}
	if out.eos != 0 {
		t.Errorf("EndStream called on flush")
	}
}

func TestPushFramesCancelSendsEOS(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := &fakePusher{flow: gst.FlowOK}

	if err := New(&fakeSource{results: []error{nil}}, Config{}).PushFrames(ctx, out); err != nil {
		t.Fatalf("PushFrames() = %v", err)
	}
	if out.eos != 1 {
		t.Errorf("EndStream called %d times, want 1", out.eos)
	}
}

func TestPushFramesDownstreamStops(t *testing.T) {
	for _, flow := range []gst.FlowReturn{gst.FlowFlushing, gst.FlowEOS} {
		src := &fakeSource{results: []error{nil, nil}}
		out := &fakePusher{flow: flow}
		if err := New(src, Config{}).PushFrames(context.Background(), out); err != nil {
			t.Errorf("flow %v: PushFrames() = %v, want nil", flow, err)
		}
		if src.n != 1 {
			t.Errorf("flow %v: produced %d frames after downstream stopped", flow, src.n)
		}
	}

	out := &fakePusher{flow: gst.FlowNotNegotiated}
	if err := New(&fakeSource{results: []error{nil}}, Config{}).PushFrames(context.Background(), out); err == nil {
		t.Error("PushFrames() = nil for not-negotiated flow")
	}
}

func TestPushFramesTimeouts(t *testing.T) {
	timeout := fmt.Errorf("%w after 5s", lumenerasrc.ErrFrameTimeout)

	// timeouts are tolerated without a limit
	src := &fakeSource{results: []error{timeout, timeout, nil}}
	out := &fakePusher{flow: gst.FlowOK}
	e := New(src, Config{})
	if err := e.PushFrames(context.Background(), out); err != nil {
		t.Fatalf("PushFrames() = %v", err)
	}
	if len(out.frames) != 1 || e.Stats().Timeouts != 2 {
		t.Errorf("frames=%d timeouts=%d, want 1 and 2", len(out.frames), e.Stats().Timeouts)
	}

	// and end the run once the limit is reached
	src = &fakeSource{results: []error{timeout, nil, timeout, timeout}}
	err := New(src, Config{MaxConsecutiveTimeouts: 2}).PushFrames(context.Background(), &fakePusher{flow: gst.FlowOK})
	if !errors.Is(err, lumenerasrc.ErrFrameTimeout) {
		t.Fatalf("PushFrames() = %v, want ErrFrameTimeout", err)
	}
	if src.n != 4 {
		t.Errorf("stalled after %d results, want 4 (counter resets on a frame)", src.n)
	}
}

func TestPushFramesProduceError(t *testing.T) {
	src := &fakeSource{results: []error{lumenerasrc.ErrNotNegotiated}}
	err := New(src, Config{}).PushFrames(context.Background(), &fakePusher{flow: gst.FlowOK})
	if !errors.Is(err, lumenerasrc.ErrNotNegotiated) {
		t.Fatalf("PushFrames() = %v, want ErrNotNegotiated", err)
	}
}

func TestBuildLaunch(t *testing.T) {
	got, err := BuildLaunch(" ! videoconvert ! fakesink ")
	if err != nil {
		t.Fatal(err)
	}
	want := "appsrc name=lumenerasrc is-live=true format=time do-timestamp=false block=true ! videoconvert ! fakesink"
	if got != want {
		t.Errorf("BuildLaunch() = %q, want %q", got, want)
	}
	if _, err := BuildLaunch("  "); err == nil {
		t.Error("BuildLaunch() accepted empty sink")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg, debug string
		want       ErrorCategory
	}{
		{"Internal data stream error.", "streaming stopped, reason not-negotiated (-4)", ErrCategoryNegotiation},
		{"Could not open resource for writing.", "file /ro/out.mp4", ErrCategoryResource},
		{"Could not initialise Xv output", "Could not open display (null)", ErrCategoryResource},
		{"no element \"x265enc\"", "", ErrCategoryPlugin},
		{"Something odd happened", "", ErrCategoryUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.msg, tt.debug); got != tt.want {
			t.Errorf("ClassifyError(%q, %q) = %v, want %v", tt.msg, tt.debug, got, tt.want)
		}
	}
	if got := ClassifyGStreamerError(nil); got != ErrCategoryUnknown {
		t.Errorf("ClassifyGStreamerError(nil) = %v", got)
	}
}

// TestRunWithFakesink runs a real pipeline. Requires the GStreamer runtime.
func TestRunWithFakesink(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test (requires GStreamer runtime)")
	}
	src := &fakeSource{results: []error{nil, nil, nil, nil, nil}}
	e := New(src, Config{Sink: "fakesink"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Run(ctx); err != nil {
		t.Skipf("Skipping: pipeline failed (GStreamer not available?): %v", err)
	}
	if got := e.Stats().FramesPushed; got != 5 {
		t.Errorf("FramesPushed = %d, want 5", got)
	}
	if !src.stopped {
		t.Error("source not stopped after Run")
	}
}

func stampedFrame() *lumenerasrc.Frame {
	return &lumenerasrc.Frame{
		Data:      make([]byte, 4*2*3),
		Width:     4,
		Height:    2,
		Stride:    4 * 3,
		PTS:       80 * time.Millisecond,
		Duration:  40 * time.Millisecond,
		Offset:    1,
		OffsetEnd: 2,
	}
}

func assertStamped(t *testing.T, buf *gst.Buffer) {
	t.Helper()
	if got := buf.PresentationTimestamp(); got != 80*time.Millisecond {
		t.Errorf("PTS = %v, want 80ms", got)
	}
	if got := buf.DecodingTimestamp(); got != 80*time.Millisecond {
		t.Errorf("DTS = %v, want PTS 80ms", got)
	}
	if got := buf.Duration(); got != 40*time.Millisecond {
		t.Errorf("Duration = %v, want 40ms", got)
	}
	if got := buf.Offset(); got != 1 {
		t.Errorf("Offset = %d, want 1", got)
	}
	if got := buf.OffsetEnd(); got != 2 {
		t.Errorf("OffsetEnd = %d, want 2", got)
	}
}

func TestFrameBufferCarriesFrameClock(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test (requires GStreamer runtime)")
	}
	gst.Init(nil)

	buf := newFrameBuffer(stampedFrame())
	assertStamped(t, buf)
	if got := buf.GetSize(); got != 24 {
		t.Errorf("size = %d, want 24", got)
	}
}

func TestAppsrcPusherDeliversStampedBuffer(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test (requires GStreamer runtime)")
	}
	elements, err := CreatePipeline(PipelineConfig{
		Caps: (&fakeSource{}).Caps().String(),
		Sink: "appsink name=sink sync=false",
	})
	if err != nil {
		t.Skipf("Skipping: pipeline failed (GStreamer not available?): %v", err)
	}
	defer DestroyPipeline(elements)

	elem, err := elements.Pipeline.GetElementByName("sink")
	if err != nil {
		t.Fatal(err)
	}
	sink := app.SinkFromElement(elem)
	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		t.Skipf("Skipping: pipeline failed to start: %v", err)
	}

	pusher := appsrcPusher{src: elements.Source}
	if ret := pusher.Push(stampedFrame()); ret != gst.FlowOK {
		t.Fatalf("Push() = %v, want FlowOK", ret)
	}
	pusher.EndStream()

	sample := sink.PullSample()
	if sample == nil {
		t.Fatal("no sample reached the appsink")
	}
	assertStamped(t, sample.GetBuffer())
}
