package gstsrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/lucamsrc"
)

// Config configures an Element.
type Config struct {
	// Sink is the gst-launch description downstream of the source.
	Sink string

	// MaxConsecutiveTimeouts ends the run with an error after that many
	// frame timeouts in a row. Zero keeps waiting forever.
	MaxConsecutiveTimeouts int
}

// Stats is a snapshot of element activity.
type Stats struct {
	FramesPushed uint64
	Timeouts     uint64
	Errors       map[string]uint64 // by ErrorCategory
}

// FramePusher accepts produced frames. The appsrc implementation wraps
// each frame in a GStreamer buffer.
type FramePusher interface {
	Push(frame *lumenerasrc.Frame) gst.FlowReturn
	EndStream() gst.FlowReturn
}

// appsrcPusher pushes frames into an appsrc.
type appsrcPusher struct {
	src *app.Source
}

func (p appsrcPusher) Push(frame *lumenerasrc.Frame) gst.FlowReturn {
	return p.src.PushBuffer(newFrameBuffer(frame))
}

func (p appsrcPusher) EndStream() gst.FlowReturn {
	return p.src.EndStream()
}

// Element drives a FrameSource as the live source of a pipeline.
type Element struct {
	src lumenerasrc.FrameSource
	cfg Config

	pushed   atomic.Uint64
	timeouts atomic.Uint64
	errCount ErrorCounters
}

// New creates an element for src.
func New(src lumenerasrc.FrameSource, cfg Config) *Element {
	return &Element{src: src, cfg: cfg}
}

// Run starts the source, builds the pipeline from its caps and streams
// until the source ends, the pipeline fails or ctx is cancelled. On
// cancellation EOS is sent downstream so sinks can finalize.
//
// The source is stopped before Run returns.
func (e *Element) Run(ctx context.Context) error {
	if err := e.src.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := e.src.Stop(); stopErr != nil {
			slog.Warn("gstsrc: source stop reported errors", "error", stopErr)
		}
	}()

	caps := e.src.Caps()
	elements, err := CreatePipeline(PipelineConfig{Caps: caps.String(), Sink: e.cfg.Sink})
	if err != nil {
		return err
	}
	defer func() {
		if derr := DestroyPipeline(elements); derr != nil {
			slog.Error("gstsrc: failed to destroy pipeline", "error", derr)
		}
	}()

	if err := e.src.Negotiate(caps); err != nil {
		return fmt.Errorf("gstsrc: negotiate %s: %w", caps, err)
	}

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstsrc: failed to start pipeline: %w", err)
	}

	metrics := &MonitorMetrics{
		Caps:         caps.String(),
		FramesPushed: &e.pushed,
		StartedAt:    time.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return MonitorPipelineBus(gctx, elements.Pipeline, &e.errCount, metrics)
	})
	g.Go(func() error {
		return e.PushFrames(gctx, appsrcPusher{src: elements.Source})
	})
	return g.Wait()
}

// PushFrames produces frames from the source and pushes them to out.
//
// Returns nil when the source reaches its buffer limit or is stopped, when
// ctx is cancelled, or when downstream is flushing or at EOS. In the first
// and third case EOS is sent to out.
func (e *Element) PushFrames(ctx context.Context, out FramePusher) error {
	consecutive := 0
	for {
		frame, err := e.src.Produce(ctx)
		switch {
		case err == nil:
			consecutive = 0

		case errors.Is(err, lumenerasrc.ErrEndOfStream):
			slog.Info("gstsrc: buffer limit reached, sending EOS", "frames_pushed", e.pushed.Load())
			out.EndStream()
			return nil

		case errors.Is(err, lumenerasrc.ErrFlushing):
			slog.Debug("gstsrc: source flushing, push loop exits")
			return nil

		case ctx.Err() != nil:
			slog.Debug("gstsrc: push loop cancelled, sending EOS")
			out.EndStream()
			return nil

		case errors.Is(err, lumenerasrc.ErrFrameTimeout):
			e.timeouts.Add(1)
			consecutive++
			if e.cfg.MaxConsecutiveTimeouts > 0 && consecutive >= e.cfg.MaxConsecutiveTimeouts {
				return fmt.Errorf("gstsrc: camera stalled after %d frame timeouts: %w", consecutive, err)
			}
			continue

		default:
			return fmt.Errorf("gstsrc: produce: %w", err)
		}

		switch ret := out.Push(frame); ret {
		case gst.FlowOK:
			e.pushed.Add(1)
		case gst.FlowFlushing, gst.FlowEOS:
			slog.Debug("gstsrc: downstream not accepting buffers", "flow", ret)
			return nil
		default:
			return fmt.Errorf("gstsrc: push buffer: flow %v", ret)
		}
	}
}

// Stats returns a snapshot of element activity.
func (e *Element) Stats() Stats {
	return Stats{
		FramesPushed: e.pushed.Load(),
		Timeouts:     e.timeouts.Load(),
		Errors: map[string]uint64{
			ErrCategoryNegotiation.String(): e.errCount.Negotiation.Load(),
			ErrCategoryResource.String():    e.errCount.Resource.Load(),
			ErrCategoryPlugin.String():      e.errCount.Plugin.Load(),
			ErrCategoryUnknown.String():     e.errCount.Unknown.Load(),
		},
	}
}
