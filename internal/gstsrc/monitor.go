package gstsrc

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// drainTimeout bounds the wait for EOS to travel through the pipeline
// after shutdown was requested.
const drainTimeout = 3 * time.Second

// ErrorCounters holds atomic counters for pipeline error categories.
type ErrorCounters struct {
	Negotiation atomic.Uint64
	Resource    atomic.Uint64
	Plugin      atomic.Uint64
	Unknown     atomic.Uint64
}

func (c *ErrorCounters) add(category ErrorCategory) {
	switch category {
	case ErrCategoryNegotiation:
		c.Negotiation.Add(1)
	case ErrCategoryResource:
		c.Resource.Add(1)
	case ErrCategoryPlugin:
		c.Plugin.Add(1)
	default:
		c.Unknown.Add(1)
	}
}

// MonitorMetrics is context for bus log lines.
type MonitorMetrics struct {
	Caps         string
	FramesPushed *atomic.Uint64
	StartedAt    time.Time
}

// MonitorPipelineBus watches the pipeline bus.
//
// This function:
//  1. Polls the bus for EOS, Error and StateChanged messages
//  2. Classifies errors and updates the counters
//  3. After ctx is cancelled, keeps polling up to drainTimeout so the EOS
//     pushed on shutdown reaches the sink
//
// Returns nil on EOS or shutdown, an error if the pipeline posts one.
func MonitorPipelineBus(
	ctx context.Context,
	pipeline *gst.Pipeline,
	counters *ErrorCounters,
	metrics *MonitorMetrics,
) error {
	if pipeline == nil {
		return fmt.Errorf("gstsrc: pipeline not initialized")
	}

	bus := pipeline.GetPipelineBus()
	var deadline time.Time

	for {
		if deadline.IsZero() && ctx.Err() != nil {
			slog.Debug("gstsrc: shutdown requested, draining pipeline")
			deadline = time.Now().Add(drainTimeout)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			slog.Warn("gstsrc: pipeline did not drain before timeout", "timeout", drainTimeout)
			return nil
		}

		// Short timeout for responsive shutdown
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstsrc: end of stream reached sink",
				"uptime", time.Since(metrics.StartedAt),
				"frames_pushed", metrics.FramesPushed.Load(),
			)
			return nil

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			counters.add(category)

			slog.Error("gstsrc: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"source", msg.Source(),
				"caps", metrics.Caps,
				"uptime", time.Since(metrics.StartedAt),
				"frames_pushed", metrics.FramesPushed.Load(),
			)
			return fmt.Errorf("gstsrc: pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			slog.Warn("gstsrc: pipeline warning",
				"warning", gerr.Error(),
				"debug", gerr.DebugString(),
				"source", msg.Source(),
			)

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, new := msg.ParseStateChanged()
				slog.Debug("gstsrc: pipeline state changed", "from", old, "to", new)
				if new == gst.StatePlaying {
					slog.Info("gstsrc: pipeline playing")
				}
			}
		}
	}
}
