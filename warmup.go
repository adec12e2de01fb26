package lumenerasrc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/lucamsrc/internal/fpsstats"
)

// ErrUnstableFrameRate is returned by Warmup when frame arrivals were too
// irregular. The measured statistics are returned with it.
var ErrUnstableFrameRate = errors.New("lumenerasrc: frame rate unstable")

// WarmupStats is the frame rate measurement taken by Warmup.
type WarmupStats = fpsstats.Stats

// Warmup consumes frames for duration and measures arrival regularity
// against the exposure-derived frame duration. Frames consumed here count
// towards stream.num_buffers.
//
// Returns an error if:
//   - the source is not negotiated
//   - fewer than 2 frames arrived
//   - the stream ended or was stopped
//   - the frame rate is unstable (stats are still returned)
func (s *Source) Warmup(ctx context.Context, duration time.Duration) (*WarmupStats, error) {
	slog.Info("lumenerasrc: starting warm-up", "duration", duration)

	wctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	arrivals := make([]time.Time, 0, 64)
	for wctx.Err() == nil {
		frame, err := s.Produce(wctx)
		switch {
		case err == nil:
			arrivals = append(arrivals, frame.CapturedAt)
		case wctx.Err() != nil && ctx.Err() == nil:
			// warm-up period elapsed
		case errors.Is(err, ErrFrameTimeout):
			slog.Warn("lumenerasrc: frame timeout during warm-up")
		default:
			return nil, fmt.Errorf("lumenerasrc: warm-up: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(arrivals) < 2 {
		return nil, fmt.Errorf("lumenerasrc: warm-up: not enough frames (got %d, need at least 2)", len(arrivals))
	}

	nominal := s.frameClock.Snapshot().Duration
	stats := fpsstats.Compute(arrivals, nominal)

	slog.Info("lumenerasrc: warm-up complete",
		"frames", stats.Frames,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"jitter_mean", stats.JitterMean,
		"nominal_fps", 1/nominal.Seconds(),
		"stable", stats.IsStable,
	)

	if !stats.IsStable {
		return &stats, fmt.Errorf("%w: mean=%.2f Hz, stddev=%.2f, jitter=%v",
			ErrUnstableFrameRate, stats.FPSMean, stats.FPSStdDev, stats.JitterMean)
	}
	return &stats, nil
}
