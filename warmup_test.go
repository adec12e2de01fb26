package lumenerasrc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/lucamsrc/internal/device/sim"
)

// startTimedSource starts a source on a simulated camera that emits frames
// on its own timer.
func startTimedSource(t *testing.T, cfg Config) *Source {
	t.Helper()
	drv := newSimDriver(func(c *sim.Config) { c.Manual = false })
	src, err := New(drv, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { src.Stop() })
	negotiate(t, src)
	return src
}

func TestWarmupMeasuresFrameRate(t *testing.T) {
	cfg := testConfig()
	cfg.Properties.ExposureMS = 10
	src := startTimedSource(t, cfg)

	stats, err := src.Warmup(context.Background(), 500*time.Millisecond)
	if err != nil && !errors.Is(err, ErrUnstableFrameRate) {
		t.Fatalf("Warmup() failed: %v", err)
	}
	if stats == nil {
		t.Fatal("Warmup() returned no stats")
	}
	if stats.Frames < 2 {
		t.Fatalf("Frames = %d, want at least 2", stats.Frames)
	}
	if stats.FPSMean <= 0 {
		t.Errorf("FPSMean = %.2f", stats.FPSMean)
	}
	if got := src.Stats().FramesProduced; got != uint64(stats.Frames) {
		t.Errorf("FramesProduced = %d, want %d (warm-up frames are counted)", got, stats.Frames)
	}
	t.Logf("✅ warm-up: %d frames, %.2f fps (σ %.2f), jitter %v, stable=%v",
		stats.Frames, stats.FPSMean, stats.FPSStdDev, stats.JitterMean, stats.IsStable)
}

func TestWarmupErrors(t *testing.T) {
	t.Run("not negotiated", func(t *testing.T) {
		src, _, _ := startSource(t, testConfig())
		if _, err := src.Warmup(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrNotNegotiated) {
			t.Fatalf("Warmup() = %v, want ErrNotNegotiated", err)
		}
	})

	t.Run("buffer limit reached", func(t *testing.T) {
		cfg := testConfig()
		cfg.Properties.ExposureMS = 10
		cfg.Stream.NumBuffers = 1
		src := startTimedSource(t, cfg)
		if _, err := src.Warmup(context.Background(), time.Second); !errors.Is(err, ErrEndOfStream) {
			t.Fatalf("Warmup() = %v, want ErrEndOfStream", err)
		}
	})

	t.Run("no frames", func(t *testing.T) {
		src, _, _ := startSource(t, testConfig())
		negotiate(t, src)
		if _, err := src.Warmup(context.Background(), 50*time.Millisecond); err == nil {
			t.Fatal("Warmup() succeeded without frames")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		src, _, _ := startSource(t, testConfig())
		negotiate(t, src)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := src.Warmup(ctx, time.Second); !errors.Is(err, context.Canceled) {
			t.Fatalf("Warmup() = %v, want context.Canceled", err)
		}
	})
}
