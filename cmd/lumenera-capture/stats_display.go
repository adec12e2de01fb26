package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/e7canasta/lucamsrc"
)

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	labelColor = color.New(color.FgWhite)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed)
)

// printBanner prints the startup summary.
func printBanner(opts Options, cfg *lumenerasrc.Config) {
	titleColor.Printf("lumenera-capture %s\n", version)
	labelColor.Printf("  driver=%s device=%d exposure=%.2fms max_frame_rate=%.1f\n",
		cfg.Device.Driver, cfg.Device.Index, cfg.Properties.ExposureMS, cfg.Properties.MaxFrameRate)
	if opts.OutputDir != "" {
		labelColor.Printf("  output=%s format=%s\n", opts.OutputDir, opts.OutputFormat)
	} else {
		labelColor.Printf("  sink=%s\n", cfg.Pipeline.Sink)
	}
	if cfg.Stream.NumBuffers > 0 {
		labelColor.Printf("  num_buffers=%d\n", cfg.Stream.NumBuffers)
	}
	if cfg.MQTT.Broker != "" {
		labelColor.Printf("  control=%s on %s\n", cfg.MQTT.Topics.Control, cfg.MQTT.Broker)
	}
	fmt.Println()
}

// reportStats periodically prints source statistics.
func reportStats(ctx context.Context, interval time.Duration, src *lumenerasrc.Source, saver *FrameSaver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	startTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printLiveStats(time.Since(startTime), src.Stats(), saver)
		}
	}
}

// printLiveStats prints current statistics.
func printLiveStats(uptime time.Duration, st lumenerasrc.Stats, saver *FrameSaver) {
	fmt.Println()
	fmt.Println("╭─────────────────────────────────────────────────────────────────╮")
	titleColor.Printf("│ Capture Statistics (Uptime: %v)\n", uptime.Round(time.Second))
	fmt.Println("├─────────────────────────────────────────────────────────────────┤")

	fmt.Println("│ Source:")
	fmt.Printf("│   Frames Produced:    %6d frames\n", st.FramesProduced)
	fmt.Printf("│   Frames Dropped:     ")
	dropColor(dropRate(st.FramesDelivered, st.FramesDropped)).Printf("%6d frames (%.1f%%)\n",
		st.FramesDropped, dropRate(st.FramesDelivered, st.FramesDropped))
	fmt.Printf("│   Timeouts:           %6d\n", st.Timeouts)
	fmt.Printf("│   Nominal FPS:        %6.2f fps (%v/frame)\n", st.EffectiveFrameRate, st.FrameDuration)
	fmt.Printf("│   Real FPS:           %6.2f fps (σ %.2f)\n", st.FPSReal, st.FPSStdDev)
	fmt.Printf("│   Jitter:             %6.2f ms\n", float64(st.JitterMean)/float64(time.Millisecond))
	fmt.Printf("│   Stable:             ")
	stableColor(st.IsStable).Printf("%6v\n", st.IsStable)
	fmt.Printf("│   Last PTS:           %v\n", st.LastTimestamp)

	if saver != nil {
		saved, dropped := saver.Stats()
		fmt.Println("│")
		fmt.Println("│ Frame Saving:")
		fmt.Printf("│   Frames Saved:       %6d frames\n", saved)
		fmt.Printf("│   Save Failures:      %6d frames (%.1f%% success)\n", dropped, successRate(saved, dropped))
	}

	fmt.Println("╰─────────────────────────────────────────────────────────────────╯")
	fmt.Println()
}

// printWarmupStats prints the warm-up measurement.
func printWarmupStats(ws *lumenerasrc.WarmupStats) {
	titleColor.Println("Warm-up:")
	fmt.Printf("  Frames:    %d over %v\n", ws.Frames, ws.Span.Round(time.Millisecond))
	fmt.Printf("  FPS:       %.2f (min %.2f, max %.2f, σ %.2f)\n", ws.FPSMean, ws.FPSMin, ws.FPSMax, ws.FPSStdDev)
	fmt.Printf("  Jitter:    mean %v, max %v\n", ws.JitterMean, ws.JitterMax)
	fmt.Printf("  Stable:    ")
	stableColor(ws.IsStable).Printf("%v\n", ws.IsStable)
	fmt.Println()
}

// printFinalStats prints final statistics at shutdown.
func printFinalStats(src *lumenerasrc.Source, saver *FrameSaver) {
	st := src.Stats()

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	titleColor.Println("                     Final Statistics                         ")
	fmt.Println("═══════════════════════════════════════════════════════════════")

	fmt.Printf("  Frames Produced:       %d frames\n", st.FramesProduced)
	fmt.Printf("  Device Drops:          %d frames (%.1f%%)\n",
		st.FramesDropped, dropRate(st.FramesDelivered, st.FramesDropped))
	fmt.Printf("  Frame Timeouts:        %d\n", st.Timeouts)
	fmt.Printf("  Average FPS:           %.2f fps\n", st.FPSReal)

	if saver != nil {
		saved, dropped := saver.Stats()
		fmt.Println()
		fmt.Printf("  Frames Saved:          %d (%.1f%% success)\n", saved, successRate(saved, dropped))
		if dropped > 0 {
			errColor.Printf("  Save Failures:         %d\n", dropped)
		}
	}
	fmt.Println("═══════════════════════════════════════════════════════════════")
}

// dropRate is the share of camera frames that arrived while the previous
// one was still held, in percent.
func dropRate(delivered, dropped uint64) float64 {
	total := delivered + dropped
	if total == 0 {
		return 0
	}
	return float64(dropped) / float64(total) * 100.0
}

func successRate(saved, dropped uint64) float64 {
	total := saved + dropped
	if total == 0 {
		return 100.0
	}
	return float64(saved) / float64(total) * 100.0
}

func dropColor(rate float64) *color.Color {
	switch {
	case rate >= 10:
		return errColor
	case rate > 0:
		return warnColor
	default:
		return okColor
	}
}

func stableColor(stable bool) *color.Color {
	if stable {
		return okColor
	}
	return warnColor
}
