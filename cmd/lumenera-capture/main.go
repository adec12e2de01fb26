// Command lumenera-capture streams a Lumenera USB3 camera into a GStreamer
// pipeline, or saves frames to disk with --output.
//
// Usage:
//
//	lumenera-capture --config lumenera.yaml
//	lumenera-capture --driver sim --sink "videoconvert ! autovideosink"
//	lumenera-capture --driver sim --num-buffers 50 --output ./frames --format jpeg
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/lucamsrc"
	"github.com/e7canasta/lucamsrc/internal/control"
	"github.com/e7canasta/lucamsrc/internal/device/lucam"
	"github.com/e7canasta/lucamsrc/internal/device/sim"
	"github.com/e7canasta/lucamsrc/internal/gstsrc"
)

const version = "v0.1.0"

// Options are the command line settings layered over the config file.
type Options struct {
	ConfigPath string
	Driver     string
	Device     int
	NumBuffers uint64
	Sink       string

	// Frame saving (optional)
	OutputDir    string
	OutputFormat string
	JPEGQuality  int
	OutputWidth  int

	Warmup        time.Duration
	StatsInterval time.Duration
	MaxTimeouts   int

	Debug    bool
	JSONLogs bool
	Version  bool
}

func main() {
	opts := parseFlags()
	if opts.Version {
		fmt.Println("lumenera-capture", version)
		return
	}

	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if opts.JSONLogs {
		handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := loadConfig(opts)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	printBanner(opts, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("capture failed", "error", err)
		os.Exit(1)
	}
	slog.Info("capture stopped gracefully")
}

func parseFlags() Options {
	var opts Options

	flag.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML configuration file")
	flag.StringVar(&opts.Driver, "driver", "", "Camera driver: lucam or sim (overrides config)")
	flag.IntVarP(&opts.Device, "device", "d", 0, "1-based camera index (overrides config)")
	flag.Uint64VarP(&opts.NumBuffers, "num-buffers", "n", 0, "Stop after this many frames (0 = config value)")
	flag.StringVar(&opts.Sink, "sink", "", "gst-launch description downstream of the source (overrides config)")

	flag.StringVarP(&opts.OutputDir, "output", "o", "", "Save frames to this directory instead of running a pipeline")
	flag.StringVar(&opts.OutputFormat, "format", "png", "Output format: png or jpeg")
	flag.IntVar(&opts.JPEGQuality, "jpeg-quality", 90, "JPEG quality (1-100, only for JPEG)")
	flag.IntVar(&opts.OutputWidth, "output-width", 0, "Resize saved frames to this width (0 = native)")

	flag.DurationVar(&opts.Warmup, "warmup", 0, "Measure frame rate stability for this long before saving")
	flag.DurationVar(&opts.StatsInterval, "stats-interval", 5*time.Second, "Statistics reporting interval (0 disables)")
	flag.IntVar(&opts.MaxTimeouts, "max-timeouts", 0, "Fail after this many consecutive frame timeouts (0 = never)")

	flag.BoolVar(&opts.Debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&opts.JSONLogs, "json-logs", false, "Log JSON to stdout")
	flag.BoolVarP(&opts.Version, "version", "v", false, "Print version and exit")

	flag.Parse()
	return opts
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts Options) (*lumenerasrc.Config, error) {
	var cfg *lumenerasrc.Config
	if opts.ConfigPath != "" {
		loaded, err := lumenerasrc.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		def := lumenerasrc.DefaultConfig()
		cfg = &def
	}

	if opts.Driver != "" {
		cfg.Device.Driver = opts.Driver
	}
	if opts.Device > 0 {
		cfg.Device.Index = opts.Device
	}
	if opts.NumBuffers > 0 {
		cfg.Stream.NumBuffers = opts.NumBuffers
	}
	if opts.Sink != "" {
		cfg.Pipeline.Sink = opts.Sink
	}
	if err := lumenerasrc.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newDriver(name string) (lumenerasrc.Driver, error) {
	switch name {
	case "lucam":
		return lucam.New(), nil
	case "sim":
		return sim.New(sim.DefaultConfig()), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

func run(ctx context.Context, opts Options, cfg *lumenerasrc.Config) error {
	drv, err := newDriver(cfg.Device.Driver)
	if err != nil {
		return err
	}
	src, err := lumenerasrc.New(drv, *cfg)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	// Frame producers end on their own at end of stream; the rest follow.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if cfg.MQTT.Broker != "" {
		if err := startControl(runCtx, g, cfg.MQTT, src); err != nil {
			return err
		}
	}

	var saver *FrameSaver
	if opts.OutputDir != "" {
		saver, err = NewFrameSaver(opts.OutputDir, opts.OutputFormat, opts.JPEGQuality, opts.OutputWidth)
		if err != nil {
			return err
		}
	}

	g.Go(func() error {
		defer cancelRun()
		if saver != nil {
			return captureToDisk(ctx, src, saver, opts.Warmup, opts.MaxTimeouts)
		}
		elem := gstsrc.New(src, gstsrc.Config{
			Sink:                   cfg.Pipeline.Sink,
			MaxConsecutiveTimeouts: opts.MaxTimeouts,
		})
		return elem.Run(ctx)
	})

	if opts.StatsInterval > 0 {
		g.Go(func() error {
			reportStats(runCtx, opts.StatsInterval, src, saver)
			return nil
		})
	}

	err = g.Wait()
	printFinalStats(src, saver)
	return err
}

// startControl connects to the broker and serves commands and status
// until ctx is cancelled.
func startControl(ctx context.Context, g *errgroup.Group, cfg lumenerasrc.MQTTConfig, src *lumenerasrc.Source) error {
	client, err := control.Connect(ctx, cfg)
	if err != nil {
		return err
	}

	handler := control.NewHandler(cfg, client, src)
	if err := handler.Start(ctx); err != nil {
		client.Disconnect(250)
		return err
	}

	publisher, err := control.NewStatusPublisher(client, src, cfg, nil)
	if err != nil {
		client.Disconnect(250)
		return err
	}

	g.Go(func() error {
		return publisher.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		err := handler.Stop()
		client.Disconnect(250)
		return err
	})
	return nil
}

// captureToDisk runs the source without a pipeline and saves every frame.
// maxTimeouts > 0 fails the capture after that many frame timeouts in a
// row.
func captureToDisk(ctx context.Context, src *lumenerasrc.Source, saver *FrameSaver, warmup time.Duration, maxTimeouts int) (err error) {
	if err := src.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if serr := src.Stop(); serr != nil && err == nil {
			err = serr
		}
	}()

	if err := src.Negotiate(src.Caps()); err != nil {
		return err
	}

	if warmup > 0 {
		stats, err := src.Warmup(ctx, warmup)
		if err != nil && !errors.Is(err, lumenerasrc.ErrUnstableFrameRate) {
			return fmt.Errorf("warm-up failed: %w", err)
		}
		if stats != nil {
			printWarmupStats(stats)
		}
	}

	consecutive := 0
	for {
		frame, err := src.Produce(ctx)
		switch {
		case errors.Is(err, lumenerasrc.ErrEndOfStream),
			errors.Is(err, lumenerasrc.ErrFlushing),
			ctx.Err() != nil:
			return nil
		case errors.Is(err, lumenerasrc.ErrFrameTimeout):
			consecutive++
			if maxTimeouts > 0 && consecutive >= maxTimeouts {
				return fmt.Errorf("camera stalled after %d frame timeouts: %w", consecutive, err)
			}
			continue
		case err != nil:
			return err
		}
		consecutive = 0

		if err := saver.SaveFrame(frame); err != nil {
			slog.Warn("failed to save frame", "error", err, "offset", frame.Offset, "trace_id", frame.TraceID)
		}
	}
}
