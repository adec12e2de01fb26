// Package gstsrc feeds a lumenerasrc.FrameSource into a GStreamer pipeline
// through an appsrc element.
//
// Pipeline structure:
//
//	appsrc name=lumenerasrc (live, time format) → <sink description>
//
// The sink description is any gst-launch fragment, for example
// "videoconvert ! autovideosink" or "videoconvert ! x264enc ! mp4mux !
// filesink location=out.mp4".
package gstsrc

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// SourceName is the name of the appsrc element in the pipeline.
const SourceName = "lumenerasrc"

// PipelineConfig contains configuration for pipeline creation.
type PipelineConfig struct {
	// Caps is the fixed caps string pushed buffers carry.
	Caps string

	// Sink is the gst-launch description of everything downstream.
	Sink string
}

// PipelineElements holds references to the pipeline and its source.
type PipelineElements struct {
	Pipeline *gst.Pipeline
	Source   *app.Source
}

// BuildLaunch returns the gst-launch description for sink fed by the
// appsrc. The appsrc is live, in time format, and blocks the pushing
// goroutine while its queue is full.
func BuildLaunch(sink string) (string, error) {
	sink = strings.TrimSpace(sink)
	sink = strings.TrimPrefix(sink, "!")
	sink = strings.TrimSpace(sink)
	if sink == "" {
		return "", fmt.Errorf("gstsrc: sink description is empty")
	}
	return fmt.Sprintf("appsrc name=%s is-live=true format=time do-timestamp=false block=true ! %s",
		SourceName, sink), nil
}

// CreatePipeline parses the pipeline and configures the appsrc caps.
//
// The pipeline is configured but NOT started (state remains NULL).
// Caller must call pipeline.SetState(gst.StatePlaying) to start.
func CreatePipeline(cfg PipelineConfig) (*PipelineElements, error) {
	if cfg.Caps == "" {
		return nil, fmt.Errorf("gstsrc: caps are required")
	}
	launch, err := BuildLaunch(cfg.Sink)
	if err != nil {
		return nil, err
	}

	// Safe to call multiple times
	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("gstsrc: failed to create pipeline %q: %w", launch, err)
	}

	elem, err := pipeline.GetElementByName(SourceName)
	if err != nil {
		return nil, fmt.Errorf("gstsrc: appsrc %q not found: %w", SourceName, err)
	}
	src := app.SrcFromElement(elem)
	src.SetCaps(gst.NewCapsFromString(cfg.Caps))

	slog.Info("gstsrc: pipeline created", "launch", launch, "caps", cfg.Caps)

	return &PipelineElements{
		Pipeline: pipeline,
		Source:   src,
	}, nil
}

// DestroyPipeline sets the pipeline to NULL, releasing its resources.
// Safe to call with nil elements.
func DestroyPipeline(elements *PipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstsrc: failed to set pipeline to NULL: %w", err)
	}
	return nil
}
