// Package lumenerasrc is a live video source for Lumenera USB3 colour
// cameras.
//
// A Source opens one camera through the vendor SDK (or a simulator),
// converts each raw Bayer frame to packed RGB on the SDK callback thread
// and hands the newest frame to the streaming goroutine. Buffers are
// timestamped from the exposure time rather than the wall clock.
//
// # Quick Start
//
//	src, err := lumenerasrc.New(sim.New(sim.DefaultConfig()), lumenerasrc.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := src.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Stop()
//
//	caps := src.Caps()                   // RGB at the camera's size, framerate 0/1
//	if err := src.Negotiate(caps); err != nil {
//	    log.Fatal(err)
//	}
//	for {
//	    frame, err := src.Produce(ctx)
//	    if errors.Is(err, lumenerasrc.ErrEndOfStream) {
//	        break
//	    }
//	    ...
//	}
//
// # Frame Handoff
//
// The camera delivers frames faster than, or independently of, the
// consumer. Produce hands a single buffer to the callback and waits; the
// next frame is converted into it and handed back. Frames arriving while
// the consumer holds the buffer are dropped and counted. See
// internal/handoff.
//
// # Timestamps
//
// The effective frame rate is min(1000/exposure_ms, maxframerate) and the
// frame duration its reciprocal. The first frame is stamped at one frame
// duration and each following frame one duration later; offsets count
// frames from zero. Changing exposure changes the duration of subsequent
// frames only. See internal/frameclock.
//
// # Properties
//
// Exposure, gain, colour gains, flips, white balance mode and the frame
// rate ceiling can be changed while streaming, through typed accessors
// (SetExposure, Gain, ...) or by name (SetProperty, Property). Values are
// cached and pushed to the camera on Start.
//
// # White Balance
//
//   - disabled: colour gains stay as set
//   - oneshot: the camera measures live video once and updates the gains
//   - auto: oneshot repeats periodically while streaming
//
// Each white balance step is followed by a fixed settle delay.
package lumenerasrc
