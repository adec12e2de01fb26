package lumenerasrc

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/samber/lo"
	"github.com/spf13/cast"

	"github.com/e7canasta/lucamsrc/internal/device"
)

// Property setters validate the value, cache it and, when a camera is
// open, write it to the device. Device write failures are logged and do
// not fail the setter. Getters read the device when one is open and fall
// back to the cached value.

// SetExposure sets the exposure time in milliseconds and recomputes the
// frame rate and frame duration.
func (s *Source) SetExposure(ms float64) error {
	if ms < MinExposureMS || ms > MaxExposureMS || math.IsNaN(ms) {
		return fmt.Errorf("%w: exposure %g ms outside [%g, %g]", ErrInvalidProperty, ms, MinExposureMS, MaxExposureMS)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props.exposureMS = ms
	s.applyExposureLocked()
	return nil
}

// Exposure returns the exposure time in milliseconds.
func (s *Source) Exposure() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam != nil {
		if v, err := s.cam.Property(device.PropExposure); check("Property(exposure)", err) {
			return v
		}
	}
	return s.props.exposureMS
}

// SetGain sets the analog gain as a percentage of the device gain range.
func (s *Source) SetGain(percent int) error {
	if percent < MinGain || percent > MaxGain {
		return fmt.Errorf("%w: gain %d outside [%d, %d]", ErrInvalidProperty, percent, MinGain, MaxGain)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props.gain = percent
	s.applyGainLocked()
	return nil
}

// Gain returns the analog gain as a percentage of the device gain range.
func (s *Source) Gain() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.sess.gain
	if s.cam == nil || r.Max <= r.Min {
		return s.props.gain
	}
	v, err := s.cam.Property(device.PropGain)
	if !check("Property(gain)", err) {
		return s.props.gain
	}
	return int(math.Round((v - r.Min) * 100 / (r.Max - r.Min)))
}

// SetRedGain sets the red channel gain.
func (s *Source) SetRedGain(v float64) error {
	return s.setColorGain("rgain", v, &s.props.redGain, device.PropGainRed)
}

// RedGain returns the red channel gain.
func (s *Source) RedGain() float64 {
	return s.colorGain(device.PropGainRed, &s.props.redGain)
}

// SetGreenGain sets both green channel gains.
func (s *Source) SetGreenGain(v float64) error {
	return s.setColorGain("ggain", v, &s.props.greenGain, device.PropGainGreen1, device.PropGainGreen2)
}

// GreenGain returns the first green channel gain.
func (s *Source) GreenGain() float64 {
	return s.colorGain(device.PropGainGreen1, &s.props.greenGain)
}

// SetBlueGain sets the blue channel gain.
func (s *Source) SetBlueGain(v float64) error {
	return s.setColorGain("bgain", v, &s.props.blueGain, device.PropGainBlue)
}

// BlueGain returns the blue channel gain.
func (s *Source) BlueGain() float64 {
	return s.colorGain(device.PropGainBlue, &s.props.blueGain)
}

func (s *Source) setColorGain(name string, v float64, cached *float64, ids ...device.PropertyID) error {
	if v < MinColorGain || v > MaxColorGain || math.IsNaN(v) {
		return fmt.Errorf("%w: %s %g outside [%g, %g]", ErrInvalidProperty, name, v, MinColorGain, MaxColorGain)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	*cached = v
	if s.cam != nil {
		for _, id := range ids {
			check("SetProperty("+id.String()+")", s.cam.SetProperty(id, v))
		}
	}
	return nil
}

func (s *Source) colorGain(id device.PropertyID, cached *float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cam != nil {
		if v, err := s.cam.Property(id); check("Property("+id.String()+")", err) {
			return v
		}
	}
	return *cached
}

// SetHFlip mirrors the image horizontally.
func (s *Source) SetHFlip(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props.hflip = on
	if s.cam != nil {
		check("SetProperty(flipping_x)", s.cam.SetProperty(device.PropFlippingX, boolValue(on)))
	}
	return nil
}

// HFlip reports whether the image is mirrored horizontally.
func (s *Source) HFlip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props.hflip
}

// SetVFlip mirrors the image vertically.
func (s *Source) SetVFlip(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props.vflip = on
	if s.cam != nil {
		check("SetProperty(flipping_y)", s.cam.SetProperty(device.PropFlippingY, boolValue(on)))
	}
	return nil
}

// VFlip reports whether the image is mirrored vertically.
func (s *Source) VFlip() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.props.vflip
}

// SetMaxFrameRate sets the frame rate ceiling and recomputes the frame
// rate. With a camera open the sensor frame rate is reselected.
func (s *Source) SetMaxFrameRate(fps float64) error {
	if fps < MinMaxFrameRate || fps > MaxMaxFrameRate || math.IsNaN(fps) {
		return fmt.Errorf("%w: maxframerate %g outside [%g, %g]", ErrInvalidProperty, fps, MinMaxFrameRate, MaxMaxFrameRate)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props.maxFrameRate = fps
	s.applyExposureLocked()
	return nil
}

// MaxFrameRate returns the frame rate ceiling in effect: the configured
// value, lowered to the fastest rate the open camera supports.
func (s *Source) MaxFrameRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameRateCeilingLocked()
}

// FrameRate returns the effective frame rate derived from exposure.
func (s *Source) FrameRate() float64 {
	return s.frameClock.Snapshot().FrameRate
}

// DevicePresent reports whether a camera is open.
func (s *Source) DevicePresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cam != nil
}

// frameRateCeilingLocked returns the configured ceiling, lowered to the
// fastest rate the camera supports. Caller holds s.mu.
func (s *Source) frameRateCeilingLocked() float64 {
	ceiling := s.props.maxFrameRate
	if s.cam != nil && s.sess.deviceMaxRate > 0 {
		ceiling = min(ceiling, s.sess.deviceMaxRate)
	}
	return ceiling
}

// applyExposureLocked selects the sensor frame rate, writes the exposure
// and recomputes the frame clock from the exposure the camera reports.
// Caller holds s.mu.
func (s *Source) applyExposureLocked() {
	exposure := s.props.exposureMS
	ceiling := s.frameRateCeilingLocked()

	if s.cam != nil {
		check("SetFormat", s.cam.SetFormat(s.sess.frame, ceiling))
		if r := s.sess.exposure; r.Max > r.Min {
			exposure = lo.Clamp(exposure, r.Min, r.Max)
		}
		check("SetProperty(exposure)", s.cam.SetProperty(device.PropExposure, exposure))
		if actual, err := s.cam.Property(device.PropExposure); check("Property(exposure)", err) {
			exposure = actual
		}
	}

	s.frameClock.SetMaxFrameRate(ceiling)
	s.frameClock.SetExposure(exposure)

	snap := s.frameClock.Snapshot()
	slog.Debug("lumenerasrc: exposure applied",
		"exposure_ms", exposure,
		"max_frame_rate", ceiling,
		"frame_rate", snap.FrameRate,
		"frame_duration", snap.Duration,
	)
}

// applyGainLocked maps the gain percentage onto the device range. Caller
// holds s.mu.
func (s *Source) applyGainLocked() {
	if s.cam == nil {
		return
	}
	r := s.sess.gain
	if r.Max <= r.Min {
		slog.Warn("lumenerasrc: gain range unknown, gain not applied", "gain", s.props.gain)
		return
	}
	native := r.Min + float64(s.props.gain)*(r.Max-r.Min)/100
	check("SetProperty(gain)", s.cam.SetProperty(device.PropGain, native))
}

// applyPropertiesLocked writes every cached property to a freshly opened
// camera. Caller holds s.mu.
func (s *Source) applyPropertiesLocked() {
	s.applyExposureLocked()
	s.applyGainLocked()
	check("SetProperty(gain_red)", s.cam.SetProperty(device.PropGainRed, s.props.redGain))
	check("SetProperty(gain_green1)", s.cam.SetProperty(device.PropGainGreen1, s.props.greenGain))
	check("SetProperty(gain_green2)", s.cam.SetProperty(device.PropGainGreen2, s.props.greenGain))
	check("SetProperty(gain_blue)", s.cam.SetProperty(device.PropGainBlue, s.props.blueGain))
	check("SetProperty(flipping_x)", s.cam.SetProperty(device.PropFlippingX, boolValue(s.props.hflip)))
	check("SetProperty(flipping_y)", s.cam.SetProperty(device.PropFlippingY, boolValue(s.props.vflip)))
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// property binds a property name to its typed accessors. A nil set marks
// the property read-only.
type property struct {
	get func(*Source) any
	set func(*Source, any) error
}

var propertyTable = map[string]property{
	"exposure": {
		get: func(s *Source) any { return s.Exposure() },
		set: func(s *Source, v any) error {
			f, err := toFloat("exposure", v)
			if err != nil {
				return err
			}
			return s.SetExposure(f)
		},
	},
	"gain": {
		get: func(s *Source) any { return s.Gain() },
		set: func(s *Source, v any) error {
			n, err := cast.ToIntE(v)
			if err != nil {
				return fmt.Errorf("%w: gain: %w", ErrInvalidProperty, err)
			}
			return s.SetGain(n)
		},
	},
	"rgain": {
		get: func(s *Source) any { return s.RedGain() },
		set: func(s *Source, v any) error {
			f, err := toFloat("rgain", v)
			if err != nil {
				return err
			}
			return s.SetRedGain(f)
		},
	},
	"ggain": {
		get: func(s *Source) any { return s.GreenGain() },
		set: func(s *Source, v any) error {
			f, err := toFloat("ggain", v)
			if err != nil {
				return err
			}
			return s.SetGreenGain(f)
		},
	},
	"bgain": {
		get: func(s *Source) any { return s.BlueGain() },
		set: func(s *Source, v any) error {
			f, err := toFloat("bgain", v)
			if err != nil {
				return err
			}
			return s.SetBlueGain(f)
		},
	},
	"hflip": {
		get: func(s *Source) any { return s.HFlip() },
		set: func(s *Source, v any) error {
			b, err := toBool("hflip", v)
			if err != nil {
				return err
			}
			return s.SetHFlip(b)
		},
	},
	"vflip": {
		get: func(s *Source) any { return s.VFlip() },
		set: func(s *Source, v any) error {
			b, err := toBool("vflip", v)
			if err != nil {
				return err
			}
			return s.SetVFlip(b)
		},
	},
	"whitebalance": {
		get: func(s *Source) any { return s.WhiteBalance().String() },
		set: func(s *Source, v any) error {
			mode, err := toWhiteBalanceMode(v)
			if err != nil {
				return err
			}
			return s.SetWhiteBalance(mode)
		},
	},
	"maxframerate": {
		get: func(s *Source) any { return s.MaxFrameRate() },
		set: func(s *Source, v any) error {
			f, err := toFloat("maxframerate", v)
			if err != nil {
				return err
			}
			return s.SetMaxFrameRate(f)
		},
	},
	"devicepresent": {
		get: func(s *Source) any { return s.DevicePresent() },
	},
}

func toFloat(name string, v any) (float64, error) {
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidProperty, name, err)
	}
	return f, nil
}

func toBool(name string, v any) (bool, error) {
	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrInvalidProperty, name, err)
	}
	return b, nil
}

func toWhiteBalanceMode(v any) (WhiteBalanceMode, error) {
	switch x := v.(type) {
	case WhiteBalanceMode:
		return x, nil
	case string:
		return ParseWhiteBalanceMode(x)
	}
	n, err := cast.ToIntE(v)
	if err != nil || n < int(WhiteBalanceDisabled) || n > int(WhiteBalanceAuto) {
		return 0, fmt.Errorf("%w: whitebalance %v", ErrInvalidProperty, v)
	}
	return WhiteBalanceMode(n), nil
}

// SetProperty sets a property by name. Values are coerced from strings,
// numbers and booleans.
func (s *Source) SetProperty(name string, value any) error {
	p, ok := propertyTable[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProperty, name)
	}
	if p.set == nil {
		return fmt.Errorf("%w: %q", ErrReadOnlyProperty, name)
	}
	if err := p.set(s, value); err != nil {
		return err
	}
	slog.Info("lumenerasrc: property set", "name", name, "value", value)
	return nil
}

// Property returns a property by name.
func (s *Source) Property(name string) (any, error) {
	p, ok := propertyTable[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProperty, name)
	}
	return p.get(s), nil
}

// Properties returns all property values by name.
func (s *Source) Properties() map[string]any {
	out := make(map[string]any, len(propertyTable))
	for name, p := range propertyTable {
		out[name] = p.get(s)
	}
	return out
}

// PropertyNames returns the property names in sorted order.
func PropertyNames() []string {
	names := lo.Keys(propertyTable)
	sort.Strings(names)
	return names
}
