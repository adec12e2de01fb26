package lumenerasrc

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/e7canasta/lucamsrc/internal/device"
)

func TestGainMapsOntoDeviceRange(t *testing.T) {
	src, _, cam := startSource(t, testConfig())

	// simulated gain range is [0, 7.75]
	tests := []struct {
		percent int
		native  float64
	}{
		{0, 0},
		{50, 3.875},
		{100, 7.75},
	}
	for _, tt := range tests {
		if err := src.SetGain(tt.percent); err != nil {
			t.Fatalf("SetGain(%d) failed: %v", tt.percent, err)
		}
		v, err := cam.Property(device.PropGain)
		if err != nil {
			t.Fatal(err)
		}
		if v != tt.native {
			t.Errorf("SetGain(%d): device gain = %v, want %v", tt.percent, v, tt.native)
		}
		if got := src.Gain(); got != tt.percent {
			t.Errorf("Gain() = %d, want %d", got, tt.percent)
		}
	}
}

func TestGreenGainSetsBothGreenChannels(t *testing.T) {
	src, _, cam := startSource(t, testConfig())

	if err := src.SetGreenGain(2.5); err != nil {
		t.Fatal(err)
	}
	for _, id := range []device.PropertyID{device.PropGainGreen1, device.PropGainGreen2} {
		if v, _ := cam.Property(id); v != 2.5 {
			t.Errorf("%v = %v, want 2.5", id, v)
		}
	}
	if got := src.GreenGain(); got != 2.5 {
		t.Errorf("GreenGain() = %v, want 2.5", got)
	}
}

func TestFlipWritesDevice(t *testing.T) {
	src, _, cam := startSource(t, testConfig())

	if err := src.SetHFlip(true); err != nil {
		t.Fatal(err)
	}
	if err := src.SetVFlip(true); err != nil {
		t.Fatal(err)
	}
	if v, _ := cam.Property(device.PropFlippingX); v != 1 {
		t.Errorf("flipping_x = %v, want 1", v)
	}
	if v, _ := cam.Property(device.PropFlippingY); v != 1 {
		t.Errorf("flipping_y = %v, want 1", v)
	}
	if !src.HFlip() || !src.VFlip() {
		t.Error("HFlip()/VFlip() = false after set")
	}
}

func TestPropertiesWithoutDevice(t *testing.T) {
	src, err := New(newSimDriver(nil), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if err := src.SetExposure(100); err != nil {
		t.Fatal(err)
	}
	if got := src.Exposure(); got != 100 {
		t.Errorf("Exposure() = %v, want 100", got)
	}
	if got := src.FrameRate(); got != 10 {
		t.Errorf("FrameRate() = %v, want 10", got)
	}
	if err := src.SetGain(30); err != nil {
		t.Fatal(err)
	}
	if got := src.Gain(); got != 30 {
		t.Errorf("Gain() = %d, want 30", got)
	}
	if src.DevicePresent() {
		t.Error("DevicePresent() = true before Start")
	}
}

func TestCachedPropertiesAppliedOnStart(t *testing.T) {
	src, err := New(newSimDriver(nil), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := src.SetExposure(50); err != nil {
		t.Fatal(err)
	}
	if err := src.SetBlueGain(3); err != nil {
		t.Fatal(err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	if got := src.Exposure(); got != 50 {
		t.Errorf("Exposure() = %v, want 50", got)
	}
	if got := src.BlueGain(); got != 3 {
		t.Errorf("BlueGain() = %v, want 3", got)
	}
}

func TestMaxFrameRateRecomputesClock(t *testing.T) {
	src, _, _ := startSource(t, testConfig())

	// exposure 20 ms allows 50 fps
	if err := src.SetMaxFrameRate(40); err != nil {
		t.Fatal(err)
	}
	if got := src.FrameRate(); got != 40 {
		t.Errorf("FrameRate() = %v, want 40", got)
	}
	if got := src.MaxFrameRate(); got != 40 {
		t.Errorf("MaxFrameRate() = %v, want 40", got)
	}
}

func TestPropertyRangeValidation(t *testing.T) {
	src, err := New(newSimDriver(nil), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		set  func() error
	}{
		{"exposure below", func() error { return src.SetExposure(0.001) }},
		{"exposure above", func() error { return src.SetExposure(2001) }},
		{"gain negative", func() error { return src.SetGain(-1) }},
		{"gain above", func() error { return src.SetGain(101) }},
		{"rgain below", func() error { return src.SetRedGain(0.5) }},
		{"bgain above", func() error { return src.SetBlueGain(4) }},
		{"maxframerate below", func() error { return src.SetMaxFrameRate(5) }},
		{"maxframerate above", func() error { return src.SetMaxFrameRate(201) }},
		{"whitebalance unknown", func() error { return src.SetWhiteBalance(WhiteBalanceMode(7)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.set(); !errors.Is(err, ErrInvalidProperty) {
				t.Fatalf("got %v, want ErrInvalidProperty", err)
			}
		})
	}
	if got := src.Exposure(); got != DefaultExposureMS {
		t.Errorf("rejected value changed exposure to %v", got)
	}
}

func TestPropertyByName(t *testing.T) {
	src, _, _ := startSource(t, testConfig())

	sets := []struct {
		name  string
		value any
		want  any
	}{
		{"exposure", "30", 30.0},
		{"gain", 100, 100},
		{"rgain", 2.0, 2.0},
		{"ggain", "1.5", 1.5},
		{"bgain", 3, 3.0},
		{"hflip", "true", true},
		{"vflip", 1, true},
		{"whitebalance", "disabled", "disabled"},
		{"maxframerate", 60, 60.0},
	}
	for _, tt := range sets {
		t.Run(tt.name, func(t *testing.T) {
			if err := src.SetProperty(tt.name, tt.value); err != nil {
				t.Fatalf("SetProperty(%q, %v) failed: %v", tt.name, tt.value, err)
			}
			got, err := src.Property(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Property(%q) = %v (%T), want %v (%T)", tt.name, got, got, tt.want, tt.want)
			}
		})
	}

	if v, _ := src.Property("devicepresent"); v != true {
		t.Errorf("devicepresent = %v, want true", v)
	}
}

func TestPropertyByNameErrors(t *testing.T) {
	src, _, _ := startSource(t, testConfig())

	tests := []struct {
		name  string
		value any
		want  error
	}{
		{"bogus", 1, ErrUnknownProperty},
		{"devicepresent", false, ErrReadOnlyProperty},
		{"gain", "loud", ErrInvalidProperty},
		{"gain", 150, ErrInvalidProperty},
		{"hflip", "sideways", ErrInvalidProperty},
		{"whitebalance", "sometimes", ErrInvalidProperty},
		{"whitebalance", 9, ErrInvalidProperty},
	}
	for _, tt := range tests {
		if err := src.SetProperty(tt.name, tt.value); !errors.Is(err, tt.want) {
			t.Errorf("SetProperty(%q, %v) = %v, want %v", tt.name, tt.value, err, tt.want)
		}
	}
	if _, err := src.Property("bogus"); !errors.Is(err, ErrUnknownProperty) {
		t.Errorf("Property(bogus) = %v, want ErrUnknownProperty", err)
	}
}

func TestPropertyNames(t *testing.T) {
	names := PropertyNames()
	want := []string{"bgain", "devicepresent", "exposure", "gain", "ggain", "hflip", "maxframerate", "rgain", "vflip", "whitebalance"}
	if !slices.Equal(names, want) {
		t.Errorf("PropertyNames() = %v, want %v", names, want)
	}

	src, err := New(newSimDriver(nil), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(src.Properties()); got != len(want) {
		t.Errorf("Properties() has %d entries, want %d", got, len(want))
	}
}
