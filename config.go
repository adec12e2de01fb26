package lumenerasrc

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Property ranges and defaults.
const (
	MinExposureMS     = 0.01
	MaxExposureMS     = 2000.0
	DefaultExposureMS = 20.0

	MinGain     = 0
	MaxGain     = 100
	DefaultGain = 1

	MinColorGain     = 1.0
	MaxColorGain     = 3.984375
	DefaultRedGain   = 1.109374
	DefaultGreenGain = 1.0625
	DefaultBlueGain  = 1.921875

	MinMaxFrameRate     = 10.0
	MaxMaxFrameRate     = 200.0
	DefaultMaxFrameRate = 25.0
)

// Config is the complete source configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Properties PropertiesConfig `yaml:"properties"`
	Stream     StreamConfig     `yaml:"stream"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
}

// DeviceConfig selects and prepares the camera.
type DeviceConfig struct {
	Driver string `yaml:"driver"` // lucam, sim
	Index  int    `yaml:"index"`  // 1-based camera index

	TapConfiguration string `yaml:"tap_configuration"` // single, dual, keep

	// FramePulse routes the frame pulse to the GPO and drives GPIOs as
	// outputs.
	FramePulse bool `yaml:"frame_pulse"`

	// StartupWhiteBalance runs one-shot and digital white balance once
	// while opening the camera.
	StartupWhiteBalance bool `yaml:"startup_white_balance"`

	// WhiteBalanceSettleMS is the wait after each white balance step.
	WhiteBalanceSettleMS int `yaml:"white_balance_settle_ms"`
}

// PropertiesConfig holds initial values of the runtime properties.
type PropertiesConfig struct {
	ExposureMS   float64 `yaml:"exposure_ms"`
	Gain         int     `yaml:"gain"` // percent of device range
	RedGain      float64 `yaml:"red_gain"`
	GreenGain    float64 `yaml:"green_gain"`
	BlueGain     float64 `yaml:"blue_gain"`
	HFlip        bool    `yaml:"hflip"`
	VFlip        bool    `yaml:"vflip"`
	WhiteBalance string  `yaml:"white_balance"` // disabled, oneshot, auto
	MaxFrameRate float64 `yaml:"max_frame_rate"`
}

// StreamConfig controls frame production.
type StreamConfig struct {
	// NumBuffers ends the stream after this many frames. Zero is unlimited.
	NumBuffers uint64 `yaml:"num_buffers"`

	// FrameTimeoutMS bounds the wait for one frame.
	FrameTimeoutMS int `yaml:"frame_timeout_ms"`

	// AutoWhiteBalanceIntervalS is the period of white balance runs in auto
	// mode.
	AutoWhiteBalanceIntervalS float64 `yaml:"auto_white_balance_interval_s"`

	// StatsWindow is the number of recent frames used for FPS statistics.
	StatsWindow int `yaml:"stats_window"`
}

// PipelineConfig describes the GStreamer graph downstream of the source.
type PipelineConfig struct {
	Sink string `yaml:"sink"`
}

// MQTTConfig configures the remote control plane. An empty broker
// disables it.
type MQTTConfig struct {
	Broker          string     `yaml:"broker"`
	ClientID        string     `yaml:"client_id"`
	Topics          MQTTTopics `yaml:"topics"`
	QoS             byte       `yaml:"qos"`
	StatusIntervalS int        `yaml:"status_interval_s"`
	StatusEncoding  string     `yaml:"status_encoding"` // json, msgpack
}

// MQTTTopics names the control plane topics.
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Driver:               "lucam",
			Index:                1,
			TapConfiguration:     "dual",
			FramePulse:           true,
			StartupWhiteBalance:  true,
			WhiteBalanceSettleMS: 500,
		},
		Properties: PropertiesConfig{
			ExposureMS:   DefaultExposureMS,
			Gain:         DefaultGain,
			RedGain:      DefaultRedGain,
			GreenGain:    DefaultGreenGain,
			BlueGain:     DefaultBlueGain,
			WhiteBalance: "disabled",
			MaxFrameRate: DefaultMaxFrameRate,
		},
		Stream: StreamConfig{
			FrameTimeoutMS:            5000,
			AutoWhiteBalanceIntervalS: 5,
			StatsWindow:               100,
		},
		Pipeline: PipelineConfig{
			Sink: "videoconvert ! autovideosink",
		},
		MQTT: MQTTConfig{
			QoS:             1,
			StatusIntervalS: 5,
			StatusEncoding:  "json",
		},
	}
}

// Load reads a YAML configuration file. Keys missing from the file keep
// their DefaultConfig values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lumenerasrc: failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("lumenerasrc: failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("lumenerasrc: invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks cfg and fills zero-valued fields with defaults.
func Validate(cfg *Config) error {
	def := DefaultConfig()

	switch cfg.Device.Driver {
	case "":
		cfg.Device.Driver = def.Device.Driver
	case "lucam", "sim":
	default:
		return fmt.Errorf("device.driver must be lucam or sim, got %q", cfg.Device.Driver)
	}
	if cfg.Device.Index == 0 {
		cfg.Device.Index = def.Device.Index
	}
	if cfg.Device.Index < 0 {
		return fmt.Errorf("device.index must be >= 1, got %d", cfg.Device.Index)
	}
	switch cfg.Device.TapConfiguration {
	case "":
		cfg.Device.TapConfiguration = def.Device.TapConfiguration
	case "single", "dual", "keep":
	default:
		return fmt.Errorf("device.tap_configuration must be single, dual or keep, got %q", cfg.Device.TapConfiguration)
	}
	if cfg.Device.WhiteBalanceSettleMS < 0 {
		return fmt.Errorf("device.white_balance_settle_ms must be >= 0")
	}

	p := &cfg.Properties
	if p.ExposureMS == 0 {
		p.ExposureMS = DefaultExposureMS
	}
	if p.ExposureMS < MinExposureMS || p.ExposureMS > MaxExposureMS {
		return fmt.Errorf("properties.exposure_ms must be in [%g, %g], got %g", MinExposureMS, MaxExposureMS, p.ExposureMS)
	}
	if p.Gain < MinGain || p.Gain > MaxGain {
		return fmt.Errorf("properties.gain must be in [%d, %d], got %d", MinGain, MaxGain, p.Gain)
	}
	for _, g := range []struct {
		name string
		v    *float64
		def  float64
	}{
		{"red_gain", &p.RedGain, DefaultRedGain},
		{"green_gain", &p.GreenGain, DefaultGreenGain},
		{"blue_gain", &p.BlueGain, DefaultBlueGain},
	} {
		if *g.v == 0 {
			*g.v = g.def
		}
		if *g.v < MinColorGain || *g.v > MaxColorGain {
			return fmt.Errorf("properties.%s must be in [%g, %g], got %g", g.name, MinColorGain, MaxColorGain, *g.v)
		}
	}
	if _, err := ParseWhiteBalanceMode(p.WhiteBalance); err != nil {
		return fmt.Errorf("properties.white_balance: %w", err)
	}
	if p.WhiteBalance == "" {
		p.WhiteBalance = def.Properties.WhiteBalance
	}
	if p.MaxFrameRate == 0 {
		p.MaxFrameRate = DefaultMaxFrameRate
	}
	if p.MaxFrameRate < MinMaxFrameRate || p.MaxFrameRate > MaxMaxFrameRate {
		return fmt.Errorf("properties.max_frame_rate must be in [%g, %g], got %g", MinMaxFrameRate, MaxMaxFrameRate, p.MaxFrameRate)
	}

	if cfg.Stream.FrameTimeoutMS <= 0 {
		cfg.Stream.FrameTimeoutMS = def.Stream.FrameTimeoutMS
	}
	if cfg.Stream.AutoWhiteBalanceIntervalS <= 0 {
		cfg.Stream.AutoWhiteBalanceIntervalS = def.Stream.AutoWhiteBalanceIntervalS
	}
	if cfg.Stream.StatsWindow < 2 {
		cfg.Stream.StatsWindow = def.Stream.StatsWindow
	}

	if cfg.Pipeline.Sink == "" {
		cfg.Pipeline.Sink = def.Pipeline.Sink
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = fmt.Sprintf("lumenerasrc-%d", cfg.Device.Index)
		}
		if cfg.MQTT.Topics.Control == "" {
			cfg.MQTT.Topics.Control = fmt.Sprintf("lumenera/control/%d", cfg.Device.Index)
		}
		if cfg.MQTT.Topics.Status == "" {
			cfg.MQTT.Topics.Status = fmt.Sprintf("lumenera/status/%d", cfg.Device.Index)
		}
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.MQTT.StatusIntervalS <= 0 {
		cfg.MQTT.StatusIntervalS = def.MQTT.StatusIntervalS
	}
	switch cfg.MQTT.StatusEncoding {
	case "":
		cfg.MQTT.StatusEncoding = def.MQTT.StatusEncoding
	case "json", "msgpack":
	default:
		return fmt.Errorf("mqtt.status_encoding must be json or msgpack, got %q", cfg.MQTT.StatusEncoding)
	}

	return nil
}

// FrameTimeout returns the configured frame wait bound.
func (c StreamConfig) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutMS) * time.Millisecond
}

// AutoWhiteBalanceInterval returns the auto white balance period.
func (c StreamConfig) AutoWhiteBalanceInterval() time.Duration {
	return time.Duration(c.AutoWhiteBalanceIntervalS * float64(time.Second))
}

// WhiteBalanceSettle returns the wait after each white balance step.
func (c DeviceConfig) WhiteBalanceSettle() time.Duration {
	return time.Duration(c.WhiteBalanceSettleMS) * time.Millisecond
}
