package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/lucamsrc"
)

// StatsReport is the wire form of lumenerasrc.Stats. Durations are in
// milliseconds.
type StatsReport struct {
	SessionID          string  `json:"session_id" msgpack:"session_id"`
	DevicePresent      bool    `json:"device_present" msgpack:"device_present"`
	Streaming          bool    `json:"streaming" msgpack:"streaming"`
	FramesProduced     uint64  `json:"frames_produced" msgpack:"frames_produced"`
	FramesDelivered    uint64  `json:"frames_delivered" msgpack:"frames_delivered"`
	FramesDropped      uint64  `json:"frames_dropped" msgpack:"frames_dropped"`
	Timeouts           uint64  `json:"timeouts" msgpack:"timeouts"`
	EffectiveFrameRate float64 `json:"effective_frame_rate" msgpack:"effective_frame_rate"`
	FrameDurationMS    float64 `json:"frame_duration_ms" msgpack:"frame_duration_ms"`
	LastTimestampMS    float64 `json:"last_timestamp_ms" msgpack:"last_timestamp_ms"`
	FPSReal            float64 `json:"fps_real" msgpack:"fps_real"`
	FPSStdDev          float64 `json:"fps_stddev" msgpack:"fps_stddev"`
	JitterMeanMS       float64 `json:"jitter_mean_ms" msgpack:"jitter_mean_ms"`
	IsStable           bool    `json:"is_stable" msgpack:"is_stable"`
}

// NewStatsReport converts source stats for publishing.
func NewStatsReport(s lumenerasrc.Stats) StatsReport {
	return StatsReport{
		SessionID:          s.SessionID,
		DevicePresent:      s.DevicePresent,
		Streaming:          s.Streaming,
		FramesProduced:     s.FramesProduced,
		FramesDelivered:    s.FramesDelivered,
		FramesDropped:      s.FramesDropped,
		Timeouts:           s.Timeouts,
		EffectiveFrameRate: s.EffectiveFrameRate,
		FrameDurationMS:    ms(s.FrameDuration),
		LastTimestampMS:    ms(s.LastTimestamp),
		FPSReal:            s.FPSReal,
		FPSStdDev:          s.FPSStdDev,
		JitterMeanMS:       ms(s.JitterMean),
		IsStable:           s.IsStable,
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// StatusReport is published periodically on the status topic.
type StatusReport struct {
	Timestamp  time.Time      `json:"timestamp" msgpack:"timestamp"`
	Sequence   uint64         `json:"sequence" msgpack:"sequence"`
	Properties map[string]any `json:"properties" msgpack:"properties"`
	Stats      StatsReport    `json:"stats" msgpack:"stats"`
}

// Encoder serializes status reports.
type Encoder func(v any) ([]byte, error)

// NewEncoder returns the encoder for "json" or "msgpack".
func NewEncoder(name string) (Encoder, error) {
	switch name {
	case "", "json":
		return json.Marshal, nil
	case "msgpack":
		return msgpack.Marshal, nil
	default:
		return nil, fmt.Errorf("control: unknown status encoding %q", name)
	}
}

// StatusPublisher publishes a StatusReport every interval.
type StatusPublisher struct {
	client   Client
	target   Target
	topic    string
	qos      byte
	interval time.Duration
	encode   Encoder
	clk      clock.Clock

	seq    atomic.Uint64
	errors atomic.Uint64
}

// NewStatusPublisher creates a publisher for target's status.
func NewStatusPublisher(client Client, target Target, cfg lumenerasrc.MQTTConfig, clk clock.Clock) (*StatusPublisher, error) {
	encode, err := NewEncoder(cfg.StatusEncoding)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	return &StatusPublisher{
		client:   client,
		target:   target,
		topic:    cfg.Topics.Status,
		qos:      cfg.QoS,
		interval: time.Duration(cfg.StatusIntervalS) * time.Second,
		encode:   encode,
		clk:      clk,
	}, nil
}

// Run publishes until ctx is cancelled. Publish failures are logged and
// counted; they do not stop the loop.
func (p *StatusPublisher) Run(ctx context.Context) error {
	ticker := p.clk.Ticker(p.interval)
	defer ticker.Stop()

	slog.Info("control: status publisher started", "topic", p.topic, "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := p.PublishOnce(); err != nil {
			p.errors.Add(1)
			slog.Warn("control: status publish failed", "error", err, "errors_total", p.errors.Load())
		}
	}
}

// PublishOnce builds and publishes one report.
func (p *StatusPublisher) PublishOnce() error {
	report := StatusReport{
		Timestamp:  p.clk.Now().UTC(),
		Sequence:   p.seq.Add(1),
		Properties: p.target.Properties(),
		Stats:      NewStatsReport(p.target.Stats()),
	}
	payload, err := p.encode(report)
	if err != nil {
		return fmt.Errorf("control: encode status: %w", err)
	}
	if err := publish(p.client, p.topic, p.qos, payload); err != nil {
		return err
	}
	slog.Debug("control: status published", "topic", p.topic, "size", len(payload), "sequence", report.Sequence)
	return nil
}
