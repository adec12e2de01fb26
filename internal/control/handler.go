// Package control exposes the source's runtime properties over MQTT.
//
// Commands arrive as JSON on the control topic and are answered on
// "<control>/response":
//
//	{"command": "set_properties", "id": "42", "params": {"exposure": 20, "hflip": true}}
//	{"command": "get_properties"}
//	{"command": "get_stats"}
//	{"command": "white_balance", "params": {"mode": "oneshot"}}
//
// A StatusPublisher reports properties and stats periodically on the
// status topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/lucamsrc"
)

// Command represents a control plane command.
type Command struct {
	Command string         `json:"command"`
	ID      string         `json:"id,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response represents a command response.
type Response struct {
	CommandAck string         `json:"command_ack" msgpack:"command_ack"`
	ID         string         `json:"id,omitempty" msgpack:"id,omitempty"`
	Status     string         `json:"status" msgpack:"status"`
	Data       map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
	Error      string         `json:"error,omitempty" msgpack:"error,omitempty"`
	Timestamp  string         `json:"timestamp" msgpack:"timestamp"`
}

// Target is what the control plane drives.
type Target interface {
	lumenerasrc.PropertyStore
	Stats() lumenerasrc.Stats
}

// Handler handles control plane commands.
type Handler struct {
	cfg      lumenerasrc.MQTTConfig
	client   Client
	target   Target
	commands chan Command
	now      func() time.Time

	wg sync.WaitGroup
}

// NewHandler creates a control plane handler for target.
func NewHandler(cfg lumenerasrc.MQTTConfig, client Client, target Target) *Handler {
	return &Handler{
		cfg:      cfg,
		client:   client,
		target:   target,
		commands: make(chan Command, 10),
		now:      time.Now,
	}
}

// ResponseTopic is where command responses are published.
func (h *Handler) ResponseTopic() string {
	return h.cfg.Topics.Control + "/response"
}

// Start subscribes to the control topic and processes commands until ctx
// is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.Topics.Control
	slog.Info("control: subscribing to control plane", "topic", topic, "qos", h.cfg.QoS)

	token := h.client.Subscribe(topic, h.cfg.QoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription to %s failed: %w", topic, err)
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.processCommands(ctx)
	}()

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes and waits for the processing goroutine, which exits
// when the Start context is cancelled.
func (h *Handler) Stop() error {
	if h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	h.wg.Wait()
	slog.Info("control: handler stopped")
	return nil
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	h.handlePayload(msg.Payload())
}

// handlePayload parses a command and queues it. A full queue drops the
// command.
func (h *Handler) handlePayload(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command, "id", cmd.ID)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			ID:         cmd.ID,
			Status:     "error",
			Error:      "command queue full",
		})
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes cmd against the target.
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command, ID: cmd.ID}

	fail := func(err error) Response {
		resp.Status = "error"
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Command {
	case "set_properties":
		update, err := DecodePropertyUpdate(cmd.Params)
		if err != nil {
			return fail(err)
		}
		applied, err := update.Apply(h.target)
		resp.Data = map[string]any{
			"applied":    applied,
			"properties": h.target.Properties(),
		}
		if err != nil {
			return fail(err)
		}
		resp.Status = "success"

	case "get_properties":
		resp.Status = "success"
		resp.Data = h.target.Properties()

	case "get_stats":
		data, err := toMap(NewStatsReport(h.target.Stats()))
		if err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = data

	case "white_balance":
		mode, ok := cmd.Params["mode"].(string)
		if !ok {
			return fail(fmt.Errorf("missing or invalid 'mode' parameter (expected string)"))
		}
		if err := h.target.SetProperty("whitebalance", mode); err != nil {
			return fail(err)
		}
		resp.Status = "success"
		resp.Data = map[string]any{
			"whitebalance": mode,
			"rgain":        h.lookup("rgain"),
			"ggain":        h.lookup("ggain"),
			"bgain":        h.lookup("bgain"),
		}

	default:
		return fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}
	return resp
}

func (h *Handler) lookup(name string) any {
	v, err := h.target.Property(name)
	if err != nil {
		return nil
	}
	return v
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}
	if err := publish(h.client, h.ResponseTopic(), h.cfg.QoS, payload); err != nil {
		slog.Error("control: failed to publish response", "error", err, "command", resp.CommandAck)
		return
	}
	slog.Debug("control: response sent", "command", resp.CommandAck, "status", resp.Status)
}
