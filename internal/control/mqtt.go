package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/lucamsrc"
)

// Client is the subset of mqtt.Client the control plane uses.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Connect establishes the broker connection with automatic reconnection.
func Connect(ctx context.Context, cfg lumenerasrc.MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("control: mqtt connection established",
			"broker", cfg.Broker,
			"client_id", cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("control: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", cfg.Broker,
		)
	}

	client := mqtt.NewClient(opts)
	slog.Info("control: connecting to mqtt broker", "broker", cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		client.Disconnect(0)
		return nil, fmt.Errorf("control: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("control: mqtt connection failed: %w", err)
	}
	return client, nil
}

// publish sends payload and waits briefly for the broker acknowledgement.
func publish(client Client, topic string, qos byte, payload []byte) error {
	if !client.IsConnected() {
		return fmt.Errorf("control: mqtt not connected")
	}
	token := client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("control: publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: publish to %s failed: %w", topic, err)
	}
	return nil
}
