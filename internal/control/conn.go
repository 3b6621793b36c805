// Package control is the optional MQTT operator plane: it accepts session
// commands and publishes retained session status.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ConnConfig configures the broker connection
type ConnConfig struct {
	Broker   string
	ClientID string
	// WillTopic receives a retained offline status if the connection drops
	WillTopic string
	WillQoS   byte
	// OnConnect runs after every (re)connection
	OnConnect func()
}

// Conn owns the MQTT client connection
type Conn struct {
	cfg    ConnConfig
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewConn creates an unconnected Conn
func NewConn(cfg ConnConfig) *Conn {
	return &Conn{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes the connection to the broker
func (c *Conn) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", c.cfg.Broker))
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if c.cfg.WillTopic != "" {
		opts.SetWill(c.cfg.WillTopic, `{"online":false,"running":false}`, c.cfg.WillQoS, true)
	}

	opts.OnConnect = func(mqtt.Client) {
		c.setConnected(true)
		slog.Info("mqtt connection established",
			"broker", c.cfg.Broker,
			"client_id", c.cfg.ClientID,
		)
		if c.cfg.OnConnect != nil {
			go c.cfg.OnConnect()
		}
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", c.cfg.Broker,
		)
	}

	c.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", c.cfg.Broker)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	c.setConnected(true)
	return nil
}

// Subscribe registers callback for topic and waits for the broker acknowledgement
func (c *Conn) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error {
	if c.client == nil {
		return fmt.Errorf("mqtt not connected")
	}

	token := c.client.Subscribe(topic, qos, callback)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

// Unsubscribe removes the subscription for topic
func (c *Conn) Unsubscribe(topic string) error {
	if c.client == nil {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("unsubscribe timeout")
	}
	return token.Error()
}

// Publish sends payload to topic and waits for the broker acknowledgement
func (c *Conn) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.Connected() {
		c.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		c.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		c.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	c.mu.Lock()
	c.published[topic]++
	c.mu.Unlock()

	slog.Debug("mqtt message published",
		"topic", topic,
		"qos", qos,
		"retained", retained,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the connection
func (c *Conn) Disconnect() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	c.setConnected(false)
	return nil
}

// ConnStats contains connection statistics
type ConnStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns connection statistics
func (c *Conn) Stats() ConnStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	published := make(map[string]uint64, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}

	return ConnStats{
		Connected: c.connected,
		Published: published,
		Errors:    c.errors,
	}
}

func (c *Conn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connected reports whether the broker connection is up
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Conn) countError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}
