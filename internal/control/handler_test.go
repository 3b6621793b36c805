package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records publishes and keeps the subscription callback
type fakeClient struct {
	mu           sync.Mutex
	subscribeErr error
	handler      mqtt.MessageHandler
	subscribed   string
	subscribes   int
	unsubscribed []string
	messages     chan published
}

func newFakeClient() *fakeClient {
	return &fakeClient{messages: make(chan published, 16)}
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	c.subscribed = topic
	c.handler = cb
	return c.subscribeErr
}

func (c *fakeClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topic)
	return nil
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.messages <- published{topic: topic, qos: qos, retained: retained, payload: payload}
	return nil
}

func (c *fakeClient) Connected() bool { return true }

func (c *fakeClient) deliver(payload string) {
	c.mu.Lock()
	cb := c.handler
	c.mu.Unlock()
	cb(nil, &fakeMessage{topic: c.subscribed, payload: []byte(payload)})
}

func (c *fakeClient) next(t *testing.T) published {
	t.Helper()
	select {
	case m := <-c.messages:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for publish")
		return published{}
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

var testHandlerConfig = HandlerConfig{
	ControlTopic: "proctor/control/room-1",
	StatusTopic:  "proctor/status/room-1",
	ControlQoS:   1,
	StatusQoS:    0,
}

// TestHandleCommand verifies each command maps onto its callback
func TestHandleCommand(t *testing.T) {
	running := false
	callbacks := Callbacks{
		OnStart: func() error {
			running = true
			return nil
		},
		OnStop: func() error {
			running = false
			return nil
		},
		OnGetStatus: func() map[string]interface{} {
			return map[string]interface{}{"running": running}
		},
	}

	tests := []struct {
		name        string
		command     string
		wantStatus  string
		wantRunning bool
	}{
		{name: "start", command: CmdStartSession, wantStatus: "success", wantRunning: true},
		{name: "status", command: CmdGetStatus, wantStatus: "success", wantRunning: true},
		{name: "stop", command: CmdStopSession, wantStatus: "success", wantRunning: false},
		{name: "unknown", command: "reboot", wantStatus: "error", wantRunning: false},
	}

	h := NewHandler(testHandlerConfig, newFakeClient(), callbacks)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.handleCommand(Command{Command: tt.command})
			if resp.CommandAck != tt.command {
				t.Errorf("Expected command_ack %q, got %q", tt.command, resp.CommandAck)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Expected status %q, got %q (error %q)", tt.wantStatus, resp.Status, resp.Error)
			}
			if running != tt.wantRunning {
				t.Errorf("Expected running=%v, got %v", tt.wantRunning, running)
			}
		})
	}
}

// TestHandleCommandCallbackError verifies callback errors are reported in the response
func TestHandleCommandCallbackError(t *testing.T) {
	h := NewHandler(testHandlerConfig, newFakeClient(), Callbacks{
		OnStart: func() error { return errors.New("session: camera unavailable") },
	})

	resp := h.handleCommand(Command{Command: CmdStartSession})
	if resp.Status != "error" {
		t.Errorf("Expected status error, got %q", resp.Status)
	}
	if resp.Error != "session: camera unavailable" {
		t.Errorf("Expected callback error text, got %q", resp.Error)
	}

	resp = h.handleCommand(Command{Command: CmdStopSession})
	if resp.Status != "error" || resp.Error == "" {
		t.Errorf("Expected not-implemented error for nil callback, got %+v", resp)
	}
}

// TestHandlerEndToEnd verifies a message on the control topic produces a response on the status topic
func TestHandlerEndToEnd(t *testing.T) {
	client := newFakeClient()
	h := NewHandler(testHandlerConfig, client, Callbacks{
		OnGetStatus: func() map[string]interface{} {
			return map[string]interface{}{"running": false}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if client.subscribed != testHandlerConfig.ControlTopic {
		t.Errorf("Expected subscription to %q, got %q", testHandlerConfig.ControlTopic, client.subscribed)
	}

	client.deliver(`{"command":"get_status"}`)

	msg := client.next(t)
	if msg.topic != testHandlerConfig.StatusTopic {
		t.Errorf("Expected response on %q, got %q", testHandlerConfig.StatusTopic, msg.topic)
	}
	if msg.retained {
		t.Error("Expected command response not to be retained")
	}

	var resp Response
	if err := json.Unmarshal(msg.payload, &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.CommandAck != CmdGetStatus || resp.Status != "success" {
		t.Errorf("Expected successful get_status ack, got %+v", resp)
	}
	if resp.Timestamp == "" {
		t.Error("Expected timestamp on response")
	}

	client.deliver(`not json`)
	msg = client.next(t)
	if err := json.Unmarshal(msg.payload, &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Error != "invalid JSON" {
		t.Errorf("Expected invalid JSON error, got %+v", resp)
	}

	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("Expected second Stop to be a no-op, got %v", err)
	}
	if len(client.unsubscribed) != 1 {
		t.Errorf("Expected one unsubscribe, got %v", client.unsubscribed)
	}
}

// TestHandlerSubscribeFailure verifies a failed subscription is returned
func TestHandlerSubscribeFailure(t *testing.T) {
	client := newFakeClient()
	client.subscribeErr = errors.New("not authorized")

	h := NewHandler(testHandlerConfig, client, Callbacks{})
	if err := h.Start(context.Background()); err == nil {
		t.Error("Expected subscription error, got nil")
	}
}

// TestPublishStatus verifies the status message is retained and carries the session
func TestPublishStatus(t *testing.T) {
	client := newFakeClient()
	h := NewHandler(testHandlerConfig, client, Callbacks{})
	h.now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }

	if err := h.PublishStatus(true, "running", "abc-123"); err != nil {
		t.Fatalf("PublishStatus failed: %v", err)
	}

	msg := client.next(t)
	if !msg.retained {
		t.Error("Expected status to be retained")
	}

	var status SessionStatus
	if err := json.Unmarshal(msg.payload, &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	want := SessionStatus{Online: true, Running: true, State: "running", SessionID: "abc-123", Timestamp: "2024-05-01T09:00:00Z"}
	if status != want {
		t.Errorf("Expected %+v, got %+v", want, status)
	}
}

// TestHandlerMessageAfterStop verifies late deliveries and resubscribes after
// Stop are dropped without publishing
func TestHandlerMessageAfterStop(t *testing.T) {
	client := newFakeClient()
	h := NewHandler(testHandlerConfig, client, Callbacks{
		OnGetStatus: func() map[string]interface{} {
			return map[string]interface{}{"running": false}
		},
	})

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !h.Stopped() {
		t.Error("Expected handler to report stopped")
	}

	for i := 0; i < 20; i++ {
		client.deliver(`{"command":"get_status"}`)
	}
	client.deliver(`not json`)

	select {
	case m := <-client.messages:
		t.Errorf("Expected no publish after stop, got %s", m.payload)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.Subscribe(); !errors.Is(err, ErrHandlerStopped) {
		t.Errorf("Expected ErrHandlerStopped, got %v", err)
	}
	if client.subscribes != 1 {
		t.Errorf("Expected a single subscribe, got %d", client.subscribes)
	}
}
