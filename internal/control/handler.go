package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Commands accepted on the control topic
const (
	CmdStartSession = "start_session"
	CmdStopSession  = "stop_session"
	CmdGetStatus    = "get_status"
)

// Command represents a control plane command
type Command struct {
	Command string `json:"command"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// SessionStatus is published retained on the status topic on every change
type SessionStatus struct {
	Online    bool   `json:"online"`
	Running   bool   `json:"running"`
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrHandlerStopped is returned when subscribing a stopped handler
var ErrHandlerStopped = errors.New("control: handler stopped")

// Client is the broker connection the handler uses. *Conn implements it.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Connected() bool
}

// Callbacks connect commands to the session controller
type Callbacks struct {
	OnStart     func() error
	OnStop      func() error
	OnGetStatus func() map[string]interface{}
}

// HandlerConfig contains topics and QoS levels
type HandlerConfig struct {
	ControlTopic string
	StatusTopic  string
	ControlQoS   byte
	StatusQoS    byte
}

// Handler handles control plane commands
type Handler struct {
	cfg       HandlerConfig
	client    Client
	callbacks Callbacks
	commands  chan Command
	done      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// NewHandler creates a new control plane handler
func NewHandler(cfg HandlerConfig, client Client, callbacks Callbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		callbacks: callbacks,
		commands:  make(chan Command, 10),
		done:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start subscribes to the control topic and processes commands until ctx is done
func (h *Handler) Start(ctx context.Context) error {
	if err := h.Subscribe(); err != nil {
		return err
	}

	slog.Info("control plane handler started")

	go h.processCommands(ctx)
	return nil
}

// Subscribe (re)subscribes to the control topic. The client calls it again
// after a reconnect since subscriptions do not survive a clean session.
func (h *Handler) Subscribe() error {
	if h.Stopped() {
		return ErrHandlerStopped
	}

	topic := h.cfg.ControlTopic
	qos := h.cfg.ControlQoS

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	if err := h.client.Subscribe(topic, qos, h.messageHandler); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}
	return nil
}

// Stop unsubscribes and ends command processing. Messages delivered
// afterwards are discarded. It is idempotent.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		close(h.done)
		if h.client != nil && h.client.Connected() {
			if err := h.client.Unsubscribe(h.cfg.ControlTopic); err != nil {
				slog.Warn("control plane unsubscribe failed", "error", err)
			}
		}
		slog.Info("control plane handler stopped")
	})
	return nil
}

// Stopped reports whether Stop has been called
func (h *Handler) Stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// PublishStatus publishes the retained session status
func (h *Handler) PublishStatus(running bool, state, sessionID string) error {
	payload, err := json.Marshal(SessionStatus{
		Online:    true,
		Running:   running,
		State:     state,
		SessionID: sessionID,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return h.client.Publish(h.cfg.StatusTopic, h.cfg.StatusQoS, true, payload)
}

// messageHandler is called by the client for each control message
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	if h.Stopped() {
		slog.Debug("control message after stop discarded", "topic", msg.Topic())
		return
	}

	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	case <-h.done:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands runs queued commands one at a time
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case CmdStartSession:
		resp = h.run(resp, h.callbacks.OnStart)

	case CmdStopSession:
		resp = h.run(resp, h.callbacks.OnStop)

	case CmdGetStatus:
		if h.callbacks.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

func (h *Handler) run(resp Response, fn func() error) Response {
	if fn == nil {
		resp.Status = "error"
		resp.Error = fmt.Sprintf("%s not implemented", resp.CommandAck)
		return resp
	}
	if err := fn(); err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
	} else {
		resp.Status = "success"
	}
	if h.callbacks.OnGetStatus != nil {
		resp.Data = h.callbacks.OnGetStatus()
	}
	return resp
}

// sendResponse publishes a command response on the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	if err := h.client.Publish(h.cfg.StatusTopic, h.cfg.StatusQoS, false, payload); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
