// Package core wires the camera, perception engine, alert machine and
// session controller into one service with its UI and control surfaces.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/alert"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/camera"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/camera/gstcam"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/clock"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/config"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/control"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/perception"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/session"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/ui"
)

// Service is the main proctord orchestrator
type Service struct {
	cfg *config.Config

	clock   clock.Clock
	machine *alert.Machine
	source  camera.Source
	engines perception.Factory
	session *session.Controller
	hub     *ui.Hub
	conn    *control.Conn
	handler *control.Handler
	server  *http.Server

	autostart bool

	started      time.Time
	mu           sync.RWMutex
	isRunning    bool
	addr         string
	lastStartErr error
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Service
type Option func(*Service)

// WithSource replaces the configured camera source
func WithSource(src camera.Source) Option {
	return func(s *Service) { s.source = src }
}

// WithEngineFactory replaces the Python perception worker
func WithEngineFactory(f perception.Factory) Option {
	return func(s *Service) { s.engines = f }
}

// WithClock replaces the wall clock used for alert expiry
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clock = clk }
}

// WithAutostart begins a session as soon as Run has its listeners up
func WithAutostart(v bool) Option {
	return func(s *Service) { s.autostart = v }
}

// NewService builds a service from a validated configuration
func NewService(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	s := &Service{cfg: cfg, clock: clock.Real{}}
	for _, opt := range opts {
		opt(s)
	}

	if s.source == nil {
		switch cfg.Camera.Source {
		case config.SourceMock:
			s.source = camera.NewMockSource(cfg.Camera.FPS)
		default:
			s.source = gstcam.New(gstcam.Config{Device: cfg.Camera.Device})
		}
	}

	if s.engines == nil {
		s.engines = perception.NewPythonFactory(perception.PythonConfig{
			WorkerID:          "perception",
			Command:           cfg.Perception.WorkerCmd,
			Args:              cfg.Perception.WorkerArgs,
			FaceMinConfidence: cfg.Perception.FaceMinConfidence,
			ScoreThreshold:    cfg.Perception.ObjectScoreThreshold,
			MaxFaces:          cfg.Perception.MaxFaces,
			HandsEnabled:      cfg.Perception.HandsEnabled,
			RequestTimeout:    cfg.Perception.RequestTimeout(),
			StartTimeout:      cfg.Perception.StartTimeout(),
		})
	}

	s.hub = ui.NewHub(sessionControls{s})
	s.machine = alert.NewMachine(alertConfig(cfg.Alerts), s.clock, s.onAlert)

	s.session = session.New(session.Options{
		Source:  s.source,
		Engines: s.engines,
		Machine: s.machine,
		Constraints: camera.Constraints{
			Width:  cfg.Camera.Width,
			Height: cfg.Camera.Height,
			FPS:    cfg.Camera.FPS,
		},
		HandsEnabled: cfg.Perception.HandsEnabled,
		Clock:        s.clock,
	})
	s.session.OnStateChange(s.onStateChange)

	if cfg.MQTT.Enabled {
		s.conn = control.NewConn(control.ConnConfig{
			Broker:    cfg.MQTT.Broker,
			ClientID:  cfg.InstanceID,
			WillTopic: cfg.MQTT.Topics.Status,
			WillQoS:   cfg.MQTT.QoS["status"],
			OnConnect: s.onMQTTConnect,
		})
	}

	slog.Info("service configured",
		"instance_id", cfg.InstanceID,
		"camera_source", cfg.Camera.Source,
		"resolution", fmt.Sprintf("%dx%d", cfg.Camera.Width, cfg.Camera.Height),
		"mqtt_enabled", cfg.MQTT.Enabled,
	)
	return s, nil
}

func alertConfig(a config.AlertsConfig) alert.Config {
	return alert.Config{
		HeadTurnThreshold:  a.HeadTurnThreshold,
		MouthOpenThreshold: a.MouthOpenThreshold,
		HeadTurnHold:       time.Duration(a.HeadTurnHoldMS) * time.Millisecond,
		MouthOpenDisplay:   time.Duration(a.MouthOpenDisplayMS) * time.Millisecond,
		DefaultDisplay:     time.Duration(a.DefaultDisplayMS) * time.Millisecond,
	}
}

// Run starts the HTTP server and the control plane and blocks until ctx is
// cancelled. Only a failed HTTP listener is returned as an error.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	slog.Info("proctord service starting", "instance_id", s.cfg.InstanceID)

	ln, err := net.Listen("tcp", s.cfg.UI.ListenAddr)
	if err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.UI.ListenAddr, err)
	}

	server := &http.Server{
		Handler:     s.routes(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.mu.Lock()
	s.server = server
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", "error", err)
		}
	}()

	slog.Info("http server listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/ws", "/health", "/readiness", "/metrics", "/status"},
	)

	if s.conn != nil {
		s.startControlPlane(ctx)
	}

	if s.autostart {
		if err := s.StartSession(ctx); err != nil {
			slog.Warn("autostart failed", "error", err)
		}
	}

	<-ctx.Done()
	slog.Info("run context cancelled")
	return nil
}

// startControlPlane connects to the broker. Failure leaves the service
// running without remote control.
func (s *Service) startControlPlane(ctx context.Context) {
	if err := s.conn.Connect(ctx); err != nil {
		slog.Warn("mqtt unavailable, control plane disabled", "error", err)
		return
	}

	handler := control.NewHandler(control.HandlerConfig{
		ControlTopic: s.cfg.MQTT.Topics.Control,
		StatusTopic:  s.cfg.MQTT.Topics.Status,
		ControlQoS:   s.cfg.MQTT.QoS["control"],
		StatusQoS:    s.cfg.MQTT.QoS["status"],
	}, s.conn, control.Callbacks{
		OnStart: func() error { return s.StartSession(ctx) },
		OnStop:  s.StopSession,
		OnGetStatus: func() map[string]interface{} {
			stats := s.session.Stats()
			return map[string]interface{}{
				"running":          stats.State == session.StateRunning.String(),
				"state":            stats.State,
				"session_id":       stats.SessionID,
				"frames_processed": stats.FramesProcessed,
				"alert":            s.machine.Current().Text,
			}
		},
	})

	if err := handler.Start(ctx); err != nil {
		slog.Warn("control plane subscription failed", "error", err)
		return
	}

	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()

	s.publishStatus(s.session.State(), s.session.SessionID())
}

// onMQTTConnect restores the subscription after a reconnect
func (s *Service) onMQTTConnect() {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler == nil || handler.Stopped() {
		return
	}
	if err := handler.Subscribe(); err != nil {
		if errors.Is(err, control.ErrHandlerStopped) {
			return
		}
		slog.Warn("failed to restore control subscription", "error", err)
		return
	}
	s.publishStatus(s.session.State(), s.session.SessionID())
}

// StartSession starts a proctoring session. Start-up failures are recorded
// for readiness and returned; they never stop the service.
func (s *Service) StartSession(ctx context.Context) error {
	err := s.session.Start(ctx)

	s.mu.Lock()
	s.lastStartErr = err
	s.mu.Unlock()

	return err
}

// StopSession stops the live session
func (s *Service) StopSession() error {
	return s.session.Stop()
}

// Session returns the session controller
func (s *Service) Session() *session.Controller {
	return s.session
}

// Addr returns the bound HTTP address once Run has started listening
func (s *Service) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// onAlert is the alert sink: every display change is logged and pushed to UI clients
func (s *Service) onAlert(text string) {
	if text == "" {
		slog.Info("alert cleared")
	} else {
		slog.Info("alert changed", "text", text)
	}
	s.hub.BroadcastAlert(text)
}

func (s *Service) onStateChange(state session.State, sessionID string) {
	slog.Info("session state changed", "state", state.String(), "session_id", sessionID)
	s.hub.BroadcastStatus(state == session.StateRunning, state.String(), sessionID)
	s.publishStatus(state, sessionID)
}

func (s *Service) publishStatus(state session.State, sessionID string) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	if handler == nil || !s.conn.Connected() {
		return
	}
	if err := handler.PublishStatus(state == session.StateRunning, state.String(), sessionID); err != nil {
		slog.Warn("failed to publish session status", "error", err)
	}
}

// Shutdown stops the session, the control plane and the HTTP server, in
// that order. It is idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		slog.Info("shutting down proctord service")

		if err := s.session.Stop(); err != nil {
			slog.Warn("failed to stop session", "error", err)
		}

		s.mu.RLock()
		handler := s.handler
		server := s.server
		s.mu.RUnlock()

		if handler != nil {
			handler.Stop()
		}
		if s.conn != nil {
			s.conn.Disconnect()
		}

		s.hub.Close()

		if server != nil {
			if err := server.Shutdown(ctx); err != nil {
				s.shutdownErr = fmt.Errorf("http server shutdown: %w", err)
			}
		}

		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()

		slog.Info("proctord service stopped")
	})
	return s.shutdownErr
}

// sessionControls exposes session start/stop to websocket clients
type sessionControls struct {
	s *Service
}

func (c sessionControls) Start(ctx context.Context) error {
	return c.s.StartSession(ctx)
}

func (c sessionControls) Stop() error {
	return c.s.StopSession()
}
