package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/control"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/session"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/ui"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status         string        `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds  int64         `json:"uptime_seconds"`
	Running        bool          `json:"running"`
	Alert          string        `json:"alert"`
	LastStartError string        `json:"last_start_error,omitempty"`
	MQTTEnabled    bool          `json:"mqtt_enabled"`
	MQTTConnected  bool          `json:"mqtt_connected"`
	Session        session.Stats `json:"session"`
	UI             ui.Stats      `json:"ui"`

	MQTT *control.ConnStats `json:"mqtt,omitempty"`
}

// Status returns the current health of the service.
//
// A session that failed to start is unhealthy until a later start
// succeeds. A configured but disconnected broker only degrades health.
func (s *Service) Status() HealthStatus {
	s.mu.RLock()
	started := s.started
	startErr := s.lastStartErr
	s.mu.RUnlock()

	stats := s.session.Stats()
	status := HealthStatus{
		Status:      "healthy",
		Running:     stats.State == session.StateRunning.String(),
		Alert:       s.machine.Current().Text,
		MQTTEnabled: s.conn != nil,
		Session:     stats,
		UI:          s.hub.Stats(),
	}
	if !started.IsZero() {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if s.conn != nil {
		stats := s.conn.Stats()
		status.MQTTConnected = stats.Connected
		status.MQTT = &stats
	}

	switch {
	case startErr != nil && !status.Running:
		status.Status = "unhealthy"
		status.LastStartError = startErr.Error()
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.hub)
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/metrics", s.MetricsHandler)
	mux.HandleFunc("/status", s.StatusHandler)
	return mux
}

// LivenessHandler handles /health: 200 while the process serves requests
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	var uptime int64
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness: 503 only when unhealthy
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.Status()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// StatusHandler handles /status: the full health document, always 200
func (s *Service) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.Status())
}

// MetricsHandler handles /metrics in the Prometheus text format
func (s *Service) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	health := s.Status()
	id := s.cfg.InstanceID

	running := 0
	if health.Running {
		running = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	metric := func(name string, value interface{}) {
		fmt.Fprintf(w, "proctord_%s{instance=%q} %v\n", name, id, value)
	}
	metric("uptime_seconds", health.UptimeSeconds)
	metric("session_running", running)
	metric("frames_processed_total", health.Session.FramesProcessed)
	metric("frames_duplicate_total", health.Session.DuplicateFrames)
	metric("inference_failures_total", health.Session.TransientFailures)
	metric("inference_stale_total", health.Session.StaleResults)
	metric("inference_avg_latency_ms", health.Session.AvgInferenceMS)
	metric("camera_frames_dropped_total", health.Session.Camera.FramesDropped)
	metric("camera_releases_total", health.Session.Camera.Releases)
	metric("ws_clients", health.UI.Clients)
	metric("ws_messages_dropped_total", health.UI.Dropped)

	if health.MQTT != nil {
		var published uint64
		for _, n := range health.MQTT.Published {
			published += n
		}
		connected := 0
		if health.MQTT.Connected {
			connected = 1
		}
		metric("mqtt_connected", connected)
		metric("mqtt_published_total", published)
		metric("mqtt_publish_errors_total", health.MQTT.Errors)
	}
}
