package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Camera sources
const (
	SourceV4L2 = "v4l2"
	SourceMock = "mock"
)

// Validate checks the configuration and fills defaults for zero values
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	switch cfg.LogLevel {
	case "":
		cfg.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", cfg.LogLevel)
	}

	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.ShutdownTimeoutS < 0 {
		return fmt.Errorf("shutdown_timeout_s must be > 0")
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	if err := validatePerception(&cfg.Perception); err != nil {
		return fmt.Errorf("perception: %w", err)
	}
	if err := validateAlerts(&cfg.Alerts); err != nil {
		return fmt.Errorf("alerts: %w", err)
	}

	if cfg.UI.ListenAddr == "" {
		cfg.UI.ListenAddr = ":8080"
	}

	validateMQTT(cfg)
	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Source {
	case "":
		c.Source = SourceV4L2
	case SourceV4L2, SourceMock:
	default:
		return fmt.Errorf("unknown source %q (must be %q or %q)", c.Source, SourceV4L2, SourceMock)
	}

	if c.Device == "" {
		c.Device = "/dev/video0"
	}

	if c.Width == 0 {
		c.Width = 640
	}
	if c.Height == 0 {
		c.Height = 480
	}
	if c.FPS == 0 {
		c.FPS = 15
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("width and height must be > 0")
	}
	if c.FPS < 0 {
		return fmt.Errorf("fps must be > 0")
	}
	return nil
}

func validatePerception(p *PerceptionConfig) error {
	if p.WorkerCmd == "" {
		p.WorkerCmd = "models/run_perception.sh"
	}

	if p.FaceMinConfidence == 0 {
		p.FaceMinConfidence = 0.6
	}
	if p.FaceMinConfidence < 0 || p.FaceMinConfidence > 1 {
		return fmt.Errorf("face_min_confidence must be in (0,1]")
	}

	if p.ObjectScoreThreshold == 0 {
		p.ObjectScoreThreshold = 0.5
	}
	if p.ObjectScoreThreshold < 0 || p.ObjectScoreThreshold > 1 {
		return fmt.Errorf("object_score_threshold must be in (0,1]")
	}

	if p.MaxFaces == 0 {
		p.MaxFaces = 2
	}
	if p.MaxFaces < 0 {
		return fmt.Errorf("max_faces must be > 0")
	}

	if p.RequestTimeoutMS == 0 {
		p.RequestTimeoutMS = 2000
	}
	if p.StartTimeoutMS == 0 {
		p.StartTimeoutMS = 10000
	}
	if p.RequestTimeoutMS < 0 || p.StartTimeoutMS < 0 {
		return fmt.Errorf("timeouts must be > 0")
	}
	return nil
}

func validateAlerts(a *AlertsConfig) error {
	if a.HeadTurnThreshold == 0 {
		a.HeadTurnThreshold = 0.2
	}
	if a.HeadTurnThreshold < 0 || a.HeadTurnThreshold > 1 {
		return fmt.Errorf("head_turn_threshold must be in (0,1]")
	}

	if a.MouthOpenThreshold == 0 {
		a.MouthOpenThreshold = 0.02
	}
	if a.MouthOpenThreshold < 0 || a.MouthOpenThreshold > 1 {
		return fmt.Errorf("mouth_open_threshold must be in (0,1]")
	}

	if a.HeadTurnHoldMS == 0 {
		a.HeadTurnHoldMS = 1000
	}
	if a.MouthOpenDisplayMS == 0 {
		a.MouthOpenDisplayMS = 3000
	}
	if a.DefaultDisplayMS == 0 {
		a.DefaultDisplayMS = 2000
	}
	if a.HeadTurnHoldMS < 0 || a.MouthOpenDisplayMS < 0 || a.DefaultDisplayMS < 0 {
		return fmt.Errorf("durations must be > 0")
	}
	return nil
}

func validateMQTT(cfg *Config) {
	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "localhost:1883"
	}

	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("proctor/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("proctor/status/%s", cfg.InstanceID)
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{}
	}
	if _, ok := cfg.MQTT.QoS["control"]; !ok {
		cfg.MQTT.QoS["control"] = 1
	}
	if _, ok := cfg.MQTT.QoS["status"]; !ok {
		cfg.MQTT.QoS["status"] = 0
	}
}
