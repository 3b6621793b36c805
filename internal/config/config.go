package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete proctord configuration
type Config struct {
	InstanceID       string           `yaml:"instance_id"`
	LogLevel         string           `yaml:"log_level"`          // debug, info, warn, error
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig     `yaml:"camera"`
	Perception       PerceptionConfig `yaml:"perception"`
	Alerts           AlertsConfig     `yaml:"alerts"`
	UI               UIConfig         `yaml:"ui"`
	MQTT             MQTTConfig       `yaml:"mqtt"`
}

// CameraConfig contains capture settings
type CameraConfig struct {
	Source string `yaml:"source"` // v4l2, mock
	Device string `yaml:"device"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	FPS    int    `yaml:"fps"`
}

// PerceptionConfig contains the inference worker settings
type PerceptionConfig struct {
	WorkerCmd            string   `yaml:"worker_cmd"`
	WorkerArgs           []string `yaml:"worker_args"`
	FaceMinConfidence    float64  `yaml:"face_min_confidence"`
	ObjectScoreThreshold float64  `yaml:"object_score_threshold"`
	MaxFaces             int      `yaml:"max_faces"`
	RequestTimeoutMS     int      `yaml:"request_timeout_ms"`
	StartTimeoutMS       int      `yaml:"start_timeout_ms"`
	HandsEnabled         bool     `yaml:"hands_enabled"`
}

// AlertsConfig contains thresholds and display durations
type AlertsConfig struct {
	HeadTurnThreshold  float64 `yaml:"head_turn_threshold"`
	MouthOpenThreshold float64 `yaml:"mouth_open_threshold"`
	HeadTurnHoldMS     int     `yaml:"head_turn_hold_ms"`
	MouthOpenDisplayMS int     `yaml:"mouth_open_display_ms"`
	DefaultDisplayMS   int     `yaml:"default_display_ms"`
}

// UIConfig contains the websocket and health server settings
type UIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled bool            `yaml:"enabled"`
	Broker  string          `yaml:"broker"`
	Topics  MQTTTopics      `yaml:"topics"`
	QoS     map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
}

// RequestTimeout returns the per-call inference deadline
func (p PerceptionConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutMS) * time.Millisecond
}

// StartTimeout returns the worker handshake deadline
func (p PerceptionConfig) StartTimeout() time.Duration {
	return time.Duration(p.StartTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown deadline
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// SlogLevel maps LogLevel to a slog level
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses a YAML configuration file. Variables from a .env
// file in the working directory are loaded first, then PROCTOR_*
// environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML, applies environment overrides and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg, os.LookupEnv)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnv overrides fields from PROCTOR_* variables
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("PROCTOR_INSTANCE_ID"); ok && v != "" {
		cfg.InstanceID = v
	}
	if v, ok := lookup("PROCTOR_LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}
	if v, ok := lookup("PROCTOR_CAMERA_SOURCE"); ok && v != "" {
		cfg.Camera.Source = v
	}
	if v, ok := lookup("PROCTOR_CAMERA_DEVICE"); ok && v != "" {
		cfg.Camera.Device = v
	}
	if v, ok := lookup("PROCTOR_UI_LISTEN_ADDR"); ok && v != "" {
		cfg.UI.ListenAddr = v
	}
	if v, ok := lookup("PROCTOR_MQTT_BROKER"); ok && v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
}
