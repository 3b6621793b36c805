// Package perception adapts the external face, hand and object inference
// engine to the typed observations consumed by the alert machine.
package perception

import (
	"context"
	"errors"
	"time"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

var (
	// ErrUnavailable is returned when the engine cannot be started
	ErrUnavailable = errors.New("perception: inference engine unavailable")

	// ErrClosed is returned by calls on a closed engine
	ErrClosed = errors.New("perception: engine closed")
)

// Engine runs inference on single frames. An empty observation is a valid
// "nothing detected" result, not an error.
type Engine interface {
	DetectFace(ctx context.Context, frame types.Frame) (types.FaceObservation, error)
	DetectHands(ctx context.Context, frame types.Frame) (types.HandObservation, error)
	DetectObjects(ctx context.Context, frame types.Frame, ts time.Time) (types.DetectionObservation, error)
	Close() error
	Metrics() Metrics
}

// Factory starts a new engine for a session
type Factory func(ctx context.Context) (Engine, error)

// Metrics contains engine health metrics
type Metrics struct {
	Requests     uint64    `json:"requests"`
	Failures     uint64    `json:"failures"`
	LateResults  uint64    `json:"late_results"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}
