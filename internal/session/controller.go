// Package session runs one proctoring session at a time: it owns the
// camera and perception engine for the session lifetime and feeds each
// frame's observations into the alert machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/alert"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/camera"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/clock"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/perception"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

// loopStopTimeout bounds how long Stop waits for an in-flight frame
const loopStopTimeout = 2 * time.Second

// Options configures a Controller
type Options struct {
	Source       camera.Source
	Engines      perception.Factory
	Machine      *alert.Machine
	Constraints  camera.Constraints
	HandsEnabled bool
	Clock        clock.Clock
}

// Stats contains session statistics
type Stats struct {
	State             string              `json:"state"`
	SessionID         string              `json:"session_id,omitempty"`
	StartedAt         time.Time           `json:"started_at,omitempty"`
	FramesProcessed   uint64              `json:"frames_processed"`
	DuplicateFrames   uint64              `json:"duplicate_frames"`
	TransientFailures uint64              `json:"transient_failures"`
	StaleResults      uint64              `json:"stale_results"`
	AvgInferenceMS    float64             `json:"avg_inference_ms"`
	Camera            camera.Stats        `json:"camera"`
	Engine            *perception.Metrics `json:"engine,omitempty"`
}

// Controller drives the session lifecycle and the frame loop
type Controller struct {
	opts Options

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	mu        sync.RWMutex
	state     State
	sessionID string
	startedAt time.Time
	engine    perception.Engine
	cancel    context.CancelFunc
	loopDone  chan struct{}
	observers []StateObserver

	// applyMu makes the generation check and the alert update atomic with
	// respect to Stop bumping the generation.
	applyMu    sync.Mutex
	generation uint64

	framesProcessed   atomic.Uint64
	duplicateFrames   atomic.Uint64
	transientFailures atomic.Uint64
	staleResults      atomic.Uint64
	inferenceUS       atomic.Uint64
}

// New creates a stopped Controller
func New(opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Controller{opts: opts}
}

// OnStateChange registers an observer for state transitions
func (c *Controller) OnStateChange(fn StateObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Running reports whether a session is live
func (c *Controller) Running() bool {
	return c.State() == StateRunning
}

// SessionID returns the id of the live session, or "" when stopped
func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Start acquires the perception engine and the camera and begins the frame
// loop. It is a no-op unless the session is stopped. Start-up failures
// raise a persistent alert and leave the session stopped.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() != StateStopped {
		slog.Debug("start ignored", "state", c.State().String())
		return nil
	}

	c.setState(StateStarting, "")
	c.opts.Machine.Reset()

	engine, err := c.opts.Engines(ctx)
	if err != nil {
		slog.Error("failed to start perception engine", "error", err)
		c.opts.Machine.Raise(alert.TextInferenceUnavailable)
		c.setState(StateStopped, "")
		return fmt.Errorf("%w: %w", ErrInferenceUnavailable, err)
	}

	if err := c.opts.Source.Open(ctx, c.opts.Constraints); err != nil {
		slog.Error("failed to open camera", "error", err)
		engine.Close()
		c.opts.Machine.Raise(alert.TextCameraUnavailable)
		c.setState(StateStopped, "")
		return fmt.Errorf("%w: %w", ErrCameraUnavailable, err)
	}

	c.framesProcessed.Store(0)
	c.duplicateFrames.Store(0)
	c.transientFailures.Store(0)
	c.staleResults.Store(0)
	c.inferenceUS.Store(0)

	c.applyMu.Lock()
	c.generation++
	gen := c.generation
	c.applyMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	id := uuid.New().String()

	c.mu.Lock()
	c.sessionID = id
	c.startedAt = c.opts.Clock.Now()
	c.engine = engine
	c.cancel = cancel
	c.loopDone = done
	c.mu.Unlock()

	c.setState(StateRunning, id)

	go c.run(loopCtx, gen, engine, done)

	slog.Info("session started",
		"session_id", id,
		"width", c.opts.Constraints.Width,
		"height", c.opts.Constraints.Height,
		"hands_enabled", c.opts.HandsEnabled,
	)
	return nil
}

// Stop ends the live session. The camera is released even when an
// inference call is still pending; its result is discarded. Stop is a
// no-op unless the session is running.
func (c *Controller) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.State() != StateRunning {
		return nil
	}
	c.stopLocked()
	return nil
}

// stopOnCameraLoss stops session gen after its camera went away and leaves
// the camera alert visible.
func (c *Controller) stopOnCameraLoss(gen uint64) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.applyMu.Lock()
	current := c.generation == gen
	c.applyMu.Unlock()

	if !current || c.State() != StateRunning {
		return
	}
	c.stopLocked()
	c.opts.Machine.Raise(alert.TextCameraUnavailable)
}

// stopLocked tears the session down. Caller holds c.lifecycle.
func (c *Controller) stopLocked() {
	c.mu.RLock()
	id := c.sessionID
	engine := c.engine
	cancel := c.cancel
	done := c.loopDone
	c.mu.RUnlock()

	c.setState(StateStopping, id)

	c.applyMu.Lock()
	c.generation++
	c.applyMu.Unlock()

	cancel()

	if err := c.opts.Source.Close(); err != nil {
		slog.Warn("failed to close camera", "session_id", id, "error", err)
	}

	select {
	case <-done:
	case <-time.After(loopStopTimeout):
		slog.Warn("frame loop did not exit in time", "session_id", id, "timeout", loopStopTimeout)
	}

	if err := engine.Close(); err != nil {
		slog.Warn("failed to close perception engine", "session_id", id, "error", err)
	}

	c.opts.Machine.Reset()

	c.mu.Lock()
	c.sessionID = ""
	c.engine = nil
	c.cancel = nil
	c.loopDone = nil
	c.mu.Unlock()

	c.setState(StateStopped, "")

	slog.Info("session stopped",
		"session_id", id,
		"frames_processed", c.framesProcessed.Load(),
		"duplicate_frames", c.duplicateFrames.Load(),
		"transient_failures", c.transientFailures.Load(),
		"stale_results", c.staleResults.Load(),
	)
}

// Stats returns session statistics
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	state := c.state
	id := c.sessionID
	startedAt := c.startedAt
	engine := c.engine
	c.mu.RUnlock()

	processed := c.framesProcessed.Load()
	var avgMS float64
	if processed > 0 {
		avgMS = float64(c.inferenceUS.Load()) / float64(processed) / 1000
	}

	stats := Stats{
		State:             state.String(),
		SessionID:         id,
		FramesProcessed:   processed,
		DuplicateFrames:   c.duplicateFrames.Load(),
		TransientFailures: c.transientFailures.Load(),
		StaleResults:      c.staleResults.Load(),
		AvgInferenceMS:    avgMS,
		Camera:            c.opts.Source.Stats(),
	}
	if id != "" {
		stats.StartedAt = startedAt
	}
	if engine != nil {
		m := engine.Metrics()
		stats.Engine = &m
	}
	return stats
}

func (c *Controller) setState(s State, sessionID string) {
	c.mu.Lock()
	c.state = s
	observers := append([]StateObserver(nil), c.observers...)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(s, sessionID)
	}
}

// current reports whether gen is still the live session
func (c *Controller) current(ctx context.Context, gen uint64) bool {
	if ctx.Err() != nil {
		return false
	}
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.generation == gen
}

// run processes one frame at a time until the session ends
func (c *Controller) run(ctx context.Context, gen uint64, engine perception.Engine, done chan struct{}) {
	defer close(done)

	var last time.Time
	for c.current(ctx, gen) {
		frame, err := c.opts.Source.WaitFrame(ctx, last)
		if err != nil {
			if errors.Is(err, camera.ErrClosed) && c.current(ctx, gen) {
				slog.Error("camera closed unexpectedly", "error", err)
				go c.stopOnCameraLoss(gen)
			}
			return
		}

		if !frame.Timestamp.After(last) {
			c.duplicateFrames.Add(1)
			continue
		}
		last = frame.Timestamp

		err = c.processFrame(ctx, gen, engine, frame)
		switch {
		case err == nil:
		case errors.Is(err, errStale):
			c.staleResults.Add(1)
			slog.Debug("discarding result after stop",
				"frame_seq", frame.Seq,
				"trace_id", frame.TraceID,
			)
			return
		default:
			failures := c.transientFailures.Add(1)
			slog.Warn("skipping frame",
				"frame_seq", frame.Seq,
				"trace_id", frame.TraceID,
				"error", err,
				"transient_failures", failures,
			)
		}
	}
}

// processFrame runs inference for one frame and applies the results only
// when every call succeeded and the session is still live.
func (c *Controller) processFrame(ctx context.Context, gen uint64, engine perception.Engine, frame types.Frame) error {
	start := c.opts.Clock.Now()

	face, err := engine.DetectFace(ctx, frame)
	if err := c.checkResult(ctx, gen, err); err != nil {
		return err
	}

	var hands types.HandObservation
	if c.opts.HandsEnabled {
		hands, err = engine.DetectHands(ctx, frame)
		if err := c.checkResult(ctx, gen, err); err != nil {
			return err
		}
	}

	objects, err := engine.DetectObjects(ctx, frame, frame.Timestamp)
	if err := c.checkResult(ctx, gen, err); err != nil {
		return err
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	if c.generation != gen {
		return errStale
	}

	c.opts.Machine.ObserveFace(face, frame.Timestamp)
	if c.opts.HandsEnabled {
		c.opts.Machine.ObserveHands(hands, frame.Timestamp)
	}
	c.opts.Machine.ObserveDetections(objects, frame.Timestamp)

	c.framesProcessed.Add(1)
	c.inferenceUS.Add(uint64(c.opts.Clock.Since(start).Microseconds()))

	slog.Debug("frame processed",
		"frame_seq", frame.Seq,
		"trace_id", frame.TraceID,
		"faces", face.Count(),
		"detections", len(objects.Detections),
	)
	return nil
}

func (c *Controller) checkResult(ctx context.Context, gen uint64, err error) error {
	if !c.current(ctx, gen) {
		return errStale
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransientInference, err)
	}
	return nil
}
