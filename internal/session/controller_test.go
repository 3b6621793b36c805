package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/alert"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/camera"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/clock"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/perception"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/signals"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeSource hands out frames pushed by the test without filtering duplicates
type fakeSource struct {
	mu       sync.Mutex
	frames   chan types.Frame
	closed   chan struct{}
	open     bool
	openErr  error
	opens    int
	releases int
	seq      uint64
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan types.Frame, 16)}
}

func (s *fakeSource) Open(ctx context.Context, c camera.Constraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return fmt.Errorf("%w: %v", camera.ErrUnavailable, s.openErr)
	}
	s.open = true
	s.opens++
	s.closed = make(chan struct{})
	return nil
}

func (s *fakeSource) push(ts time.Time) {
	s.mu.Lock()
	s.seq++
	f := types.Frame{Seq: s.seq, Timestamp: ts, Width: 4, Height: 4}
	s.mu.Unlock()
	s.frames <- f
}

func (s *fakeSource) CurrentFrame() (types.Frame, bool) {
	return types.Frame{}, false
}

func (s *fakeSource) WaitFrame(ctx context.Context, after time.Time) (types.Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	select {
	case f := <-s.frames:
		return f, nil
	case <-closed:
		return types.Frame{}, camera.ErrClosed
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	s.releases++
	close(s.closed)
	return nil
}

func (s *fakeSource) Stats() camera.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return camera.Stats{Source: "fake", Open: s.open, Releases: uint64(s.releases)}
}

func (s *fakeSource) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// fakeEngine returns scripted observations
type fakeEngine struct {
	face    func(ctx context.Context, frame types.Frame) (types.FaceObservation, error)
	objects func(ctx context.Context, frame types.Frame) (types.DetectionObservation, error)

	handCalls atomic.Int32
	closes    atomic.Int32
}

func (e *fakeEngine) DetectFace(ctx context.Context, frame types.Frame) (types.FaceObservation, error) {
	if e.face == nil {
		return singleFace(false), nil
	}
	return e.face(ctx, frame)
}

func (e *fakeEngine) DetectHands(ctx context.Context, frame types.Frame) (types.HandObservation, error) {
	e.handCalls.Add(1)
	return types.HandObservation{}, nil
}

func (e *fakeEngine) DetectObjects(ctx context.Context, frame types.Frame, ts time.Time) (types.DetectionObservation, error) {
	if e.objects == nil {
		return types.DetectionObservation{}, nil
	}
	return e.objects(ctx, frame)
}

func (e *fakeEngine) Close() error {
	e.closes.Add(1)
	return nil
}

func (e *fakeEngine) Metrics() perception.Metrics {
	return perception.Metrics{}
}

// recorder collects sink output from the loop goroutine
type recorder struct {
	mu    sync.Mutex
	texts []string
}

func (r *recorder) sink(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recorder) saw(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.texts {
		if s == text {
			return true
		}
	}
	return false
}

type harness struct {
	ctrl    *Controller
	source  *fakeSource
	engine  *fakeEngine
	machine *alert.Machine
	rec     *recorder
	starts  atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		source: newFakeSource(),
		engine: &fakeEngine{},
		rec:    &recorder{},
	}
	clk := clock.NewMock(t0)
	h.machine = alert.NewMachine(alert.DefaultConfig(), clk, h.rec.sink)
	h.ctrl = New(Options{
		Source: h.source,
		Engines: func(ctx context.Context) (perception.Engine, error) {
			h.starts.Add(1)
			return h.engine, nil
		},
		Machine:     h.machine,
		Constraints: camera.Constraints{Width: 640, Height: 480, FPS: 15},
		Clock:       clk,
	})
	t.Cleanup(func() { h.ctrl.Stop() })
	return h
}

func singleFace(turned bool) types.FaceObservation {
	mesh := make([]types.Landmark, 468)
	mesh[signals.LeftCheek].X = 0.30
	mesh[signals.RightCheek].X = 0.70
	if turned {
		mesh[signals.RightCheek].X = 0.35
	}
	mesh[signals.UpperLip].Y = 0.60
	mesh[signals.LowerLip].Y = 0.61
	return types.FaceObservation{Faces: [][]types.Landmark{mesh}}
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestControllerStartStop verifies the basic lifecycle and alert forwarding
func TestControllerStartStop(t *testing.T) {
	h := newHarness(t)
	h.engine.face = func(ctx context.Context, frame types.Frame) (types.FaceObservation, error) {
		return types.FaceObservation{}, nil
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !h.ctrl.Running() {
		t.Fatal("Expected controller to be running")
	}
	if h.ctrl.SessionID() == "" {
		t.Error("Expected a session id while running")
	}

	h.source.push(t0)
	waitFor(t, "no face alert", func() bool {
		return h.machine.Current().Text == alert.TextNoFace
	})

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if h.ctrl.State() != StateStopped {
		t.Errorf("Expected state stopped, got %s", h.ctrl.State())
	}
	if h.ctrl.SessionID() != "" {
		t.Errorf("Expected empty session id after stop, got %q", h.ctrl.SessionID())
	}
	if got := h.machine.Current().Text; got != "" {
		t.Errorf("Expected display cleared after stop, got %q", got)
	}
	if h.source.releaseCount() != 1 {
		t.Errorf("Expected camera released once, got %d", h.source.releaseCount())
	}
	if h.engine.closes.Load() != 1 {
		t.Errorf("Expected engine closed once, got %d", h.engine.closes.Load())
	}
}

// TestControllerStopIdempotent verifies a second Stop changes nothing
func TestControllerStopIdempotent(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.ctrl.Stop(); err != nil {
			t.Fatalf("Stop %d failed: %v", i+1, err)
		}
	}

	if h.source.releaseCount() != 1 {
		t.Errorf("Expected camera released exactly once, got %d", h.source.releaseCount())
	}
	if h.engine.closes.Load() != 1 {
		t.Errorf("Expected engine closed exactly once, got %d", h.engine.closes.Load())
	}
}

// TestControllerStartWhileRunning verifies Start on a live session is a no-op
func TestControllerStartWhileRunning(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	id := h.ctrl.SessionID()

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Errorf("Expected nil from second Start, got %v", err)
	}
	if h.starts.Load() != 1 {
		t.Errorf("Expected engine started once, got %d", h.starts.Load())
	}
	if h.ctrl.SessionID() != id {
		t.Errorf("Expected session id unchanged, got %q want %q", h.ctrl.SessionID(), id)
	}
}

// TestControllerStartFailures verifies start-up failures raise an alert and leave the session stopped
func TestControllerStartFailures(t *testing.T) {
	t.Run("camera unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.source.openErr = errors.New("permission denied")

		err := h.ctrl.Start(context.Background())
		if !errors.Is(err, ErrCameraUnavailable) {
			t.Errorf("Expected ErrCameraUnavailable, got %v", err)
		}
		if !errors.Is(err, camera.ErrUnavailable) {
			t.Errorf("Expected wrapped camera.ErrUnavailable, got %v", err)
		}
		if h.ctrl.Running() {
			t.Error("Expected controller not running")
		}
		if got := h.machine.Current().Text; got != alert.TextCameraUnavailable {
			t.Errorf("Expected %q, got %q", alert.TextCameraUnavailable, got)
		}
		if h.engine.closes.Load() != 1 {
			t.Errorf("Expected engine closed after camera failure, got %d", h.engine.closes.Load())
		}
	})

	t.Run("inference unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.opts.Engines = func(ctx context.Context) (perception.Engine, error) {
			return nil, fmt.Errorf("%w: worker exited", perception.ErrUnavailable)
		}

		err := h.ctrl.Start(context.Background())
		if !errors.Is(err, ErrInferenceUnavailable) {
			t.Errorf("Expected ErrInferenceUnavailable, got %v", err)
		}
		if !errors.Is(err, perception.ErrUnavailable) {
			t.Errorf("Expected wrapped perception.ErrUnavailable, got %v", err)
		}
		if h.source.opens != 0 {
			t.Errorf("Expected camera never opened, got %d opens", h.source.opens)
		}
		if got := h.machine.Current().Text; got != alert.TextInferenceUnavailable {
			t.Errorf("Expected %q, got %q", alert.TextInferenceUnavailable, got)
		}
	})
}

// TestControllerSkipsDuplicateFrames verifies a repeated timestamp is not processed twice
func TestControllerSkipsDuplicateFrames(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.source.push(t0)
	h.source.push(t0)
	h.source.push(t0.Add(66 * time.Millisecond))

	waitFor(t, "two processed frames", func() bool {
		return h.ctrl.Stats().FramesProcessed == 2
	})
	if got := h.ctrl.Stats().DuplicateFrames; got != 1 {
		t.Errorf("Expected 1 duplicate frame, got %d", got)
	}
}

// TestControllerTransientFailure verifies a failed frame is skipped without touching alert state
func TestControllerTransientFailure(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	h.engine.face = func(ctx context.Context, frame types.Frame) (types.FaceObservation, error) {
		if calls.Add(1) == 1 {
			return types.FaceObservation{}, errors.New("inference timeout")
		}
		return singleFace(false), nil
	}
	h.engine.objects = func(ctx context.Context, frame types.Frame) (types.DetectionObservation, error) {
		return types.DetectionObservation{}, nil
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.source.push(t0)
	h.source.push(t0.Add(66 * time.Millisecond))

	waitFor(t, "one processed frame", func() bool {
		return h.ctrl.Stats().FramesProcessed == 1
	})

	stats := h.ctrl.Stats()
	if stats.TransientFailures != 1 {
		t.Errorf("Expected 1 transient failure, got %d", stats.TransientFailures)
	}
	if !h.ctrl.Running() {
		t.Error("Expected loop to keep running after a transient failure")
	}
	if h.rec.saw(alert.TextNoFace) {
		t.Error("Expected failed frame not to produce a no-face alert")
	}
}

// TestControllerStopDuringInference verifies the camera is released and a late result is discarded
func TestControllerStopDuringInference(t *testing.T) {
	h := newHarness(t)

	inFlight := make(chan struct{})
	h.engine.face = func(ctx context.Context, frame types.Frame) (types.FaceObservation, error) {
		close(inFlight)
		<-ctx.Done()
		return types.FaceObservation{}, nil
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.source.push(t0)
	<-inFlight

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if h.source.releaseCount() != 1 {
		t.Errorf("Expected camera released, got %d releases", h.source.releaseCount())
	}
	if got := h.ctrl.Stats().StaleResults; got != 1 {
		t.Errorf("Expected 1 stale result, got %d", got)
	}
	if h.rec.saw(alert.TextNoFace) {
		t.Error("Expected result arriving after stop to be discarded")
	}
}

// TestControllerRestartIsFresh verifies a stop/start round trip leaves no residual alert state
func TestControllerRestartIsFresh(t *testing.T) {
	h := newHarness(t)
	h.engine.face = func(ctx context.Context, frame types.Frame) (types.FaceObservation, error) {
		return singleFace(true), nil
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.source.push(t0)
	h.source.push(t0.Add(1200 * time.Millisecond))
	waitFor(t, "head turn alert", func() bool {
		return h.machine.Current().Text == alert.TextHeadTurned
	})
	firstID := h.ctrl.SessionID()

	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	if h.machine.HeadTurnState() != (alert.SignalState{}) {
		t.Errorf("Expected fresh head-turn state, got %+v", h.machine.HeadTurnState())
	}
	if h.machine.TimerArmed() {
		t.Error("Expected no armed display timer after restart")
	}
	if h.machine.Current().Text != "" {
		t.Errorf("Expected empty display after restart, got %q", h.machine.Current().Text)
	}
	if h.ctrl.SessionID() == firstID {
		t.Error("Expected a new session id after restart")
	}
	if h.ctrl.Stats().FramesProcessed != 0 {
		t.Errorf("Expected counters reset, got %d frames", h.ctrl.Stats().FramesProcessed)
	}
}

// TestControllerCameraLoss verifies a source closing underneath the loop stops the session with an alert
func TestControllerCameraLoss(t *testing.T) {
	h := newHarness(t)

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.source.Close()

	waitFor(t, "session stopped", func() bool {
		return h.ctrl.State() == StateStopped
	})
	waitFor(t, "camera alert", func() bool {
		return h.machine.Current().Text == alert.TextCameraUnavailable
	})
	if h.engine.closes.Load() != 1 {
		t.Errorf("Expected engine closed after camera loss, got %d", h.engine.closes.Load())
	}
}

// TestControllerDetectionIndependentOfFace verifies a two-person frame keeps its
// alert when the face result changes in the same frame
func TestControllerDetectionIndependentOfFace(t *testing.T) {
	h := newHarness(t)
	h.engine.face = func(ctx context.Context, frame types.Frame) (types.FaceObservation, error) {
		if frame.Seq == 1 {
			return singleFace(false), nil
		}
		return types.FaceObservation{}, nil
	}
	h.engine.objects = func(ctx context.Context, frame types.Frame) (types.DetectionObservation, error) {
		return types.DetectionObservation{Detections: []types.Detection{
			{Label: signals.LabelPerson, Score: 0.9},
			{Label: signals.LabelPerson, Score: 0.8},
		}}, nil
	}

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	h.source.push(t0)
	waitFor(t, "persons alert", func() bool {
		return h.machine.Current().Text == alert.TextMultiplePersons
	})

	h.source.push(t0.Add(100 * time.Millisecond))
	waitFor(t, "second frame applied", func() bool {
		return h.ctrl.Stats().FramesProcessed == 2
	})

	if !h.rec.saw(alert.TextNoFace) {
		t.Error("Expected the face alert to be raised on the second frame")
	}
	if got := h.machine.Current().Text; got != alert.TextMultiplePersons {
		t.Errorf("Expected %q visible, got %q", alert.TextMultiplePersons, got)
	}
}

// TestControllerStateObserver verifies observers see every transition in order
func TestControllerStateObserver(t *testing.T) {
	h := newHarness(t)

	var (
		mu     sync.Mutex
		states []State
		ids    []string
	)
	h.ctrl.OnStateChange(func(s State, id string) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
		ids = append(ids, id)
	})

	if err := h.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.ctrl.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	want := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(states) != len(want) {
		t.Fatalf("Expected %d transitions, got %v", len(want), states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Errorf("Expected transition %d to be %s, got %s", i, s, states[i])
		}
	}
	if ids[1] == "" {
		t.Error("Expected running transition to carry the session id")
	}
}

// TestControllerHandsEnabled verifies hand inference only runs when enabled
func TestControllerHandsEnabled(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    int32
	}{
		{name: "disabled", enabled: false, want: 0},
		{name: "enabled", enabled: true, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ctrl.opts.HandsEnabled = tt.enabled

			if err := h.ctrl.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			h.source.push(t0)
			waitFor(t, "processed frame", func() bool {
				return h.ctrl.Stats().FramesProcessed == 1
			})

			if got := h.engine.handCalls.Load(); got != tt.want {
				t.Errorf("Expected %d hand calls, got %d", tt.want, got)
			}
		})
	}
}

// TestStateString verifies state names
func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
