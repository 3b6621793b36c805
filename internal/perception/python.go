package perception

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

const (
	defaultRequestTimeout = 2 * time.Second
	defaultStartTimeout   = 10 * time.Second
	stopTimeout           = 2 * time.Second
)

// PythonConfig contains configuration for the Python perception worker
type PythonConfig struct {
	WorkerID          string
	Command           string
	Args              []string
	FaceMinConfidence float64
	ScoreThreshold    float64
	MaxFaces          int
	HandsEnabled      bool
	RequestTimeout    time.Duration
	StartTimeout      time.Duration
}

func (c *PythonConfig) applyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = "perception"
	}
	if c.FaceMinConfidence <= 0 {
		c.FaceMinConfidence = 0.6
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = 0.5
	}
	if c.MaxFaces <= 0 {
		c.MaxFaces = 2
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
}

// PythonEngine runs inference in a Python subprocess speaking
// length-prefixed msgpack over stdin/stdout. Requests carry an id and
// responses are routed back to the waiting caller; a response whose caller
// already gave up is counted as late and discarded.
type PythonEngine struct {
	cfg PythonConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[uint64]chan response
	nextID  atomic.Uint64

	cancel     context.CancelFunc
	wg         sync.WaitGroup
	done       chan struct{}
	stderrDone chan struct{}
	closed     atomic.Bool

	requests       atomic.Uint64
	failures       atomic.Uint64
	late           atomic.Uint64
	completed      atomic.Uint64
	totalLatencyUS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

var _ Engine = (*PythonEngine)(nil)

// NewPythonFactory returns a Factory that spawns a fresh worker per session
func NewPythonFactory(cfg PythonConfig) Factory {
	return func(ctx context.Context) (Engine, error) {
		return StartPython(ctx, cfg)
	}
}

// StartPython spawns the worker and completes the hello handshake.
// Any failure is reported as ErrUnavailable.
func StartPython(ctx context.Context, cfg PythonConfig) (*PythonEngine, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: worker command is required", ErrUnavailable)
	}
	cfg.applyDefaults()

	procCtx, cancel := context.WithCancel(context.Background())

	args := append([]string{}, cfg.Args...)
	args = append(args,
		"--face-min-confidence", strconv.FormatFloat(cfg.FaceMinConfidence, 'f', 2, 64),
		"--score-threshold", strconv.FormatFloat(cfg.ScoreThreshold, 'f', 2, 64),
		"--max-faces", strconv.Itoa(cfg.MaxFaces),
	)
	cmd := exec.CommandContext(procCtx, cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to create stdin pipe: %v", ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to create stdout pipe: %v", ErrUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to create stderr pipe: %v", ErrUnavailable, err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: failed to start worker: %v", ErrUnavailable, err)
	}

	slog.Info("perception worker spawned",
		"worker_id", cfg.WorkerID,
		"pid", cmd.Process.Pid,
		"command", cfg.Command,
	)

	e := newPythonEngine(cfg, stdin, stdout, cancel)
	e.cmd = cmd
	e.stderr = stderr
	e.stderrDone = make(chan struct{})

	e.wg.Add(2)
	go e.logStderr()
	go e.waitProcess()

	if err := e.handshake(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return e, nil
}

// newPythonEngine wires an engine to an already running worker's pipes
// and takes ownership of cancel, which kills the process.
func newPythonEngine(cfg PythonConfig, stdin io.WriteCloser, stdout io.Reader, cancel context.CancelFunc) *PythonEngine {
	cfg.applyDefaults()

	e := &PythonEngine{
		cfg:     cfg,
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[uint64]chan response),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	e.lastSeenAt.Store(time.Time{})

	e.wg.Add(1)
	go e.readResults()
	return e
}

// handshake configures the worker and waits for it to load its models
func (e *PythonEngine) handshake(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, e.cfg.StartTimeout)
	defer cancel()

	resp, err := e.roundTrip(hctx, request{
		Task: taskHello,
		Params: &params{
			FaceMinConfidence: e.cfg.FaceMinConfidence,
			ScoreThreshold:    e.cfg.ScoreThreshold,
			MaxFaces:          e.cfg.MaxFaces,
			Hands:             e.cfg.HandsEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	slog.Info("perception worker ready",
		"worker_id", e.cfg.WorkerID,
		"models", resp.Models,
	)
	return nil
}

// DetectFace runs the face-landmark model on frame
func (e *PythonEngine) DetectFace(ctx context.Context, frame types.Frame) (types.FaceObservation, error) {
	resp, err := e.infer(ctx, taskFace, frame, frame.Timestamp)
	if err != nil {
		return types.FaceObservation{}, err
	}
	return normalizeFaces(resp.Faces), nil
}

// DetectHands runs the hand-landmark model on frame
func (e *PythonEngine) DetectHands(ctx context.Context, frame types.Frame) (types.HandObservation, error) {
	resp, err := e.infer(ctx, taskHands, frame, frame.Timestamp)
	if err != nil {
		return types.HandObservation{}, err
	}
	return normalizeHands(resp.Hands, resp.Handedness), nil
}

// DetectObjects runs the object detector on frame
func (e *PythonEngine) DetectObjects(ctx context.Context, frame types.Frame, ts time.Time) (types.DetectionObservation, error) {
	resp, err := e.infer(ctx, taskObjects, frame, ts)
	if err != nil {
		return types.DetectionObservation{}, err
	}
	return normalizeDetections(resp.Detections, e.cfg.ScoreThreshold), nil
}

func (e *PythonEngine) infer(ctx context.Context, task string, frame types.Frame, ts time.Time) (response, error) {
	e.requests.Add(1)

	cctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.roundTrip(cctx, request{
		Task:        task,
		FrameData:   frame.Data,
		Width:       frame.Width,
		Height:      frame.Height,
		TimestampMS: ts.UnixMilli(),
		TraceID:     frame.TraceID,
	})
	if err != nil {
		e.failures.Add(1)
		return response{}, fmt.Errorf("perception: %s: %w", task, err)
	}

	e.completed.Add(1)
	e.totalLatencyUS.Add(uint64(time.Since(start).Microseconds()))
	e.lastSeenAt.Store(time.Now())
	return resp, nil
}

// roundTrip sends req and waits for the response with the same id
func (e *PythonEngine) roundTrip(ctx context.Context, req request) (response, error) {
	if e.closed.Load() {
		return response{}, ErrClosed
	}

	req.ID = e.nextID.Add(1)
	ch := make(chan response, 1)

	e.mu.Lock()
	e.pending[req.ID] = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.pending, req.ID)
		e.mu.Unlock()
	}()

	writeErr := make(chan error, 1)
	go func() {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		writeErr <- writeMessage(e.stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			return response{}, fmt.Errorf("failed to write to worker: %w", err)
		}
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-e.done:
		return response{}, ErrClosed
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return response{}, fmt.Errorf("worker error: %s", resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-e.done:
		return response{}, ErrClosed
	}
}

// readResults routes worker responses to their callers until stdout closes
func (e *PythonEngine) readResults() {
	defer e.wg.Done()
	defer close(e.done)

	for {
		var resp response
		if err := readMessage(e.stdout, &resp); err != nil {
			if errors.Is(err, io.EOF) || e.closed.Load() {
				slog.Debug("perception worker stdout closed",
					"worker_id", e.cfg.WorkerID,
				)
				return
			}
			slog.Error("failed to read from perception worker",
				"worker_id", e.cfg.WorkerID,
				"error", err,
			)
			return
		}

		e.mu.Lock()
		ch, ok := e.pending[resp.ID]
		if ok {
			delete(e.pending, resp.ID)
		}
		e.mu.Unlock()

		if !ok {
			e.late.Add(1)
			slog.Debug("discarding late perception result",
				"worker_id", e.cfg.WorkerID,
				"request_id", resp.ID,
				"task", resp.Task,
			)
			continue
		}
		ch <- resp
	}
}

// logStderr maps worker log levels to slog levels
func (e *PythonEngine) logStderr() {
	defer e.wg.Done()
	defer close(e.stderrDone)

	scanner := bufio.NewScanner(e.stderr)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			slog.Error("perception worker error", "worker_id", e.cfg.WorkerID, "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			slog.Warn("perception worker warning", "worker_id", e.cfg.WorkerID, "log", line)
		default:
			slog.Debug("perception worker log", "worker_id", e.cfg.WorkerID, "log", line)
		}
	}
}

// waitProcess reaps the worker process once both pipe readers hit EOF.
// Wait closes the pipes, so it must not run while they are still read.
func (e *PythonEngine) waitProcess() {
	defer e.wg.Done()

	<-e.done
	<-e.stderrDone

	err := e.cmd.Wait()
	switch {
	case err == nil:
		slog.Info("perception worker exited cleanly",
			"worker_id", e.cfg.WorkerID,
			"pid", e.cmd.Process.Pid,
		)
	case e.closed.Load():
		slog.Debug("perception worker exited (shutdown)",
			"worker_id", e.cfg.WorkerID,
			"pid", e.cmd.Process.Pid,
		)
	default:
		slog.Error("perception worker exited unexpectedly",
			"worker_id", e.cfg.WorkerID,
			"pid", e.cmd.Process.Pid,
			"error", err,
		)
	}
}

// Close stops the worker. It closes stdin so the worker can exit on its
// own, then kills it if it is still running after the stop timeout.
func (e *PythonEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	slog.Info("stopping perception worker", "worker_id", e.cfg.WorkerID)

	if e.stdin != nil {
		e.stdin.Close()
	}

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(stopTimeout):
		slog.Warn("perception worker stop timeout, killing process", "worker_id", e.cfg.WorkerID)
		e.cancel()
		<-finished
	}
	e.cancel()

	slog.Info("perception worker stopped",
		"worker_id", e.cfg.WorkerID,
		"requests", e.requests.Load(),
		"failures", e.failures.Load(),
		"late_results", e.late.Load(),
	)
	return nil
}

// Metrics returns current engine health metrics
func (e *PythonEngine) Metrics() Metrics {
	completed := e.completed.Load()

	var avgLatencyMS float64
	if completed > 0 {
		avgLatencyMS = float64(e.totalLatencyUS.Load()) / float64(completed) / 1000
	}

	lastSeen, _ := e.lastSeenAt.Load().(time.Time)

	return Metrics{
		Requests:     e.requests.Load(),
		Failures:     e.failures.Load(),
		LateResults:  e.late.Load(),
		AvgLatencyMS: avgLatencyMS,
		LastSeenAt:   lastSeen,
	}
}
