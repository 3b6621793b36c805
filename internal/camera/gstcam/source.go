// Package gstcam captures frames from a local V4L2 camera through GStreamer.
package gstcam

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/camera"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

const defaultStartTimeout = 5 * time.Second

// Config contains device settings for the GStreamer source
type Config struct {
	Device       string
	StartTimeout time.Duration
}

// Source implements camera.Source over a v4l2src pipeline
type Source struct {
	cfg Config

	mu       sync.Mutex
	elements *pipelineElements
	box      *camera.Mailbox
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	open     bool
	width    int
	height   int
	fps      int
	started  time.Time
	releases uint64

	frameCount uint64
	bytesRead  uint64
	errors     uint64
}

var _ camera.Source = (*Source)(nil)

// New creates a GStreamer camera source
func New(cfg Config) *Source {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	return &Source{cfg: cfg, box: camera.NewMailbox()}
}

// Open builds the pipeline, starts it and waits for PLAYING.
// Every failure is reported as camera.ErrUnavailable.
func (s *Source) Open(ctx context.Context, c camera.Constraints) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return fmt.Errorf("gstcam: source already open")
	}

	if _, err := os.Stat(s.cfg.Device); err != nil {
		return fmt.Errorf("%w: %v", camera.ErrUnavailable, err)
	}

	elements, err := createPipeline(pipelineConfig{
		Device: s.cfg.Device,
		Width:  c.Width,
		Height: c.Height,
		FPS:    c.FPS,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", camera.ErrUnavailable, err)
	}

	box := camera.NewMailbox()
	width, height := c.Width, c.Height
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink, box, width, height)
		},
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		destroyPipeline(elements)
		return fmt.Errorf("%w: failed to start pipeline: %v", camera.ErrUnavailable, err)
	}

	if err := waitPlaying(ctx, elements.Pipeline, s.cfg.StartTimeout); err != nil {
		destroyPipeline(elements)
		return fmt.Errorf("%w: %v", camera.ErrUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.elements = elements
	s.box = box
	s.cancel = cancel
	s.open = true
	s.width, s.height, s.fps = c.Width, c.Height, c.FPS
	s.started = time.Now()

	s.wg.Add(1)
	go s.monitorBus(runCtx, elements.Pipeline, box)

	slog.Info("gstcam: camera opened",
		"device", s.cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", c.Width, c.Height),
		"fps", c.FPS,
	)
	return nil
}

// waitPlaying polls the bus until the pipeline reports PLAYING, an error,
// or the timeout elapses.
func waitPlaying(ctx context.Context, pipeline *gst.Pipeline, timeout time.Duration) error {
	bus := pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyError(gerr.Error(), gerr.DebugString())
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				return nil
			}
		}
	}
	return fmt.Errorf("pipeline did not reach PLAYING within %s", timeout)
}

// onNewSample copies the appsink sample into the mailbox
func (s *Source) onNewSample(sink *app.Sink, box *camera.Mailbox, width, height int) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstcam: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstcam: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("gstcam: empty buffer received")
		return gst.FlowOK
	}

	// GStreamer reuses the buffer once we return
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(&s.frameCount, 1)
	atomic.AddUint64(&s.bytesRead, uint64(len(data)))

	box.Publish(types.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     width,
		Height:    height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	})

	return gst.FlowOK
}

// monitorBus logs pipeline errors until cancelled. End of stream or a
// device error closes the mailbox, which ends the session with a camera
// alert; the device is not reopened here.
func (s *Source) monitorBus(ctx context.Context, pipeline *gst.Pipeline, box *camera.Mailbox) {
	defer s.wg.Done()

	bus := pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("gstcam: end of stream received",
				"device", s.cfg.Device,
				"frames_processed", atomic.LoadUint64(&s.frameCount),
			)
			box.Close()
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			atomic.AddUint64(&s.errors, 1)
			category := classifyError(gerr.Error(), gerr.DebugString())
			slog.Error("gstcam: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", s.cfg.Device,
				"frames_processed", atomic.LoadUint64(&s.frameCount),
			)
			if category == ErrCategoryDevice {
				box.Close()
				return
			}
		}
	}
}

// CurrentFrame returns the latest captured frame
func (s *Source) CurrentFrame() (types.Frame, bool) {
	s.mu.Lock()
	box := s.box
	s.mu.Unlock()
	return box.Latest()
}

// WaitFrame blocks until a frame newer than after is captured
func (s *Source) WaitFrame(ctx context.Context, after time.Time) (types.Frame, error) {
	s.mu.Lock()
	box := s.box
	open := s.open
	s.mu.Unlock()

	if !open {
		return types.Frame{}, camera.ErrClosed
	}
	return box.Wait(ctx, after)
}

// Close stops the pipeline and releases the device
func (s *Source) Close() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	s.releases++
	elements := s.elements
	cancel := s.cancel
	box := s.box
	s.elements = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	box.Close()

	if err := destroyPipeline(elements); err != nil {
		return fmt.Errorf("gstcam: %w", err)
	}

	slog.Info("gstcam: camera released",
		"device", s.cfg.Device,
		"uptime", time.Since(s.started),
		"frames_processed", atomic.LoadUint64(&s.frameCount),
	)
	return nil
}

// Stats returns capture statistics
func (s *Source) Stats() camera.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	published, delivered, dropped := s.box.Counts()
	return camera.Stats{
		Source:          "v4l2:" + s.cfg.Device,
		Open:            s.open,
		Resolution:      fmt.Sprintf("%dx%d", s.width, s.height),
		FPSTarget:       s.fps,
		FramesPublished: published,
		FramesDelivered: delivered,
		FramesDropped:   dropped,
		Releases:        s.releases,
	}
}
