package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

// MockSource generates synthetic frames for testing and camera-less runs.
// With fps > 0 it publishes black RGB24 frames on a ticker; with fps == 0
// frames are only produced by Push.
type MockSource struct {
	fps int

	mu        sync.Mutex
	box       *Mailbox
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	open      bool
	openErr   error
	width     int
	height    int
	seq       uint64
	releases  uint64
	startTime time.Time
}

// NewMockSource creates a mock source producing fps frames per second
func NewMockSource(fps int) *MockSource {
	return &MockSource{fps: fps, box: NewMailbox()}
}

// FailOpen makes subsequent Open calls fail with err wrapped in ErrUnavailable.
// Passing nil restores normal behavior.
func (m *MockSource) FailOpen(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// Open starts the mock capture
func (m *MockSource) Open(ctx context.Context, c Constraints) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.openErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, m.openErr)
	}
	if m.open {
		return fmt.Errorf("camera: mock source already open")
	}

	m.width, m.height = c.Width, c.Height
	m.box = NewMailbox()
	m.open = true
	m.startTime = time.Now()

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if m.fps > 0 {
		m.wg.Add(1)
		go m.generateFrames(runCtx, m.box)
	}

	slog.Info("mock camera opened",
		"width", c.Width,
		"height", c.Height,
		"fps", m.fps,
	)
	return nil
}

// Push publishes a frame with the given timestamp. It is a no-op when the
// source is not open.
func (m *MockSource) Push(ts time.Time) {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return
	}
	frame := m.createFrameLocked(ts)
	box := m.box
	m.mu.Unlock()

	box.Publish(frame)
}

// CurrentFrame returns the latest frame
func (m *MockSource) CurrentFrame() (types.Frame, bool) {
	m.mu.Lock()
	box := m.box
	m.mu.Unlock()
	return box.Latest()
}

// WaitFrame blocks until a frame newer than after is available
func (m *MockSource) WaitFrame(ctx context.Context, after time.Time) (types.Frame, error) {
	m.mu.Lock()
	box := m.box
	open := m.open
	m.mu.Unlock()

	if !open {
		return types.Frame{}, ErrClosed
	}
	return box.Wait(ctx, after)
}

// Close stops the generator and releases the mock device
func (m *MockSource) Close() error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return nil
	}
	m.open = false
	m.releases++
	cancel := m.cancel
	box := m.box
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	box.Close()

	published, _, _ := box.Counts()
	slog.Info("mock camera closed",
		"frames_emitted", published,
		"duration", time.Since(m.startTime),
	)
	return nil
}

// Stats returns mock source statistics
func (m *MockSource) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	published, delivered, dropped := m.box.Counts()
	return Stats{
		Source:          "mock",
		Open:            m.open,
		Resolution:      fmt.Sprintf("%dx%d", m.width, m.height),
		FPSTarget:       m.fps,
		FramesPublished: published,
		FramesDelivered: delivered,
		FramesDropped:   dropped,
		Releases:        m.releases,
	}
}

// generateFrames publishes frames at the target FPS
func (m *MockSource) generateFrames(ctx context.Context, box *Mailbox) {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(m.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.Lock()
			frame := m.createFrameLocked(now)
			m.mu.Unlock()
			box.Publish(frame)
		}
	}
}

// createFrameLocked builds a black RGB24 frame. Caller holds m.mu.
func (m *MockSource) createFrameLocked(ts time.Time) types.Frame {
	m.seq++
	return types.Frame{
		Seq:       m.seq,
		Timestamp: ts,
		Width:     m.width,
		Height:    m.height,
		Data:      make([]byte, m.width*m.height*3),
		TraceID:   uuid.New().String(),
	}
}
