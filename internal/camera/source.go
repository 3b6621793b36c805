// Package camera defines the frame source contract used by a proctoring
// session and the latest-frame mailbox shared by its implementations.
package camera

import (
	"context"
	"errors"
	"time"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

var (
	// ErrUnavailable is returned by Open when the capture device is absent,
	// denied, or fails to start.
	ErrUnavailable = errors.New("camera: capture device unavailable")

	// ErrClosed is returned by WaitFrame once the source has been closed.
	ErrClosed = errors.New("camera: source closed")
)

// Constraints are the requested capture parameters
type Constraints struct {
	Width  int
	Height int
	FPS    int
}

// Source defines the contract for a live camera capture session.
//
// Implementations must guarantee:
//   - Open fails with an error wrapping ErrUnavailable when no device can be acquired
//   - CurrentFrame never blocks
//   - WaitFrame returns only frames strictly newer than its argument
//   - Close is idempotent and releases the device exactly once
//   - Close wakes any blocked WaitFrame with ErrClosed
//   - Stats is safe to call from any goroutine
type Source interface {
	// Open acquires the device and starts producing frames.
	Open(ctx context.Context, c Constraints) error

	// CurrentFrame returns the most recent frame, if any.
	CurrentFrame() (types.Frame, bool)

	// WaitFrame blocks until a frame with a timestamp after the given one
	// is available, the context is done, or the source is closed.
	WaitFrame(ctx context.Context, after time.Time) (types.Frame, error)

	// Close stops capture and releases the device.
	Close() error

	// Stats returns capture statistics.
	Stats() Stats
}

// Stats contains frame source statistics
type Stats struct {
	Source          string `json:"source"`
	Open            bool   `json:"open"`
	Resolution      string `json:"resolution"`
	FPSTarget       int    `json:"fps_target"`
	FramesPublished uint64 `json:"frames_published"`
	FramesDelivered uint64 `json:"frames_delivered"`
	FramesDropped   uint64 `json:"frames_dropped"`
	Releases        uint64 `json:"releases"`
}
