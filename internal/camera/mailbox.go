package camera

import (
	"context"
	"sync"
	"time"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

// Mailbox is a single-slot frame buffer with overwrite semantics.
//
// Publish never blocks: a new frame replaces the previous one, and a frame
// replaced before anyone received it is counted as dropped. Waiters are
// woken by closing a notify channel, which is replaced on every publish so
// a wait can also select on a context.
type Mailbox struct {
	mu      sync.Mutex
	frame   types.Frame
	has     bool
	pending bool
	notify  chan struct{}
	closed  bool

	published uint64
	delivered uint64
	dropped   uint64
}

// NewMailbox creates an empty mailbox
func NewMailbox() *Mailbox {
	return &Mailbox{notify: make(chan struct{})}
}

// Publish stores frame as the latest and wakes waiters
func (b *Mailbox) Publish(frame types.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.pending {
		b.dropped++
	}

	b.frame = frame
	b.has = true
	b.pending = true
	b.published++

	close(b.notify)
	b.notify = make(chan struct{})
}

// Latest returns the most recent frame without consuming it
func (b *Mailbox) Latest() (types.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.has
}

// Wait blocks until a frame newer than after is present
func (b *Mailbox) Wait(ctx context.Context, after time.Time) (types.Frame, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return types.Frame{}, ErrClosed
		}
		if b.has && b.frame.Timestamp.After(after) {
			frame := b.frame
			b.pending = false
			b.delivered++
			b.mu.Unlock()
			return frame, nil
		}
		notify := b.notify
		b.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		}
	}
}

// Close wakes all waiters with ErrClosed. Further publishes are ignored.
func (b *Mailbox) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Counts returns published, delivered and dropped frame counts
func (b *Mailbox) Counts() (published, delivered, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published, b.delivered, b.dropped
}
