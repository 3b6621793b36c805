package alert

import (
	"time"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/clock"
)

// owner identifies which alert class put the current text on the display
type owner int

const (
	ownerNone owner = iota
	ownerFace
	ownerDetections
	ownerMouth
	ownerHands
	ownerSystem
)

// slot is the single visible alert. It owns one expiry timer; every show
// cancels the pending timer before arming a new one. Timer callbacks carry
// the token they were armed with so a replaced timer that already fired
// cannot clear a newer alert.
type slot struct {
	clock clock.Clock
	sink  Sink

	text      string
	owner     owner
	expiresAt time.Time
	timer     clock.Timer
	token     uint64
}

func (s *slot) show(text string, o owner, ttl time.Duration, expire func(token uint64)) {
	s.cancel()
	s.token++
	s.owner = o
	s.expiresAt = time.Time{}

	if ttl > 0 {
		token := s.token
		s.expiresAt = s.clock.Now().Add(ttl)
		s.timer = s.clock.AfterFunc(ttl, func() { expire(token) })
	}

	s.set(text)
}

func (s *slot) clear() {
	s.cancel()
	s.token++
	s.owner = ownerNone
	s.expiresAt = time.Time{}
	s.set("")
}

func (s *slot) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// set notifies the sink only when the visible text changes
func (s *slot) set(text string) {
	if text == s.text {
		return
	}
	s.text = text
	if s.sink != nil {
		s.sink(text)
	}
}
