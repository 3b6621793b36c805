// Package alert turns per-frame conditions into the single alert string
// shown to the candidate.
//
// Three classes of condition feed one display slot:
//
//   - level alerts (face count, head turn, detector categories) stay on
//     screen while their condition holds and clear when it goes away;
//   - the head-turn level alert is debounced by a hold duration;
//   - toasts (mouth open, hands) fire on the rising edge and expire on a
//     timer even if the condition still holds.
//
// When a level alert clears or a toast expires, the slot falls back to any
// level alert that is still active.
package alert

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/clock"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/signals"
	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

// Alert texts shown to the candidate.
const (
	TextNoFace               = "❌ No face detected"
	TextMultipleFaces        = "⚠️ Multiple faces detected"
	TextHeadTurned           = "⚠️ Head turned away"
	TextMouthOpen            = "⚠️ Mouth open (possible speaking)"
	TextMultiplePersons      = "⚠️ Multiple persons detected"
	TextCellPhone            = "📱 Cell phone detected"
	TextBook                 = "📖 Book detected"
	TextHandDetected         = "⚠️ Hand detected – possible mobile/book use"
	TextCameraUnavailable    = "❌ Cannot access camera"
	TextInferenceUnavailable = "❌ Inference engine unavailable"
)

const detectionSeparator = ", "

// Sink receives the visible alert text each time it changes. An empty
// string means the display was cleared. Sink is called with the machine
// lock held and must not call back into the Machine.
type Sink func(text string)

// Config holds the thresholds and durations of the alert classes
type Config struct {
	HeadTurnThreshold  float64
	MouthOpenThreshold float64
	HeadTurnHold       time.Duration
	MouthOpenDisplay   time.Duration
	DefaultDisplay     time.Duration
}

// DefaultConfig returns the reference thresholds and durations
func DefaultConfig() Config {
	return Config{
		HeadTurnThreshold:  signals.DefaultHeadTurnThreshold,
		MouthOpenThreshold: signals.DefaultMouthOpenThreshold,
		HeadTurnHold:       1000 * time.Millisecond,
		MouthOpenDisplay:   3000 * time.Millisecond,
		DefaultDisplay:     2000 * time.Millisecond,
	}
}

// ActiveAlert is the current display value. A zero ExpiresAt means the
// text stays until its condition clears.
type ActiveAlert struct {
	Text      string
	ExpiresAt time.Time
}

// Machine is the alert state machine. It is safe for concurrent use; the
// display timer fires on its own goroutine under a real clock.
type Machine struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock

	headTurn SignalState
	mouth    SignalState
	hands    SignalState

	faceText      string
	detectionText string

	slot slot
}

// NewMachine creates a Machine that reports display changes to sink
func NewMachine(cfg Config, clk clock.Clock, sink Sink) *Machine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Machine{
		cfg:   cfg,
		clock: clk,
		slot:  slot{clock: clk, sink: sink},
	}
}

// ObserveFace folds one frame of face landmarks into the state.
// Face count is evaluated first; head turn and mouth open are only
// evaluated when exactly one face is present.
func (m *Machine) ObserveFace(obs types.FaceObservation, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch n := obs.Count(); {
	case n == 0:
		m.resetFaceSignals()
		m.setLevel(ownerFace, TextNoFace)
		return
	case n > 1:
		m.resetFaceSignals()
		m.setLevel(ownerFace, TextMultipleFaces)
		return
	}

	face := obs.Primary()

	metric, ok := signals.HeadTurnMetric(face)
	turned := ok && signals.HeadTurned(metric, m.cfg.HeadTurnThreshold)
	var fire bool
	m.headTurn, fire = StepDebounced(m.headTurn, turned, now, m.cfg.HeadTurnHold)
	if fire {
		slog.Debug("head turn held", "metric", metric, "held", now.Sub(m.headTurn.Onset))
	}

	text := ""
	if m.headTurn.Alerted {
		text = TextHeadTurned
	}
	m.setLevel(ownerFace, text)

	gap, ok := signals.MouthOpenMetric(face)
	open := ok && signals.MouthOpen(gap, m.cfg.MouthOpenThreshold)
	m.mouth, fire = StepEdge(m.mouth, open, now)
	if fire {
		m.slot.show(TextMouthOpen, ownerMouth, m.cfg.MouthOpenDisplay, m.expire)
	}
}

// ObserveHands folds one frame of hand landmarks into the state
func (m *Machine) ObserveHands(obs types.HandObservation, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fire bool
	m.hands, fire = StepEdge(m.hands, obs.Count() > 0, now)
	if fire {
		m.slot.show(TextHandDetected, ownerHands, m.cfg.DefaultDisplay, m.expire)
	}
}

// ObserveDetections folds one frame of object detections into the state.
// Every detector alert active in the frame is joined into one message.
// An active detector alert takes the slot back from a face alert on every
// frame; toasts and system alerts keep it.
func (m *Machine) ObserveDetections(obs types.DetectionObservation, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	text := DetectionText(signals.ClassifyDetections(obs))
	m.setLevel(ownerDetections, text)

	if text != "" && (m.slot.owner == ownerFace || m.slot.owner == ownerNone) {
		m.slot.show(text, ownerDetections, 0, m.expire)
	}
}

// DetectionText renders the composite detector alert for a classification
func DetectionText(c signals.Classification) string {
	var messages []string
	if c.MultiplePersons() {
		messages = append(messages, TextMultiplePersons)
	}
	if c.Has(signals.LabelCellPhone) {
		messages = append(messages, TextCellPhone)
	}
	if c.Has(signals.LabelBook) {
		messages = append(messages, TextBook)
	}
	return strings.Join(messages, detectionSeparator)
}

// Raise shows a system alert that stays until Reset or a newer alert
func (m *Machine) Raise(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slot.show(text, ownerSystem, 0, m.expire)
}

// Reset cancels the display timer, forgets all condition state and clears
// the display.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.headTurn = SignalState{}
	m.mouth = SignalState{}
	m.hands = SignalState{}
	m.faceText = ""
	m.detectionText = ""
	m.slot.clear()
}

// Current returns the visible alert
func (m *Machine) Current() ActiveAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ActiveAlert{Text: m.slot.text, ExpiresAt: m.slot.expiresAt}
}

// HeadTurnState returns the head-turn condition state
func (m *Machine) HeadTurnState() SignalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headTurn
}

// TimerArmed reports whether a display expiry is pending
func (m *Machine) TimerArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot.timer != nil
}

func (m *Machine) resetFaceSignals() {
	m.headTurn = SignalState{}
	m.mouth = SignalState{}
}

// setLevel records the text of a level group and updates the display when
// it changes. A cleared group only clears the display it owns.
func (m *Machine) setLevel(o owner, text string) {
	prev := m.levelText(o)
	if text == prev {
		return
	}

	switch o {
	case ownerFace:
		m.faceText = text
	case ownerDetections:
		m.detectionText = text
	}

	if text != "" {
		m.slot.show(text, o, 0, m.expire)
		return
	}
	if m.slot.owner == o {
		m.fallback()
	}
}

func (m *Machine) levelText(o owner) string {
	switch o {
	case ownerFace:
		return m.faceText
	case ownerDetections:
		return m.detectionText
	}
	return ""
}

// fallback shows the highest-priority level alert still active, or clears
func (m *Machine) fallback() {
	switch {
	case m.faceText != "":
		m.slot.show(m.faceText, ownerFace, 0, m.expire)
	case m.detectionText != "":
		m.slot.show(m.detectionText, ownerDetections, 0, m.expire)
	default:
		m.slot.clear()
	}
}

// expire runs on the display timer
func (m *Machine) expire(token uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token != m.slot.token {
		return
	}
	m.slot.timer = nil
	m.fallback()
}
