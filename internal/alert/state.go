package alert

import "time"

// SignalState is the temporal state of one monitored condition.
// A zero Onset means the condition is not currently held.
type SignalState struct {
	Active  bool
	Onset   time.Time
	Alerted bool
}

// StepDebounced advances a condition that must hold for hold before it
// alerts. fire is true only on the step that flips Alerted. Clearing the
// condition resets the state entirely, re-arming the alert.
func StepDebounced(s SignalState, cond bool, now time.Time, hold time.Duration) (next SignalState, fire bool) {
	if !cond {
		return SignalState{}, false
	}
	if !s.Active {
		s = SignalState{Active: true, Onset: now}
	}
	if !s.Alerted && now.Sub(s.Onset) >= hold {
		s.Alerted = true
		return s, true
	}
	return s, false
}

// StepEdge advances a condition that alerts on its rising edge. The alert
// stays suppressed while the condition holds and re-arms once it clears.
func StepEdge(s SignalState, cond bool, now time.Time) (next SignalState, fire bool) {
	if !cond {
		return SignalState{}, false
	}
	if s.Alerted {
		return s, false
	}
	return SignalState{Active: true, Onset: now, Alerted: true}, true
}
