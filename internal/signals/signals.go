// Package signals derives per-frame conditions from perception results.
//
// Every function here is pure: one observation in, one value out, no history.
package signals

import (
	"math"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

// Face-mesh landmark indices used by the extractors.
const (
	LeftCheek  = 234
	RightCheek = 454
	UpperLip   = 13
	LowerLip   = 14
)

// Detector category labels that drive alerts.
const (
	LabelPerson    = "person"
	LabelCellPhone = "cell phone"
	LabelBook      = "book"
)

// Default thresholds for the face conditions.
const (
	DefaultHeadTurnThreshold  = 0.2
	DefaultMouthOpenThreshold = 0.02
)

// HeadTurnMetric returns the horizontal distance between the two cheek
// landmarks. A frontal face spreads the cheeks apart; turning the head
// collapses the distance toward zero. ok is false when the landmark set
// does not reach the cheek indices.
func HeadTurnMetric(face []types.Landmark) (metric float64, ok bool) {
	if len(face) <= RightCheek {
		return 0, false
	}
	return math.Abs(face[LeftCheek].X - face[RightCheek].X), true
}

// MouthOpenMetric returns the vertical gap between the inner lip landmarks
func MouthOpenMetric(face []types.Landmark) (metric float64, ok bool) {
	if len(face) <= LowerLip {
		return 0, false
	}
	return math.Abs(face[UpperLip].Y - face[LowerLip].Y), true
}

// HeadTurned reports whether a head-turn metric crosses the threshold
func HeadTurned(metric, threshold float64) bool {
	return metric < threshold
}

// MouthOpen reports whether a mouth-open metric crosses the threshold
func MouthOpen(metric, threshold float64) bool {
	return metric > threshold
}

// Classification summarizes one frame of object detections
type Classification struct {
	// Labels holds distinct labels in first-seen order
	Labels      []string
	PersonCount int
}

// Has reports whether label was detected in the frame
func (c Classification) Has(label string) bool {
	for _, l := range c.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// MultiplePersons reports whether more than one person was detected
func (c Classification) MultiplePersons() bool {
	return c.PersonCount > 1
}

// ClassifyDetections collects the distinct labels and the person count
func ClassifyDetections(obs types.DetectionObservation) Classification {
	var c Classification
	for _, d := range obs.Detections {
		if d.Label == "" {
			continue
		}
		if d.Label == LabelPerson {
			c.PersonCount++
		}
		if !c.Has(d.Label) {
			c.Labels = append(c.Labels, d.Label)
		}
	}
	return c
}
