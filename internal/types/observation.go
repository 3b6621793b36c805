package types

// Landmark is a normalized point on a detected face or hand.
// X and Y are in [0,1] relative to the frame; Z is model depth.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// FaceObservation holds the face-landmark sets found in one frame.
// An empty Faces slice means no face was detected.
type FaceObservation struct {
	Faces [][]Landmark
}

// Count returns the number of faces in the frame
func (o FaceObservation) Count() int {
	return len(o.Faces)
}

// Primary returns the landmarks of the first face, or nil when none
func (o FaceObservation) Primary() []Landmark {
	if len(o.Faces) == 0 {
		return nil
	}
	return o.Faces[0]
}

// HandObservation holds the hand-landmark sets found in one frame
type HandObservation struct {
	Hands      [][]Landmark
	Handedness []string
}

// Count returns the number of hands in the frame
func (o HandObservation) Count() int {
	return len(o.Hands)
}

// Detection is one object-detector result after normalization
type Detection struct {
	// Label is the detector category name (e.g., "person", "cell phone")
	Label string `json:"label"`
	// Score is the detection confidence [0.0, 1.0]
	Score float64 `json:"score"`
	// BBox is the bounding box in normalized coordinates
	BBox NormalizedRect `json:"bbox"`
}

// DetectionObservation is the set of detections for one frame
type DetectionObservation struct {
	Detections []Detection
}
