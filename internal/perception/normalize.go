package perception

import "github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"

// normalizeLandmarks converts [x, y, z] triples. Short points become zero
// landmarks so mesh indices stay aligned.
func normalizeLandmarks(points [][]float64) []types.Landmark {
	out := make([]types.Landmark, len(points))
	for i, p := range points {
		if len(p) < 2 {
			continue
		}
		out[i] = types.Landmark{X: p[0], Y: p[1]}
		if len(p) > 2 {
			out[i].Z = p[2]
		}
	}
	return out
}

func normalizeFaces(raw [][][]float64) types.FaceObservation {
	var obs types.FaceObservation
	for _, face := range raw {
		obs.Faces = append(obs.Faces, normalizeLandmarks(face))
	}
	return obs
}

func normalizeHands(raw [][][]float64, handedness []string) types.HandObservation {
	var obs types.HandObservation
	for i, hand := range raw {
		obs.Hands = append(obs.Hands, normalizeLandmarks(hand))
		side := ""
		if i < len(handedness) {
			side = handedness[i]
		}
		obs.Handedness = append(obs.Handedness, side)
	}
	return obs
}

// normalizeDetections keeps the top category of each detection and drops
// detections without a category or below threshold.
func normalizeDetections(raw []wireDetection, threshold float64) types.DetectionObservation {
	var obs types.DetectionObservation
	for _, d := range raw {
		if len(d.Categories) == 0 {
			continue
		}
		top := d.Categories[0]
		if top.CategoryName == "" || top.Score < threshold {
			continue
		}

		det := types.Detection{Label: top.CategoryName, Score: top.Score}
		if d.BBox != nil {
			det.BBox = types.NormalizedRect{
				X:      d.BBox.X,
				Y:      d.BBox.Y,
				Width:  d.BBox.Width,
				Height: d.BBox.Height,
			}
		}
		obs.Detections = append(obs.Detections, det)
	}
	return obs
}
