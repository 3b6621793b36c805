package perception

import (
	"bytes"
	"testing"

	"github.com/Nagendra9Kumar/proctoring-pipeline-v2/internal/types"
)

// TestNormalizeDetections verifies top-category selection and threshold filtering
func TestNormalizeDetections(t *testing.T) {
	tests := []struct {
		name      string
		raw       []wireDetection
		threshold float64
		want      []string
	}{
		{
			name:      "empty",
			raw:       nil,
			threshold: 0.5,
			want:      nil,
		},
		{
			name: "top category wins",
			raw: []wireDetection{
				{Categories: []wireCategory{{CategoryName: "book", Score: 0.7}, {CategoryName: "person", Score: 0.6}}},
			},
			threshold: 0.5,
			want:      []string{"book"},
		},
		{
			name: "below threshold dropped",
			raw: []wireDetection{
				{Categories: []wireCategory{{CategoryName: "person", Score: 0.49}}},
				{Categories: []wireCategory{{CategoryName: "person", Score: 0.5}}},
			},
			threshold: 0.5,
			want:      []string{"person"},
		},
		{
			name: "no category dropped",
			raw: []wireDetection{
				{Categories: nil},
				{Categories: []wireCategory{{CategoryName: "", Score: 0.9}}},
			},
			threshold: 0.5,
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := normalizeDetections(tt.raw, tt.threshold)
			if len(obs.Detections) != len(tt.want) {
				t.Fatalf("Expected %d detections, got %d", len(tt.want), len(obs.Detections))
			}
			for i, label := range tt.want {
				if obs.Detections[i].Label != label {
					t.Errorf("Expected label %q at %d, got %q", label, i, obs.Detections[i].Label)
				}
			}
		})
	}
}

// TestNormalizeDetectionsBBox verifies bounding boxes are carried through
func TestNormalizeDetectionsBBox(t *testing.T) {
	obs := normalizeDetections([]wireDetection{{
		Categories: []wireCategory{{CategoryName: "cell phone", Score: 0.9}},
		BBox:       &wireBBox{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4},
	}}, 0.5)

	want := types.NormalizedRect{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}
	if obs.Detections[0].BBox != want {
		t.Errorf("Expected bbox %+v, got %+v", want, obs.Detections[0].BBox)
	}
}

// TestNormalizeLandmarksKeepsIndices verifies malformed points do not shift mesh indices
func TestNormalizeLandmarksKeepsIndices(t *testing.T) {
	out := normalizeLandmarks([][]float64{{0.1, 0.2}, {0.5}, {0.7, 0.8, 0.9}})
	if len(out) != 3 {
		t.Fatalf("Expected 3 landmarks, got %d", len(out))
	}
	if out[1] != (types.Landmark{}) {
		t.Errorf("Expected zero landmark for short point, got %+v", out[1])
	}
	if out[2].Z != 0.9 {
		t.Errorf("Expected Z=0.9, got %v", out[2].Z)
	}
}

// TestNormalizeHandsHandedness verifies missing handedness labels become empty strings
func TestNormalizeHandsHandedness(t *testing.T) {
	obs := normalizeHands([][][]float64{{{0.1, 0.1}}, {{0.2, 0.2}}}, []string{"Left"})
	if obs.Count() != 2 {
		t.Fatalf("Expected 2 hands, got %d", obs.Count())
	}
	if obs.Handedness[0] != "Left" || obs.Handedness[1] != "" {
		t.Errorf("Expected [Left, \"\"], got %v", obs.Handedness)
	}
}

// TestMessageFraming verifies the length-prefixed msgpack framing
func TestMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMessage(&buf, request{ID: 7, Task: taskObjects, Width: 640}); err != nil {
		t.Fatalf("writeMessage failed: %v", err)
	}

	raw := buf.Bytes()
	length := int(raw[0])<<24 | int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3])
	if length != len(raw)-4 {
		t.Errorf("Expected length prefix %d, got %d", len(raw)-4, length)
	}

	var got request
	if err := readMessage(&buf, &got); err != nil {
		t.Fatalf("readMessage failed: %v", err)
	}
	if got.ID != 7 || got.Task != taskObjects || got.Width != 640 {
		t.Errorf("Expected id=7 task=objects width=640, got %+v", got)
	}
}

// TestReadMessageTooLarge verifies oversized frames are rejected before allocation
func TestReadMessageTooLarge(t *testing.T) {
	buf := bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff})
	var got request
	if err := readMessage(buf, &got); err == nil {
		t.Error("Expected error for oversized message, got nil")
	}
}
