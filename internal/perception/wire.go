package perception

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Worker tasks
const (
	taskHello   = "hello"
	taskFace    = "face"
	taskHands   = "hands"
	taskObjects = "objects"
)

// maxMessageSize bounds a single framed message (a 1080p RGB frame is ~6MB)
const maxMessageSize = 64 << 20

// request is sent to the worker on stdin
type request struct {
	ID          uint64  `msgpack:"id"`
	Task        string  `msgpack:"task"`
	FrameData   []byte  `msgpack:"frame_data,omitempty"`
	Width       int     `msgpack:"width,omitempty"`
	Height      int     `msgpack:"height,omitempty"`
	TimestampMS int64   `msgpack:"timestamp_ms,omitempty"`
	TraceID     string  `msgpack:"trace_id,omitempty"`
	Params      *params `msgpack:"params,omitempty"`
}

// params configures the worker models during the hello handshake
type params struct {
	FaceMinConfidence float64 `msgpack:"face_min_confidence"`
	ScoreThreshold    float64 `msgpack:"score_threshold"`
	MaxFaces          int     `msgpack:"max_faces"`
	Hands             bool    `msgpack:"hands"`
}

// response is read from the worker on stdout. Landmarks are [x, y, z] triples.
type response struct {
	ID         uint64          `msgpack:"id"`
	Task       string          `msgpack:"task"`
	Faces      [][][]float64   `msgpack:"faces"`
	Hands      [][][]float64   `msgpack:"hands"`
	Handedness []string        `msgpack:"handedness"`
	Detections []wireDetection `msgpack:"detections"`
	Error      string          `msgpack:"error"`
	Timing     wireTiming      `msgpack:"timing"`
	Models     []string        `msgpack:"models"`
}

type wireDetection struct {
	Categories []wireCategory `msgpack:"categories"`
	BBox       *wireBBox      `msgpack:"bbox"`
}

type wireCategory struct {
	CategoryName string  `msgpack:"category_name"`
	Score        float64 `msgpack:"score"`
}

type wireBBox struct {
	X      float64 `msgpack:"x"`
	Y      float64 `msgpack:"y"`
	Width  float64 `msgpack:"width"`
	Height float64 `msgpack:"height"`
}

type wireTiming struct {
	TotalMS float64 `msgpack:"total_ms"`
}

// writeMessage writes v as msgpack with a 4-byte big-endian length prefix
func writeMessage(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v
func readMessage(r io.Reader, v interface{}) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
