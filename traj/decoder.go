package traj

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// PoseMessage is one pose received from a live stream. HasTimestamp is false
// when the payload carried no time, in which case the receiver stamps it.
type PoseMessage struct {
	Timestamp    float64
	HasTimestamp bool
	Pose         Pose
}

// poseJSON is the object form of a pose message. Either Matrix or
// Translation plus Rotation must be present.
type poseJSON struct {
	Timestamp   *float64    `json:"timestamp"`
	Translation []float64   `json:"translation"`
	Rotation    *Quaternion `json:"rotation"`
	Matrix      []float64   `json:"matrix"`
}

// DecodePoseMessage decodes a pose payload in one of these forms:
//   - a JSON object {"timestamp", "translation", "rotation": {"w","x","y","z"}} or {"timestamp", "matrix"}
//   - a JSON array of numbers in the stream's layout
//   - a text line of numbers in the stream's layout
//   - any of the above, zlib-compressed
func DecodePoseMessage(data []byte, layout Layout, conv Convention) (PoseMessage, error) {
	if isZlib(data) {
		inflated, err := inflateZlib(data)
		if err != nil {
			return PoseMessage{}, fmt.Errorf("%w: %v", ErrMalformedFormat, err)
		}
		return DecodePoseMessage(inflated, layout, conv)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return PoseMessage{}, fmt.Errorf("%w: empty pose payload", ErrMalformedFormat)
	}

	switch {
	case data[0] == '{':
		return decodePoseObject(data, conv)
	case data[0] == '[':
		var vals []float64
		if err := json.Unmarshal(data, &vals); err != nil {
			return PoseMessage{}, fmt.Errorf("%w: pose array: %v", ErrMalformedFormat, err)
		}
		return decodePoseValues(vals, layout, conv)
	}

	fields := strings.Fields(string(data))
	vals := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return PoseMessage{}, fmt.Errorf("%w: pose value %q is not a number", ErrMalformedFormat, f)
		}
		vals[i] = v
	}
	return decodePoseValues(vals, layout, conv)
}

func decodePoseObject(data []byte, conv Convention) (PoseMessage, error) {
	var pj poseJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return PoseMessage{}, fmt.Errorf("%w: pose object: %v", ErrMalformedFormat, err)
	}

	var msg PoseMessage
	if pj.Timestamp != nil {
		msg.Timestamp, msg.HasTimestamp = *pj.Timestamp, true
	}

	var err error
	switch {
	case len(pj.Matrix) > 0:
		if len(pj.Matrix) != 16 {
			return PoseMessage{}, fmt.Errorf("%w: pose matrix has %d values, want 16", ErrMalformedFormat, len(pj.Matrix))
		}
		var m Matrix4
		copy(m[:], pj.Matrix)
		msg.Pose, err = PoseFromMatrix(m, conv)
	case len(pj.Translation) == 3 && pj.Rotation != nil:
		t := r3.Vector{X: pj.Translation[0], Y: pj.Translation[1], Z: pj.Translation[2]}
		msg.Pose, err = PoseFromQuaternion(*pj.Rotation, t, conv)
	default:
		return PoseMessage{}, fmt.Errorf("%w: pose object needs matrix or translation and rotation", ErrMalformedFormat)
	}
	if err != nil {
		return PoseMessage{}, err
	}
	return msg, nil
}

func decodePoseValues(vals []float64, layout Layout, conv Convention) (PoseMessage, error) {
	if want := layout.Fields(); len(vals) != want {
		return PoseMessage{}, fmt.Errorf("%w: expected %d values for layout %v, got %d", ErrMalformedFormat, want, layout, len(vals))
	}
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return PoseMessage{}, fmt.Errorf("%w: pose value %d is %v", ErrMalformedFormat, i, v)
		}
	}
	p, err := poseFromValues(layout, vals, conv)
	if err != nil {
		return PoseMessage{}, err
	}
	msg := PoseMessage{Pose: p}
	if layout == LayoutTUM8 {
		msg.Timestamp, msg.HasTimestamp = vals[0], true
	}
	return msg, nil
}

// isZlib checks for a zlib header with a 32K window, which is what every
// common encoder emits. The first byte is 'x', so text payloads never match.
func isZlib(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return data[0] == 0x78 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// inflateZlib decompresses zlib-compressed data.
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	return decompressed, nil
}
