package traj

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// Layout is the per-line shape of a flat trajectory file. Files carry no
// layout marker, so every reader and writer takes it explicitly.
type Layout int

const (
	// LayoutMatrix16 is 16 reals per line: a row-major 4×4 pose matrix.
	LayoutMatrix16 Layout = iota
	// LayoutQuat7 is "tx ty tz qx qy qz qw", the SLAM engine's native order.
	LayoutQuat7
	// LayoutTUM8 is "timestamp tx ty tz qx qy qz qw".
	LayoutTUM8
)

func (l Layout) String() string {
	switch l {
	case LayoutMatrix16:
		return "matrix16"
	case LayoutQuat7:
		return "quat7"
	case LayoutTUM8:
		return "tum8"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Fields returns the number of values per line.
func (l Layout) Fields() int {
	switch l {
	case LayoutMatrix16:
		return 16
	case LayoutQuat7:
		return 7
	case LayoutTUM8:
		return 8
	}
	return 0
}

// ParseLayout accepts "matrix16", "quat7" and "tum8" (and the short aliases
// "16", "7", "8", "tum").
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "matrix16", "16", "matrix", "mat4":
		return LayoutMatrix16, nil
	case "quat7", "7", "quat":
		return LayoutQuat7, nil
	case "tum8", "8", "tum":
		return LayoutTUM8, nil
	}
	return 0, fmt.Errorf("%w: unknown trajectory layout %q", ErrInvalidInput, s)
}

// ParseTrajectory reads one pose per line in the given layout. Blank lines
// and lines starting with '#' are skipped. Poses are tagged with conv; the
// text itself does not say which way the poses map. Layouts without a time
// column produce a synthetic trajectory stamped by pose index.
func ParseTrajectory(r io.Reader, layout Layout, conv Convention) (Trajectory, error) {
	want := layout.Fields()
	if want == 0 {
		return Trajectory{}, fmt.Errorf("%w: unknown layout %v", ErrInvalidInput, layout)
	}

	out := Trajectory{Synthetic: layout != LayoutTUM8}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	vals := make([]float64, want)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != want {
			return Trajectory{}, parseErrorf(line, "expected %d values for layout %v, got %d", want, layout, len(fields))
		}
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return Trajectory{}, parseErrorf(line, "value %d: %q is not a number", i+1, f)
			}
			vals[i] = v
		}

		ts := float64(len(out.Poses))
		p, err := poseFromValues(layout, vals, conv)
		if err != nil {
			return Trajectory{}, fmt.Errorf("line %d: %w", line, err)
		}
		if layout == LayoutTUM8 {
			ts = vals[0]
		}
		out.Poses = append(out.Poses, TimedPose{Timestamp: ts, Pose: p})
	}
	if err := sc.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return Trajectory{}, parseErrorf(line+1, "line too long")
		}
		return Trajectory{}, fmt.Errorf("%w: reading trajectory: %v", ErrIOFailure, err)
	}
	if err := out.Validate(); err != nil {
		return Trajectory{}, err
	}
	return out, nil
}

func poseFromValues(layout Layout, v []float64, conv Convention) (Pose, error) {
	switch layout {
	case LayoutMatrix16:
		var m Matrix4
		copy(m[:], v)
		return PoseFromMatrix(m, conv)
	case LayoutQuat7:
		return PoseFromQuaternion(Quaternion{W: v[6], X: v[3], Y: v[4], Z: v[5]}, r3.Vector{X: v[0], Y: v[1], Z: v[2]}, conv)
	case LayoutTUM8:
		return PoseFromQuaternion(Quaternion{W: v[7], X: v[4], Y: v[5], Z: v[6]}, r3.Vector{X: v[1], Y: v[2], Z: v[3]}, conv)
	}
	return Pose{}, fmt.Errorf("%w: unknown layout %v", ErrInvalidInput, layout)
}

// WriteTrajectory writes one pose per line in the given layout, in each
// pose's own convention, with shortest round-trip number formatting.
func WriteTrajectory(w io.Writer, t Trajectory, layout Layout) error {
	if layout.Fields() == 0 {
		return fmt.Errorf("%w: unknown layout %v", ErrInvalidInput, layout)
	}
	bw := bufio.NewWriter(w)
	vals := make([]string, 0, 16)
	for i, tp := range t.Poses {
		vals = vals[:0]
		switch layout {
		case LayoutMatrix16:
			m := tp.Pose.Matrix()
			for _, v := range m {
				vals = append(vals, formatFloat(v))
			}
		case LayoutQuat7, LayoutTUM8:
			q, err := tp.Pose.Quaternion()
			if err != nil {
				return fmt.Errorf("pose %d: %w", i, err)
			}
			if layout == LayoutTUM8 {
				vals = append(vals, formatFloat(tp.Timestamp))
			}
			tr := tp.Pose.Translation
			for _, v := range [...]float64{tr.X, tr.Y, tr.Z, q.X, q.Y, q.Z, q.W} {
				vals = append(vals, formatFloat(v))
			}
		}
		if _, err := bw.WriteString(strings.Join(vals, " ") + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// formatFloat renders the shortest decimal that parses back to v. Negative
// zero is written as 0 so sign-flipped zeros do not leak into text formats.
func formatFloat(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
