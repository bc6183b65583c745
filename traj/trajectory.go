package traj

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// TimedPose is a pose sampled at Timestamp seconds.
type TimedPose struct {
	Timestamp float64
	Pose      Pose
}

// Trajectory is an ordered pose sequence. Insertion order is temporal order.
// Synthetic is set when timestamps are line or frame indices rather than
// real capture times, in which case association pairs by index.
type Trajectory struct {
	Poses     []TimedPose
	Synthetic bool
}

// NewIndexedTrajectory stamps poses with their index and marks the result synthetic.
func NewIndexedTrajectory(poses []Pose) Trajectory {
	t := Trajectory{Poses: make([]TimedPose, len(poses)), Synthetic: true}
	for i, p := range poses {
		t.Poses[i] = TimedPose{Timestamp: float64(i), Pose: p}
	}
	return t
}

// Len returns the number of poses.
func (t Trajectory) Len() int { return len(t.Poses) }

// Validate checks that timestamps are finite and non-decreasing.
func (t Trajectory) Validate() error {
	for i, tp := range t.Poses {
		if math.IsNaN(tp.Timestamp) || math.IsInf(tp.Timestamp, 0) {
			return fmt.Errorf("%w: pose %d has non-finite timestamp", ErrInvalidInput, i)
		}
		if i > 0 && tp.Timestamp < t.Poses[i-1].Timestamp {
			return fmt.Errorf("%w: timestamp %v at pose %d precedes %v",
				ErrInvalidInput, tp.Timestamp, i, t.Poses[i-1].Timestamp)
		}
	}
	return nil
}

// Positions returns the camera centre of every pose in world coordinates.
func (t Trajectory) Positions() []r3.Vector {
	out := make([]r3.Vector, len(t.Poses))
	for i, tp := range t.Poses {
		out[i] = tp.Pose.Position()
	}
	return out
}

// In returns a copy of the trajectory with every pose in convention c.
func (t Trajectory) In(c Convention) Trajectory {
	out := Trajectory{Poses: make([]TimedPose, len(t.Poses)), Synthetic: t.Synthetic}
	for i, tp := range t.Poses {
		out.Poses[i] = TimedPose{Timestamp: tp.Timestamp, Pose: tp.Pose.In(c)}
	}
	return out
}

// Clone returns a deep copy.
func (t Trajectory) Clone() Trajectory {
	out := Trajectory{Poses: make([]TimedPose, len(t.Poses)), Synthetic: t.Synthetic}
	copy(out.Poses, t.Poses)
	return out
}
