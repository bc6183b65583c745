package traj

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stamped(ts ...float64) Trajectory {
	t := Trajectory{Poses: make([]TimedPose, len(ts))}
	for i, s := range ts {
		t.Poses[i] = TimedPose{Timestamp: s, Pose: IdentityPose(CameraToWorld)}
	}
	return t
}

type indexPair struct{ ref, est int }

func pairIndices(pairs []PosePair) []indexPair {
	out := make([]indexPair, len(pairs))
	for i, p := range pairs {
		out[i] = indexPair{p.RefIndex, p.EstIndex}
	}
	return out
}

func TestAssociate(t *testing.T) {
	tests := []struct {
		name string
		ref  Trajectory
		est  Trajectory
		opts AssociateOptions
		want []indexPair
	}{
		{
			name: "within tolerance only",
			ref:  stamped(0, 1, 2),
			est:  stamped(0.0078125, 1.0625, 2),
			opts: AssociateOptions{Tolerance: 20 * time.Millisecond},
			want: []indexPair{{0, 0}, {2, 2}},
		},
		{
			name: "equal gap goes to lower estimate index",
			ref:  stamped(1),
			est:  stamped(0.75, 1.25),
			opts: AssociateOptions{Tolerance: 500 * time.Millisecond},
			want: []indexPair{{0, 0}},
		},
		{
			name: "equal gap goes to lower reference index",
			ref:  stamped(0.5, 1.5),
			est:  stamped(1),
			opts: AssociateOptions{Tolerance: time.Second},
			want: []indexPair{{0, 0}},
		},
		{
			name: "one to one",
			ref:  stamped(1, 1.125),
			est:  stamped(1.0625),
			opts: AssociateOptions{Tolerance: 100 * time.Millisecond},
			want: []indexPair{{0, 0}},
		},
		{
			name: "closest pair wins before ordering",
			ref:  stamped(1, 2),
			est:  stamped(1.5, 1.875),
			opts: AssociateOptions{Tolerance: time.Second},
			want: []indexPair{{0, 0}, {1, 1}},
		},
		{
			name: "offset shifts estimates",
			ref:  stamped(10, 11, 12),
			est:  stamped(0, 1, 2),
			opts: AssociateOptions{Tolerance: 10 * time.Millisecond, Offset: 10 * time.Second},
			want: []indexPair{{0, 0}, {1, 1}, {2, 2}},
		},
		{
			name: "by index ignores timestamps",
			ref:  stamped(0, 1, 2, 3),
			est:  stamped(100, 200, 300),
			opts: AssociateOptions{ByIndex: true},
			want: []indexPair{{0, 0}, {1, 1}, {2, 2}},
		},
		{
			name: "synthetic pairs by index",
			ref:  NewIndexedTrajectory([]Pose{IdentityPose(CameraToWorld), IdentityPose(CameraToWorld)}),
			est:  stamped(5, 6, 7),
			opts: AssociateOptions{Tolerance: time.Millisecond},
			want: []indexPair{{0, 0}, {1, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Associate(tt.ref, tt.est, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pairIndices(got))
			for _, p := range got {
				assert.Equal(t, tt.ref.Poses[p.RefIndex], p.Ref)
				assert.Equal(t, tt.est.Poses[p.EstIndex], p.Est)
			}
		})
	}
}

func TestAssociateErrors(t *testing.T) {
	t.Run("no overlap", func(t *testing.T) {
		_, err := Associate(stamped(0, 1), stamped(10, 11), AssociateOptions{Tolerance: 20 * time.Millisecond})
		assert.ErrorIs(t, err, ErrNoOverlap)
	})

	t.Run("empty estimate", func(t *testing.T) {
		_, err := Associate(stamped(0, 1), Trajectory{}, AssociateOptions{Tolerance: time.Second})
		assert.ErrorIs(t, err, ErrNoOverlap)
	})

	t.Run("negative tolerance", func(t *testing.T) {
		_, err := Associate(stamped(0), stamped(0), AssociateOptions{Tolerance: -time.Second})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("unordered reference", func(t *testing.T) {
		_, err := Associate(stamped(2, 1), stamped(1, 2), AssociateOptions{Tolerance: time.Second})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}
