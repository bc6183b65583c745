package traj

import (
	"math"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeStatistics(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   Statistics
	}{
		{
			name:   "empty",
			values: nil,
			want:   Statistics{},
		},
		{
			name:   "single",
			values: []float64{2},
			want:   Statistics{Mean: 2, RMSE: 2, Median: 2, Std: 0, Min: 2, Max: 2},
		},
		{
			name:   "even count",
			values: []float64{4, 1, 3, 2},
			want: Statistics{
				Mean:   2.5,
				RMSE:   math.Sqrt(7.5),
				Median: 2.5,
				Std:    math.Sqrt(1.25),
				Min:    1,
				Max:    4,
			},
		},
		{
			name:   "odd count",
			values: []float64{3, 0, 9},
			want: Statistics{
				Mean:   4,
				RMSE:   math.Sqrt(30),
				Median: 3,
				Std:    math.Sqrt(14),
				Min:    0,
				Max:    9,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeStatistics(tt.values)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
				t.Errorf("ComputeStatistics() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestComputeStatisticsDoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 2}
	ComputeStatistics(values)
	assert.Equal(t, []float64{3, 1, 2}, values)
}

// helixTrajectory returns a non-planar path with real timestamps.
func helixTrajectory(n int) Trajectory {
	t := Trajectory{Poses: make([]TimedPose, n)}
	for i := 0; i < n; i++ {
		a := float64(i) * 0.3
		t.Poses[i] = TimedPose{
			Timestamp: float64(i) * 0.1,
			Pose: Pose{
				Rotation:    RotationZ(a),
				Translation: r3.Vector{X: math.Cos(a), Y: math.Sin(a), Z: 0.05 * float64(i)},
				Convention:  CameraToWorld,
			},
		}
	}
	return t
}

func transformTrajectory(t Trajectory, r Rotation, s float64, tr r3.Vector) Trajectory {
	out := t.Clone()
	for i, tp := range out.Poses {
		out.Poses[i].Pose = Pose{
			Rotation:    r.Mul(tp.Pose.Rotation),
			Translation: r.Apply(tp.Pose.Translation).Mul(s).Add(tr),
			Convention:  CameraToWorld,
		}
	}
	return out
}

func TestEvaluate(t *testing.T) {
	ref := helixTrajectory(30)
	est := transformTrajectory(ref, RotationZ(0.8), 1, r3.Vector{X: 5, Y: -2, Z: 1})

	res, pairs, err := Evaluate(ref, est, DefaultEvalOptions())
	require.NoError(t, err)
	assert.Len(t, pairs, 30)
	assert.Equal(t, 30, res.Pairs)
	assert.InDelta(t, 0, res.Stats.RMSE, 1e-9)
	assert.InDelta(t, 0, res.Stats.Max, 1e-9)
	assert.True(t, rotationsEqual(res.Alignment.Rotation, RotationZ(0.8)))
}

// tetrahedronTrajectory places one identity-oriented pose on each corner of
// the unit tetrahedron, 0.1s apart.
func tetrahedronTrajectory() Trajectory {
	corners := tetrahedron()
	t := Trajectory{Poses: make([]TimedPose, len(corners))}
	for i, c := range corners {
		t.Poses[i] = TimedPose{
			Timestamp: float64(i) * 0.1,
			Pose:      Pose{Rotation: IdentityRotation(), Translation: c, Convention: CameraToWorld},
		}
	}
	return t
}

func TestComputeATETetrahedron(t *testing.T) {
	ref := tetrahedronTrajectory()
	wantR := RotationZ(math.Pi / 2)
	wantT := r3.Vector{X: 1, Y: 2, Z: 3}
	est := transformTrajectory(ref, wantR, 1, wantT)

	pairs := make([]PosePair, ref.Len())
	for i := range pairs {
		pairs[i] = PosePair{RefIndex: i, EstIndex: i, Ref: ref.Poses[i], Est: est.Poses[i]}
	}
	res, err := ComputeATE(pairs, AlignOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4, res.Pairs)
	assert.Less(t, res.Stats.Mean, 1e-6)
	assert.Less(t, res.Stats.Max, 1e-6)
	assert.True(t, rotationsEqual(res.Alignment.Rotation, wantR), "rotation %v", res.Alignment.Rotation)
	assert.True(t, vectorsEqual(res.Alignment.Translation, wantT), "translation %v", res.Alignment.Translation)
	assert.Equal(t, 1.0, res.Alignment.Scale)
}

func TestEvaluateTetrahedron(t *testing.T) {
	ref := tetrahedronTrajectory()
	est := transformTrajectory(ref, RotationZ(math.Pi/2), 1, r3.Vector{X: 1, Y: 2, Z: 3})

	res, pairs, err := Evaluate(ref, est, DefaultEvalOptions())
	require.NoError(t, err)
	assert.Len(t, pairs, 4)
	assert.Less(t, res.Stats.Mean, 1e-6)
	assert.True(t, rotationsEqual(res.Alignment.Rotation, RotationZ(math.Pi/2)))
	assert.True(t, vectorsEqual(res.Alignment.Translation, r3.Vector{X: 1, Y: 2, Z: 3}))
}

func TestEvaluateRecoversKnownScale(t *testing.T) {
	ref := helixTrajectory(20)
	est := transformTrajectory(ref, IdentityRotation(), 2, r3.Vector{})

	res, _, err := Evaluate(ref, est, EvalOptions{CorrectScale: true, AssociationTolerance: DefaultAssociationTolerance})
	require.NoError(t, err)
	assert.InDelta(t, 2, res.Alignment.Scale, 1e-9)
	assert.True(t, rotationsEqual(res.Alignment.Rotation, IdentityRotation()))
	assert.InDelta(t, 0, res.Stats.RMSE, 1e-9)
}

func TestEvaluateScale(t *testing.T) {
	ref := helixTrajectory(25)
	est := transformTrajectory(ref, IdentityRotation(), 0.5, r3.Vector{X: 1})

	scaled, _, err := Evaluate(ref, est, EvalOptions{CorrectScale: true, AssociationTolerance: DefaultAssociationTolerance})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, scaled.Alignment.Scale, 1e-9)
	assert.InDelta(t, 0, scaled.Stats.RMSE, 1e-9)

	rigid, _, err := Evaluate(ref, est, DefaultEvalOptions())
	require.NoError(t, err)
	assert.Greater(t, rigid.Stats.RMSE, 0.01)
}

func TestEvaluateWithTimeOffset(t *testing.T) {
	ref := helixTrajectory(20)
	est := ref.Clone()
	for i := range est.Poses {
		est.Poses[i].Timestamp += 100
	}

	_, _, err := Evaluate(ref, est, DefaultEvalOptions())
	assert.ErrorIs(t, err, ErrNoOverlap)

	opts := DefaultEvalOptions()
	opts.TimeOffset = -100 * time.Second
	res, _, err := Evaluate(ref, est, opts)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Pairs)
	assert.InDelta(t, 0, res.Stats.RMSE, 1e-9)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	ref := helixTrajectory(15)
	est := transformTrajectory(ref, RotationZ(0.2), 1.1, r3.Vector{Y: 3})
	est.Poses[4].Pose.Translation = est.Poses[4].Pose.Translation.Add(r3.Vector{Z: 0.3})

	opts := EvalOptions{CorrectScale: true, AssociationTolerance: DefaultAssociationTolerance}
	a, _, err := Evaluate(ref, est, opts)
	require.NoError(t, err)
	b, _, err := Evaluate(ref, est, opts)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Greater(t, a.Stats.Max, a.Stats.Median)
}

func TestComputeATENoPairs(t *testing.T) {
	_, err := ComputeATE(nil, AlignOptions{})
	assert.ErrorIs(t, err, ErrNoOverlap)
}
