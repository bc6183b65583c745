package traj

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Statistics summarises a set of translation residuals.
type Statistics struct {
	Mean   float64 `json:"mean"`
	RMSE   float64 `json:"rmse"`
	Median float64 `json:"median"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// ComputeStatistics returns mean, RMSE, median, population standard
// deviation, min and max. The median of an even count is the mean of the two
// middle values. An empty input yields the zero value.
func ComputeStatistics(values []float64) Statistics {
	if len(values) == 0 {
		return Statistics{}
	}
	mean, std := stat.PopMeanStdDev(values, nil)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return Statistics{
		Mean:   mean,
		RMSE:   math.Sqrt(floats.Dot(values, values) / float64(n)),
		Median: median,
		Std:    std,
		Min:    floats.Min(values),
		Max:    floats.Max(values),
	}
}

// ATEResult is the absolute trajectory error of an estimate against a reference.
type ATEResult struct {
	Alignment AlignmentResult `json:"alignment"`
	Pairs     int             `json:"pairs"`
	Stats     Statistics      `json:"stats"`
}

// ComputeATE aligns the estimate positions onto the reference positions of
// the given pairs and reports residual statistics. The reference is the
// alignment model and the estimate the data, so residuals are measured in
// the estimate's frame.
func ComputeATE(pairs []PosePair, opts AlignOptions) (ATEResult, error) {
	if len(pairs) == 0 {
		return ATEResult{}, fmt.Errorf("%w: no pose pairs to evaluate", ErrNoOverlap)
	}
	model := make([]r3.Vector, len(pairs))
	data := make([]r3.Vector, len(pairs))
	for i, p := range pairs {
		model[i] = p.Ref.Pose.Position()
		data[i] = p.Est.Pose.Position()
	}

	al, err := Align(model, data, opts)
	if err != nil {
		return ATEResult{}, err
	}
	return ATEResult{
		Alignment: al,
		Pairs:     len(pairs),
		Stats:     ComputeStatistics(al.Residuals),
	}, nil
}

// EvalOptions is the full set of knobs for one evaluation.
type EvalOptions struct {
	CorrectScale         bool
	AssociationTolerance time.Duration
	TimeOffset           time.Duration
	ByIndex              bool
}

// DefaultEvalOptions returns rigid alignment with the default association tolerance.
func DefaultEvalOptions() EvalOptions {
	return EvalOptions{AssociationTolerance: DefaultAssociationTolerance}
}

// Evaluate associates the two trajectories and computes their ATE. The
// result is a pure function of the inputs and opts.
func Evaluate(ref, est Trajectory, opts EvalOptions) (ATEResult, []PosePair, error) {
	pairs, err := Associate(ref, est, AssociateOptions{
		Tolerance: opts.AssociationTolerance,
		Offset:    opts.TimeOffset,
		ByIndex:   opts.ByIndex,
	})
	if err != nil {
		return ATEResult{}, nil, err
	}
	res, err := ComputeATE(pairs, AlignOptions{CorrectScale: opts.CorrectScale})
	if err != nil {
		return ATEResult{}, nil, err
	}
	return res, pairs, nil
}
