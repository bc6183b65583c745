package traj

import (
	"fmt"
	"sort"
	"time"
)

// DefaultAssociationTolerance is the largest timestamp gap that still pairs
// a reference pose with an estimate.
const DefaultAssociationTolerance = 20 * time.Millisecond

// AssociateOptions controls how reference and estimate poses are paired.
type AssociateOptions struct {
	// Tolerance is the largest |Δt| accepted for a pair.
	Tolerance time.Duration
	// Offset is added to every estimate timestamp before matching.
	Offset time.Duration
	// ByIndex pairs pose i with pose i, ignoring timestamps.
	ByIndex bool
}

// PosePair is one matched reference/estimate sample.
type PosePair struct {
	RefIndex int
	EstIndex int
	Ref      TimedPose
	Est      TimedPose
}

type candidate struct {
	ref, est int
	dt       float64
}

// Associate pairs reference and estimate poses. Trajectories with synthetic
// timestamps, or ByIndex, pair by position up to the shorter length.
// Otherwise each reference pose is matched to the nearest estimate within
// Tolerance; matching is one-to-one and greedy in ascending |Δt| with ties
// going to the lower reference index, then the lower estimate index.
// Unmatched poses are dropped. The result is ordered by reference index.
func Associate(ref, est Trajectory, opts AssociateOptions) ([]PosePair, error) {
	if opts.Tolerance < 0 {
		return nil, fmt.Errorf("%w: negative association tolerance %v", ErrInvalidInput, opts.Tolerance)
	}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("reference trajectory: %w", err)
	}
	if err := est.Validate(); err != nil {
		return nil, fmt.Errorf("estimated trajectory: %w", err)
	}

	var pairs []PosePair
	if opts.ByIndex || ref.Synthetic || est.Synthetic {
		n := min(ref.Len(), est.Len())
		pairs = make([]PosePair, 0, n)
		for i := 0; i < n; i++ {
			pairs = append(pairs, PosePair{RefIndex: i, EstIndex: i, Ref: ref.Poses[i], Est: est.Poses[i]})
		}
	} else {
		pairs = associateByTime(ref, est, opts)
	}

	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: %d reference and %d estimated poses share no timestamps within %v",
			ErrNoOverlap, ref.Len(), est.Len(), opts.Tolerance)
	}
	return pairs, nil
}

func associateByTime(ref, est Trajectory, opts AssociateOptions) []PosePair {
	tol := opts.Tolerance.Seconds()
	offset := opts.Offset.Seconds()

	estTimes := make([]float64, est.Len())
	for j, tp := range est.Poses {
		estTimes[j] = tp.Timestamp + offset
	}

	var cands []candidate
	for i, rp := range ref.Poses {
		lo := sort.SearchFloat64s(estTimes, rp.Timestamp-tol)
		for j := lo; j < len(estTimes) && estTimes[j] <= rp.Timestamp+tol; j++ {
			dt := estTimes[j] - rp.Timestamp
			if dt < 0 {
				dt = -dt
			}
			cands = append(cands, candidate{ref: i, est: j, dt: dt})
		}
	}

	sort.Slice(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.dt != cb.dt {
			return ca.dt < cb.dt
		}
		if ca.ref != cb.ref {
			return ca.ref < cb.ref
		}
		return ca.est < cb.est
	})

	usedRef := make(map[int]bool)
	usedEst := make(map[int]bool)
	var pairs []PosePair
	for _, c := range cands {
		if usedRef[c.ref] || usedEst[c.est] {
			continue
		}
		usedRef[c.ref] = true
		usedEst[c.est] = true
		pairs = append(pairs, PosePair{RefIndex: c.ref, EstIndex: c.est, Ref: ref.Poses[c.ref], Est: est.Poses[c.est]})
	}

	sort.Slice(pairs, func(a, b int) bool { return pairs[a].RefIndex < pairs[b].RefIndex })
	return pairs
}
