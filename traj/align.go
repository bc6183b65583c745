package traj

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// collinearRatio is the smallest accepted ratio between the second and the
// largest eigenvalue of a centred point scatter.
const collinearRatio = 1e-12

// AlignOptions selects the alignment model.
type AlignOptions struct {
	// CorrectScale estimates a similarity transform (rotation, translation
	// and uniform scale) instead of a rigid one.
	CorrectScale bool `yaml:"correctScale" json:"correctScale"`
}

// AlignmentResult maps model points onto data points: data ≈ Scale·R·model + T.
type AlignmentResult struct {
	Rotation    Rotation  `json:"rotation"`
	Translation r3.Vector `json:"translation"`
	Scale       float64   `json:"scale"`
	// Residuals holds |Scale·R·model_i + T - data_i| per point.
	Residuals []float64 `json:"residuals,omitempty"`
	// Reflected is true when the SVD solution had to be corrected from a
	// reflection to a proper rotation.
	Reflected bool `json:"reflected"`
}

// Apply maps a model point into the data frame.
func (a AlignmentResult) Apply(v r3.Vector) r3.Vector {
	return a.Rotation.Apply(v).Mul(a.Scale).Add(a.Translation)
}

// Align computes the least-squares rigid (or similarity) transform taking
// model onto data with the Umeyama/Horn method: centre both sets, take the
// SVD of the transposed cross-covariance, and correct a reflection by
// flipping the last singular vector.
//
// At least three points are required and neither set may be collinear.
// Coplanar sets are accepted; for them the reflection correction decides
// the rotation about the plane normal.
func Align(model, data []r3.Vector, opts AlignOptions) (AlignmentResult, error) {
	if len(model) != len(data) {
		return AlignmentResult{}, fmt.Errorf("%w: model has %d points, data has %d", ErrInvalidInput, len(model), len(data))
	}
	if len(model) < 3 {
		return AlignmentResult{}, fmt.Errorf("%w: need at least 3 points, got %d", ErrDegenerateInput, len(model))
	}
	for i := range model {
		if !finite(model[i]) || !finite(data[i]) {
			return AlignmentResult{}, fmt.Errorf("%w: point %d is not finite", ErrInvalidInput, i)
		}
	}

	cm := centroid(model)
	cd := centroid(data)

	w := mat.NewDense(3, 3, nil)
	var modelSpread float64
	for i := range model {
		m := vec(model[i].Sub(cm))
		d := vec(data[i].Sub(cd))
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				w.Set(r, c, w.At(r, c)+m[r]*d[c])
			}
		}
		modelSpread += model[i].Sub(cm).Norm2()
	}

	if collinear(model, cm) {
		return AlignmentResult{}, fmt.Errorf("%w: model points are collinear", ErrDegenerateInput)
	}
	if collinear(data, cd) {
		return AlignmentResult{}, fmt.Errorf("%w: data points are collinear", ErrDegenerateInput)
	}

	var svd mat.SVD
	if ok := svd.Factorize(w.T(), mat.SVDFull); !ok {
		return AlignmentResult{}, fmt.Errorf("%w: SVD of cross-covariance failed", ErrDegenerateInput)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	sign := 1.0
	reflected := false
	if mat.Det(&u)*mat.Det(&v) < 0 {
		sign = -1
		reflected = true
	}
	s := mat.NewDiagDense(3, []float64{1, 1, sign})

	var us, rot mat.Dense
	us.Mul(&u, s)
	rot.Mul(&us, v.T())
	r := rotationFromMatrix(&rot)

	scale := 1.0
	if opts.CorrectScale {
		var num float64
		for i := range model {
			num += data[i].Sub(cd).Dot(r.Apply(model[i].Sub(cm)))
		}
		scale = num / modelSpread
		if !(scale > 0) || math.IsInf(scale, 0) {
			return AlignmentResult{}, fmt.Errorf("%w: estimated scale %v is not positive", ErrDegenerateInput, scale)
		}
	}

	res := AlignmentResult{
		Rotation:    r,
		Translation: cd.Sub(r.Apply(cm).Mul(scale)),
		Scale:       scale,
		Reflected:   reflected,
	}
	res.Residuals = make([]float64, len(model))
	for i := range model {
		res.Residuals[i] = res.Apply(model[i]).Sub(data[i]).Norm()
	}
	return res, nil
}

func centroid(pts []r3.Vector) r3.Vector {
	var sum r3.Vector
	for _, p := range pts {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(pts)))
}

// collinear reports whether the centred scatter of pts has rank below two.
func collinear(pts []r3.Vector, c r3.Vector) bool {
	scatter := mat.NewSymDense(3, nil)
	for _, p := range pts {
		d := vec(p.Sub(c))
		for r := 0; r < 3; r++ {
			for col := r; col < 3; col++ {
				scatter.SetSym(r, col, scatter.At(r, col)+d[r]*d[col])
			}
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(scatter, false); !ok {
		return true
	}
	vals := eig.Values(nil)
	// ascending: vals[2] largest, vals[1] second
	if vals[2] <= 0 {
		return true
	}
	return vals[1] <= collinearRatio*vals[2]
}

func vec(v r3.Vector) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

func finite(v r3.Vector) bool {
	for _, c := range vec(v) {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
