package traj

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

const (
	// QuaternionTolerance is how far |q| may deviate from 1 before a
	// quaternion is rejected as non-unit.
	QuaternionTolerance = 1e-5

	// RotationTolerance bounds the deviation of RᵗR from I and of det(R)
	// from 1 for a matrix to be accepted as a proper rotation.
	RotationTolerance = 1e-5

	// canonicalEpsilon is the eigen-solver noise floor below which a
	// quaternion component cannot decide the canonical sign.
	canonicalEpsilon = 1e-12
)

// Convention names the direction a pose maps points in.
type Convention int

const (
	// CameraToWorld maps a point in the camera frame into the world frame.
	// Its translation is the camera centre in world coordinates.
	CameraToWorld Convention = iota
	// WorldToCamera maps a world point into the camera frame (COLMAP style).
	WorldToCamera
)

func (c Convention) String() string {
	switch c {
	case CameraToWorld:
		return "c2w"
	case WorldToCamera:
		return "w2c"
	default:
		return fmt.Sprintf("Convention(%d)", int(c))
	}
}

// ParseConvention accepts "c2w"/"camera-to-world" and "w2c"/"world-to-camera".
func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "c2w", "camera-to-world", "cam2world":
		return CameraToWorld, nil
	case "w2c", "world-to-camera", "world2cam":
		return WorldToCamera, nil
	}
	return 0, fmt.Errorf("%w: unknown pose convention %q", ErrInvalidInput, s)
}

// Quaternion is a rotation quaternion with the scalar part first.
type Quaternion struct {
	W, X, Y, Z float64
}

// IdentityQuaternion is the zero rotation.
func IdentityQuaternion() Quaternion { return Quaternion{W: 1} }

func (q Quaternion) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// Norm returns |q|.
func (q Quaternion) Norm() float64 { return quat.Abs(q.number()) }

// Canonical returns q or -q so that W > 0, or, when W is zero, the first
// non-zero vector component is positive. Components within canonicalEpsilon
// of zero count as zero.
func (q Quaternion) Canonical() Quaternion {
	for _, c := range [...]float64{q.W, q.X, q.Y, q.Z} {
		if math.Abs(c) <= canonicalEpsilon {
			continue
		}
		if c < 0 {
			return Quaternion{W: -q.W, X: -q.X, Y: -q.Y, Z: -q.Z}
		}
		return q
	}
	return q
}

// NormalizeQuaternion scales q to unit length. This is the only place a
// quaternion is normalized; QuaternionToRotation never does it implicitly.
func NormalizeQuaternion(q Quaternion) (Quaternion, error) {
	n := q.Norm()
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return Quaternion{}, fmt.Errorf("%w: cannot normalize quaternion with norm %v", ErrInvalidInput, n)
	}
	s := quat.Scale(1/n, q.number())
	return Quaternion{W: s.Real, X: s.Imag, Y: s.Jmag, Z: s.Kmag}, nil
}

// Rotation is a row-major 3×3 rotation matrix.
type Rotation [9]float64

// IdentityRotation returns I.
func IdentityRotation() Rotation {
	return Rotation{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// RotationZ returns the rotation by theta radians about +Z.
func RotationZ(theta float64) Rotation {
	s, c := math.Sincos(theta)
	return Rotation{c, -s, 0, s, c, 0, 0, 0, 1}
}

// At returns element (i, j).
func (r Rotation) At(i, j int) float64 { return r[3*i+j] }

// Transpose returns Rᵗ, which is also the inverse of a proper rotation.
func (r Rotation) Transpose() Rotation {
	return Rotation{
		r[0], r[3], r[6],
		r[1], r[4], r[7],
		r[2], r[5], r[8],
	}
}

// Mul returns r·o.
func (r Rotation) Mul(o Rotation) Rotation {
	var out Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[3*i+j] = r[3*i]*o[j] + r[3*i+1]*o[3+j] + r[3*i+2]*o[6+j]
		}
	}
	return out
}

// Apply returns r·v.
func (r Rotation) Apply(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: r[0]*v.X + r[1]*v.Y + r[2]*v.Z,
		Y: r[3]*v.X + r[4]*v.Y + r[5]*v.Z,
		Z: r[6]*v.X + r[7]*v.Y + r[8]*v.Z,
	}
}

// Det returns det(r).
func (r Rotation) Det() float64 {
	return mat.Det(r.dense())
}

// IsProper reports whether r is orthonormal with determinant +1 within tol.
func (r Rotation) IsProper(tol float64) bool {
	for _, v := range r {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	rtr := r.Transpose().Mul(r)
	id := IdentityRotation()
	for i := range rtr {
		if math.Abs(rtr[i]-id[i]) > tol {
			return false
		}
	}
	return math.Abs(r.Det()-1) <= tol
}

func (r Rotation) dense() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), r[:]...))
}

func rotationFromMatrix(m mat.Matrix) Rotation {
	var r Rotation
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[3*i+j] = m.At(i, j)
		}
	}
	return r
}

// QuaternionToRotation converts a unit quaternion to a rotation matrix. The
// quaternion must already be unit length within QuaternionTolerance.
func QuaternionToRotation(q Quaternion) (Rotation, error) {
	n := q.Norm()
	if math.IsNaN(n) || math.Abs(n-1) > QuaternionTolerance {
		return Rotation{}, fmt.Errorf("%w: quaternion norm %v is not 1", ErrInvalidInput, n)
	}
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return Rotation{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}, nil
}

// RotationToQuaternion converts a proper rotation matrix to its canonical
// unit quaternion. It builds the symmetric 4×4 K matrix of R and takes the
// eigenvector of the largest eigenvalue, which stays accurate for rotations
// near 180° where the trace formula breaks down.
func RotationToQuaternion(r Rotation) (Quaternion, error) {
	if !r.IsProper(RotationTolerance) {
		return Quaternion{}, fmt.Errorf("%w: matrix is not a proper rotation", ErrInvalidInput)
	}

	k := mat.NewSymDense(4, nil)
	k.SetSym(0, 0, r[0]-r[4]-r[8])
	k.SetSym(1, 0, r[1]+r[3])
	k.SetSym(1, 1, r[4]-r[0]-r[8])
	k.SetSym(2, 0, r[2]+r[6])
	k.SetSym(2, 1, r[5]+r[7])
	k.SetSym(2, 2, r[8]-r[0]-r[4])
	k.SetSym(3, 0, r[7]-r[5])
	k.SetSym(3, 1, r[2]-r[6])
	k.SetSym(3, 2, r[3]-r[1])
	k.SetSym(3, 3, r[0]+r[4]+r[8])
	k.ScaleSym(1.0/3.0, k)

	var eig mat.EigenSym
	if ok := eig.Factorize(k, true); !ok {
		return Quaternion{}, fmt.Errorf("%w: eigen decomposition failed", ErrInvalidInput)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	best := 0
	for i, v := range vals {
		if v > vals[best] {
			best = i
		}
	}
	q := Quaternion{
		W: vecs.At(3, best),
		X: vecs.At(0, best),
		Y: vecs.At(1, best),
		Z: vecs.At(2, best),
	}
	return q.Canonical(), nil
}

// InvertPose inverts a rigid transform: R' = Rᵗ and t' = -Rᵗ·t. It flips
// camera-to-world into world-to-camera and back.
func InvertPose(r Rotation, t r3.Vector) (Rotation, r3.Vector) {
	rt := r.Transpose()
	return rt, rt.Apply(t).Mul(-1)
}

// Matrix4 is a row-major 4×4 homogeneous transform.
type Matrix4 [16]float64

// IdentityMatrix4 returns I.
func IdentityMatrix4() Matrix4 {
	return Matrix4{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}
}

// At returns element (i, j).
func (m Matrix4) At(i, j int) float64 { return m[4*i+j] }

// ComposePose assembles [R t; 0 1].
func ComposePose(r Rotation, t r3.Vector) Matrix4 {
	return Matrix4{
		r[0], r[1], r[2], t.X,
		r[3], r[4], r[5], t.Y,
		r[6], r[7], r[8], t.Z,
		0, 0, 0, 1,
	}
}

// Decompose splits a homogeneous matrix into rotation and translation. The
// last row must be 0 0 0 1 and the upper-left block a proper rotation.
func Decompose(m Matrix4) (Rotation, r3.Vector, error) {
	if m[12] != 0 || m[13] != 0 || m[14] != 0 || m[15] != 1 {
		return Rotation{}, r3.Vector{}, fmt.Errorf("%w: last row is %v %v %v %v, want 0 0 0 1",
			ErrInvalidInput, m[12], m[13], m[14], m[15])
	}
	r := Rotation{m[0], m[1], m[2], m[4], m[5], m[6], m[8], m[9], m[10]}
	if !r.IsProper(RotationTolerance) {
		return Rotation{}, r3.Vector{}, fmt.Errorf("%w: rotation block is not orthonormal with det +1", ErrInvalidInput)
	}
	return r, r3.Vector{X: m[3], Y: m[7], Z: m[11]}, nil
}

// Pose is a rigid transform between a camera frame and the world frame.
// Convention records which way it maps.
type Pose struct {
	Rotation    Rotation
	Translation r3.Vector
	Convention  Convention
}

// IdentityPose returns the identity in the given convention.
func IdentityPose(c Convention) Pose {
	return Pose{Rotation: IdentityRotation(), Convention: c}
}

// PoseFromQuaternion builds a pose from a unit quaternion and translation.
func PoseFromQuaternion(q Quaternion, t r3.Vector, c Convention) (Pose, error) {
	r, err := QuaternionToRotation(q)
	if err != nil {
		return Pose{}, err
	}
	return Pose{Rotation: r, Translation: t, Convention: c}, nil
}

// PoseFromMatrix decomposes a homogeneous matrix in the given convention.
func PoseFromMatrix(m Matrix4, c Convention) (Pose, error) {
	r, t, err := Decompose(m)
	if err != nil {
		return Pose{}, err
	}
	return Pose{Rotation: r, Translation: t, Convention: c}, nil
}

// Matrix returns the homogeneous matrix in the pose's own convention.
func (p Pose) Matrix() Matrix4 { return ComposePose(p.Rotation, p.Translation) }

// Quaternion returns the canonical quaternion of the rotation part.
func (p Pose) Quaternion() (Quaternion, error) { return RotationToQuaternion(p.Rotation) }

// Inverse returns the inverse transform with the opposite convention.
func (p Pose) Inverse() Pose {
	r, t := InvertPose(p.Rotation, p.Translation)
	c := WorldToCamera
	if p.Convention == WorldToCamera {
		c = CameraToWorld
	}
	return Pose{Rotation: r, Translation: t, Convention: c}
}

// In returns the pose expressed in convention c, inverting when needed.
func (p Pose) In(c Convention) Pose {
	if p.Convention == c {
		return p
	}
	return p.Inverse()
}

// Position returns the camera centre in world coordinates.
func (p Pose) Position() r3.Vector {
	return p.In(CameraToWorld).Translation
}
