package registration

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// TransformationEstimation computes the rigid transform that best aligns
// corresponding source and target points under a variant-specific metric.
//
// Implementations return the identity for an empty correspondence set and
// always return a proper rotation (orthonormal, determinant +1).
type TransformationEstimation interface {
	ComputeTransformation(source, target *PointCloud, corres CorrespondenceSet) (Transformation, error)
	ComputeRMSE(source, target *PointCloud, corres CorrespondenceSet) float64
}

// Method names accepted by NewTransformationEstimation.
const (
	MethodPointToPoint = "point_to_point"
	MethodPointToPlane = "point_to_plane"
)

// NewTransformationEstimation resolves a method name from configuration.
func NewTransformationEstimation(method string) (TransformationEstimation, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(method), "-", "_")) {
	case "", MethodPointToPoint:
		return PointToPoint{}, nil
	case MethodPointToPlane:
		return PointToPlane{}, nil
	default:
		return nil, fmt.Errorf("unknown estimation method %q: %w", method, ErrInvalidArgument)
	}
}

func checkCorrespondences(source, target *PointCloud, corres CorrespondenceSet) error {
	if len(corres.SourceIndices) != len(corres.TargetIndices) {
		return fmt.Errorf("correspondence set has %d source and %d target indices: %w",
			len(corres.SourceIndices), len(corres.TargetIndices), ErrInvalidArgument)
	}
	for i := range corres.SourceIndices {
		s, t := corres.SourceIndices[i], corres.TargetIndices[i]
		if s < 0 || s >= source.Len() || t < 0 || t >= target.Len() {
			return fmt.Errorf("correspondence %d (%d, %d) out of range for %d/%d points: %w",
				i, s, t, source.Len(), target.Len(), ErrInvalidArgument)
		}
	}
	return nil
}

// PointToPoint minimises the sum of squared point distances (Kabsch).
type PointToPoint struct{}

func (PointToPoint) ComputeTransformation(source, target *PointCloud, corres CorrespondenceSet) (Transformation, error) {
	if err := checkCorrespondences(source, target, corres); err != nil {
		return Transformation{}, err
	}
	if corres.Len() == 0 {
		return Identity(source.Dtype()), nil
	}

	src, tgt := source.Positions(), target.Positions()
	var cs, ct r3.Vector
	for i := range corres.SourceIndices {
		cs = cs.Add(src[corres.SourceIndices[i]])
		ct = ct.Add(tgt[corres.TargetIndices[i]])
	}
	inv := 1 / float64(corres.Len())
	cs, ct = cs.Mul(inv), ct.Mul(inv)

	// Cross-covariance H = sum (p - cs)(q - ct)^T
	h := mat.NewDense(3, 3, nil)
	for i := range corres.SourceIndices {
		p := src[corres.SourceIndices[i]].Sub(cs)
		q := tgt[corres.TargetIndices[i]].Sub(ct)
		pv := [3]float64{p.X, p.Y, p.Z}
		qv := [3]float64{q.X, q.Y, q.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+pv[r]*qv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Identity(source.Dtype()), nil
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1, 1, d) * U^T with d fixing reflections.
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1
	}
	diag := mat.NewDiagDense(3, []float64{1, 1, d})
	var vd, rot mat.Dense
	vd.Mul(&v, diag)
	rot.Mul(&vd, u.T())

	rcs := mulVec3(&rot, cs)
	return NewRigidTransformation(&rot, ct.Sub(rcs), source.Dtype()), nil
}

func (PointToPoint) ComputeRMSE(source, target *PointCloud, corres CorrespondenceSet) float64 {
	if corres.Len() == 0 {
		return 0
	}
	src, tgt := source.Positions(), target.Positions()
	sum := 0.0
	for i := range corres.SourceIndices {
		sum += src[corres.SourceIndices[i]].Sub(tgt[corres.TargetIndices[i]]).Norm2()
	}
	return math.Sqrt(sum / float64(corres.Len()))
}

// PointToPlane minimises squared distances along the target normals, using a
// small-angle linearisation solved once per call. Target normals are required.
type PointToPlane struct{}

func (PointToPlane) needsTargetNormals() bool { return true }

// normalsConsumer is implemented by estimations that read target normals.
type normalsConsumer interface {
	needsTargetNormals() bool
}

func requiresTargetNormals(e TransformationEstimation) bool {
	c, ok := e.(normalsConsumer)
	return ok && c.needsTargetNormals()
}

func (PointToPlane) ComputeTransformation(source, target *PointCloud, corres CorrespondenceSet) (Transformation, error) {
	if err := checkCorrespondences(source, target, corres); err != nil {
		return Transformation{}, err
	}
	if corres.Len() == 0 {
		return Identity(source.Dtype()), nil
	}
	if !target.HasNormals() {
		return Transformation{}, ErrMissingNormals
	}

	src, tgt, normals := source.Positions(), target.Positions(), target.Normals()
	ata := make([]float64, 36)
	atb := make([]float64, 6)
	for i := range corres.SourceIndices {
		p := src[corres.SourceIndices[i]]
		q := tgt[corres.TargetIndices[i]]
		n := normals[corres.TargetIndices[i]]
		c := p.Cross(n)
		j := [6]float64{c.X, c.Y, c.Z, n.X, n.Y, n.Z}
		r := p.Sub(q).Dot(n)
		for a := 0; a < 6; a++ {
			for b := 0; b < 6; b++ {
				ata[a*6+b] += j[a] * j[b]
			}
			atb[a] -= j[a] * r
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(mat.NewSymDense(6, ata)); !ok {
		return Identity(source.Dtype()), nil
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(6, atb)); err != nil {
		return Identity(source.Dtype()), nil
	}
	for i := 0; i < 6; i++ {
		if math.IsNaN(x.AtVec(i)) || math.IsInf(x.AtVec(i), 0) {
			return Identity(source.Dtype()), nil
		}
	}

	rot := RotationXYZ(x.AtVec(0), x.AtVec(1), x.AtVec(2))
	trans := r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}
	return NewRigidTransformation(rot, trans, source.Dtype()), nil
}

func (PointToPlane) ComputeRMSE(source, target *PointCloud, corres CorrespondenceSet) float64 {
	if corres.Len() == 0 || !target.HasNormals() {
		return 0
	}
	src, tgt, normals := source.Positions(), target.Positions(), target.Normals()
	sum := 0.0
	for i := range corres.SourceIndices {
		r := src[corres.SourceIndices[i]].Sub(tgt[corres.TargetIndices[i]]).Dot(normals[corres.TargetIndices[i]])
		sum += r * r
	}
	return math.Sqrt(sum / float64(corres.Len()))
}

func mulVec3(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}
