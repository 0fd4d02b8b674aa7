package registration

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Transformation is a homogeneous transform, nominally 4x4, stored at a given
// dtype. It behaves as a value: every method returns fresh storage, so copies
// never alias.
//
// A Transformation built from data of another shape is representable so that
// entry points can reject it with ErrShapeMismatch.
type Transformation struct {
	m     *mat.Dense
	dtype Dtype
}

// Identity returns the 4x4 identity at the given dtype.
func Identity(dtype Dtype) Transformation {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return Transformation{m: m, dtype: dtype}
}

// NewTransformation copies m and rounds it to dtype.
func NewTransformation(m mat.Matrix, dtype Dtype) Transformation {
	r, c := m.Dims()
	d := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			d.Set(i, j, dtype.round(m.At(i, j)))
		}
	}
	return Transformation{m: d, dtype: dtype}
}

// NewTransformationFromRows builds a transform from row slices. Rows must all
// have the same length; the shape itself is not checked here.
func NewTransformationFromRows(rows [][]float64, dtype Dtype) (Transformation, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return Transformation{}, fmt.Errorf("empty transformation: %w", ErrShapeMismatch)
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return Transformation{}, fmt.Errorf("row %d has %d columns, want %d: %w", i, len(row), cols, ErrShapeMismatch)
		}
		data = append(data, row...)
	}
	return NewTransformation(mat.NewDense(len(rows), cols, data), dtype), nil
}

// NewRigidTransformation builds [R t; 0 1] from a 3x3 rotation and a translation.
func NewRigidTransformation(rotation mat.Matrix, translation r3.Vector, dtype Dtype) Transformation {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rotation.At(i, j))
		}
	}
	m.Set(0, 3, translation.X)
	m.Set(1, 3, translation.Y)
	m.Set(2, 3, translation.Z)
	m.Set(3, 3, 1)
	return NewTransformation(m, dtype)
}

// RotationXYZ returns R = Rz(gamma) * Ry(beta) * Rx(alpha), angles in radians.
func RotationXYZ(alpha, beta, gamma float64) *mat.Dense {
	ca, sa := math.Cos(alpha), math.Sin(alpha)
	cb, sb := math.Cos(beta), math.Sin(beta)
	cg, sg := math.Cos(gamma), math.Sin(gamma)
	return mat.NewDense(3, 3, []float64{
		cg * cb, -sg*ca + cg*sb*sa, sg*sa + cg*sb*ca,
		sg * cb, cg*ca + sg*sb*sa, -cg*sa + sg*sb*ca,
		-sb, cb * sa, cb * ca,
	})
}

// Dims returns the matrix shape.
func (t Transformation) Dims() (int, int) {
	if t.m == nil {
		return 0, 0
	}
	return t.m.Dims()
}

// Dtype returns the storage precision.
func (t Transformation) Dtype() Dtype { return t.dtype }

// At returns element (i, j).
func (t Transformation) At(i, j int) float64 { return t.m.At(i, j) }

// Is4x4 reports whether the transform has homogeneous 3D shape.
func (t Transformation) Is4x4() bool {
	r, c := t.Dims()
	return r == 4 && c == 4
}

// AsDtype returns a copy stored at dtype.
func (t Transformation) AsDtype(dtype Dtype) Transformation {
	return NewTransformation(t.m, dtype)
}

// Dense returns a copy of the underlying matrix.
func (t Transformation) Dense() *mat.Dense {
	return mat.DenseCopyOf(t.m)
}

// Rotation returns a copy of the upper-left 3x3 block.
func (t Transformation) Rotation() *mat.Dense {
	return mat.DenseCopyOf(t.m.Slice(0, 3, 0, 3))
}

// Translation returns the upper-right column.
func (t Transformation) Translation() r3.Vector {
	return r3.Vector{X: t.m.At(0, 3), Y: t.m.At(1, 3), Z: t.m.At(2, 3)}
}

// Mul composes two transforms: the result applies other first, then t.
func (t Transformation) Mul(other Transformation) Transformation {
	var out mat.Dense
	out.Mul(t.m, other.m)
	return NewTransformation(&out, t.dtype)
}

// Inverse returns the inverse of a rigid transform: [R^T, -R^T t].
func (t Transformation) Inverse() Transformation {
	rt := mat.DenseCopyOf(t.Rotation().T())
	tr := t.Translation()
	inv := r3.Vector{
		X: -(rt.At(0, 0)*tr.X + rt.At(0, 1)*tr.Y + rt.At(0, 2)*tr.Z),
		Y: -(rt.At(1, 0)*tr.X + rt.At(1, 1)*tr.Y + rt.At(1, 2)*tr.Z),
		Z: -(rt.At(2, 0)*tr.X + rt.At(2, 1)*tr.Y + rt.At(2, 2)*tr.Z),
	}
	return NewRigidTransformation(rt, inv, t.dtype)
}

// ApplyPoint maps a point through the transform.
func (t Transformation) ApplyPoint(p r3.Vector) r3.Vector {
	m := t.m
	return r3.Vector{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2)*p.Z + m.At(0, 3),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2)*p.Z + m.At(1, 3),
		Z: m.At(2, 0)*p.X + m.At(2, 1)*p.Y + m.At(2, 2)*p.Z + m.At(2, 3),
	}
}

// ApplyDirection rotates a direction (e.g. a normal) without translating it.
func (t Transformation) ApplyDirection(v r3.Vector) r3.Vector {
	m := t.m
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// IsRigid checks that the rotation block is orthonormal with determinant +1
// and the bottom row is [0 0 0 1], each within tol.
func (t Transformation) IsRigid(tol float64) bool {
	if !t.Is4x4() {
		return false
	}
	r := t.Rotation()
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(rtr.At(i, j)-want) > tol {
				return false
			}
		}
	}
	if math.Abs(mat.Det(r)-1) > tol {
		return false
	}
	bottom := []float64{0, 0, 0, 1}
	for j, want := range bottom {
		if math.Abs(t.m.At(3, j)-want) > tol {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest element-wise difference between two
// transforms of equal shape, or +Inf when shapes differ.
func (t Transformation) MaxAbsDiff(other Transformation) float64 {
	r1, c1 := t.Dims()
	r2, c2 := other.Dims()
	if r1 != r2 || c1 != c2 {
		return math.Inf(1)
	}
	maxDiff := 0.0
	for i := 0; i < r1; i++ {
		for j := 0; j < c1; j++ {
			maxDiff = math.Max(maxDiff, math.Abs(t.m.At(i, j)-other.m.At(i, j)))
		}
	}
	return maxDiff
}

// Rows returns the matrix as row slices.
func (t Transformation) Rows() [][]float64 {
	r, c := t.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		for j := 0; j < c; j++ {
			rows[i][j] = t.m.At(i, j)
		}
	}
	return rows
}

func (t Transformation) String() string {
	var b strings.Builder
	for i, row := range t.Rows() {
		if i > 0 {
			b.WriteString("; ")
		}
		for j, v := range row {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.6g", v)
		}
	}
	return "[" + b.String() + "]"
}

type transformationJSON struct {
	Dtype  string      `json:"dtype"`
	Matrix [][]float64 `json:"matrix"`
}

// MarshalJSON encodes {"dtype": "...", "matrix": [[...], ...]}.
func (t Transformation) MarshalJSON() ([]byte, error) {
	return json.Marshal(transformationJSON{Dtype: t.dtype.String(), Matrix: t.Rows()})
}

// UnmarshalJSON accepts the object form written by MarshalJSON or a bare
// array of rows (stored as Float64).
func (t *Transformation) UnmarshalJSON(data []byte) error {
	var rows [][]float64
	dtype := Float64
	if err := json.Unmarshal(data, &rows); err != nil {
		var obj transformationJSON
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("decoding transformation: %w", err)
		}
		d, err := ParseDtype(obj.Dtype)
		if err != nil {
			return err
		}
		rows, dtype = obj.Matrix, d
	}
	parsed, err := NewTransformationFromRows(rows, dtype)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
