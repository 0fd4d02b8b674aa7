package registration

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// PointCloud is an ordered set of 3D positions with optional per-point
// normals and colors, bound to one device and stored at one dtype.
type PointCloud struct {
	points  []r3.Vector
	normals []r3.Vector
	colors  []r3.Vector
	dtype   Dtype
	device  Device
}

// NewPointCloud copies points into a cloud stored at dtype on device.
func NewPointCloud(points []r3.Vector, dtype Dtype, device Device) *PointCloud {
	pc := &PointCloud{
		points: make([]r3.Vector, len(points)),
		dtype:  dtype,
		device: device,
	}
	for i, p := range points {
		pc.points[i] = pc.roundVec(p)
	}
	return pc
}

func (pc *PointCloud) roundVec(v r3.Vector) r3.Vector {
	return r3.Vector{X: pc.dtype.round(v.X), Y: pc.dtype.round(v.Y), Z: pc.dtype.round(v.Z)}
}

// SetNormals attaches one normal per point.
func (pc *PointCloud) SetNormals(normals []r3.Vector) error {
	if len(normals) != len(pc.points) {
		return fmt.Errorf("got %d normals for %d points: %w", len(normals), len(pc.points), ErrInvalidArgument)
	}
	pc.normals = make([]r3.Vector, len(normals))
	for i, n := range normals {
		pc.normals[i] = pc.roundVec(n)
	}
	return nil
}

// SetColors attaches one RGB color (components in [0,1]) per point.
func (pc *PointCloud) SetColors(colors []r3.Vector) error {
	if len(colors) != len(pc.points) {
		return fmt.Errorf("got %d colors for %d points: %w", len(colors), len(pc.points), ErrInvalidArgument)
	}
	pc.colors = append([]r3.Vector(nil), colors...)
	return nil
}

// Positions returns the point positions. The slice is owned by the cloud and
// must not be modified.
func (pc *PointCloud) Positions() []r3.Vector { return pc.points }

// Normals returns the normals, or nil when the cloud has none.
func (pc *PointCloud) Normals() []r3.Vector { return pc.normals }

// Colors returns the colors, or nil when the cloud has none.
func (pc *PointCloud) Colors() []r3.Vector { return pc.colors }

func (pc *PointCloud) HasNormals() bool { return len(pc.normals) > 0 && len(pc.normals) == len(pc.points) }

func (pc *PointCloud) HasColors() bool { return len(pc.colors) > 0 && len(pc.colors) == len(pc.points) }

func (pc *PointCloud) Len() int { return len(pc.points) }

func (pc *PointCloud) Dtype() Dtype { return pc.dtype }

func (pc *PointCloud) Device() Device { return pc.device }

// Clone returns a deep copy.
func (pc *PointCloud) Clone() *PointCloud {
	out := &PointCloud{
		points: append([]r3.Vector(nil), pc.points...),
		dtype:  pc.dtype,
		device: pc.device,
	}
	if pc.normals != nil {
		out.normals = append([]r3.Vector(nil), pc.normals...)
	}
	if pc.colors != nil {
		out.colors = append([]r3.Vector(nil), pc.colors...)
	}
	return out
}

// ApplyTransform transforms the cloud in place. Normals are rotated.
func (pc *PointCloud) ApplyTransform(t Transformation) error {
	if !t.Is4x4() {
		r, c := t.Dims()
		return preconditionf("ApplyTransform", ErrShapeMismatch, "transformation is %dx%d, want 4x4", r, c)
	}
	if t.Dtype() != pc.dtype {
		return preconditionf("ApplyTransform", ErrDtypeMismatch, "transformation is %s, point cloud is %s", t.Dtype(), pc.dtype)
	}
	for i, p := range pc.points {
		pc.points[i] = pc.roundVec(t.ApplyPoint(p))
	}
	for i, n := range pc.normals {
		pc.normals[i] = pc.roundVec(t.ApplyDirection(n))
	}
	return nil
}

// Centroid returns the mean position, or the zero vector for an empty cloud.
func (pc *PointCloud) Centroid() r3.Vector {
	return centroid(pc.points)
}

func centroid(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}
