package registration

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

type voxelKey struct{ x, y, z int64 }

type voxelAccumulator struct {
	point, normal, color r3.Vector
	count                int
}

// VoxelDownSample averages all points falling into the same cube of side
// voxelSize. Output order follows the first point seen in each voxel.
func (pc *PointCloud) VoxelDownSample(voxelSize float64) (*PointCloud, error) {
	if !(voxelSize > 0) {
		return nil, fmt.Errorf("voxel size %g: %w", voxelSize, ErrInvalidArgument)
	}

	order := make([]voxelKey, 0)
	voxels := make(map[voxelKey]*voxelAccumulator)
	for i, p := range pc.points {
		key := voxelKey{
			x: int64(math.Floor(p.X / voxelSize)),
			y: int64(math.Floor(p.Y / voxelSize)),
			z: int64(math.Floor(p.Z / voxelSize)),
		}
		acc, ok := voxels[key]
		if !ok {
			acc = &voxelAccumulator{}
			voxels[key] = acc
			order = append(order, key)
		}
		acc.point = acc.point.Add(p)
		if pc.HasNormals() {
			acc.normal = acc.normal.Add(pc.normals[i])
		}
		if pc.HasColors() {
			acc.color = acc.color.Add(pc.colors[i])
		}
		acc.count++
	}

	points := make([]r3.Vector, len(order))
	var normals, colors []r3.Vector
	if pc.HasNormals() {
		normals = make([]r3.Vector, len(order))
	}
	if pc.HasColors() {
		colors = make([]r3.Vector, len(order))
	}
	for i, key := range order {
		acc := voxels[key]
		inv := 1 / float64(acc.count)
		points[i] = acc.point.Mul(inv)
		if normals != nil {
			if n := acc.normal.Norm(); n > 0 {
				normals[i] = acc.normal.Mul(1 / n)
			}
		}
		if colors != nil {
			colors[i] = acc.color.Mul(inv)
		}
	}

	out := NewPointCloud(points, pc.dtype, pc.device)
	if normals != nil {
		if err := out.SetNormals(normals); err != nil {
			return nil, err
		}
	}
	if colors != nil {
		if err := out.SetColors(colors); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EstimateNormals fits a plane to the k nearest neighbours of every point and
// stores its unit normal. Normals are oriented to agree with existing normals
// when present, otherwise toward +Z.
func (pc *PointCloud) EstimateNormals(k int) error {
	if pc.Len() < 3 {
		return fmt.Errorf("estimating normals needs at least 3 points, have %d: %w", pc.Len(), ErrInvalidArgument)
	}
	if k < 3 {
		k = 3
	}

	nns := NewNearestNeighborSearch(pc.points)
	normals := make([]r3.Vector, pc.Len())
	for i, p := range pc.points {
		idx, _, err := nns.KNNSearch(p, k)
		if err != nil {
			return fmt.Errorf("estimating normal %d: %w", i, err)
		}
		n := planeNormal(pc.points, idx)

		ref := r3.Vector{Z: 1}
		if pc.HasNormals() {
			ref = pc.normals[i]
		}
		if n.Dot(ref) < 0 {
			n = n.Mul(-1)
		}
		normals[i] = pc.roundVec(n)
	}
	pc.normals = normals
	return nil
}

// planeNormal returns the eigenvector of the smallest covariance eigenvalue of
// the selected points. Degenerate neighbourhoods get +Z.
func planeNormal(points []r3.Vector, idx []int) r3.Vector {
	if len(idx) < 3 {
		return r3.Vector{Z: 1}
	}
	var c r3.Vector
	for _, j := range idx {
		c = c.Add(points[j])
	}
	c = c.Mul(1 / float64(len(idx)))

	cov := make([]float64, 9)
	for _, j := range idx {
		d := points[j].Sub(c)
		v := [3]float64{d.X, d.Y, d.Z}
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				cov[a*3+b] += v[a] * v[b]
			}
		}
	}

	var es mat.EigenSym
	if ok := es.Factorize(mat.NewSymDense(3, cov), true); !ok {
		return r3.Vector{Z: 1}
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	n := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if norm := n.Norm(); norm > 0 {
		return n.Mul(1 / norm)
	}
	return r3.Vector{Z: 1}
}
