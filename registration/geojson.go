package registration

import (
	"fmt"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Projection selects the two axes a 3D cloud is flattened onto for 2D
// exports.
type Projection string

const (
	ProjectXY Projection = "xy" // top-down
	ProjectXZ Projection = "xz"
	ProjectYZ Projection = "yz"
)

// ParseProjection accepts xy, xz or yz. Empty means xy.
func ParseProjection(s string) (Projection, error) {
	switch p := Projection(s); p {
	case "":
		return ProjectXY, nil
	case ProjectXY, ProjectXZ, ProjectYZ:
		return p, nil
	default:
		return "", fmt.Errorf("unknown projection %q: %w", s, ErrInvalidArgument)
	}
}

func (p Projection) project(v r3.Vector) orb.Point {
	switch p {
	case ProjectXZ:
		return orb.Point{v.X, v.Z}
	case ProjectYZ:
		return orb.Point{v.Y, v.Z}
	default:
		return orb.Point{v.X, v.Y}
	}
}

func (p Projection) multiPoint(points []r3.Vector) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(points))
	for i, v := range points {
		mp[i] = p.project(v)
	}
	return mp
}

// AlignedSource returns a copy of the run's source moved by the result
// transform, so its indices line up with the correspondence set.
func (r *RunRecord) AlignedSource() (*PointCloud, error) {
	if r.Source == nil {
		return nil, fmt.Errorf("run %s has no source cloud", r.ID)
	}
	aligned := r.Source.Clone()
	if err := aligned.ApplyTransform(r.Result.Transformation); err != nil {
		return nil, fmt.Errorf("aligning source: %w", err)
	}
	return aligned, nil
}

// GeoJSONOptions controls RunToFeatureCollection.
type GeoJSONOptions struct {
	Projection Projection
	// MaxCorrespondences caps the exported correspondence segments; 0 means all.
	MaxCorrespondences int
}

// RunToFeatureCollection flattens a run into GeoJSON: the target cloud, the
// aligned source, the correspondence segments and the combined bounds. Each
// feature carries a "layer" property.
func RunToFeatureCollection(r *RunRecord, opts GeoJSONOptions) (*geojson.FeatureCollection, error) {
	if r.Target == nil {
		return nil, fmt.Errorf("run %s has no target cloud", r.ID)
	}
	aligned, err := r.AlignedSource()
	if err != nil {
		return nil, err
	}
	proj := opts.Projection
	if proj == "" {
		proj = ProjectXY
	}

	fc := geojson.NewFeatureCollection()

	target := proj.multiPoint(r.Target.Positions())
	tf := geojson.NewFeature(target)
	tf.Properties["layer"] = "target"
	tf.Properties["points"] = len(target)
	fc.Append(tf)

	source := proj.multiPoint(aligned.Positions())
	sf := geojson.NewFeature(source)
	sf.Properties["layer"] = "source"
	sf.Properties["points"] = len(source)
	fc.Append(sf)

	corres := r.Result.CorrespondenceSet
	n := corres.Len()
	if opts.MaxCorrespondences > 0 && n > opts.MaxCorrespondences {
		n = opts.MaxCorrespondences
	}
	lines := make(orb.MultiLineString, 0, n)
	total := 0.0
	for i := 0; i < n; i++ {
		a := source[corres.SourceIndices[i]]
		b := target[corres.TargetIndices[i]]
		lines = append(lines, orb.LineString{a, b})
		total += planar.Distance(a, b)
	}
	cf := geojson.NewFeature(lines)
	cf.Properties["layer"] = "correspondences"
	cf.Properties["count"] = corres.Len()
	if n > 0 {
		cf.Properties["meanProjectedDistance"] = total / float64(n)
	}
	fc.Append(cf)

	bound := target.Bound().Union(source.Bound())
	bf := geojson.NewFeature(bound.ToPolygon())
	bf.Properties["layer"] = "bounds"
	bf.Properties["fitness"] = r.Result.Fitness
	bf.Properties["inlierRmse"] = r.Result.InlierRMSE
	bf.Properties["runId"] = r.ID
	fc.Append(bf)

	return fc, nil
}
