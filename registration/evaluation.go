package registration

import (
	"fmt"
	"math"
)

// validateInputs checks device, dtype and shape before any work starts.
func validateInputs(op string, source, target *PointCloud, transform Transformation) error {
	if source == nil || target == nil {
		return preconditionf(op, ErrInvalidArgument, "source and target point clouds are required")
	}
	if source.Dtype() != target.Dtype() {
		return preconditionf(op, ErrDtypeMismatch, "target point cloud is %s, source point cloud is %s", target.Dtype(), source.Dtype())
	}
	if target.Device() != source.Device() {
		return preconditionf(op, ErrDeviceMismatch, "target point cloud device %s != source point cloud device %s", target.Device(), source.Device())
	}
	if !transform.Is4x4() {
		r, c := transform.Dims()
		return preconditionf(op, ErrShapeMismatch, "transformation is %dx%d, want 4x4", r, c)
	}
	if transform.Dtype() != source.Dtype() {
		return preconditionf(op, ErrDtypeMismatch, "transformation is %s, point clouds are %s", transform.Dtype(), source.Dtype())
	}
	return nil
}

// Evaluate scores the already transformed source against target using a
// prebuilt index. transform is recorded in the result but not applied.
//
// A non-positive maxDistance yields an empty result without querying the
// index. Otherwise nns must have been built over target with a radius of at
// least maxDistance, or ErrIndexNotInitialized is returned.
func Evaluate(source, target *PointCloud, nns *NearestNeighborSearch, maxDistance float64, transform Transformation) (RegistrationResult, error) {
	if err := validateInputs("Evaluate", source, target, transform); err != nil {
		return RegistrationResult{}, err
	}
	return evaluate(source, target, nns, maxDistance, transform)
}

func evaluate(source, target *PointCloud, nns *NearestNeighborSearch, maxDistance float64, transform Transformation) (RegistrationResult, error) {
	result := newRegistrationResult(transform)
	if maxDistance <= 0 {
		return result, nil
	}
	if nns == nil {
		return RegistrationResult{}, ErrIndexNotInitialized
	}

	srcIdx, tgtIdx, sqDists, err := nns.Hybrid1NNSearch(source.Positions(), maxDistance)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("evaluating correspondences: %w", err)
	}

	n := len(srcIdx)
	if n == 0 || source.Len() == 0 {
		return result, nil
	}

	squaredError := 0.0
	for _, d := range sqDists {
		squaredError += d
	}
	result.CorrespondenceSet = CorrespondenceSet{SourceIndices: srcIdx, TargetIndices: tgtIdx}
	result.Fitness = float64(n) / float64(source.Len())
	result.InlierRMSE = math.Sqrt(squaredError / float64(n))
	return result, nil
}

// EvaluateRegistration scores transform as an alignment of source onto
// target without refining it. The caller's source cloud is not modified.
func EvaluateRegistration(source, target *PointCloud, maxDistance float64, transform Transformation, opts ...Option) (RegistrationResult, error) {
	if err := validateInputs("EvaluateRegistration", source, target, transform); err != nil {
		return RegistrationResult{}, err
	}
	o := applyOptions(opts)

	var nns *NearestNeighborSearch
	if maxDistance > 0 {
		nns = o.newSearch(target)
		if !nns.HybridIndex(maxDistance) {
			return RegistrationResult{}, fmt.Errorf("EvaluateRegistration: building index over %d target points: %w", target.Len(), ErrIndexNotInitialized)
		}
	}

	working := source.Clone()
	if err := working.ApplyTransform(transform); err != nil {
		return RegistrationResult{}, err
	}
	return evaluate(working, target, nns, maxDistance, transform)
}
