package registration

import (
	"fmt"
	"math"
)

// RegistrationICP refines init into a transform aligning source onto target.
//
// The target index is built once and reused for every iteration. Each
// iteration estimates an increment from the current correspondences,
// left-multiplies it onto the cumulative transform and applies only the
// increment to a private working copy of source. The loop stops when both
// |Δfitness| < criteria.RelativeFitness and |Δrmse| < criteria.RelativeRMSE,
// or after criteria.MaxIterations iterations. Running out of iterations is
// not an error.
//
// The returned result carries the cumulative transform.
func RegistrationICP(source, target *PointCloud, maxDistance float64, init Transformation,
	estimation TransformationEstimation, criteria ICPConvergenceCriteria, opts ...Option,
) (RegistrationResult, error) {
	if err := validateInputs("RegistrationICP", source, target, init); err != nil {
		return RegistrationResult{}, err
	}
	if estimation == nil {
		return RegistrationResult{}, preconditionf("RegistrationICP", ErrInvalidArgument, "transformation estimation is required")
	}
	if criteria.MaxIterations < 0 {
		return RegistrationResult{}, preconditionf("RegistrationICP", ErrInvalidArgument, "max iterations %d is negative", criteria.MaxIterations)
	}
	o := applyOptions(opts)

	var nns *NearestNeighborSearch
	if maxDistance > 0 {
		nns = o.newSearch(target)
		if !nns.HybridIndex(maxDistance) {
			return RegistrationResult{}, fmt.Errorf("RegistrationICP: building index over %d target points: %w", target.Len(), ErrIndexNotInitialized)
		}
	}

	working := source.Clone()
	if err := working.ApplyTransform(init); err != nil {
		return RegistrationResult{}, err
	}
	current := init

	result, err := evaluate(working, target, nns, maxDistance, current)
	if err != nil {
		return RegistrationResult{}, err
	}

	for i := 0; i < criteria.MaxIterations; i++ {
		o.logf("ICP Iteration #%d: Fitness %.4f, RMSE %.4f", i, result.Fitness, result.InlierRMSE)

		update, err := estimation.ComputeTransformation(working, target, result.CorrespondenceSet)
		if err != nil {
			return RegistrationResult{}, fmt.Errorf("ICP iteration %d: computing transformation: %w", i, err)
		}
		current = update.Mul(current)
		if err := working.ApplyTransform(update); err != nil {
			return RegistrationResult{}, fmt.Errorf("ICP iteration %d: %w", i, err)
		}

		prevFitness, prevRMSE := result.Fitness, result.InlierRMSE
		result, err = evaluate(working, target, nns, maxDistance, current)
		if err != nil {
			return RegistrationResult{}, fmt.Errorf("ICP iteration %d: %w", i, err)
		}
		result.Iterations = i + 1

		if math.Abs(prevFitness-result.Fitness) < criteria.RelativeFitness &&
			math.Abs(prevRMSE-result.InlierRMSE) < criteria.RelativeRMSE {
			result.Converged = true
			break
		}
	}

	return result, nil
}
