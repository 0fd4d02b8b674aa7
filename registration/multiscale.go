package registration

import "fmt"

// defaultNormalNeighbors is the neighbourhood size used when a stage needs
// target normals that the caller did not supply.
const defaultNormalNeighbors = 30

// MultiScaleICP runs RegistrationICP once per stage, coarse to fine, each
// stage starting from the previous stage's transform. Stages with a positive
// VoxelSize work on voxel-downsampled copies of both clouds. The returned
// result is evaluated on the full clouds with the last stage's distance and
// counts the iterations of all stages.
func MultiScaleICP(source, target *PointCloud, stages []ICPStage, init Transformation,
	estimation TransformationEstimation, opts ...Option,
) (RegistrationResult, error) {
	if err := validateInputs("MultiScaleICP", source, target, init); err != nil {
		return RegistrationResult{}, err
	}
	if len(stages) == 0 {
		return RegistrationResult{}, preconditionf("MultiScaleICP", ErrInvalidArgument, "at least one stage is required")
	}
	o := applyOptions(opts)

	current := init
	total := 0
	converged := false
	for i, stage := range stages {
		src, tgt := source, target
		if stage.VoxelSize > 0 {
			var err error
			if src, err = source.VoxelDownSample(stage.VoxelSize); err != nil {
				return RegistrationResult{}, fmt.Errorf("stage %d: downsampling source: %w", i, err)
			}
			if tgt, err = target.VoxelDownSample(stage.VoxelSize); err != nil {
				return RegistrationResult{}, fmt.Errorf("stage %d: downsampling target: %w", i, err)
			}
		}
		if requiresTargetNormals(estimation) && !tgt.HasNormals() {
			if tgt == target {
				tgt = target.Clone()
			}
			if err := tgt.EstimateNormals(defaultNormalNeighbors); err != nil {
				return RegistrationResult{}, fmt.Errorf("stage %d: %w", i, err)
			}
		}

		res, err := RegistrationICP(src, tgt, stage.MaxCorrespondenceDistance, current, estimation, stage.Criteria, opts...)
		if err != nil {
			return RegistrationResult{}, fmt.Errorf("stage %d: %w", i, err)
		}
		o.logf("ICP stage %d (voxel %.4g, distance %.4g, %d/%d points): fitness %.4f, RMSE %.4f after %d iterations",
			i, stage.VoxelSize, stage.MaxCorrespondenceDistance, src.Len(), tgt.Len(), res.Fitness, res.InlierRMSE, res.Iterations)

		current = res.Transformation
		total += res.Iterations
		converged = res.Converged
	}

	last := stages[len(stages)-1]
	final, err := EvaluateRegistration(source, target, last.MaxCorrespondenceDistance, current, opts...)
	if err != nil {
		return RegistrationResult{}, err
	}
	final.Iterations = total
	final.Converged = converged
	return final, nil
}
