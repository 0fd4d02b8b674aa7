package registration

// CorrespondenceSet pairs source and target point indices. The two slices
// always have the same length; no correspondence is the empty set.
type CorrespondenceSet struct {
	SourceIndices []int `json:"sourceIndices"`
	TargetIndices []int `json:"targetIndices"`
}

// Len returns the number of matched pairs.
func (c CorrespondenceSet) Len() int { return len(c.SourceIndices) }

// RegistrationResult scores one transformation hypothesis.
type RegistrationResult struct {
	Transformation    Transformation    `json:"transformation"`
	CorrespondenceSet CorrespondenceSet `json:"correspondenceSet"`
	Fitness           float64           `json:"fitness"`    // Matched fraction of source points, [0,1]
	InlierRMSE        float64           `json:"inlierRmse"` // RMS distance over matches, 0 without matches
	Iterations        int               `json:"iterations"` // ICP iterations run, 0 for one-shot evaluation
	Converged         bool              `json:"converged"`  // Stopped on the fitness/RMSE thresholds
}

func newRegistrationResult(t Transformation) RegistrationResult {
	return RegistrationResult{
		Transformation:    t,
		CorrespondenceSet: CorrespondenceSet{SourceIndices: []int{}, TargetIndices: []int{}},
	}
}

// ICPConvergenceCriteria bounds the ICP loop.
//
// RelativeFitness and RelativeRMSE are compared against absolute changes
// between consecutive iterations, not ratios.
type ICPConvergenceCriteria struct {
	MaxIterations   int     `yaml:"maxIterations" json:"maxIterations"`
	RelativeFitness float64 `yaml:"relativeFitness" json:"relativeFitness"`
	RelativeRMSE    float64 `yaml:"relativeRmse" json:"relativeRmse"`
}

// DefaultICPConvergenceCriteria returns 30 iterations and 1e-6 thresholds.
func DefaultICPConvergenceCriteria() ICPConvergenceCriteria {
	return ICPConvergenceCriteria{
		MaxIterations:   30,
		RelativeFitness: 1e-6,
		RelativeRMSE:    1e-6,
	}
}

// ICPStage is one level of a coarse-to-fine schedule.
type ICPStage struct {
	VoxelSize                 float64                `yaml:"voxelSize" json:"voxelSize"` // 0 disables downsampling
	MaxCorrespondenceDistance float64                `yaml:"maxCorrespondenceDistance" json:"maxCorrespondenceDistance"`
	Criteria                  ICPConvergenceCriteria `yaml:"criteria" json:"criteria"`
}

// DefaultICPStages returns a three level schedule scaled by base, the finest
// correspondence distance.
func DefaultICPStages(base float64) []ICPStage {
	return []ICPStage{
		{VoxelSize: base, MaxCorrespondenceDistance: base * 4, Criteria: ICPConvergenceCriteria{MaxIterations: 50, RelativeFitness: 1e-4, RelativeRMSE: 1e-4}},
		{VoxelSize: base / 2, MaxCorrespondenceDistance: base * 2, Criteria: ICPConvergenceCriteria{MaxIterations: 30, RelativeFitness: 1e-5, RelativeRMSE: 1e-5}},
		{VoxelSize: 0, MaxCorrespondenceDistance: base, Criteria: ICPConvergenceCriteria{MaxIterations: 14, RelativeFitness: 1e-6, RelativeRMSE: 1e-6}},
	}
}
