package domain

// AllSplits selects every outer split of a nested cross-validation.
const AllSplits = -1

// NoGPU leaves the device selector unset.
const NoGPU = -1

// RunDescriptor is the caller's selection for one orchestration request.
type RunDescriptor struct {
	Variant   Variant
	Operation Operation

	Seed        int
	Split       int
	OuterSplits int
	Iterations  int
	GPU         int

	ModelID                  string
	ClassificationTestTSV    string
	ClassificationThreshold  float64
	HasClassificationOptions bool
}

// WithSplit returns a copy of d pinned to one outer split.
func (d RunDescriptor) WithSplit(split int) RunDescriptor {
	d.Split = split
	return d
}

// Splits expands AllSplits into the concrete split indices.
func (d RunDescriptor) Splits() []int {
	if d.Split != AllSplits {
		return []int{d.Split}
	}
	out := make([]int, 0, d.OuterSplits)
	for i := 0; i < d.OuterSplits; i++ {
		out = append(out, i)
	}
	return out
}
