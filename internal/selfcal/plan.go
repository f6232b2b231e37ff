package selfcal

import (
	"fmt"

	"github.com/banshee-data/selfcal/internal/calchain"
)

// PlanStep is one iteration of a planned run.
type PlanStep struct {
	Mode      calchain.Mode
	Iteration int
	Image     string
	Table     string
	Solint    string
	MinSNR    float64
	Combine   string
	Normalize bool
	Parents   []string // tables applied on the fly while solving
	Apply     []string // tables written to the corrected column, in order
	Snapshot  string
}

// RunPlan lists everything a run of the given loops would produce.
type RunPlan struct {
	Baseline string // empty when no loop saves one
	Steps    []PlanStep
	Output   string
}

// Plan works out the images, tables, apply lists and flag versions a run
// of loops would produce, without touching the dataset. A loop that needs
// a parent and has none is planned on top of the newest table before it,
// the way the driver chains loops.
func Plan(settings Settings, loops []Loop) (*RunPlan, error) {
	plan := &RunPlan{Output: settings.Output + OutputSuffix}
	seen := make(map[string]bool)
	var head *calchain.Solution

	for _, loop := range loops {
		if modes[loop.Mode].requiresParent && loop.Parent == nil {
			loop.Parent = head
		}
		spec, err := loop.validate()
		if err != nil {
			return nil, err
		}
		if spec.baseline && plan.Baseline == "" {
			plan.Baseline = calchain.BaselineSnapshot
		}
		combine := spec.defaultCombine
		if loop.Combine != nil {
			combine = *loop.Combine
		}
		var parents []*calchain.Solution
		if loop.Parent != nil {
			parents = []*calchain.Solution{loop.Parent}
		}

		for i, solint := range loop.Solints {
			name := calchain.TableName(loop.Mode, i)
			if seen[name] {
				return nil, fmt.Errorf("calibration table %q planned twice", name)
			}
			seen[name] = true
			sol := &calchain.Solution{
				Name:      name,
				Mode:      loop.Mode,
				Iteration: i,
				Solint:    solint,
				MinSNR:    loop.MinSNR,
				Combine:   combine,
				Normalize: spec.normalize,
				Parents:   parents,
			}
			plan.Steps = append(plan.Steps, PlanStep{
				Mode:      loop.Mode,
				Iteration: i,
				Image:     calchain.ImageName(settings.ImageName, loop.Mode, i),
				Table:     name,
				Solint:    solint,
				MinSNR:    loop.MinSNR,
				Combine:   combine,
				Normalize: spec.normalize,
				Parents:   sol.Lineage(),
				Apply:     sol.ApplyOrder(),
				Snapshot:  calchain.SnapshotName(loop.Mode, i),
			})
			head = sol
		}
	}
	return plan, nil
}
