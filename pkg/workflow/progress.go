package workflow

import (
	"github.com/powerdaemon/powerdaemon/pkg/types"
)

// Progress computes the percentage of steps that have finished, counting
// completed and skipped steps. A workflow with no steps reports zero.
func Progress(wf *types.Workflow) float64 {
	total, done := 0, 0
	for _, phase := range wf.Phases {
		for _, step := range phase.Steps {
			total++
			switch step.Status {
			case types.StepStatusCompleted, types.StepStatusSkipped:
				done++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

// Advance raises the workflow's progress to the freshly computed value.
// Progress never decreases while a workflow runs or rolls back, so values
// below the current one are dropped.
func Advance(wf *types.Workflow) {
	if p := Progress(wf); p > wf.ProgressPercent {
		wf.ProgressPercent = p
	}
}
