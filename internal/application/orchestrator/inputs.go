package orchestrator

import (
	"github.com/aescanero/plugflow/internal/application/graph"
	"github.com/aescanero/plugflow/internal/domain"
)

// stepInputs builds the inputs of a step: the execution input overlaid with
// the outputs of its succeeded transitive dependencies, keyed by step id.
// Skipped or failed ancestors contribute nothing.
func stepInputs(g *graph.Graph, exec *domain.Execution, stepID string) map[string]interface{} {
	var inputs map[string]interface{}
	exec.View(func(e *domain.Execution) {
		inputs = domain.CloneMap(e.Input)
		if inputs == nil {
			inputs = make(map[string]interface{})
		}
		for _, id := range g.Ancestors(stepID) {
			r, ok := e.Steps[id]
			if !ok || (r.Status != domain.StepStatusSucceeded && r.Status != domain.StepStatusRolledBack) {
				continue
			}
			out := domain.CloneMap(r.Output)
			if out == nil {
				out = make(map[string]interface{})
			}
			inputs[id] = out
		}
	})
	return inputs
}
