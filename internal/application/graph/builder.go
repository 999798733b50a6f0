package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/heimdalr/dag"
)

// Graph is the validated DAG of one workflow definition. Edges point from a
// dependency to its dependents. A Graph is read-only after Build.
type Graph struct {
	def   *domain.WorkflowDefinition
	steps map[string]*domain.StepDefinition
	index map[string]int
	order []string
	dag   *dag.DAG
}

// Build validates def and produces its execution graph. It has no side
// effects; the definition is not modified.
func Build(def *domain.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, &domain.GraphError{Kind: domain.GraphErrorInvalidWorkflow, Message: "workflow definition is nil"}
	}
	if def.ID == "" {
		return nil, &domain.GraphError{Kind: domain.GraphErrorInvalidWorkflow, Message: "workflow ID is required"}
	}
	if !def.ExecutionMode.Valid() {
		return nil, &domain.GraphError{
			Kind:    domain.GraphErrorInvalidWorkflow,
			Message: fmt.Sprintf("invalid execution mode: %q", def.ExecutionMode),
		}
	}
	if len(def.Steps) == 0 {
		return nil, &domain.GraphError{Kind: domain.GraphErrorInvalidWorkflow, Message: "workflow must have at least one step"}
	}

	g := &Graph{
		def:   def,
		steps: make(map[string]*domain.StepDefinition, len(def.Steps)),
		index: make(map[string]int, len(def.Steps)),
		dag:   dag.NewDAG(),
	}

	rollbacks := make(map[string]bool, len(def.RollbackSteps))
	for i := range def.RollbackSteps {
		rs := &def.RollbackSteps[i]
		if err := validateStep(rs); err != nil {
			return nil, err
		}
		if rollbacks[rs.ID] {
			return nil, &domain.GraphError{Kind: domain.GraphErrorDuplicateStep, StepID: rs.ID}
		}
		if len(rs.Dependencies) > 0 || rs.RollbackStepID != "" {
			return nil, &domain.GraphError{
				Kind:    domain.GraphErrorInvalidStep,
				StepID:  rs.ID,
				Message: "rollback steps cannot declare dependencies or their own rollback",
			}
		}
		rollbacks[rs.ID] = true
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		if err := validateStep(s); err != nil {
			return nil, err
		}
		if _, dup := g.steps[s.ID]; dup || rollbacks[s.ID] {
			return nil, &domain.GraphError{Kind: domain.GraphErrorDuplicateStep, StepID: s.ID}
		}
		g.steps[s.ID] = s
		g.index[s.ID] = i

		if err := g.dag.AddVertexByID(s.ID, s.ID); err != nil {
			return nil, &domain.GraphError{
				Kind:    domain.GraphErrorInvalidStep,
				StepID:  s.ID,
				Message: fmt.Sprintf("failed to add step: %v", err),
			}
		}
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		for _, dep := range s.Dependencies {
			if _, ok := g.steps[dep]; !ok {
				return nil, &domain.GraphError{
					Kind:       domain.GraphErrorUnknownDependency,
					StepID:     s.ID,
					Dependency: dep,
				}
			}
		}
		if s.RollbackStepID != "" && !rollbacks[s.RollbackStepID] {
			return nil, &domain.GraphError{
				Kind:       domain.GraphErrorUnknownRollbackStep,
				StepID:     s.ID,
				Dependency: s.RollbackStepID,
			}
		}
	}

	// The DFS reports the cycle path; the DAG rejecting a loop edge is the
	// backstop
	if cycle := g.findCycle(); cycle != nil {
		return nil, &domain.GraphError{Kind: domain.GraphErrorCircularDependency, Cycle: cycle}
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		for _, dep := range uniq(s.Dependencies) {
			if err := g.dag.AddEdge(dep, s.ID); err != nil {
				var loop dag.EdgeLoopError
				if errors.As(err, &loop) {
					return nil, &domain.GraphError{Kind: domain.GraphErrorCircularDependency, Cycle: []string{dep, s.ID}}
				}
				return nil, &domain.GraphError{
					Kind:       domain.GraphErrorInvalidStep,
					StepID:     s.ID,
					Dependency: dep,
					Message:    fmt.Sprintf("failed to add dependency %s: %v", dep, err),
				}
			}
		}
	}

	g.order = g.topologicalOrder()
	return g, nil
}

// validateStep validates a single step
func validateStep(s *domain.StepDefinition) error {
	invalid := func(msg string) error {
		return &domain.GraphError{Kind: domain.GraphErrorInvalidStep, StepID: s.ID, Message: msg}
	}

	if s.ID == "" {
		return &domain.GraphError{Kind: domain.GraphErrorInvalidStep, Message: "step ID is required"}
	}
	if s.PluginID == "" {
		return invalid("plugin ID is required")
	}
	if s.Command == "" {
		return invalid("command is required")
	}
	if s.MaxRetries < 0 {
		return invalid("max retries must not be negative")
	}
	if s.Timeout < 0 || s.RetryDelay < 0 {
		return invalid("durations must not be negative")
	}
	if s.Condition != nil {
		if err := s.Condition.Validate(); err != nil {
			return invalid(err.Error())
		}
	}
	return nil
}

type color int

const (
	white color = iota
	gray
	black
)

// findCycle runs a depth-first traversal along dependency edges and returns
// the ids on the first back-edge it meets, in encounter order.
func (g *Graph) findCycle() []string {
	colors := make(map[string]color, len(g.steps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		stack = append(stack, id)

		for _, dep := range g.steps[id].Dependencies {
			switch colors[dep] {
			case gray:
				for i, s := range stack {
					if s == dep {
						cycle = append([]string(nil), stack[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
		return false
	}

	for i := range g.def.Steps {
		id := g.def.Steps[i].ID
		if colors[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// topologicalOrder is Kahn's algorithm where the ready step that appears
// first in the definition always goes next.
func (g *Graph) topologicalOrder() []string {
	indegree := make(map[string]int, len(g.steps))
	for id := range g.steps {
		parents, _ := g.dag.GetParents(id)
		indegree[id] = len(parents)
	}

	order := make([]string, 0, len(g.steps))
	placed := make(map[string]bool, len(g.steps))
	for len(order) < len(g.steps) {
		next := ""
		for i := range g.def.Steps {
			id := g.def.Steps[i].ID
			if !placed[id] && indegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			// unreachable for acyclic graphs
			break
		}
		placed[next] = true
		order = append(order, next)
		for _, d := range g.Dependents(next) {
			indegree[d]--
		}
	}
	return order
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Definition returns the definition the graph was built from
func (g *Graph) Definition() *domain.WorkflowDefinition {
	return g.def
}

// Order returns the stable topological order
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Len returns the number of schedulable steps
func (g *Graph) Len() int {
	return len(g.order)
}

// Step returns the step with the given id
func (g *Graph) Step(id string) (*domain.StepDefinition, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Dependencies returns the direct dependencies of a step
func (g *Graph) Dependencies(id string) []string {
	if s, ok := g.steps[id]; ok {
		return uniq(s.Dependencies)
	}
	return nil
}

// Dependents returns the steps that directly depend on id in definition
// order
func (g *Graph) Dependents(id string) []string {
	children, err := g.dag.GetChildren(id)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(children))
	for child := range children {
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool { return g.index[out[i]] < g.index[out[j]] })
	return out
}

// Ancestors returns every direct and transitive dependency of id in
// topological order
func (g *Graph) Ancestors(id string) []string {
	anc, err := g.dag.GetAncestors(id)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(anc))
	for _, s := range g.order {
		if _, ok := anc[s]; ok {
			out = append(out, s)
		}
	}
	return out
}
