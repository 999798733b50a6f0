package graph

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id string, deps ...string) domain.StepDefinition {
	return domain.StepDefinition{ID: id, PluginID: "p", Command: "run", Dependencies: deps}
}

func workflow(steps ...domain.StepDefinition) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID:            "wf",
		Name:          "test",
		ExecutionMode: domain.ExecutionModeParallel,
		Steps:         steps,
	}
}

func TestBuild_TopologicalOrderContainsEveryStepOnce(t *testing.T) {
	def := workflow(
		step("save", "validate"),
		step("load"),
		step("validate", "load"),
		step("audit"),
		step("notify", "save", "audit"),
	)

	g, err := Build(def)
	require.NoError(t, err)

	order := g.Order()
	assert.Len(t, order, len(def.Steps))

	pos := make(map[string]int)
	for i, id := range order {
		_, dup := pos[id]
		assert.False(t, dup, "step %s appears twice", id)
		pos[id] = i
	}
	for _, s := range def.Steps {
		for _, dep := range s.Dependencies {
			assert.Less(t, pos[dep], pos[s.ID], "%s must come after %s", s.ID, dep)
		}
	}
}

func TestBuild_TiesBrokenByDefinitionOrder(t *testing.T) {
	g, err := Build(workflow(step("c"), step("a"), step("b"), step("d", "a")))
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b", "d"}, g.Order())
}

func TestBuild_Linear(t *testing.T) {
	g, err := Build(workflow(step("load"), step("validate", "load"), step("save", "validate")))
	require.NoError(t, err)
	assert.Equal(t, []string{"load", "validate", "save"}, g.Order())
	assert.Equal(t, []string{"load", "validate"}, g.Ancestors("save"))
	assert.Equal(t, []string{"validate"}, g.Dependencies("save"))
	assert.Equal(t, []string{"save"}, g.Dependents("validate"))
	assert.Empty(t, g.Ancestors("load"))
	assert.Nil(t, g.Ancestors("missing"))
	assert.Nil(t, g.Dependents("missing"))
}

func TestBuild_DiamondEdges(t *testing.T) {
	g, err := Build(workflow(
		step("root"),
		step("right", "root"),
		step("left", "root", "root"),
		step("join", "left", "right"),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"root", "right", "left", "join"}, g.Order())
	assert.Equal(t, []string{"right", "left"}, g.Dependents("root"))
	assert.Equal(t, []string{"root"}, g.Dependencies("left"))
	assert.Equal(t, []string{"root", "right", "left"}, g.Ancestors("join"))
	assert.Empty(t, g.Dependents("join"))
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build(workflow(step("a"), step("b", "ghost")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownDependency))
	assert.True(t, errors.Is(err, domain.ErrInvalidDefinition))

	var gerr *domain.GraphError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "b", gerr.StepID)
	assert.Equal(t, "ghost", gerr.Dependency)
}

func TestBuild_CircularDependency(t *testing.T) {
	tests := []struct {
		name  string
		def   *domain.WorkflowDefinition
		cycle []string
	}{
		{
			name:  "self",
			def:   workflow(step("a", "a")),
			cycle: []string{"a"},
		},
		{
			name:  "two steps",
			def:   workflow(step("a", "b"), step("b", "a")),
			cycle: []string{"a", "b"},
		},
		{
			name:  "three steps behind a root",
			def:   workflow(step("root"), step("x", "root", "z"), step("y", "x"), step("z", "y")),
			cycle: []string{"x", "z", "y"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(tt.def)
			assert.Nil(t, g)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrCircularDependency))

			var gerr *domain.GraphError
			require.True(t, errors.As(err, &gerr))
			assert.Equal(t, tt.cycle, gerr.Cycle)
		})
	}
}

func TestBuild_StructuralValidation(t *testing.T) {
	valid := step("a")

	tests := []struct {
		name string
		def  *domain.WorkflowDefinition
		kind domain.GraphErrorKind
	}{
		{"nil", nil, domain.GraphErrorInvalidWorkflow},
		{"no id", &domain.WorkflowDefinition{ExecutionMode: domain.ExecutionModeSequential, Steps: []domain.StepDefinition{valid}}, domain.GraphErrorInvalidWorkflow},
		{"bad mode", &domain.WorkflowDefinition{ID: "wf", ExecutionMode: "random", Steps: []domain.StepDefinition{valid}}, domain.GraphErrorInvalidWorkflow},
		{"no steps", workflow(), domain.GraphErrorInvalidWorkflow},
		{"duplicate", workflow(step("a"), step("a")), domain.GraphErrorDuplicateStep},
		{"missing plugin", workflow(domain.StepDefinition{ID: "a", Command: "run"}), domain.GraphErrorInvalidStep},
		{"missing command", workflow(domain.StepDefinition{ID: "a", PluginID: "p"}), domain.GraphErrorInvalidStep},
		{"negative retries", workflow(domain.StepDefinition{ID: "a", PluginID: "p", Command: "run", MaxRetries: -1}), domain.GraphErrorInvalidStep},
		{"bad condition", workflow(domain.StepDefinition{ID: "a", PluginID: "p", Command: "run", Condition: &domain.Condition{Path: "x", Op: "maybe"}}), domain.GraphErrorInvalidStep},
		{"unknown rollback", workflow(domain.StepDefinition{ID: "a", PluginID: "p", Command: "run", RollbackStepID: "undo"}), domain.GraphErrorUnknownRollbackStep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.def)
			require.Error(t, err)
			var gerr *domain.GraphError
			require.True(t, errors.As(err, &gerr), "got %v", err)
			assert.Equal(t, tt.kind, gerr.Kind)
		})
	}
}

func TestBuild_RollbackSteps(t *testing.T) {
	def := workflow(domain.StepDefinition{ID: "load", PluginID: "p", Command: "run", RollbackStepID: "unload"})
	def.RollbackSteps = []domain.StepDefinition{{ID: "unload", PluginID: "p", Command: "undo"}}

	g, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"load"}, g.Order())
	_, scheduled := g.Step("unload")
	assert.False(t, scheduled, "rollback steps are not graph nodes")

	def.RollbackSteps = append(def.RollbackSteps, domain.StepDefinition{ID: "load", PluginID: "p", Command: "undo"})
	_, err = Build(def)
	var gerr *domain.GraphError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, domain.GraphErrorDuplicateStep, gerr.Kind)
}

func TestBuild_DoesNotMutateDefinition(t *testing.T) {
	def := workflow(step("b", "a"), step("a"))
	before := fmt.Sprintf("%+v", def.Steps)

	_, err := Build(def)
	require.NoError(t, err)
	assert.Equal(t, before, fmt.Sprintf("%+v", def.Steps))
}

func TestBuild_WideFanOut(t *testing.T) {
	steps := []domain.StepDefinition{step("root")}
	for i := 0; i < 50; i++ {
		steps = append(steps, step(fmt.Sprintf("leaf-%02d", i), "root"))
	}
	steps = append(steps, step("join", func() []string {
		var ids []string
		for _, s := range steps[1:] {
			ids = append(ids, s.ID)
		}
		return ids
	}()...))

	g, err := Build(workflow(steps...))
	require.NoError(t, err)
	assert.Equal(t, 52, g.Len())
	assert.Equal(t, "root", g.Order()[0])
	assert.Equal(t, "join", g.Order()[51])
	assert.Len(t, g.Ancestors("join"), 51)
}
