package memory

import (
	"context"
	"testing"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStorage_Definitions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	def := &domain.WorkflowDefinition{
		ID:            "wf-b",
		ExecutionMode: domain.ExecutionModeSequential,
		Steps: []domain.StepDefinition{
			{ID: "a", PluginID: "p", Command: "c", Parameters: map[string]interface{}{"k": "v"}},
		},
	}
	require.NoError(t, s.SaveDefinition(ctx, def))
	require.NoError(t, s.SaveDefinition(ctx, &domain.WorkflowDefinition{ID: "wf-a"}))

	def.Steps[0].Parameters["k"] = "mutated"

	got, err := s.LoadDefinition(ctx, "wf-b")
	require.NoError(t, err)
	assert.Equal(t, "v", got.Steps[0].Parameters["k"])

	list, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wf-a", list[0].ID)
	assert.Equal(t, "wf-b", list[1].ID)

	_, err = s.LoadDefinition(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)

	assert.Error(t, s.SaveDefinition(ctx, &domain.WorkflowDefinition{}))
}

func TestInMemoryStorage_Executions(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStorage()

	def := &domain.WorkflowDefinition{
		ID:            "wf",
		ExecutionMode: domain.ExecutionModeParallel,
		Steps:         []domain.StepDefinition{{ID: "a", PluginID: "p", Command: "c"}},
	}
	exec := domain.NewExecution("exec-1", def, map[string]interface{}{"x": 1})
	require.NoError(t, s.SaveExecution(ctx, exec))

	exec.Update(func(e *domain.Execution) {
		e.Status = domain.ExecutionStatusRunning
	})

	got, err := s.LoadExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusPending, got.Status)
	assert.Equal(t, domain.StepStatusPending, got.Steps["a"].Status)

	_, err = s.LoadExecution(ctx, "exec-2")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}
