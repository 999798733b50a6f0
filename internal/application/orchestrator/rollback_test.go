package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compensatedWorkflow() *domain.WorkflowDefinition {
	def := workflow("compensated", domain.ExecutionModeParallel,
		withRollback(step("a"), "undo-a"),
		withRollback(step("b"), "undo-b"),
		critical(step("c", "a", "b")),
	)
	def.RollbackSteps = []domain.StepDefinition{step("undo-a"), step("undo-b")}
	return def
}

func rollbackOrder(started []string) []string {
	var out []string
	for _, id := range started {
		if len(id) > 5 && id[:5] == "undo-" {
			out = append(out, id)
		}
	}
	return out
}

func TestRollback_ReverseCompletionOrder(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ok("a", "undo-b")
	h.handle("b", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		time.Sleep(40 * time.Millisecond)
		return map[string]interface{}{"id": "b-1"}, nil
	})
	h.handle("c", errorf("downstream failure"))

	var undoParams map[string]interface{}
	h.handle("undo-a", func(_ context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		undoParams = params
		return nil, nil
	})

	exec := h.run(compensatedWorkflow(), map[string]interface{}{"tenant": "acme"})

	require.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, []string{"a", "b", "c"}, exec.CompletionOrder)
	assert.Equal(t, []string{"undo-b", "undo-a"}, rollbackOrder(h.startOrder()))
	assert.Equal(t, domain.StepStatusRolledBack, exec.Steps["a"].Status)
	assert.Equal(t, domain.StepStatusRolledBack, exec.Steps["b"].Status)
	assert.Equal(t, domain.StepStatusFailed, exec.Steps["c"].Status)

	require.NotNil(t, undoParams)
	assert.Equal(t, "acme", undoParams["tenant"])
	assert.Equal(t, map[string]interface{}{"done": true}, undoParams["a"])
}

func TestRollback_FailureDoesNotStopRemainingCompensations(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ok("a", "undo-a")
	h.handle("b", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})
	h.handle("undo-b", errorf("compensation unavailable"))
	h.handle("c", errorf("downstream failure"))

	exec := h.run(compensatedWorkflow(), nil)

	require.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, []string{"undo-b", "undo-a"}, rollbackOrder(h.startOrder()))

	assert.Equal(t, domain.StepStatusSucceeded, exec.Steps["b"].Status)
	assert.Equal(t, domain.StepStatusFailed, exec.Steps["undo-b"].Status)
	assert.Equal(t, domain.StepStatusRolledBack, exec.Steps["a"].Status)

	require.Len(t, exec.RollbackErrors, 1)
	assert.Contains(t, exec.RollbackErrors[0], "rollback of step b via undo-b failed")
	assert.True(t, exec.RolledBack)
}

func TestRollback_StepsWithoutCompensationStaySucceeded(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ok("a", "b")
	h.handle("c", errorf("downstream failure"))

	exec := h.run(workflow("plain", domain.ExecutionModeParallel,
		step("a"), step("b"), critical(step("c", "a", "b")),
	), nil)

	assert.Equal(t, domain.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, domain.StepStatusSucceeded, exec.Steps["a"].Status)
	assert.Equal(t, domain.StepStatusSucceeded, exec.Steps["b"].Status)
	assert.True(t, exec.RolledBack)
}

func TestRollback_NoRetriesUnlessConfigured(t *testing.T) {
	for _, tc := range []struct {
		name     string
		retry    bool
		expected domain.StepStatus
	}{
		{name: "disabled", retry: false, expected: domain.StepStatusSucceeded},
		{name: "enabled", retry: true, expected: domain.StepStatusRolledBack},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{RetryRollbacks: tc.retry}, nil)
			h.handle("b", errorf("downstream failure"))

			var calls int32
			h.handle("a", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
				return nil, nil
			})
			h.handle("undo-a", func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
				if atomic.AddInt32(&calls, 1) == 1 {
					return nil, errors.New("transient")
				}
				return nil, nil
			})

			undo := step("undo-a")
			undo.MaxRetries = 2
			def := workflow("retry-"+tc.name, domain.ExecutionModeSequential,
				withRollback(step("a"), "undo-a"),
				critical(step("b", "a")),
			)
			def.RollbackSteps = []domain.StepDefinition{undo}

			exec := h.run(def, nil)

			assert.Equal(t, tc.expected, exec.Steps["a"].Status)
		})
	}
}
