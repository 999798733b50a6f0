package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/pkg/adapters/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_RegisterIsIdempotentForIdenticalContent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	def := workflow("wf", domain.ExecutionModeSequential, step("a"), step("b", "a"))
	require.NoError(t, h.manager.RegisterWorkflow(ctx, def))
	require.NoError(t, h.manager.RegisterWorkflow(ctx, workflow("wf", domain.ExecutionModeSequential, step("a"), step("b", "a"))))

	err := h.manager.RegisterWorkflow(ctx, workflow("wf", domain.ExecutionModeParallel, step("a")))
	assert.ErrorIs(t, err, domain.ErrWorkflowConflict)

	registered := 0
	for _, e := range h.bus.events {
		if e.Type == domain.EventTypeWorkflowRegistered {
			registered++
		}
	}
	assert.Equal(t, 1, registered)
}

func TestManager_RegisterRejectsInvalidDefinitions(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	err := h.manager.RegisterWorkflow(ctx, workflow("unknown", domain.ExecutionModeSequential, step("a", "ghost")))
	assert.ErrorIs(t, err, domain.ErrUnknownDependency)

	var gerr *domain.GraphError
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, "a", gerr.StepID)
	assert.Equal(t, "ghost", gerr.Dependency)

	err = h.manager.RegisterWorkflow(ctx, workflow("cycle", domain.ExecutionModeParallel, step("a", "b"), step("b", "a")))
	assert.ErrorIs(t, err, domain.ErrCircularDependency)

	_, err = h.manager.GetWorkflow(ctx, "cycle")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestManager_GetAndListWorkflows(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.manager.RegisterWorkflow(ctx, workflow("b", domain.ExecutionModeSequential, step("x"))))
	original := workflow("a", domain.ExecutionModeParallel, step("y"))
	require.NoError(t, h.manager.RegisterWorkflow(ctx, original))
	original.Steps[0].Command = "mutated"

	got, err := h.manager.GetWorkflow(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "y", got.Steps[0].Command)

	got.Name = "changed by caller"
	again, err := h.manager.GetWorkflow(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Name)

	list, err := h.manager.ListWorkflows(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestManager_ExecuteUnknownWorkflow(t *testing.T) {
	h := newHarness(t, Config{}, nil)

	_, err := h.manager.ExecuteWorkflow(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

func TestManager_UnknownExecution(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	_, err := h.manager.GetExecutionStatus(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
	_, err = h.manager.GetStepResults(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
	assert.ErrorIs(t, h.manager.CancelExecution(ctx, "missing"), domain.ErrExecutionNotFound)
	assert.ErrorIs(t, h.manager.RollbackExecution(ctx, "missing"), domain.ErrExecutionNotFound)
	_, err = h.manager.GetProgress("missing")
	assert.ErrorIs(t, err, domain.ErrExecutionNotFound)
}

func cancellableWorkflow(h *harness) (*domain.WorkflowDefinition, chan struct{}) {
	started := make(chan struct{})
	h.ok("load", "unload", "after")
	h.handle("slow", func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := workflow("cancellable", domain.ExecutionModeSequential,
		withRollback(step("load"), "unload"),
		critical(step("slow", "load")),
		step("after", "slow"),
	)
	def.RollbackSteps = []domain.StepDefinition{step("unload")}
	return def, started
}

func TestManager_CancelLeavesPendingStepsAndDoesNotRollBack(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	def, started := cancellableWorkflow(h)

	require.NoError(t, h.manager.RegisterWorkflow(ctx, def))
	id, err := h.manager.ExecuteWorkflow(ctx, def.ID, nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("slow step never started")
	}

	snap, err := h.manager.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"slow"}, snap.CurrentSteps)

	require.NoError(t, h.manager.CancelExecution(ctx, id))
	exec := h.wait(id)

	assert.Equal(t, domain.ExecutionStatusCancelled, exec.Status)
	assert.Equal(t, domain.StepStatusSucceeded, exec.Steps["load"].Status)
	assert.Equal(t, domain.StepStatusFailed, exec.Steps["slow"].Status)
	assert.Equal(t, domain.StepErrorCancelled, exec.Steps["slow"].ErrorKind)
	assert.Equal(t, domain.StepStatusPending, exec.Steps["after"].Status)
	assert.False(t, exec.RolledBack)
	assert.NotContains(t, h.startOrder(), "unload")

	assert.ErrorIs(t, h.manager.CancelExecution(ctx, id), domain.ErrExecutionTerminal)
	assert.Equal(t, domain.EventTypeExecutionCancelled, h.bus.types(id)[len(h.bus.types(id))-1])

	require.NoError(t, h.manager.RollbackExecution(ctx, id))

	exec, err = h.manager.GetExecutionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, exec.Status)
	assert.Equal(t, domain.StepStatusRolledBack, exec.Steps["load"].Status)
	assert.Contains(t, h.startOrder(), "unload")

	assert.ErrorIs(t, h.manager.RollbackExecution(ctx, id), ErrRollbackNotAllowed)
}

func TestManager_RollbackReportsCompensationFailures(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	started := make(chan struct{})
	h.ok("load")
	h.handle("unload", errorf("cannot unload"))
	h.handle("slow", func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	def := workflow("unrecoverable", domain.ExecutionModeSequential,
		withRollback(step("load"), "unload"),
		step("slow", "load"),
	)
	def.RollbackSteps = []domain.StepDefinition{step("unload")}

	require.NoError(t, h.manager.RegisterWorkflow(ctx, def))
	id, err := h.manager.ExecuteWorkflow(ctx, def.ID, nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, h.manager.CancelExecution(ctx, id))

	err = h.manager.RollbackExecution(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRollbackIncomplete)
	assert.ErrorIs(t, err, domain.ErrRollbackStepFailed)

	var rerr *domain.RollbackError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "load", rerr.StepID)
	assert.Equal(t, "unload", rerr.RollbackStepID)

	results, err := h.manager.GetStepResults(ctx, id)
	require.NoError(t, err)
	byID := make(map[string]*domain.StepResult)
	for _, r := range results {
		byID[r.StepID] = r
	}
	assert.Equal(t, domain.StepStatusSucceeded, byID["load"].Status)
	assert.Equal(t, domain.StepStatusFailed, byID["unload"].Status)
	assert.Equal(t, "load", results[0].StepID)
}

func TestManager_RollbackOfCompletedExecutionIsRejected(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ok("a")

	exec := h.run(workflow("done", domain.ExecutionModeSequential, step("a")), nil)

	err := h.manager.RollbackExecution(context.Background(), exec.ID)
	assert.ErrorIs(t, err, ErrRollbackNotAllowed)
	assert.ErrorIs(t, h.manager.CancelExecution(context.Background(), exec.ID), domain.ErrExecutionTerminal)
}

func TestManager_StoreBackedHistory(t *testing.T) {
	store := memory.NewInMemoryStorage()
	h := newHarness(t, Config{}, store)
	h.ok("a", "b")

	exec := h.run(workflow("persisted", domain.ExecutionModeParallel, step("a"), step("b", "a")), nil)
	require.Equal(t, domain.ExecutionStatusCompleted, exec.Status)

	require.Eventually(t, func() bool {
		_, live := h.manager.lookup(exec.ID)
		return !live
	}, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	stored, err := h.manager.GetExecutionStatus(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCompleted, stored.Status)
	assert.Equal(t, domain.StepStatusSucceeded, stored.Steps["b"].Status)

	waited, err := h.manager.Wait(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, waited.ID)

	def, err := store.LoadDefinition(ctx, "persisted")
	require.NoError(t, err)
	assert.Len(t, def.Steps, 2)

	other := newHarness(t, Config{}, store)
	got, err := other.manager.GetWorkflow(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.ID)
}

func TestManager_ShutdownCancelsAndRefusesWork(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()
	def, started := cancellableWorkflow(h)

	require.NoError(t, h.manager.RegisterWorkflow(ctx, def))
	id, err := h.manager.ExecuteWorkflow(ctx, def.ID, nil)
	require.NoError(t, err)
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.manager.Shutdown(shutdownCtx))

	exec, err := h.manager.GetExecutionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStatusCancelled, exec.Status)

	_, err = h.manager.ExecuteWorkflow(ctx, def.ID, nil)
	assert.True(t, errors.Is(err, ErrShuttingDown))
}

func TestManager_RollbackOutlivesCallerDeadline(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx := context.Background()

	started := make(chan struct{})
	h.ok("load")
	h.handle("unload", func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			return map[string]interface{}{"unloaded": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	h.handle("slow", func(ctx context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	def := workflow("slow-compensation", domain.ExecutionModeSequential,
		withRollback(step("load"), "unload"),
		step("slow", "load"),
	)
	def.RollbackSteps = []domain.StepDefinition{step("unload")}

	require.NoError(t, h.manager.RegisterWorkflow(ctx, def))
	id, err := h.manager.ExecuteWorkflow(ctx, def.ID, nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, h.manager.CancelExecution(ctx, id))
	h.wait(id)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.NoError(t, h.manager.RollbackExecution(shortCtx, id))

	exec, err := h.manager.GetExecutionStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, exec.RolledBack)
	assert.Equal(t, domain.StepStatusRolledBack, exec.Steps["load"].Status)
	assert.Equal(t, domain.StepStatusSucceeded, exec.Steps["unload"].Status)
	assert.Empty(t, exec.RollbackErrors)
}
