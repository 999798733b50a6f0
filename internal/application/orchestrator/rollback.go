package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/aescanero/plugflow/internal/application/executor"
	"github.com/aescanero/plugflow/internal/application/graph"
	"github.com/aescanero/plugflow/internal/application/tracker"
	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/internal/ports"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Rollback outcomes reported to the metrics collector
const (
	RollbackOutcomeSuccess = "success"
	RollbackOutcomePartial = "partial"
)

// RollbackCoordinator compensates the succeeded steps of an execution in
// reverse completion order. Rollback is best effort: every compensation is
// attempted and failures are returned together.
type RollbackCoordinator struct {
	executor *executor.Executor
	txm      ports.TransactionManager
	tracker  *tracker.Tracker
	events   publisher
	metrics  ports.MetricsCollector
	logger   *zap.Logger

	// retry lets compensating steps use their own MaxRetries
	retry bool
}

// NewRollbackCoordinator creates a rollback coordinator
func NewRollbackCoordinator(ex *executor.Executor, deps Dependencies, retry bool, logger *zap.Logger) *RollbackCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RollbackCoordinator{
		executor: ex,
		txm:      deps.Transactions,
		tracker:  deps.Tracker,
		events:   publisher{bus: deps.Events, logger: logger},
		metrics:  deps.Metrics,
		logger:   logger,
		retry:    retry,
	}
}

// Rollback aborts in-flight transactions, then runs the compensating step of
// every succeeded step, most recently completed first. A compensated step
// becomes rolled_back; the execution status is left untouched.
func (c *RollbackCoordinator) Rollback(ctx context.Context, g *graph.Graph, exec *domain.Execution) error {
	def := g.Definition()
	logger := c.logger.With(
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", def.ID))

	c.events.publish(domain.EventTypeRollbackStarted, exec.WorkflowID, exec.ID, "", nil)
	logger.Info("rollback started")

	errs := c.AbortTransactions(ctx, exec)

	var order []string
	exec.View(func(e *domain.Execution) {
		for i := len(e.CompletionOrder) - 1; i >= 0; i-- {
			id := e.CompletionOrder[i]
			if r, ok := e.Steps[id]; ok && r.Status == domain.StepStatusSucceeded {
				order = append(order, id)
			}
		}
	})

	compensated := 0
	for _, id := range order {
		step, ok := g.Step(id)
		if !ok || step.RollbackStepID == "" {
			continue
		}
		rs, ok := def.RollbackStep(step.RollbackStepID)
		if !ok {
			continue
		}

		inputs := stepInputs(g, exec, id)
		exec.View(func(e *domain.Execution) {
			out := domain.CloneMap(e.Steps[id].Output)
			if out == nil {
				out = make(map[string]interface{})
			}
			inputs[id] = out
		})

		res := c.executor.Run(ctx, rs, inputs, executor.RunOptions{
			ExecutionID:    exec.ID,
			DisableRetries: !c.retry,
		})
		res.Rollback = true

		if res.Status == domain.StepStatusSucceeded {
			exec.Update(func(e *domain.Execution) {
				e.Steps[rs.ID] = res
				e.Steps[id].Status = domain.StepStatusRolledBack
			})
			compensated++
			c.tracker.Report(exec.ID, id, domain.StepStatusRolledBack, 0)
			c.events.publish(domain.EventTypeStepRolledBack, exec.WorkflowID, exec.ID, id, map[string]interface{}{
				"rollback_step_id": rs.ID,
			})
			logger.Info("step rolled back",
				zap.String("step_id", id),
				zap.String("rollback_step_id", rs.ID))
			continue
		}

		rerr := &domain.RollbackError{StepID: id, RollbackStepID: rs.ID, Err: errors.New(res.ErrorMessage)}
		errs = multierr.Append(errs, rerr)
		exec.Update(func(e *domain.Execution) {
			e.Steps[rs.ID] = res
			e.RollbackErrors = append(e.RollbackErrors, rerr.Error())
		})
		logger.Error("rollback step failed",
			zap.String("step_id", id),
			zap.String("rollback_step_id", rs.ID),
			zap.String("error_kind", string(res.ErrorKind)),
			zap.String("error", res.ErrorMessage))
	}

	exec.Update(func(e *domain.Execution) {
		e.RolledBack = true
	})

	outcome := RollbackOutcomeSuccess
	if errs != nil {
		outcome = RollbackOutcomePartial
	}
	if c.metrics != nil {
		c.metrics.RecordRollback(outcome)
	}

	data := map[string]interface{}{
		"outcome":     outcome,
		"compensated": compensated,
		"errors":      len(multierr.Errors(errs)),
	}
	c.events.publish(domain.EventTypeRollbackCompleted, exec.WorkflowID, exec.ID, "", data)
	logger.Info("rollback completed",
		zap.String("outcome", outcome),
		zap.Int("compensated", compensated))

	if errs != nil {
		return fmt.Errorf("%w: %w", domain.ErrRollbackIncomplete, errs)
	}
	return nil
}

// AbortTransactions aborts every prepared transaction of the execution
func (c *RollbackCoordinator) AbortTransactions(ctx context.Context, exec *domain.Execution) error {
	if c.txm == nil {
		return nil
	}

	var errs error
	for _, p := range preparedTransactions(exec) {
		if err := c.txm.Abort(ctx, p.txID); err != nil {
			err = fmt.Errorf("failed to abort transaction %s of step %s: %w", p.txID, p.stepID, err)
			errs = multierr.Append(errs, err)
			exec.Update(func(e *domain.Execution) {
				e.RollbackErrors = append(e.RollbackErrors, err.Error())
			})
			continue
		}
		exec.Update(func(e *domain.Execution) {
			e.Steps[p.stepID].Transaction = domain.TransactionAborted
		})
		c.logger.Info("transaction aborted",
			zap.String("execution_id", exec.ID),
			zap.String("step_id", p.stepID),
			zap.String("transaction_id", p.txID))
	}
	return errs
}
