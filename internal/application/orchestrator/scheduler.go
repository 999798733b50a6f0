package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/plugflow/internal/application/executor"
	"github.com/aescanero/plugflow/internal/application/graph"
	"github.com/aescanero/plugflow/internal/application/tracker"
	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/internal/ports"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Scheduler drives one execution of a workflow graph to a terminal status.
// Each call to Run owns its execution; a Scheduler may run many executions
// concurrently.
type Scheduler struct {
	executor *executor.Executor
	rollback *RollbackCoordinator
	txm      ports.TransactionManager
	tracker  *tracker.Tracker
	store    ports.ExecutionStore
	events   publisher
	metrics  ports.MetricsCollector
	logger   *zap.Logger
}

// NewScheduler creates a scheduler. The tracker is required; the remaining
// collaborators in deps are optional.
func NewScheduler(ex *executor.Executor, rollback *RollbackCoordinator, deps Dependencies, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		executor: ex,
		rollback: rollback,
		txm:      deps.Transactions,
		tracker:  deps.Tracker,
		store:    deps.Store,
		events:   publisher{bus: deps.Events, logger: logger},
		metrics:  deps.Metrics,
		logger:   logger,
	}
}

type completion struct {
	stepID string
	result *domain.StepResult
}

// Run executes exec according to the graph and returns once exec is
// terminal. Cancelling ctx cancels the execution.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph, exec *domain.Execution) {
	def := g.Definition()
	logger := s.logger.With(
		zap.String("execution_id", exec.ID),
		zap.String("workflow_id", def.ID),
		zap.String("execution_mode", string(def.ExecutionMode)))

	started := time.Now()
	exec.Update(func(e *domain.Execution) {
		if e.Status == domain.ExecutionStatusPending {
			e.Status = domain.ExecutionStatusRunning
		}
		e.StartedAt = &started
	})
	if exec.CurrentStatus() == domain.ExecutionStatusRunning {
		s.tracker.SetStatus(exec.ID, domain.ExecutionStatusRunning)
	}
	s.events.publish(domain.EventTypeExecutionStarted, def.ID, exec.ID, "", map[string]interface{}{
		"execution_mode": string(def.ExecutionMode),
	})
	logger.Info("execution started", zap.Int("steps", g.Len()))

	done := make(chan completion, g.Len())
	running := 0
	halted := ""

	for {
		if ctx.Err() == nil && halted == "" {
			running += s.dispatch(ctx, g, exec, running, done, logger)
		}
		if running == 0 {
			break
		}

		c := <-done
		running--
		if s.complete(ctx, g, exec, c) && halted == "" {
			halted = c.stepID
			s.halt(exec, c.stepID, logger)
		}
	}

	s.finish(ctx, g, exec, halted, started, logger)
}

// dispatch starts every ready step and returns how many were started. In
// sequential mode at most one step runs at a time.
func (s *Scheduler) dispatch(ctx context.Context, g *graph.Graph, exec *domain.Execution, running int, done chan<- completion, logger *zap.Logger) int {
	mode := g.Definition().ExecutionMode
	started := 0

	for _, id := range g.Order() {
		id := id
		if mode == domain.ExecutionModeSequential && running+started > 0 {
			break
		}
		if exec.StepStatus(id) != domain.StepStatusPending {
			continue
		}

		ready, blocked := readiness(g, exec, id)
		if blocked {
			s.skip(exec, id, domain.SkipReasonUpstreamFailure, logger)
			continue
		}
		if !ready {
			continue
		}

		step, _ := g.Step(id)
		inputs := stepInputs(g, exec, id)

		if mode == domain.ExecutionModeConditional && step.Condition != nil {
			ok, err := step.Condition.Evaluate(inputs)
			if err != nil {
				s.markRunning(exec, id)
				started++
				res := conditionFailure(id, err)
				s.tracker.Report(exec.ID, id, res.Status, 1)
				go func() { done <- completion{stepID: id, result: res} }()
				continue
			}
			if !ok {
				s.skip(exec, id, domain.SkipReasonConditionNotMet, logger)
				continue
			}
		}

		s.markRunning(exec, id)
		started++
		go func() {
			done <- completion{
				stepID: id,
				result: s.executor.Run(ctx, step, inputs, executor.RunOptions{ExecutionID: exec.ID}),
			}
		}()
	}
	return started
}

// readiness reports whether all dependencies of a step are satisfied, or
// whether one of them failed so the step can never run. A dependency skipped
// because its condition was false counts as satisfied.
func readiness(g *graph.Graph, exec *domain.Execution, stepID string) (ready, blocked bool) {
	ready = true
	exec.View(func(e *domain.Execution) {
		for _, dep := range g.Dependencies(stepID) {
			r := e.Steps[dep]
			switch {
			case r == nil:
				ready = false
			case r.Status == domain.StepStatusSucceeded:
			case r.Status == domain.StepStatusSkipped && r.SkipReason == domain.SkipReasonConditionNotMet:
			case r.Status.Terminal():
				blocked = true
				return
			default:
				ready = false
			}
		}
	})
	if blocked {
		ready = false
	}
	return ready, blocked
}

func conditionFailure(stepID string, err error) *domain.StepResult {
	now := time.Now()
	return &domain.StepResult{
		StepID:       stepID,
		Status:       domain.StepStatusFailed,
		ErrorKind:    domain.StepErrorInvocationFailed,
		ErrorMessage: fmt.Sprintf("failed to evaluate condition: %v", err),
		StartedAt:    &now,
		EndedAt:      &now,
	}
}

func (s *Scheduler) markRunning(exec *domain.Execution, stepID string) {
	now := time.Now()
	exec.Update(func(e *domain.Execution) {
		r := e.Steps[stepID]
		r.Status = domain.StepStatusRunning
		r.StartedAt = &now
	})
	s.events.publish(domain.EventTypeStepStarted, exec.WorkflowID, exec.ID, stepID, nil)
}

func (s *Scheduler) skip(exec *domain.Execution, stepID, reason string, logger *zap.Logger) {
	now := time.Now()
	var snapshot *domain.StepResult
	exec.Update(func(e *domain.Execution) {
		r := e.Steps[stepID]
		r.Status = domain.StepStatusSkipped
		r.SkipReason = reason
		r.EndedAt = &now
		snapshot = r.Clone()
	})

	logger.Info("step skipped", zap.String("step_id", stepID), zap.String("reason", reason))
	s.tracker.Report(exec.ID, stepID, domain.StepStatusSkipped, 0)
	s.events.step(exec, snapshot)
}

// complete records a finished step and reports whether it is a critical
// failure that must halt the execution
func (s *Scheduler) complete(ctx context.Context, g *graph.Graph, exec *domain.Execution, c completion) bool {
	res := c.result
	exec.Update(func(e *domain.Execution) {
		e.Steps[c.stepID] = res
		e.CompletionOrder = append(e.CompletionOrder, c.stepID)
	})
	s.events.step(exec, res.Clone())
	s.save(exec)

	if res.Status != domain.StepStatusFailed || ctx.Err() != nil || res.ErrorKind == domain.StepErrorCancelled {
		return false
	}
	step, _ := g.Step(c.stepID)
	return step.Critical
}

// halt marks the execution failed; no further step is dispatched
func (s *Scheduler) halt(exec *domain.Execution, stepID string, logger *zap.Logger) {
	failed := false
	exec.Update(func(e *domain.Execution) {
		if e.Status.Terminal() {
			return
		}
		e.Status = domain.ExecutionStatusFailed
		e.Error = fmt.Errorf("%w: critical step %s failed", domain.ErrWorkflowAborted, stepID).Error()
		failed = true
	})
	if !failed {
		return
	}

	logger.Error("critical step failed, halting execution", zap.String("step_id", stepID))
	s.tracker.SetStatus(exec.ID, domain.ExecutionStatusFailed)
}

func (s *Scheduler) finish(ctx context.Context, g *graph.Graph, exec *domain.Execution, halted string, started time.Time, logger *zap.Logger) {
	status := exec.CurrentStatus()

	switch {
	case halted != "" && status == domain.ExecutionStatusFailed:
		s.abortPending(exec, logger)
		if err := s.rollback.Rollback(context.WithoutCancel(ctx), g, exec); err != nil {
			logger.Error("rollback completed with errors", zap.Error(err))
		}

	case status == domain.ExecutionStatusCancelled || ctx.Err() != nil:
		reason := "execution cancelled"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "execution timed out"
		}
		exec.Update(func(e *domain.Execution) {
			e.Status = domain.ExecutionStatusCancelled
			if e.Error == "" {
				e.Error = reason
			}
		})
		if err := s.rollback.AbortTransactions(context.WithoutCancel(ctx), exec); err != nil {
			logger.Error("failed to abort in-flight transactions", zap.Error(err))
		}

	default:
		err := s.commit(context.WithoutCancel(ctx), exec)
		exec.Update(func(e *domain.Execution) {
			if e.Status.Terminal() {
				return
			}
			e.Status = domain.ExecutionStatusCompleted
			if err != nil {
				e.Error = err.Error()
			}
		})
		if err != nil {
			logger.Error("failed to commit transactions", zap.Error(err))
		}
	}

	ended := time.Now()
	var final domain.ExecutionStatus
	var message string
	exec.Update(func(e *domain.Execution) {
		e.EndedAt = &ended
		final = e.Status
		message = e.Error
	})

	s.tracker.SetStatus(exec.ID, final)
	s.save(exec)

	data := map[string]interface{}{"duration_ms": ended.Sub(started).Milliseconds()}
	if message != "" {
		data["error"] = message
	}
	s.events.publish(domain.ExecutionEventType(final), exec.WorkflowID, exec.ID, "", data)
	if s.metrics != nil {
		s.metrics.RecordExecutionFinished(string(final), ended.Sub(started))
	}

	logger.Info("execution finished",
		zap.String("status", string(final)),
		zap.Duration("duration", ended.Sub(started)))
}

// abortPending skips every step that never started
func (s *Scheduler) abortPending(exec *domain.Execution, logger *zap.Logger) {
	var pending []string
	exec.View(func(e *domain.Execution) {
		for id, r := range e.Steps {
			if r.Status == domain.StepStatusPending {
				pending = append(pending, id)
			}
		}
	})
	sort.Strings(pending)

	for _, id := range pending {
		s.skip(exec, id, domain.SkipReasonWorkflowAborted, logger)
	}
}

// commit commits the prepared transactions of a completed execution
func (s *Scheduler) commit(ctx context.Context, exec *domain.Execution) error {
	if s.txm == nil {
		return nil
	}

	var errs error
	for _, p := range preparedTransactions(exec) {
		if err := s.txm.Commit(ctx, p.txID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to commit transaction %s of step %s: %w", p.txID, p.stepID, err))
			continue
		}
		exec.Update(func(e *domain.Execution) {
			e.Steps[p.stepID].Transaction = domain.TransactionCommitted
		})
	}
	return errs
}

type preparedTx struct {
	stepID string
	txID   string
}

// preparedTransactions lists transactions that were prepared and not yet
// committed or aborted, ordered by step id
func preparedTransactions(exec *domain.Execution) []preparedTx {
	var out []preparedTx
	exec.View(func(e *domain.Execution) {
		for id, r := range e.Steps {
			if r.TransactionID != "" && r.Transaction == domain.TransactionPrepared {
				out = append(out, preparedTx{stepID: id, txID: r.TransactionID})
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].stepID < out[j].stepID })
	return out
}

func (s *Scheduler) save(exec *domain.Execution) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveExecution(context.Background(), exec.Snapshot()); err != nil {
		s.logger.Error("failed to save execution",
			zap.String("execution_id", exec.ID),
			zap.Error(err))
	}
}
