package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/plugflow/internal/application/executor"
	"github.com/aescanero/plugflow/internal/application/graph"
	"github.com/aescanero/plugflow/internal/application/tracker"
	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/internal/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrShuttingDown is returned for new executions once Shutdown has begun
	ErrShuttingDown = errors.New("orchestrator is shutting down")

	// ErrRollbackNotAllowed is returned when an execution cannot be rolled back
	ErrRollbackNotAllowed = errors.New("rollback not allowed")
)

// Config holds orchestrator configuration
type Config struct {
	Executor executor.Config

	// RetryRollbacks lets compensating steps retry per their MaxRetries
	RetryRollbacks bool

	// ExecutionTimeout bounds a whole execution; zero means no limit
	ExecutionTimeout time.Duration
}

// Dependencies are the collaborators of the orchestrator. Only Invoker is
// required.
type Dependencies struct {
	Invoker      ports.PluginInvoker
	Transactions ports.TransactionManager
	Store        ports.Store
	Events       ports.EventBus
	Metrics      ports.MetricsCollector
	Tracker      *tracker.Tracker
}

// Manager is the entry point for registering workflows and driving their
// executions
type Manager struct {
	registry  *Registry
	scheduler *Scheduler
	rollback  *RollbackCoordinator
	tracker   *tracker.Tracker
	store     ports.ExecutionStore
	events    publisher
	metrics   ports.MetricsCollector
	logger    *zap.Logger
	cfg       Config

	// Track executions
	executions sync.Map // map[string]*executionContext
	wg         sync.WaitGroup

	mu         sync.RWMutex
	closed     bool
	rollbackMu sync.Mutex
}

// executionContext holds state for a single execution
type executionContext struct {
	exec       *domain.Execution
	graph      *graph.Graph
	cancelFunc context.CancelFunc
	done       chan struct{}
}

// NewManager creates a new orchestrator manager
func NewManager(cfg Config, deps Dependencies, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tracker == nil {
		deps.Tracker = tracker.New(tracker.Config{}, logger.Named("tracker"))
	}

	opts := []executor.Option{executor.WithReporter(deps.Tracker)}
	if deps.Transactions != nil {
		opts = append(opts, executor.WithTransactionManager(deps.Transactions))
	}
	if deps.Metrics != nil {
		opts = append(opts, executor.WithMetrics(deps.Metrics))
	}
	ex := executor.New(deps.Invoker, cfg.Executor, logger.Named("executor"), opts...)
	rollback := NewRollbackCoordinator(ex, deps, cfg.RetryRollbacks, logger.Named("rollback"))

	return &Manager{
		registry:  NewRegistry(deps.Store, logger.Named("registry")),
		scheduler: NewScheduler(ex, rollback, deps, logger.Named("scheduler")),
		rollback:  rollback,
		tracker:   deps.Tracker,
		store:     deps.Store,
		events:    publisher{bus: deps.Events, logger: logger},
		metrics:   deps.Metrics,
		logger:    logger,
		cfg:       cfg,
	}
}

// Tracker returns the execution state tracker
func (m *Manager) Tracker() *tracker.Tracker {
	return m.tracker
}

// RegisterWorkflow validates and registers a workflow definition
func (m *Manager) RegisterWorkflow(ctx context.Context, def *domain.WorkflowDefinition) error {
	created, err := m.registry.Register(ctx, def)
	if err != nil {
		m.logger.Warn("workflow registration rejected",
			zap.String("workflow_id", workflowID(def)),
			zap.Error(err))
		return err
	}
	if !created {
		return nil
	}

	if m.metrics != nil {
		m.metrics.RecordWorkflowRegistered()
	}
	m.events.publish(domain.EventTypeWorkflowRegistered, def.ID, "", "", map[string]interface{}{
		"name":           def.Name,
		"execution_mode": string(def.ExecutionMode),
		"steps":          len(def.Steps),
	})
	return nil
}

// GetWorkflow returns a registered workflow definition
func (m *Manager) GetWorkflow(ctx context.Context, workflowID string) (*domain.WorkflowDefinition, error) {
	return m.registry.Get(ctx, workflowID)
}

// ListWorkflows returns all registered workflow definitions
func (m *Manager) ListWorkflows(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	return m.registry.List(ctx)
}

// ExecuteWorkflow starts a new execution of a registered workflow and returns
// its id. The execution runs in the background; ctx only bounds the setup.
func (m *Manager) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]interface{}) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", ErrShuttingDown
	}

	def, err := m.registry.Get(ctx, workflowID)
	if err != nil {
		return "", err
	}
	g, err := graph.Build(def)
	if err != nil {
		return "", fmt.Errorf("failed to build graph: %w", err)
	}

	executionID := uuid.New().String()
	exec := domain.NewExecution(executionID, def, domain.CloneMap(input))

	if m.store != nil {
		if err := m.store.SaveExecution(ctx, exec.Snapshot()); err != nil {
			m.logger.Error("failed to save initial execution",
				zap.String("execution_id", executionID),
				zap.Error(err))
			return "", fmt.Errorf("failed to save execution: %w", err)
		}
	}
	m.tracker.Begin(executionID, def.ID, g.Order())

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if m.cfg.ExecutionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), m.cfg.ExecutionTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	ec := &executionContext{
		exec:       exec,
		graph:      g,
		cancelFunc: cancel,
		done:       make(chan struct{}),
	}
	m.executions.Store(executionID, ec)

	if m.metrics != nil {
		m.metrics.RecordExecutionStarted(string(def.ExecutionMode))
		m.metrics.SetActiveExecutions(m.tracker.Active())
	}
	m.logger.Info("execution submitted",
		zap.String("execution_id", executionID),
		zap.String("workflow_id", def.ID))

	m.wg.Add(1)
	go m.run(runCtx, ec)

	return executionID, nil
}

func (m *Manager) run(ctx context.Context, ec *executionContext) {
	defer m.wg.Done()
	defer ec.cancelFunc()

	m.scheduler.Run(ctx, ec.graph, ec.exec)
	close(ec.done)

	if m.metrics != nil {
		m.metrics.SetActiveExecutions(m.tracker.Active())
	}
	// Finished executions are served from the store when there is one
	if m.store != nil {
		m.executions.Delete(ec.exec.ID)
	}
}

// GetExecutionStatus returns a snapshot of an execution
func (m *Manager) GetExecutionStatus(ctx context.Context, executionID string) (*domain.Execution, error) {
	if ec, ok := m.lookup(executionID); ok {
		return ec.exec.Snapshot(), nil
	}
	return m.load(ctx, executionID)
}

// GetProgress returns the tracker view of an execution
func (m *Manager) GetProgress(executionID string) (tracker.Snapshot, error) {
	return m.tracker.Query(executionID)
}

// GetStepResults returns the step results of an execution ordered by start
// time
func (m *Manager) GetStepResults(ctx context.Context, executionID string) ([]*domain.StepResult, error) {
	if ec, ok := m.lookup(executionID); ok {
		return ec.exec.StepResults(), nil
	}
	exec, err := m.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec.StepResults(), nil
}

// CancelExecution cancels a pending or running execution. Running steps are
// signalled, steps not yet started stay pending and nothing is compensated.
func (m *Manager) CancelExecution(ctx context.Context, executionID string) error {
	ec, ok := m.lookup(executionID)
	if !ok {
		exec, err := m.load(ctx, executionID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", domain.ErrExecutionTerminal, exec.Status)
	}

	var status domain.ExecutionStatus
	cancelled := false
	ec.exec.Update(func(e *domain.Execution) {
		status = e.Status
		if e.Status.Terminal() {
			return
		}
		e.Status = domain.ExecutionStatusCancelled
		e.Error = "execution cancelled"
		cancelled = true
	})
	if !cancelled {
		return fmt.Errorf("%w: %s", domain.ErrExecutionTerminal, status)
	}

	ec.cancelFunc()
	m.tracker.SetStatus(executionID, domain.ExecutionStatusCancelled)
	m.logger.Info("execution cancelled", zap.String("execution_id", executionID))
	return nil
}

// RollbackExecution compensates a cancelled or failed execution that has not
// been rolled back yet. It waits for in-flight steps to finish first.
func (m *Manager) RollbackExecution(ctx context.Context, executionID string) error {
	m.rollbackMu.Lock()
	defer m.rollbackMu.Unlock()

	var exec *domain.Execution
	if ec, ok := m.lookup(executionID); ok {
		select {
		case <-ec.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		exec = ec.exec
	} else {
		loaded, err := m.load(ctx, executionID)
		if err != nil {
			return err
		}
		exec = loaded
	}

	var (
		status     domain.ExecutionStatus
		rolledBack bool
	)
	exec.View(func(e *domain.Execution) {
		status = e.Status
		rolledBack = e.RolledBack
	})
	if status != domain.ExecutionStatusCancelled && status != domain.ExecutionStatusFailed {
		return fmt.Errorf("%w: execution is %s", ErrRollbackNotAllowed, status)
	}
	if rolledBack {
		return fmt.Errorf("%w: execution already rolled back", ErrRollbackNotAllowed)
	}

	def, err := m.registry.Get(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	g, err := graph.Build(def)
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	m.logger.Info("rollback requested", zap.String("execution_id", executionID))
	// The pass marks the execution rolled back, so it must not be cut short
	// by the caller going away.
	rbCtx := context.WithoutCancel(ctx)
	rbErr := m.rollback.Rollback(rbCtx, g, exec)

	if m.store != nil {
		if err := m.store.SaveExecution(rbCtx, exec.Snapshot()); err != nil {
			m.logger.Error("failed to save execution after rollback",
				zap.String("execution_id", executionID),
				zap.Error(err))
		}
	}
	return rbErr
}

// Wait blocks until the execution is terminal and returns its final snapshot
func (m *Manager) Wait(ctx context.Context, executionID string) (*domain.Execution, error) {
	ec, ok := m.lookup(executionID)
	if !ok {
		return m.load(ctx, executionID)
	}

	select {
	case <-ec.done:
		return ec.exec.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accepting reports whether new executions are accepted
func (m *Manager) Accepting() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}

// Shutdown gracefully shuts down the manager. New executions are refused,
// running executions are cancelled and awaited until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator manager")

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	// Cancel all active executions
	m.executions.Range(func(key, value interface{}) bool {
		ec := value.(*executionContext)
		if !ec.exec.CurrentStatus().Terminal() {
			if err := m.CancelExecution(ctx, key.(string)); err != nil && !errors.Is(err, domain.ErrExecutionTerminal) {
				m.logger.Warn("failed to cancel execution",
					zap.String("execution_id", key.(string)),
					zap.Error(err))
			}
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("orchestrator manager shut down complete")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain executions: %w", ctx.Err())
	}
}

func (m *Manager) lookup(executionID string) (*executionContext, bool) {
	val, ok := m.executions.Load(executionID)
	if !ok {
		return nil, false
	}
	return val.(*executionContext), true
}

func (m *Manager) load(ctx context.Context, executionID string) (*domain.Execution, error) {
	if m.store == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
	}
	exec, err := m.store.LoadExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, domain.ErrExecutionNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return exec, nil
}

func workflowID(def *domain.WorkflowDefinition) string {
	if def == nil {
		return ""
	}
	return def.ID
}
