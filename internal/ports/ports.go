package ports

import (
	"context"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
)

// PluginInvoker is the boundary to the plugin lifecycle subsystem. Invoke
// must honour ctx cancellation on a best-effort basis.
type PluginInvoker interface {
	Invoke(ctx context.Context, pluginID, command string, params map[string]interface{}) (map[string]interface{}, error)
}

// TransactionManager is an external two-phase-commit coordinator
type TransactionManager interface {
	Begin(ctx context.Context) (string, error)
	Prepare(ctx context.Context, txID string) error
	Commit(ctx context.Context, txID string) error
	Abort(ctx context.Context, txID string) error
}

// DefinitionStore persists workflow definitions keyed by id
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
	LoadDefinition(ctx context.Context, workflowID string) (*domain.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*domain.WorkflowDefinition, error)
}

// ExecutionStore persists execution history keyed by execution id
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *domain.Execution) error
	LoadExecution(ctx context.Context, executionID string) (*domain.Execution, error)
}

// Store combines both persistence ports
type Store interface {
	DefinitionStore
	ExecutionStore
}

// EventHandler handles events delivered by an EventBus
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes execution events to external monitors
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// ProgressReporter receives fire-and-forget progress updates. Implementations
// must not block the caller.
type ProgressReporter interface {
	Report(executionID, stepID string, status domain.StepStatus, progressDelta float64)
}

// MetricsCollector records orchestration metrics
type MetricsCollector interface {
	RecordWorkflowRegistered()
	RecordExecutionStarted(mode string)
	RecordExecutionFinished(status string, duration time.Duration)
	RecordStepFinished(status string, duration time.Duration)
	RecordStepRetry()
	RecordRollback(outcome string)
	SetActiveExecutions(count int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}
