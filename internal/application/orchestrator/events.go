package orchestrator

import (
	"context"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/internal/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// publisher emits execution events; a nil bus makes it a no-op
type publisher struct {
	bus    ports.EventBus
	logger *zap.Logger
}

func (p publisher) publish(eventType domain.EventType, workflowID, executionID, stepID string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}

	event := domain.Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		StepID:      stepID,
		Timestamp:   time.Now(),
		Data:        data,
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.bus.Publish(ctx, domain.TopicExecutionEvents, event); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("event_type", string(eventType)),
			zap.String("execution_id", executionID),
			zap.String("step_id", stepID),
			zap.Error(err))
	}
}

func (p publisher) step(exec *domain.Execution, r *domain.StepResult) {
	data := map[string]interface{}{
		"status":   string(r.Status),
		"attempts": r.Attempts,
	}
	if r.ErrorMessage != "" {
		data["error"] = r.ErrorMessage
		data["error_kind"] = string(r.ErrorKind)
	}
	if r.SkipReason != "" {
		data["skip_reason"] = r.SkipReason
	}
	p.publish(domain.StepEventType(r.Status), exec.WorkflowID, exec.ID, r.StepID, data)
}
