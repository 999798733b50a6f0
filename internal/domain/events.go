package domain

import "time"

// EventType identifies execution lifecycle events
type EventType string

const (
	EventTypeWorkflowRegistered EventType = "workflow.registered"
	EventTypeExecutionStarted   EventType = "execution.started"
	EventTypeExecutionCompleted EventType = "execution.completed"
	EventTypeExecutionFailed    EventType = "execution.failed"
	EventTypeExecutionCancelled EventType = "execution.cancelled"
	EventTypeStepStarted        EventType = "step.started"
	EventTypeStepSucceeded      EventType = "step.succeeded"
	EventTypeStepFailed         EventType = "step.failed"
	EventTypeStepSkipped        EventType = "step.skipped"
	EventTypeStepRolledBack     EventType = "step.rolled_back"
	EventTypeRollbackStarted    EventType = "rollback.started"
	EventTypeRollbackCompleted  EventType = "rollback.completed"
)

// TopicExecutionEvents is the event bus topic for execution events
const TopicExecutionEvents = "execution.events"

// Event is published on the event bus for every state transition
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	StepID      string                 `json:"step_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// StepEventType maps a terminal step status to its event type
func StepEventType(status StepStatus) EventType {
	switch status {
	case StepStatusRunning:
		return EventTypeStepStarted
	case StepStatusSucceeded:
		return EventTypeStepSucceeded
	case StepStatusFailed:
		return EventTypeStepFailed
	case StepStatusSkipped:
		return EventTypeStepSkipped
	case StepStatusRolledBack:
		return EventTypeStepRolledBack
	}
	return EventType("step." + string(status))
}

// ExecutionEventType maps an execution status to its event type
func ExecutionEventType(status ExecutionStatus) EventType {
	switch status {
	case ExecutionStatusCompleted:
		return EventTypeExecutionCompleted
	case ExecutionStatusFailed:
		return EventTypeExecutionFailed
	case ExecutionStatusCancelled:
		return EventTypeExecutionCancelled
	}
	return EventTypeExecutionStarted
}
