package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDefinition  = errors.New("invalid workflow definition")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrCircularDependency = errors.New("circular dependency")
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrWorkflowConflict   = errors.New("workflow already registered with different content")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrExecutionTerminal  = errors.New("execution already in terminal state")
	ErrWorkflowAborted    = errors.New("workflow aborted")
	ErrRollbackStepFailed = errors.New("rollback step failed")
	ErrRollbackIncomplete = errors.New("rollback incomplete")
	ErrStepTimeout        = errors.New("step timeout")
)

// GraphErrorKind classifies definition validation failures
type GraphErrorKind string

const (
	GraphErrorUnknownDependency   GraphErrorKind = "UnknownDependency"
	GraphErrorCircularDependency  GraphErrorKind = "CircularDependency"
	GraphErrorDuplicateStep       GraphErrorKind = "DuplicateStep"
	GraphErrorUnknownRollbackStep GraphErrorKind = "UnknownRollbackStep"
	GraphErrorInvalidStep         GraphErrorKind = "InvalidStep"
	GraphErrorInvalidWorkflow     GraphErrorKind = "InvalidWorkflow"
)

// GraphError is returned when a workflow definition cannot be turned into
// an execution graph
type GraphError struct {
	Kind       GraphErrorKind
	StepID     string
	Dependency string
	Cycle      []string
	Message    string
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case GraphErrorUnknownDependency:
		return fmt.Sprintf("step %s depends on unknown step %s", e.StepID, e.Dependency)
	case GraphErrorCircularDependency:
		path := e.Cycle
		if len(path) > 0 {
			path = append(append([]string(nil), path...), path[0])
		}
		return fmt.Sprintf("circular dependency: %s", strings.Join(path, " -> "))
	case GraphErrorDuplicateStep:
		return fmt.Sprintf("duplicate step id: %s", e.StepID)
	case GraphErrorUnknownRollbackStep:
		return fmt.Sprintf("step %s references unknown rollback step %s", e.StepID, e.Dependency)
	}
	if e.StepID != "" {
		return fmt.Sprintf("invalid step %s: %s", e.StepID, e.Message)
	}
	return e.Message
}

// Is lets errors.Is match the sentinel for each kind
func (e *GraphError) Is(target error) bool {
	switch target {
	case ErrInvalidDefinition:
		return true
	case ErrUnknownDependency:
		return e.Kind == GraphErrorUnknownDependency
	case ErrCircularDependency:
		return e.Kind == GraphErrorCircularDependency
	}
	return false
}

// StepErrorKind classifies step-level failures recorded on a StepResult
type StepErrorKind string

const (
	StepErrorTimeout          StepErrorKind = "step_timeout"
	StepErrorInvocationFailed StepErrorKind = "step_invocation_failed"
	StepErrorRetriesExhausted StepErrorKind = "retries_exhausted"
	StepErrorCancelled        StepErrorKind = "cancelled"
)

// RollbackError reports a compensating step that did not succeed
type RollbackError struct {
	StepID         string
	RollbackStepID string
	Err            error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of step %s via %s failed: %v", e.StepID, e.RollbackStepID, e.Err)
}

func (e *RollbackError) Unwrap() []error {
	return []error{ErrRollbackStepFailed, e.Err}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) || errors.Is(err, ErrExecutionNotFound)
}

func IsInvalidDefinition(err error) bool {
	return errors.Is(err, ErrInvalidDefinition)
}

// NonRetryableError marks a failure that retrying cannot fix
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps err so the step executor gives up immediately
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err was flagged as non-retryable
func IsNonRetryable(err error) bool {
	var nr *NonRetryableError
	return errors.As(err, &nr)
}
