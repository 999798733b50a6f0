package domain

import (
	"sort"
	"sync"
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus represents the lifecycle state of a single step
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusRunning    StepStatus = "running"
	StepStatusSucceeded  StepStatus = "succeeded"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusRolledBack StepStatus = "rolled_back"
)

// Terminal reports whether the step has finished
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusSkipped, StepStatusRolledBack:
		return true
	}
	return false
}

// Reasons recorded on skipped steps
const (
	SkipReasonConditionNotMet = "condition not met"
	SkipReasonUpstreamFailure = "upstream failure"
	SkipReasonWorkflowAborted = "workflow aborted"
)

// TransactionState tracks the 2PC participant of a transactional step
type TransactionState string

const (
	TransactionPrepared  TransactionState = "prepared"
	TransactionCommitted TransactionState = "committed"
	TransactionAborted   TransactionState = "aborted"
)

// StepResult records the outcome of one step in one execution
type StepResult struct {
	StepID        string                 `json:"step_id"`
	Status        StepStatus             `json:"status"`
	Output        map[string]interface{} `json:"output,omitempty"`
	ErrorKind     StepErrorKind          `json:"error_kind,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	SkipReason    string                 `json:"skip_reason,omitempty"`
	Attempts      int                    `json:"attempts"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Transaction   TransactionState       `json:"transaction_state,omitempty"`
	Rollback      bool                   `json:"rollback,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	EndedAt       *time.Time             `json:"ended_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with r
func (r *StepResult) Clone() *StepResult {
	c := *r
	if r.Output != nil {
		c.Output = CloneMap(r.Output)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// Execution is a single run of a workflow definition. The scheduler is the
// only writer; readers take snapshots.
type Execution struct {
	ID              string                 `json:"execution_id"`
	WorkflowID      string                 `json:"workflow_id"`
	Mode            ExecutionMode          `json:"execution_mode"`
	Status          ExecutionStatus        `json:"status"`
	Input           map[string]interface{} `json:"input,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`
	Steps           map[string]*StepResult `json:"steps"`
	CompletionOrder []string               `json:"completion_order,omitempty"`
	Error           string                 `json:"error,omitempty"`
	RollbackErrors  []string               `json:"rollback_errors,omitempty"`
	RolledBack      bool                   `json:"rolled_back,omitempty"`

	mu sync.RWMutex
}

// NewExecution creates a pending execution with a pending result per step
func NewExecution(id string, def *WorkflowDefinition, input map[string]interface{}) *Execution {
	e := &Execution{
		ID:         id,
		WorkflowID: def.ID,
		Mode:       def.ExecutionMode,
		Status:     ExecutionStatusPending,
		Input:      input,
		Steps:      make(map[string]*StepResult, len(def.Steps)),
	}
	for _, s := range def.Steps {
		e.Steps[s.ID] = &StepResult{StepID: s.ID, Status: StepStatusPending}
	}
	return e
}

// Update runs fn with exclusive access to the execution
func (e *Execution) Update(fn func(e *Execution)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

// View runs fn with shared access to the execution
func (e *Execution) View(fn func(e *Execution)) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn(e)
}

// CurrentStatus returns the execution status
func (e *Execution) CurrentStatus() ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.Status
}

// StepStatus returns the status of a step, or pending when unknown
func (e *Execution) StepStatus(stepID string) StepStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.Steps[stepID]; ok {
		return r.Status
	}
	return StepStatusPending
}

// Snapshot returns a deep copy safe to hand to other goroutines
func (e *Execution) Snapshot() *Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c := &Execution{
		ID:              e.ID,
		WorkflowID:      e.WorkflowID,
		Mode:            e.Mode,
		Status:          e.Status,
		Input:           CloneMap(e.Input),
		Steps:           make(map[string]*StepResult, len(e.Steps)),
		CompletionOrder: append([]string(nil), e.CompletionOrder...),
		Error:           e.Error,
		RollbackErrors:  append([]string(nil), e.RollbackErrors...),
		RolledBack:      e.RolledBack,
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.EndedAt != nil {
		t := *e.EndedAt
		c.EndedAt = &t
	}
	for id, r := range e.Steps {
		c.Steps[id] = r.Clone()
	}
	return c
}

// StepResults returns the step results ordered by start time, then id.
// Steps that never started sort last.
func (e *Execution) StepResults() []*StepResult {
	snap := e.Snapshot()
	results := make([]*StepResult, 0, len(snap.Steps))
	for _, r := range snap.Steps {
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		switch {
		case a.StartedAt == nil && b.StartedAt == nil:
			return a.StepID < b.StepID
		case a.StartedAt == nil:
			return false
		case b.StartedAt == nil:
			return true
		case !a.StartedAt.Equal(*b.StartedAt):
			return a.StartedAt.Before(*b.StartedAt)
		}
		return a.StepID < b.StepID
	})
	return results
}

// CloneMap deep copies a JSON-like map
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
