package domain

import "time"

// ExecutionMode selects the scheduling semantics of a workflow
type ExecutionMode string

const (
	ExecutionModeSequential  ExecutionMode = "sequential"
	ExecutionModeParallel    ExecutionMode = "parallel"
	ExecutionModeConditional ExecutionMode = "conditional"
)

// Valid reports whether the mode is one of the known modes
func (m ExecutionMode) Valid() bool {
	switch m {
	case ExecutionModeSequential, ExecutionModeParallel, ExecutionModeConditional:
		return true
	}
	return false
}

// DefaultBackoffMultiplier is applied to the retry delay between attempts
// when a step does not set its own multiplier.
const DefaultBackoffMultiplier = 2.0

// WorkflowDefinition describes a reusable multi-step plugin workflow.
// Definitions are never mutated after registration.
type WorkflowDefinition struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description,omitempty"`
	ExecutionMode ExecutionMode    `json:"execution_mode"`
	Steps         []StepDefinition `json:"steps"`

	// RollbackSteps holds compensating steps referenced by RollbackStepID.
	// They only run during rollback.
	RollbackSteps []StepDefinition `json:"rollback_steps,omitempty"`
}

// StepDefinition describes one plugin command invocation
type StepDefinition struct {
	ID                string                 `json:"id"`
	PluginID          string                 `json:"plugin_id"`
	Command           string                 `json:"command"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	Dependencies      []string               `json:"dependencies,omitempty"`
	Timeout           Duration               `json:"timeout,omitempty"`
	MaxRetries        int                    `json:"max_retries,omitempty"`
	RetryDelay        Duration               `json:"retry_delay,omitempty"`
	BackoffMultiplier float64                `json:"backoff_multiplier,omitempty"`
	Critical          bool                   `json:"critical,omitempty"`
	Condition         *Condition             `json:"condition,omitempty"`
	RollbackStepID    string                 `json:"rollback_step_id,omitempty"`
	Transactional     bool                   `json:"transactional,omitempty"`
}

// Multiplier returns the backoff multiplier, falling back to def and then
// to DefaultBackoffMultiplier when neither is set
func (s *StepDefinition) Multiplier(def float64) float64 {
	switch {
	case s.BackoffMultiplier > 0:
		return s.BackoffMultiplier
	case def > 0:
		return def
	default:
		return DefaultBackoffMultiplier
	}
}

// StepTimeout returns the configured timeout or def when unset
func (s *StepDefinition) StepTimeout(def time.Duration) time.Duration {
	if s.Timeout <= 0 {
		return def
	}
	return s.Timeout.Std()
}

// Step returns the regular step with the given id
func (w *WorkflowDefinition) Step(id string) (*StepDefinition, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// RollbackStep returns the compensating step with the given id
func (w *WorkflowDefinition) RollbackStep(id string) (*StepDefinition, bool) {
	for i := range w.RollbackSteps {
		if w.RollbackSteps[i].ID == id {
			return &w.RollbackSteps[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the definition
func (w *WorkflowDefinition) Clone() *WorkflowDefinition {
	c := *w
	c.Steps = cloneSteps(w.Steps)
	c.RollbackSteps = cloneSteps(w.RollbackSteps)
	return &c
}

func cloneSteps(steps []StepDefinition) []StepDefinition {
	if steps == nil {
		return nil
	}
	out := make([]StepDefinition, len(steps))
	for i, s := range steps {
		s.Parameters = CloneMap(s.Parameters)
		if s.Dependencies != nil {
			s.Dependencies = append([]string(nil), s.Dependencies...)
		}
		if s.Condition != nil {
			cond := *s.Condition
			cond.Value = cloneValue(cond.Value)
			s.Condition = &cond
		}
		out[i] = s
	}
	return out
}
