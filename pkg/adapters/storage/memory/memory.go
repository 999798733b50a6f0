package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/plugflow/internal/domain"
)

// InMemoryStorage implements ports.Store using in-memory maps.
// Records are copied on the way in and out.
type InMemoryStorage struct {
	definitions map[string]*domain.WorkflowDefinition
	executions  map[string]*domain.Execution
	mu          sync.RWMutex
}

// NewInMemoryStorage creates a new in-memory storage
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		definitions: make(map[string]*domain.WorkflowDefinition),
		executions:  make(map[string]*domain.Execution),
	}
}

// SaveDefinition stores a workflow definition (ports.DefinitionStore interface)
func (s *InMemoryStorage) SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return fmt.Errorf("workflow definition ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.definitions[def.ID] = def.Clone()
	return nil
}

// LoadDefinition retrieves a workflow definition (ports.DefinitionStore interface)
func (s *InMemoryStorage) LoadDefinition(ctx context.Context, workflowID string) (*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
	}
	return def.Clone(), nil
}

// ListDefinitions returns all definitions sorted by id (ports.DefinitionStore interface)
func (s *InMemoryStorage) ListDefinitions(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	defs := make([]*domain.WorkflowDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		defs = append(defs, def.Clone())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// SaveExecution stores an execution record (ports.ExecutionStore interface)
func (s *InMemoryStorage) SaveExecution(ctx context.Context, exec *domain.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution ID is required")
	}
	snapshot := exec.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.executions[exec.ID] = snapshot
	return nil
}

// LoadExecution retrieves an execution record (ports.ExecutionStore interface)
func (s *InMemoryStorage) LoadExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
	}
	return exec.Snapshot(), nil
}
