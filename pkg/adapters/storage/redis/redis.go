package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix       = "plugflow:"
	workflowIndex   = keyPrefix + "workflows"
	workflowPrefix  = keyPrefix + "workflow:"
	executionPrefix = keyPrefix + "execution:"
)

// Storage implements ports.Store using Redis. Definitions are kept
// indefinitely; execution records expire after the configured TTL.
type Storage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStorage creates a new Redis storage. A zero ttl keeps execution
// records forever.
func NewStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveDefinition persists a workflow definition (ports.DefinitionStore interface)
func (s *Storage) SaveDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return fmt.Errorf("workflow definition ID is required")
	}

	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, getWorkflowKey(def.ID), data, 0)
		pipe.SAdd(ctx, workflowIndex, def.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	s.logger.Debug("workflow saved", zap.String("workflow_id", def.ID))
	return nil
}

// LoadDefinition retrieves a workflow definition (ports.DefinitionStore interface)
func (s *Storage) LoadDefinition(ctx context.Context, workflowID string) (*domain.WorkflowDefinition, error) {
	data, err := s.client.Get(ctx, getWorkflowKey(workflowID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var def domain.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &def, nil
}

// ListDefinitions returns all stored definitions sorted by id (ports.DefinitionStore interface)
func (s *Storage) ListDefinitions(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	ids, err := s.client.SMembers(ctx, workflowIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	sort.Strings(ids)

	defs := make([]*domain.WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.LoadDefinition(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrWorkflowNotFound) {
				continue
			}
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// SaveExecution persists an execution record with TTL (ports.ExecutionStore interface)
func (s *Storage) SaveExecution(ctx context.Context, exec *domain.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution ID is required")
	}

	data, err := json.Marshal(exec.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	if err := s.client.Set(ctx, getExecutionKey(exec.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	s.logger.Debug("execution saved",
		zap.String("execution_id", exec.ID),
		zap.String("status", string(exec.Status)))

	return nil
}

// LoadExecution retrieves an execution record (ports.ExecutionStore interface)
func (s *Storage) LoadExecution(ctx context.Context, executionID string) (*domain.Execution, error) {
	data, err := s.client.Get(ctx, getExecutionKey(executionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", domain.ErrExecutionNotFound, executionID)
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var exec domain.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	if exec.Steps == nil {
		exec.Steps = make(map[string]*domain.StepResult)
	}
	return &exec, nil
}

func getWorkflowKey(id string) string {
	return workflowPrefix + id
}

func getExecutionKey(id string) string {
	return executionPrefix + id
}
