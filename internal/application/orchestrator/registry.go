package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/plugflow/internal/application/graph"
	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/internal/ports"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Registry holds validated workflow definitions. Definitions are copied in
// and out so registered content never changes.
type Registry struct {
	store  ports.DefinitionStore
	logger *zap.Logger

	mu   sync.RWMutex
	defs map[string]*domain.WorkflowDefinition
}

// NewRegistry creates a registry. store may be nil.
func NewRegistry(store ports.DefinitionStore, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		logger: logger,
		defs:   make(map[string]*domain.WorkflowDefinition),
	}
}

// Register validates def and stores it. It reports whether the definition
// was new; registering identical content again is a no-op.
func (r *Registry) Register(ctx context.Context, def *domain.WorkflowDefinition) (bool, error) {
	if _, err := graph.Build(def); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.lookup(ctx, def.ID)
	switch {
	case err == nil:
		same, err := sameContent(existing, def)
		if err != nil {
			return false, err
		}
		if same {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", domain.ErrWorkflowConflict, def.ID)
	case !errors.Is(err, domain.ErrWorkflowNotFound):
		return false, err
	}

	stored := def.Clone()
	if r.store != nil {
		if err := r.store.SaveDefinition(ctx, stored); err != nil {
			return false, fmt.Errorf("failed to save workflow: %w", err)
		}
	}
	r.defs[def.ID] = stored

	r.logger.Info("workflow registered",
		zap.String("workflow_id", def.ID),
		zap.String("execution_mode", string(def.ExecutionMode)),
		zap.Int("steps", len(def.Steps)))
	return true, nil
}

// Get returns a copy of the definition registered under workflowID
func (r *Registry) Get(ctx context.Context, workflowID string) (*domain.WorkflowDefinition, error) {
	r.mu.RLock()
	def, ok := r.defs[workflowID]
	r.mu.RUnlock()
	if ok {
		return def.Clone(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := r.lookup(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return def.Clone(), nil
}

// List returns every registered definition sorted by id
func (r *Registry) List(ctx context.Context) ([]*domain.WorkflowDefinition, error) {
	byID := make(map[string]*domain.WorkflowDefinition)

	if r.store != nil {
		stored, err := r.store.ListDefinitions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflows: %w", err)
		}
		for _, def := range stored {
			byID[def.ID] = def
		}
	}

	r.mu.RLock()
	for id, def := range r.defs {
		byID[id] = def.Clone()
	}
	r.mu.RUnlock()

	defs := make([]*domain.WorkflowDefinition, 0, len(byID))
	for _, def := range byID {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// lookup finds a definition in the cache, then the store. Callers hold mu.
func (r *Registry) lookup(ctx context.Context, workflowID string) (*domain.WorkflowDefinition, error) {
	if def, ok := r.defs[workflowID]; ok {
		return def, nil
	}
	if r.store == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
	}

	def, err := r.store.LoadDefinition(ctx, workflowID)
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	r.defs[workflowID] = def
	return def, nil
}

// sameContent compares two definitions by their canonical JSON form, so
// nil and empty collections match and parameter numbers compare by value
// whether they came from Go literals or a decoded store record.
func sameContent(a, b *domain.WorkflowDefinition) (bool, error) {
	ca, err := canonical(a)
	if err != nil {
		return false, err
	}
	cb, err := canonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func canonical(def *domain.WorkflowDefinition) ([]byte, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workflow %s: %w", def.ID, err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", def.ID, err)
	}
	// maps re-encode with sorted keys
	return json.Marshal(generic)
}
