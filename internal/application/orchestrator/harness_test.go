package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/plugflow/internal/domain"
	"github.com/aescanero/plugflow/internal/ports"
	"github.com/aescanero/plugflow/pkg/adapters/plugins"
	txnmemory "github.com/aescanero/plugflow/pkg/adapters/txn/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPlugin = "test"

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, _ string, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, ports.EventHandler) error { return nil }
func (b *recordingBus) Unsubscribe(context.Context, string) error { return nil }
func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) types(executionID string) []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.EventType
	for _, e := range b.events {
		if e.ExecutionID == executionID {
			out = append(out, e.Type)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	plugins *plugins.Registry
	txm     *txnmemory.TransactionManager
	bus     *recordingBus
	manager *Manager

	mu      sync.Mutex
	started []string
}

func newHarness(t *testing.T, cfg Config, store ports.Store) *harness {
	t.Helper()

	logger := zaptest.NewLogger(t)
	h := &harness{
		t:       t,
		plugins: plugins.NewRegistry(logger),
		txm:     txnmemory.NewTransactionManager(logger),
		bus:     &recordingBus{},
	}
	h.manager = NewManager(cfg, Dependencies{
		Invoker:      h.plugins,
		Transactions: h.txm,
		Store:        store,
		Events:       h.bus,
	}, logger)
	return h
}

// handle registers a command that records its start before running fn
func (h *harness) handle(command string, fn plugins.CommandFunc) {
	h.plugins.MustRegister(testPlugin, command, func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
		h.mu.Lock()
		h.started = append(h.started, command)
		h.mu.Unlock()
		return fn(ctx, params)
	})
}

func (h *harness) ok(commands ...string) {
	for _, c := range commands {
		h.handle(c, func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"done": true}, nil
		})
	}
}

func (h *harness) startOrder() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.started...)
}

// run registers def, executes it and waits for the final state
func (h *harness) run(def *domain.WorkflowDefinition, input map[string]interface{}) *domain.Execution {
	h.t.Helper()

	ctx := context.Background()
	require.NoError(h.t, h.manager.RegisterWorkflow(ctx, def))

	id, err := h.manager.ExecuteWorkflow(ctx, def.ID, input)
	require.NoError(h.t, err)
	return h.wait(id)
}

func (h *harness) wait(executionID string) *domain.Execution {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exec, err := h.manager.Wait(ctx, executionID)
	require.NoError(h.t, err)
	return exec
}

func step(id string, deps ...string) domain.StepDefinition {
	return domain.StepDefinition{ID: id, PluginID: testPlugin, Command: id, Dependencies: deps}
}

func critical(s domain.StepDefinition) domain.StepDefinition {
	s.Critical = true
	return s
}

func withRollback(s domain.StepDefinition, rollbackID string) domain.StepDefinition {
	s.RollbackStepID = rollbackID
	return s
}

func workflow(id string, mode domain.ExecutionMode, steps ...domain.StepDefinition) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{ID: id, Name: id, ExecutionMode: mode, Steps: steps}
}

func errorf(msg string) plugins.CommandFunc {
	return func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, &testError{msg}
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
