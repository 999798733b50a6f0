package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle state of a transaction
type State string

const (
	StateActive    State = "active"
	StatePrepared  State = "prepared"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("invalid transaction state transition")
)

// Hook can veto a phase by returning an error
type Hook func(txID string) error

// TransactionManager implements ports.TransactionManager in memory
type TransactionManager struct {
	mu     sync.Mutex
	txs    map[string]State
	logger *zap.Logger

	// OnPrepare, OnCommit and OnAbort are optional participant votes
	OnPrepare Hook
	OnCommit  Hook
	OnAbort   Hook
}

// NewTransactionManager creates an in-memory transaction manager
func NewTransactionManager(logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransactionManager{
		txs:    make(map[string]State),
		logger: logger,
	}
}

// Begin starts a new transaction
func (m *TransactionManager) Begin(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	txID := uuid.New().String()

	m.mu.Lock()
	m.txs[txID] = StateActive
	m.mu.Unlock()

	m.logger.Debug("transaction begun", zap.String("transaction_id", txID))
	return txID, nil
}

// Prepare moves an active transaction to prepared
func (m *TransactionManager) Prepare(ctx context.Context, txID string) error {
	if m.OnPrepare != nil {
		if err := m.OnPrepare(txID); err != nil {
			return fmt.Errorf("prepare vetoed: %w", err)
		}
	}
	return m.transition(txID, StatePrepared, StateActive)
}

// Commit moves a prepared transaction to committed
func (m *TransactionManager) Commit(ctx context.Context, txID string) error {
	if m.OnCommit != nil {
		if err := m.OnCommit(txID); err != nil {
			return fmt.Errorf("commit failed: %w", err)
		}
	}
	return m.transition(txID, StateCommitted, StatePrepared)
}

// Abort aborts an active or prepared transaction. Aborting twice is a no-op.
func (m *TransactionManager) Abort(ctx context.Context, txID string) error {
	if m.OnAbort != nil {
		if err := m.OnAbort(txID); err != nil {
			return fmt.Errorf("abort failed: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	switch state {
	case StateAborted:
		return nil
	case StateCommitted:
		return fmt.Errorf("%w: %s is committed", ErrInvalidTransition, txID)
	}
	m.txs[txID] = StateAborted

	m.logger.Debug("transaction aborted", zap.String("transaction_id", txID))
	return nil
}

// State returns the state of a transaction
func (m *TransactionManager) State(txID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.txs[txID]
	return s, ok
}

// Count returns how many transactions are in the given state
func (m *TransactionManager) Count(state State) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.txs {
		if s == state {
			n++
		}
	}
	return n
}

func (m *TransactionManager) transition(txID string, to State, from State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if state != from {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, txID, state, from)
	}
	m.txs[txID] = to

	m.logger.Debug("transaction state changed",
		zap.String("transaction_id", txID),
		zap.String("state", string(to)))
	return nil
}
