package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/upb/transport-identity/repositories"
	"go.uber.org/zap"
)

// ErrTxDone is returned when committing a finished transaction.
var ErrTxDone = errors.New("transaction has already been committed or rolled back")

// TransactionManager implements repositories.TransactionManager for the
// in-memory store. Writes made through a bound repository are journaled
// and undone on rollback.
type TransactionManager struct {
	logger *zap.Logger
}

// NewTransactionManager creates a new transaction manager
func NewTransactionManager(logger *zap.Logger) *TransactionManager {
	return &TransactionManager{logger: logger}
}

// Begin starts a new transaction
func (tm *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	tm.logger.Debug("transaction started")
	return &Transaction{ctx: ctx, logger: tm.logger}, nil
}

// InTransaction executes fn within a transaction
func (tm *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	tx, err := tm.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			tm.logger.Error("failed to rollback transaction",
				zap.Error(rbErr),
				zap.NamedError("original_error", err),
			)
		}
		return err
	}

	return tx.Commit()
}

// Transaction is an undo journal.
type Transaction struct {
	ctx    context.Context
	logger *zap.Logger

	mu   sync.Mutex
	undo []func()
	done bool
}

func (t *Transaction) record(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.done {
		t.undo = append(t.undo, fn)
	}
}

// Commit discards the journal.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.undo = nil
	t.logger.Debug("transaction committed")
	return nil
}

// Rollback replays the journal in reverse. Rolling back a finished
// transaction is a no-op.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	undo := t.undo
	t.undo = nil
	t.done = true
	t.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	t.logger.Debug("transaction rolled back", zap.Int("undone", len(undo)))
	return nil
}

// Context returns the transaction context
func (t *Transaction) Context() context.Context {
	return t.ctx
}
