package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound indicates the referenced account does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrChargeNotFound indicates no charge exists for the given lookup.
	ErrChargeNotFound = errors.New("charge not found")

	// ErrInsufficientFunds occurs when an account balance cannot cover a
	// requested debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateToken indicates the idempotency token is already bound to a
	// committed charge. The storage layer enforces this with a unique
	// constraint, so it fires even when two requests race past the row locks.
	ErrDuplicateToken = errors.New("duplicate idempotency token")
)

// Status is the lifecycle state of a charge.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Account is a debitable balance holder. Balances are mutated only inside a
// locked store transaction.
type Account struct {
	ID      int64
	Balance decimal.Decimal
}

// Charge is a single debit against an account. Once committed with
// StatusCompleted its fields never change.
type Charge struct {
	ID             int64
	AccountID      int64
	Amount         decimal.Decimal
	Currency       string
	Status         Status
	IdempotencyKey *uuid.UUID
}

// Store is the durable home of accounts and charges. Implementations must
// enforce token uniqueness at the storage layer, not in application logic.
type Store interface {
	// Begin opens a transaction. The caller must Commit or Rollback on every
	// exit path.
	Begin(ctx context.Context) (Tx, error)

	// Account reads an account's committed state without locking it.
	Account(ctx context.Context, id int64) (Account, error)

	// ChargeByToken reads a committed charge by idempotency token without
	// locking it. Returns ErrChargeNotFound when absent.
	ChargeByToken(ctx context.Context, token uuid.UUID) (Charge, error)
}

// Tx is a single store transaction with pessimistic row locking. Locks are
// held until Commit or Rollback.
type Tx interface {
	// LockChargeByToken takes an exclusive lock on the charge row bound to
	// token. A missing row locks nothing and returns ErrChargeNotFound,
	// matching SELECT ... FOR UPDATE semantics.
	LockChargeByToken(ctx context.Context, token uuid.UUID) (Charge, error)

	// LockAccount takes an exclusive lock on the account row.
	LockAccount(ctx context.Context, id int64) (Account, error)

	// Account reads an account inside the transaction without locking it.
	Account(ctx context.Context, id int64) (Account, error)

	// DebitAccount subtracts amount from the account balance and returns the
	// new balance. The caller must hold the account lock.
	DebitAccount(ctx context.Context, id int64, amount decimal.Decimal) (decimal.Decimal, error)

	// InsertCharge writes a new charge row and returns it with its assigned
	// identifier. Returns ErrDuplicateToken when the idempotency token is
	// already taken.
	InsertCharge(ctx context.Context, charge Charge) (Charge, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
