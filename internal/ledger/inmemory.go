package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InMemoryStore is a concurrency-safe in-memory store that mirrors the
// Postgres locking behavior: row locks are per account and per existing token
// row, locking a missing token row is a no-op, and token uniqueness is
// enforced against committed state at insert and again at commit.
type InMemoryStore struct {
	mu           sync.Mutex
	accounts     map[int64]decimal.Decimal
	charges      map[int64]Charge
	byToken      map[uuid.UUID]int64
	accountLocks map[int64]*sync.Mutex
	tokenLocks   map[uuid.UUID]*sync.Mutex
	nextAccount  int64
	nextCharge   int64
}

// NewInMemory creates an empty in-memory store useful for unit tests and for
// running the API without a database in development.
func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		accounts:     make(map[int64]decimal.Decimal),
		charges:      make(map[int64]Charge),
		byToken:      make(map[uuid.UUID]int64),
		accountLocks: make(map[int64]*sync.Mutex),
		tokenLocks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// Begin opens an in-memory transaction. Writes are buffered until Commit.
func (s *InMemoryStore) Begin(_ context.Context) (Tx, error) {
	return &memTx{store: s, balances: make(map[int64]decimal.Decimal)}, nil
}

// Account reads committed account state.
func (s *InMemoryStore) Account(_ context.Context, id int64) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return Account{ID: id, Balance: balance}, nil
}

// ChargeByToken reads a committed charge by idempotency token.
func (s *InMemoryStore) ChargeByToken(_ context.Context, token uuid.UUID) (Charge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[token]
	if !ok {
		return Charge{}, ErrChargeNotFound
	}
	return s.charges[id], nil
}

// CreateAccount inserts an account with the given opening balance.
func (s *InMemoryStore) CreateAccount(_ context.Context, balance decimal.Decimal) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAccount++
	s.accounts[s.nextAccount] = balance
	return Account{ID: s.nextAccount, Balance: balance}, nil
}

type memTx struct {
	store    *InMemoryStore
	held     []*sync.Mutex
	balances map[int64]decimal.Decimal // pending balances, keyed by account
	inserts  []Charge
	done     bool
}

func (t *memTx) LockChargeByToken(_ context.Context, token uuid.UUID) (Charge, error) {
	t.store.mu.Lock()
	id, ok := t.store.byToken[token]
	if !ok {
		// No row, nothing to lock.
		t.store.mu.Unlock()
		return Charge{}, ErrChargeNotFound
	}
	lock, ok := t.store.tokenLocks[token]
	if !ok {
		lock = &sync.Mutex{}
		t.store.tokenLocks[token] = lock
	}
	t.store.mu.Unlock()

	lock.Lock()
	t.held = append(t.held, lock)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.charges[id], nil
}

func (t *memTx) LockAccount(_ context.Context, id int64) (Account, error) {
	t.store.mu.Lock()
	if _, ok := t.store.accounts[id]; !ok {
		t.store.mu.Unlock()
		return Account{}, ErrAccountNotFound
	}
	lock, ok := t.store.accountLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		t.store.accountLocks[id] = lock
	}
	t.store.mu.Unlock()

	lock.Lock()
	t.held = append(t.held, lock)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return Account{ID: id, Balance: t.store.accounts[id]}, nil
}

func (t *memTx) Account(_ context.Context, id int64) (Account, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	balance, ok := t.balances[id]
	if !ok {
		balance, ok = t.store.accounts[id]
		if !ok {
			return Account{}, ErrAccountNotFound
		}
	}
	return Account{ID: id, Balance: balance}, nil
}

func (t *memTx) DebitAccount(_ context.Context, id int64, amount decimal.Decimal) (decimal.Decimal, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	balance, ok := t.balances[id]
	if !ok {
		balance, ok = t.store.accounts[id]
		if !ok {
			return decimal.Zero, ErrAccountNotFound
		}
	}
	balance = balance.Sub(amount)
	t.balances[id] = balance
	return balance, nil
}

func (t *memTx) InsertCharge(_ context.Context, charge Charge) (Charge, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if charge.IdempotencyKey != nil {
		if _, taken := t.store.byToken[*charge.IdempotencyKey]; taken {
			return Charge{}, ErrDuplicateToken
		}
	}
	// Identifiers are assigned at insert, like a sequence; a rollback simply
	// burns the value.
	t.store.nextCharge++
	charge.ID = t.store.nextCharge
	t.inserts = append(t.inserts, charge)
	return charge, nil
}

func (t *memTx) Commit(_ context.Context) error {
	t.store.mu.Lock()

	// The unique constraint is the final arbiter: another transaction may
	// have committed the same token after our insert-time check.
	for _, charge := range t.inserts {
		if charge.IdempotencyKey != nil {
			if _, taken := t.store.byToken[*charge.IdempotencyKey]; taken {
				t.store.mu.Unlock()
				t.finish()
				return ErrDuplicateToken
			}
		}
	}

	for id, balance := range t.balances {
		t.store.accounts[id] = balance
	}
	for _, charge := range t.inserts {
		t.store.charges[charge.ID] = charge
		if charge.IdempotencyKey != nil {
			t.store.byToken[*charge.IdempotencyKey] = charge.ID
		}
	}
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	t.finish()
	return nil
}

// finish releases row locks exactly once; Commit and Rollback both funnel
// through here so a deferred Rollback after Commit is harmless.
func (t *memTx) finish() {
	if t.done {
		return
	}
	t.done = true
	t.balances = nil
	t.inserts = nil
	for _, lock := range t.held {
		lock.Unlock()
	}
	t.held = nil
}
