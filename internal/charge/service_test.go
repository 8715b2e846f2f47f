package charge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/picopay/picopay/internal/ledger"
	"github.com/picopay/picopay/internal/logging"
	"github.com/picopay/picopay/internal/metrics"
)

type mapCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]Result
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[uuid.UUID]Result)}
}

func (c *mapCache) Lookup(_ context.Context, token uuid.UUID) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[token]
	return res, ok
}

func (c *mapCache) Store(_ context.Context, token uuid.UUID, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = result
}

func (c *mapCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uuid.UUID]Result)
}

func (c *mapCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type noopCache struct{}

func (noopCache) Lookup(context.Context, uuid.UUID) (Result, bool) { return Result{}, false }
func (noopCache) Store(context.Context, uuid.UUID, Result)         {}

type outcomeRecorder struct {
	mu     sync.Mutex
	counts map[metrics.Outcome]int
}

func newOutcomeRecorder() *outcomeRecorder {
	return &outcomeRecorder{counts: make(map[metrics.Outcome]int)}
}

func (r *outcomeRecorder) Record(outcome metrics.Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[outcome]++
}

func (r *outcomeRecorder) count(outcome metrics.Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[outcome]
}

type fixture struct {
	store    *ledger.InMemoryStore
	cache    *mapCache
	recorder *outcomeRecorder
	proc     *Processor
}

func newFixture(t *testing.T, balance int64) (*fixture, ledger.Account) {
	t.Helper()
	f := &fixture{
		store:    ledger.NewInMemory(),
		cache:    newMapCache(),
		recorder: newOutcomeRecorder(),
	}
	f.proc = NewProcessor(f.store, f.cache, f.recorder, logging.Discard())

	account, err := f.store.CreateAccount(context.Background(), decimal.NewFromInt(balance))
	require.NoError(t, err)
	return f, account
}

func usd(account int64, amount int64, token *uuid.UUID) Input {
	return Input{AccountID: account, Amount: decimal.NewFromInt(amount), Currency: "USD", Token: token}
}

func TestChargeSuccess(t *testing.T) {
	f, account := newFixture(t, 1000)
	token := uuid.New()

	res, err := f.proc.Process(context.Background(), usd(account.ID, 100, &token))
	require.NoError(t, err)

	require.Equal(t, msgSuccess, res.Message)
	require.Equal(t, ledger.StatusCompleted, res.Charge.Status)
	require.Equal(t, account.ID, res.Charge.AccountID)
	require.Equal(t, "USD", res.Charge.Currency)
	require.True(t, res.NewBalance.Equal(decimal.NewFromInt(900)))
	require.NotNil(t, res.Charge.IdempotencyKey)
	require.Equal(t, token, *res.Charge.IdempotencyKey)

	committed, err := f.store.Account(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, committed.Balance.Equal(decimal.NewFromInt(900)))

	_, ok := f.cache.Lookup(context.Background(), token)
	require.True(t, ok, "completed charge with token must be cached")
	require.Equal(t, 1, f.recorder.count(metrics.OutcomeSuccess))
}

func TestChargeWithoutTokenRepeatsDebit(t *testing.T) {
	f, account := newFixture(t, 1000)

	for i := 0; i < 2; i++ {
		res, err := f.proc.Process(context.Background(), usd(account.ID, 100, nil))
		require.NoError(t, err)
		require.Equal(t, msgSuccess, res.Message)
		require.Nil(t, res.Charge.IdempotencyKey)
	}

	committed, err := f.store.Account(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, committed.Balance.Equal(decimal.NewFromInt(800)), "tokenless requests must debit every time")
	require.Equal(t, 2, f.recorder.count(metrics.OutcomeSuccess))
	require.Equal(t, 0, f.cache.len())
}

func TestReplayFromLedgerWhenCacheCold(t *testing.T) {
	f, account := newFixture(t, 1000)
	token := uuid.New()

	first, err := f.proc.Process(context.Background(), usd(account.ID, 100, &token))
	require.NoError(t, err)

	// Simulate eviction: the durable record must still win.
	f.cache.clear()

	// Same token, different payload: the original outcome is returned.
	replay, err := f.proc.Process(context.Background(), Input{
		AccountID: account.ID,
		Amount:    decimal.NewFromInt(250),
		Currency:  "EUR",
		Token:     &token,
	})
	require.NoError(t, err)

	require.Equal(t, msgIdempotent, replay.Message)
	require.Equal(t, first.Charge, replay.Charge)
	require.True(t, replay.NewBalance.Equal(decimal.NewFromInt(900)))

	committed, err := f.store.Account(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, committed.Balance.Equal(decimal.NewFromInt(900)), "replay must not debit")
	require.Equal(t, 1, f.recorder.count(metrics.OutcomeIdempotentHit))

	// The replay repopulates the cache.
	_, ok := f.cache.Lookup(context.Background(), token)
	require.True(t, ok)
}

func TestReplayFromWarmCacheSkipsLedger(t *testing.T) {
	cacheStore := newMapCache()
	recorder := newOutcomeRecorder()
	token := uuid.New()
	cached := Result{Message: msgIdempotent, Charge: View{ID: 9, AccountID: 1, Amount: decimal.NewFromInt(100), Currency: "USD", Status: ledger.StatusCompleted, IdempotencyKey: &token}, NewBalance: decimal.NewFromInt(900)}
	cacheStore.Store(context.Background(), token, cached)

	store := &stubStore{
		begin: func() (ledger.Tx, error) {
			return nil, errors.New("ledger must not be touched on a cache hit")
		},
	}
	proc := NewProcessor(store, cacheStore, recorder, logging.Discard())

	res, err := proc.Process(context.Background(), usd(1, 100, &token))
	require.NoError(t, err)
	require.Equal(t, cached, res)
	require.Equal(t, 1, recorder.count(metrics.OutcomeIdempotentHit))
}

func TestInsufficientFunds(t *testing.T) {
	f, account := newFixture(t, 50)
	token := uuid.New()

	_, err := f.proc.Process(context.Background(), usd(account.ID, 100, &token))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	committed, err := f.store.Account(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, committed.Balance.Equal(decimal.NewFromInt(50)), "failed charge must not touch the balance")

	_, err = f.store.ChargeByToken(context.Background(), token)
	require.ErrorIs(t, err, ledger.ErrChargeNotFound, "failed charge must leave no record")

	require.Equal(t, 0, f.cache.len(), "failures are never cached")
	require.Equal(t, 1, f.recorder.count(metrics.OutcomeInsufficientBalance))
}

func TestAccountNotFound(t *testing.T) {
	f, _ := newFixture(t, 0)

	_, err := f.proc.Process(context.Background(), usd(999, 100, nil))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	require.Equal(t, 1, f.recorder.count(metrics.OutcomeFailed))
}

func TestValidationRejectedBeforeStoreAccess(t *testing.T) {
	recorder := newOutcomeRecorder()
	store := &stubStore{
		begin: func() (ledger.Tx, error) {
			return nil, errors.New("store must not be touched for invalid input")
		},
	}
	proc := NewProcessor(store, noopCache{}, recorder, logging.Discard())

	cases := []Input{
		{AccountID: 0, Amount: decimal.NewFromInt(10), Currency: "USD"},
		{AccountID: 1, Amount: decimal.Zero, Currency: "USD"},
		{AccountID: 1, Amount: decimal.NewFromInt(-5), Currency: "USD"},
		{AccountID: 1, Amount: decimal.NewFromInt(10), Currency: "US"},
		{AccountID: 1, Amount: decimal.NewFromInt(10), Currency: "USDX"},
	}
	for _, in := range cases {
		_, err := proc.Process(context.Background(), in)
		require.ErrorIs(t, err, ErrValidation, "input %+v", in)
	}
	require.Equal(t, len(cases), recorder.count(metrics.OutcomeFailed))
}

func TestConcurrentSameTokenDebitsOnce(t *testing.T) {
	f, account := newFixture(t, 1000)
	token := uuid.New()

	const workers = 10
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := f.proc.Process(context.Background(), usd(account.ID, 100, &token)); err != nil {
				t.Errorf("concurrent charge: %v", err)
			}
		}()
	}
	wg.Wait()

	committed, err := f.store.Account(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, committed.Balance.Equal(decimal.NewFromInt(900)),
		"exactly one debit expected, balance is %s", committed.Balance)

	charge, err := f.store.ChargeByToken(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCompleted, charge.Status)

	require.Equal(t, 1, f.recorder.count(metrics.OutcomeSuccess))
	require.Equal(t, workers-1, f.recorder.count(metrics.OutcomeIdempotentHit))
}

func TestConcurrentDistinctTokensAllDebit(t *testing.T) {
	f, account := newFixture(t, 1000)

	const workers = 5
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			token := uuid.New()
			if _, err := f.proc.Process(context.Background(), usd(account.ID, 100, &token)); err != nil {
				t.Errorf("concurrent charge: %v", err)
			}
		}()
	}
	wg.Wait()

	committed, err := f.store.Account(context.Background(), account.ID)
	require.NoError(t, err)
	require.True(t, committed.Balance.Equal(decimal.NewFromInt(500)))
	require.Equal(t, workers, f.recorder.count(metrics.OutcomeSuccess))
}

func TestConflictRecoveryReturnsWinner(t *testing.T) {
	token := uuid.New()
	winner := ledger.Charge{ID: 4, AccountID: 1, Amount: decimal.NewFromInt(100), Currency: "USD", Status: ledger.StatusCompleted, IdempotencyKey: &token}

	lookups := 0
	store := &stubStore{
		begin: func() (ledger.Tx, error) {
			return &stubTx{
				lockCharge: func(uuid.UUID) (ledger.Charge, error) {
					return ledger.Charge{}, ledger.ErrChargeNotFound
				},
				lockAccount: func(int64) (ledger.Account, error) {
					return ledger.Account{ID: 1, Balance: decimal.NewFromInt(1000)}, nil
				},
				debit: func(int64, decimal.Decimal) (decimal.Decimal, error) {
					return decimal.NewFromInt(900), nil
				},
				insert: func(ledger.Charge) (ledger.Charge, error) {
					return ledger.Charge{}, ledger.ErrDuplicateToken
				},
			}, nil
		},
		chargeByToken: func(uuid.UUID) (ledger.Charge, error) {
			lookups++
			if lookups == 1 {
				// The winner's commit is not visible yet.
				return ledger.Charge{}, ledger.ErrChargeNotFound
			}
			return winner, nil
		},
		account: func(int64) (ledger.Account, error) {
			return ledger.Account{ID: 1, Balance: decimal.NewFromInt(900)}, nil
		},
	}

	cacheStore := newMapCache()
	recorder := newOutcomeRecorder()
	proc := NewProcessor(store, cacheStore, recorder, logging.Discard())

	var slept []time.Duration
	proc.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	res, err := proc.Process(context.Background(), usd(1, 100, &token))
	require.NoError(t, err)
	require.Equal(t, msgIdempotent, res.Message)
	require.Equal(t, winner.ID, res.Charge.ID)
	require.True(t, res.NewBalance.Equal(decimal.NewFromInt(900)))
	require.Len(t, slept, 1, "one backoff before the record became visible")
	require.Equal(t, 1, recorder.count(metrics.OutcomeIdempotentHit))

	cached, ok := cacheStore.Lookup(context.Background(), token)
	require.True(t, ok)
	require.Equal(t, res, cached)
}

func TestConflictUnresolvedAfterRetries(t *testing.T) {
	token := uuid.New()

	store := &stubStore{
		begin: func() (ledger.Tx, error) {
			return &stubTx{
				lockCharge: func(uuid.UUID) (ledger.Charge, error) {
					return ledger.Charge{}, ledger.ErrChargeNotFound
				},
				lockAccount: func(int64) (ledger.Account, error) {
					return ledger.Account{ID: 1, Balance: decimal.NewFromInt(1000)}, nil
				},
				debit: func(int64, decimal.Decimal) (decimal.Decimal, error) {
					return decimal.NewFromInt(900), nil
				},
				insert: func(ledger.Charge) (ledger.Charge, error) {
					return ledger.Charge{}, ledger.ErrDuplicateToken
				},
			}, nil
		},
		chargeByToken: func(uuid.UUID) (ledger.Charge, error) {
			return ledger.Charge{}, ledger.ErrChargeNotFound
		},
	}

	recorder := newOutcomeRecorder()
	proc := NewProcessor(store, noopCache{}, recorder, logging.Discard())

	var slept int
	proc.sleep = func(context.Context, time.Duration) { slept++ }

	_, err := proc.Process(context.Background(), usd(1, 100, &token))
	require.Error(t, err)
	require.Equal(t, conflictRetries-1, slept)
	require.Equal(t, 1, recorder.count(metrics.OutcomeFailed))
}

func TestCacheOutageDegradesToLedger(t *testing.T) {
	store := ledger.NewInMemory()
	account, err := store.CreateAccount(context.Background(), decimal.NewFromInt(1000))
	require.NoError(t, err)

	recorder := newOutcomeRecorder()
	proc := NewProcessor(store, noopCache{}, recorder, logging.Discard())
	token := uuid.New()

	res, err := proc.Process(context.Background(), usd(account.ID, 100, &token))
	require.NoError(t, err)
	require.True(t, res.NewBalance.Equal(decimal.NewFromInt(900)))

	// The cold cache forces the ledger path, which still replays correctly.
	replay, err := proc.Process(context.Background(), usd(account.ID, 100, &token))
	require.NoError(t, err)
	require.Equal(t, msgIdempotent, replay.Message)
	require.Equal(t, res.Charge, replay.Charge)
}

type stubStore struct {
	begin         func() (ledger.Tx, error)
	chargeByToken func(token uuid.UUID) (ledger.Charge, error)
	account       func(id int64) (ledger.Account, error)
}

func (s *stubStore) Begin(context.Context) (ledger.Tx, error) {
	if s.begin == nil {
		return nil, errors.New("begin not stubbed")
	}
	return s.begin()
}

func (s *stubStore) Account(_ context.Context, id int64) (ledger.Account, error) {
	if s.account == nil {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return s.account(id)
}

func (s *stubStore) ChargeByToken(_ context.Context, token uuid.UUID) (ledger.Charge, error) {
	if s.chargeByToken == nil {
		return ledger.Charge{}, ledger.ErrChargeNotFound
	}
	return s.chargeByToken(token)
}

type stubTx struct {
	lockCharge  func(token uuid.UUID) (ledger.Charge, error)
	lockAccount func(id int64) (ledger.Account, error)
	account     func(id int64) (ledger.Account, error)
	debit       func(id int64, amount decimal.Decimal) (decimal.Decimal, error)
	insert      func(charge ledger.Charge) (ledger.Charge, error)
	commit      func() error
}

func (t *stubTx) LockChargeByToken(_ context.Context, token uuid.UUID) (ledger.Charge, error) {
	if t.lockCharge == nil {
		return ledger.Charge{}, ledger.ErrChargeNotFound
	}
	return t.lockCharge(token)
}

func (t *stubTx) LockAccount(_ context.Context, id int64) (ledger.Account, error) {
	if t.lockAccount == nil {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return t.lockAccount(id)
}

func (t *stubTx) Account(_ context.Context, id int64) (ledger.Account, error) {
	if t.account == nil {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return t.account(id)
}

func (t *stubTx) DebitAccount(_ context.Context, id int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if t.debit == nil {
		return decimal.Zero, errors.New("debit not stubbed")
	}
	return t.debit(id, amount)
}

func (t *stubTx) InsertCharge(_ context.Context, charge ledger.Charge) (ledger.Charge, error) {
	if t.insert == nil {
		return ledger.Charge{}, errors.New("insert not stubbed")
	}
	return t.insert(charge)
}

func (t *stubTx) Commit(context.Context) error {
	if t.commit == nil {
		return nil
	}
	return t.commit()
}

func (t *stubTx) Rollback(context.Context) error { return nil }
