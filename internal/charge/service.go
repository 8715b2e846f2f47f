// Package charge implements the idempotent charge-processing protocol: a
// cache-aside lookup, a row-locked ledger transaction, and a conflict
// recovery path arbitrated by the store's token uniqueness constraint.
package charge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/picopay/picopay/internal/ledger"
	"github.com/picopay/picopay/internal/metrics"
)

// ErrValidation marks client input rejected before any store access.
var ErrValidation = errors.New("invalid charge request")

const (
	conflictRetries = 3
	conflictBackoff = 50 * time.Millisecond
)

// ResultCache accelerates idempotent replays. It is never authoritative:
// lookups may miss for requests that already committed, and implementations
// must degrade to a miss rather than fail the request.
type ResultCache interface {
	Lookup(ctx context.Context, token uuid.UUID) (Result, bool)
	Store(ctx context.Context, token uuid.UUID, result Result)
}

// Input carries one charge request into the processor.
type Input struct {
	AccountID int64
	Amount    decimal.Decimal
	Currency  string
	Token     *uuid.UUID
}

func (in Input) validate() error {
	if in.AccountID <= 0 {
		return fmt.Errorf("%w: account_id must be positive", ErrValidation)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if len(in.Currency) != 3 {
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}
	return nil
}

// Processor debits an account at most once per idempotency token. It holds no
// mutable state of its own; all serialization lives in the store's row locks
// and unique constraint.
type Processor struct {
	store   ledger.Store
	cache   ResultCache
	metrics metrics.Recorder
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration)
}

// NewProcessor wires a processor with its collaborators.
func NewProcessor(store ledger.Store, cache ResultCache, recorder metrics.Recorder, logger *slog.Logger) *Processor {
	return &Processor{
		store:   store,
		cache:   cache,
		metrics: recorder,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Process runs the charge state machine and reports the terminal outcome to
// the metrics sink.
func (p *Processor) Process(ctx context.Context, in Input) (Result, error) {
	start := time.Now()
	result, outcome, err := p.process(ctx, in)
	p.metrics.Record(outcome, time.Since(start))
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (p *Processor) process(ctx context.Context, in Input) (Result, metrics.Outcome, error) {
	if err := in.validate(); err != nil {
		return Result{}, metrics.OutcomeFailed, err
	}

	// Step 1: cache lookup. A hit short-circuits the ledger entirely; a miss
	// or a cache outage falls through to the durable path.
	if in.Token != nil {
		if cached, ok := p.cache.Lookup(ctx, *in.Token); ok {
			p.logger.Info("cache hit",
				slog.String("idempotency_key", in.Token.String()),
				slog.Int64("charge_id", cached.Charge.ID))
			return cached, metrics.OutcomeIdempotentHit, nil
		}
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return Result{}, metrics.OutcomeFailed, fmt.Errorf("begin charge tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	// Step 2a: serialize on the token row before touching the account, so two
	// requests sharing a token contend here and only one reaches the debit.
	if in.Token != nil {
		existing, err := tx.LockChargeByToken(ctx, *in.Token)
		switch {
		case err == nil && existing.Status == ledger.StatusCompleted:
			account, err := tx.Account(ctx, existing.AccountID)
			if err != nil {
				return Result{}, metrics.OutcomeFailed, fmt.Errorf("read account for replay: %w", err)
			}
			if err := tx.Rollback(ctx); err != nil {
				return Result{}, metrics.OutcomeFailed, fmt.Errorf("release replay tx: %w", err)
			}
			result := project(existing, account.Balance, msgIdempotent)
			p.logger.Info("idempotency hit",
				slog.String("idempotency_key", in.Token.String()),
				slog.Int64("charge_id", existing.ID))
			p.cache.Store(ctx, *in.Token, result)
			return result, metrics.OutcomeIdempotentHit, nil
		case err != nil && !errors.Is(err, ledger.ErrChargeNotFound):
			return Result{}, metrics.OutcomeFailed, fmt.Errorf("lock charge by token: %w", err)
		}
		// A Pending or Failed record falls through: the debit attempt below
		// settles the race at the unique constraint.
	}

	// Step 2b: lock the account row.
	account, err := tx.LockAccount(ctx, in.AccountID)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return Result{}, metrics.OutcomeFailed, err
		}
		return Result{}, metrics.OutcomeFailed, fmt.Errorf("lock account %d: %w", in.AccountID, err)
	}

	// Step 2c: funds check under the lock.
	if account.Balance.LessThan(in.Amount) {
		if err := tx.Rollback(ctx); err != nil {
			return Result{}, metrics.OutcomeFailed, fmt.Errorf("rollback short balance: %w", err)
		}
		p.logger.Info("insufficient balance",
			slog.Int64("account_id", in.AccountID),
			slog.String("requested", in.Amount.String()),
			slog.String("balance", account.Balance.String()))
		return Result{}, metrics.OutcomeInsufficientBalance, ledger.ErrInsufficientFunds
	}

	// Steps 2d-2e: debit, record, commit atomically.
	newBalance, err := tx.DebitAccount(ctx, in.AccountID, in.Amount)
	if err != nil {
		return Result{}, metrics.OutcomeFailed, fmt.Errorf("debit account %d: %w", in.AccountID, err)
	}

	created, err := tx.InsertCharge(ctx, ledger.Charge{
		AccountID:      in.AccountID,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Status:         ledger.StatusCompleted,
		IdempotencyKey: in.Token,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateToken) && in.Token != nil {
			_ = tx.Rollback(ctx)
			return p.recoverConflict(ctx, *in.Token)
		}
		return Result{}, metrics.OutcomeFailed, fmt.Errorf("insert charge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, ledger.ErrDuplicateToken) && in.Token != nil {
			return p.recoverConflict(ctx, *in.Token)
		}
		return Result{}, metrics.OutcomeFailed, fmt.Errorf("commit charge: %w", err)
	}

	result := project(created, newBalance, msgSuccess)
	p.logger.Info("charge completed",
		slog.Int64("charge_id", created.ID),
		slog.Int64("account_id", created.AccountID),
		slog.String("amount", created.Amount.String()))

	// Step 4: writeback strictly after commit. Failures never reach here.
	if in.Token != nil {
		p.cache.Store(ctx, *in.Token, result)
	}
	return result, metrics.OutcomeSuccess, nil
}

// recoverConflict handles a unique-constraint loss: another request committed
// the same token first, so its record is the authoritative outcome. The
// winner's transaction may not be visible yet, hence the bounded retry.
func (p *Processor) recoverConflict(ctx context.Context, token uuid.UUID) (Result, metrics.Outcome, error) {
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		winner, err := p.store.ChargeByToken(ctx, token)
		if err == nil && winner.Status == ledger.StatusCompleted {
			account, err := p.store.Account(ctx, winner.AccountID)
			if err != nil {
				return Result{}, metrics.OutcomeFailed, fmt.Errorf("read account after conflict: %w", err)
			}
			result := project(winner, account.Balance, msgIdempotent)
			p.logger.Info("idempotency hit after conflict",
				slog.String("idempotency_key", token.String()),
				slog.Int64("charge_id", winner.ID))
			p.cache.Store(ctx, token, result)
			return result, metrics.OutcomeIdempotentHit, nil
		}
		if err != nil && !errors.Is(err, ledger.ErrChargeNotFound) {
			return Result{}, metrics.OutcomeFailed, fmt.Errorf("re-query charge by token: %w", err)
		}
		if attempt < conflictRetries {
			p.sleep(ctx, time.Duration(attempt)*conflictBackoff)
		}
	}
	return Result{}, metrics.OutcomeFailed,
		fmt.Errorf("token %s conflicted but no completed charge became visible", token)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
