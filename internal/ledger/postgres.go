package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolationCode = "23505"

// Balances travel as text so no float ever touches a money value.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id      BIGSERIAL PRIMARY KEY,
    balance NUMERIC(20,4) NOT NULL DEFAULT 0 CHECK (balance >= 0)
);

CREATE TABLE IF NOT EXISTS charges (
    id              BIGSERIAL PRIMARY KEY,
    account_id      BIGINT NOT NULL REFERENCES accounts (id),
    amount          NUMERIC(20,4) NOT NULL CHECK (amount > 0),
    currency        CHAR(3) NOT NULL,
    status          TEXT NOT NULL DEFAULT 'pending',
    idempotency_key UUID UNIQUE
);
`

// PostgresStore persists accounts and charges in PostgreSQL. Postgres treats
// NULLs as distinct under the unique index on idempotency_key, which is what
// keeps tokenless charges from ever colliding.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the accounts and charges relations if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Begin opens a store transaction.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// Account fetches committed account state.
func (s *PostgresStore) Account(ctx context.Context, id int64) (Account, error) {
	return scanAccount(s.db.QueryRow(ctx, `SELECT id, balance::text FROM accounts WHERE id = $1`, id))
}

// ChargeByToken fetches a committed charge by its idempotency token.
func (s *PostgresStore) ChargeByToken(ctx context.Context, token uuid.UUID) (Charge, error) {
	return scanCharge(s.db.QueryRow(ctx, `SELECT id, account_id, amount::text, currency, status, idempotency_key
        FROM charges WHERE idempotency_key = $1`, token))
}

// CreateAccount inserts an account with the given opening balance.
func (s *PostgresStore) CreateAccount(ctx context.Context, balance decimal.Decimal) (Account, error) {
	var id int64
	err := s.db.QueryRow(ctx, `INSERT INTO accounts (balance) VALUES ($1) RETURNING id`, balance.String()).Scan(&id)
	if err != nil {
		return Account{}, fmt.Errorf("create account: %w", err)
	}
	return Account{ID: id, Balance: balance}, nil
}

// UpsertAccount creates the account with the given identifier or resets its
// balance. Used by the seeder only.
func (s *PostgresStore) UpsertAccount(ctx context.Context, id int64, balance decimal.Decimal) error {
	_, err := s.db.Exec(ctx, `INSERT INTO accounts (id, balance) VALUES ($1, $2)
        ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`, id, balance.String())
	if err != nil {
		return fmt.Errorf("upsert account %d: %w", id, err)
	}
	_, err = s.db.Exec(ctx, `SELECT setval('accounts_id_seq', GREATEST((SELECT MAX(id) FROM accounts), 1))`)
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockChargeByToken(ctx context.Context, token uuid.UUID) (Charge, error) {
	return scanCharge(t.tx.QueryRow(ctx, `SELECT id, account_id, amount::text, currency, status, idempotency_key
        FROM charges WHERE idempotency_key = $1 FOR UPDATE`, token))
}

func (t *pgTx) LockAccount(ctx context.Context, id int64) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT id, balance::text FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) Account(ctx context.Context, id int64) (Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT id, balance::text FROM accounts WHERE id = $1`, id))
}

func (t *pgTx) DebitAccount(ctx context.Context, id int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	err := t.tx.QueryRow(ctx, `UPDATE accounts SET balance = balance - $1 WHERE id = $2 RETURNING balance::text`,
		amount.String(), id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrAccountNotFound
		}
		return decimal.Zero, fmt.Errorf("debit account %d: %w", id, err)
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	return balance, nil
}

func (t *pgTx) InsertCharge(ctx context.Context, charge Charge) (Charge, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO charges (account_id, amount, currency, status, idempotency_key)
        VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		charge.AccountID, charge.Amount.String(), charge.Currency, string(charge.Status), charge.IdempotencyKey,
	).Scan(&charge.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return Charge{}, ErrDuplicateToken
		}
		return Charge{}, fmt.Errorf("insert charge: %w", err)
	}
	return charge, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateToken
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	return t.tx.Rollback(ctx)
}

func scanAccount(row pgx.Row) (Account, error) {
	var account Account
	var raw string
	if err := row.Scan(&account.ID, &raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	balance, err := decimal.NewFromString(raw)
	if err != nil {
		return Account{}, fmt.Errorf("parse balance %q: %w", raw, err)
	}
	account.Balance = balance
	return account, nil
}

func scanCharge(row pgx.Row) (Charge, error) {
	var charge Charge
	var raw string
	var status string
	if err := row.Scan(&charge.ID, &charge.AccountID, &raw, &charge.Currency, &status, &charge.IdempotencyKey); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Charge{}, ErrChargeNotFound
		}
		return Charge{}, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return Charge{}, fmt.Errorf("parse amount %q: %w", raw, err)
	}
	charge.Amount = amount
	charge.Status = Status(status)
	return charge, nil
}
