package charge

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/picopay/picopay/internal/ledger"
)

const (
	msgSuccess    = "Charge processed successfully"
	msgIdempotent = "Charge processed successfully (idempotent)"
)

// View is the caller-facing projection of a committed charge.
type View struct {
	ID             int64           `json:"id"`
	AccountID      int64           `json:"account_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         ledger.Status   `json:"status"`
	IdempotencyKey *uuid.UUID      `json:"idempotency_key"`
}

// Result is the structured outcome of a charge request. It doubles as the
// idempotency cache payload, so a cached entry replays byte-for-byte.
type Result struct {
	Message    string          `json:"message"`
	Charge     View            `json:"transaction"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// project maps a committed charge and the account's resulting balance into a
// caller-facing result.
func project(c ledger.Charge, balance decimal.Decimal, message string) Result {
	return Result{
		Message: message,
		Charge: View{
			ID:             c.ID,
			AccountID:      c.AccountID,
			Amount:         c.Amount,
			Currency:       c.Currency,
			Status:         c.Status,
			IdempotencyKey: c.IdempotencyKey,
		},
		NewBalance: balance,
	}
}
