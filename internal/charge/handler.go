package charge

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/picopay/picopay/internal/ledger"
	"github.com/picopay/picopay/internal/metrics"
)

const idempotencyKeyHeader = "Idempotency-Key"

// Handler exposes the charge and account endpoints.
type Handler struct {
	processor *Processor
	store     ledger.Store
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewHandler constructs the charge handler.
func NewHandler(processor *Processor, store ledger.Store, recorder metrics.Recorder, logger *slog.Logger) *Handler {
	return &Handler{processor: processor, store: store, metrics: recorder, logger: logger}
}

type chargeRequest struct {
	AccountID int64           `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// Charge processes a debit request. A malformed Idempotency-Key header is a
// client error distinct from an absent one and never reaches the processor.
func (h *Handler) Charge(c *fiber.Ctx) error {
	start := time.Now()

	var req chargeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}

	var token *uuid.UUID
	if raw := c.Get(idempotencyKeyHeader); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			h.metrics.Record(metrics.OutcomeFailed, time.Since(start))
			return fiber.NewError(http.StatusBadRequest, "invalid Idempotency-Key format, must be a valid UUID")
		}
		token = &parsed
	}

	result, err := h.processor.Process(c.UserContext(), Input{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Token:     token,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			return fiber.NewError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ledger.ErrAccountNotFound):
			return fiber.NewError(http.StatusNotFound, fmt.Sprintf("account with id %d not found", req.AccountID))
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return fiber.NewError(http.StatusBadRequest, "insufficient balance")
		default:
			h.logger.Error("charge failed", slog.Int64("account_id", req.AccountID), slog.Any("error", err))
			return fiber.NewError(http.StatusInternalServerError, "an error occurred while processing the charge")
		}
	}

	return c.Status(http.StatusOK).JSON(result)
}

// Account returns the committed state of a single account.
func (h *Handler) Account(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fiber.NewError(http.StatusBadRequest, "account id must be a positive integer")
	}

	account, err := h.store.Account(c.UserContext(), int64(id))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return fiber.NewError(http.StatusNotFound, fmt.Sprintf("account with id %d not found", id))
		}
		h.logger.Error("account lookup failed", slog.Int("account_id", id), slog.Any("error", err))
		return fiber.NewError(http.StatusInternalServerError, "account lookup failed")
	}

	return c.JSON(fiber.Map{
		"id":      account.ID,
		"balance": account.Balance,
	})
}
