package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/middleware"
	"github.com/emilioale04/steam-clone-sub003/internal/services"
)

const headerIdempotencyKey = "Idempotency-Key"

type WalletHandler struct {
	ledger *services.LedgerService
	log    logrus.FieldLogger
}

func NewWalletHandler(ledger *services.LedgerService, log logrus.FieldLogger) *WalletHandler {
	return &WalletHandler{ledger: ledger, log: log}
}

type paymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Description    string          `json:"description"`
	ReferenceType  *string         `json:"reference_type"`
	ReferenceID    *string         `json:"reference_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type reloadRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(c *fiber.Ctx, fromBody string) string {
	if h := strings.TrimSpace(c.Get(headerIdempotencyKey)); h != "" {
		return h
	}
	return fromBody
}

// Pay debits the caller's wallet for a purchase
func (h *WalletHandler) Pay(c *fiber.Ctx) error {
	var req paymentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cuerpo de la solicitud inválido")
	}

	res, err := h.ledger.ProcessPayment(c.UserContext(), services.PaymentRequest{
		AccountID:      middleware.GetAccountID(c),
		Amount:         req.Amount,
		Description:    req.Description,
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	return h.ledgerResponse(c, res, err)
}

// Reload credits the caller's wallet
func (h *WalletHandler) Reload(c *fiber.Ctx) error {
	var req reloadRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Cuerpo de la solicitud inválido")
	}

	res, err := h.ledger.ReloadWallet(c.UserContext(), services.ReloadRequest{
		AccountID:      middleware.GetAccountID(c),
		Amount:         req.Amount,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
	})
	return h.ledgerResponse(c, res, err)
}

func (h *WalletHandler) ledgerResponse(c *fiber.Ctx, res *services.LedgerResult, err error) error {
	if err != nil {
		if res != nil {
			return respondError(c, h.log, err, resultBody(res))
		}
		return respondError(c, h.log, err, nil)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    resultBody(res),
	})
}

func resultBody(res *services.LedgerResult) fiber.Map {
	return fiber.Map{
		"transaction_id": res.TransactionID,
		"new_balance":    res.NewBalance.StringFixed(2),
	}
}

// DailyTotal reports today's completed reloads against the cap
func (h *WalletHandler) DailyTotal(c *fiber.Ctx) error {
	total := h.ledger.GetDailyReloadTotal(c.UserContext(), middleware.GetAccountID(c))
	limit := h.ledger.MaxDailyReload()
	remaining := limit.Sub(total)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"total":     total.StringFixed(2),
			"limit":     limit.StringFixed(2),
			"remaining": remaining.StringFixed(2),
		},
	})
}

// Balance returns the caller's wallet balance
func (h *WalletHandler) Balance(c *fiber.Ctx) error {
	view, err := h.ledger.GetBalance(c.UserContext(), middleware.GetAccountID(c))
	if err != nil {
		return respondError(c, h.log, err, nil)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"account_id": view.AccountID,
			"balance":    view.Balance.StringFixed(2),
			"is_limited": view.IsLimited,
		},
	})
}
