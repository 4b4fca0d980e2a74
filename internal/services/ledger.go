package services

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/apperr"
	"github.com/emilioale04/steam-clone-sub003/internal/clock"
	"github.com/emilioale04/steam-clone-sub003/internal/metrics"
	"github.com/emilioale04/steam-clone-sub003/internal/models"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

const (
	OperationPayment = "payment"
	OperationReload  = "reload"

	maxIdempotencyKeyLen = 128
	unlockTimeout        = 10 * time.Second
)

// Caller-facing messages.
const (
	msgMissingIdempotencyKey = "Se requiere una clave de idempotencia"
	msgIdempotencyKeyTooLong = "La clave de idempotencia es demasiado larga"
	msgIdempotencyKeyReused  = "La clave de idempotencia ya fue usada para otra operación"
	msgAmountNotPositive     = "El monto debe ser mayor a 0"
	msgAmountDecimals        = "El monto debe tener máximo 2 decimales"
	msgAlreadyProcessed      = "Esta operación ya fue procesada"
	msgInProgress            = "La operación está en curso, espera unos segundos"
	msgInsufficientFunds     = "Saldo insuficiente"
	msgDailyLimit            = "Se excede el límite diario de recarga de $%s (disponible hoy: $%s)"
	defaultReloadDescription = "Recarga de billetera"
)

var (
	DefaultMaxDailyReload = decimal.RequireFromString("500.00")
	DefaultCooldown       = 5 * time.Second
)

// LedgerConfig tunes the ledger service.
type LedgerConfig struct {
	MaxDailyReload  decimal.Decimal
	Cooldown        time.Duration
	Location        *time.Location
	FallbackLockTTL time.Duration
}

func (c LedgerConfig) withDefaults() LedgerConfig {
	if !c.MaxDailyReload.IsPositive() {
		c.MaxDailyReload = DefaultMaxDailyReload
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.FallbackLockTTL <= 0 {
		c.FallbackLockTTL = 10 * time.Second
	}
	return c
}

// PaymentRequest debits an account for a purchase.
type PaymentRequest struct {
	AccountID      string
	Amount         decimal.Decimal
	Description    string
	ReferenceType  *string
	ReferenceID    *string
	IdempotencyKey string
}

// ReloadRequest credits an account.
type ReloadRequest struct {
	AccountID      string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// LedgerResult is the outcome of an applied balance change. An
// AlreadyProcessed error is returned together with the original result.
type LedgerResult struct {
	TransactionID string          `json:"transaction_id"`
	NewBalance    decimal.Decimal `json:"new_balance"`
}

// BalanceView is an account's current balance.
type BalanceView struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	IsLimited bool            `json:"is_limited"`
}

// UnlockResult reports whether a reload lifted the account's restrictions.
type UnlockResult struct {
	JustUnlocked bool `json:"just_unlocked"`
}

// UnlockHook is notified after every completed reload.
type UnlockHook interface {
	MaybeUnlock(ctx context.Context, accountID string) (UnlockResult, error)
}

// LedgerService applies idempotent purchases and reloads.
type LedgerService struct {
	store  store.LedgerStore
	guard  OperationGuard
	locker Locker
	unlock UnlockHook
	clock  clock.Clock
	log    logrus.FieldLogger
	cfg    LedgerConfig

	atomicDown atomic.Bool
	onUnlock   func(accountID string, res UnlockResult, err error)
}

// LedgerOption customises a LedgerService.
type LedgerOption func(*LedgerService)

func WithGuard(g OperationGuard) LedgerOption {
	return func(s *LedgerService) { s.guard = g }
}

func WithLocker(l Locker) LedgerOption {
	return func(s *LedgerService) { s.locker = l }
}

func WithUnlockHook(h UnlockHook) LedgerOption {
	return func(s *LedgerService) { s.unlock = h }
}

func WithLedgerClock(c clock.Clock) LedgerOption {
	return func(s *LedgerService) { s.clock = c }
}

func WithLedgerLogger(l logrus.FieldLogger) LedgerOption {
	return func(s *LedgerService) { s.log = l }
}

// WithUnlockObserver is called after each unlock notification finishes.
func WithUnlockObserver(fn func(accountID string, res UnlockResult, err error)) LedgerOption {
	return func(s *LedgerService) { s.onUnlock = fn }
}

func NewLedgerService(st store.LedgerStore, cfg LedgerConfig, opts ...LedgerOption) *LedgerService {
	s := &LedgerService{
		store: st,
		clock: clock.NewSystem(),
		log:   logrus.StandardLogger(),
		cfg:   cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = NewMemoryGuard(s.clock)
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker()
	}
	return s
}

type operation struct {
	name        string
	txType      models.TransactionType
	accountID   string
	key         string
	amount      decimal.Decimal
	delta       decimal.Decimal
	description string
	refType     *string
	refID       *string
}

// ProcessPayment debits req.Amount exactly once per idempotency key.
func (s *LedgerService) ProcessPayment(ctx context.Context, req PaymentRequest) (*LedgerResult, error) {
	const op = "ProcessPayment"
	start := time.Now()

	res, err := s.processPayment(ctx, op, req)
	metrics.RecordLedgerOperation(OperationPayment, resultLabel(err), time.Since(start))
	return res, err
}

func (s *LedgerService) processPayment(ctx context.Context, op string, req PaymentRequest) (*LedgerResult, error) {
	key, err := validateIdempotencyKey(op, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(op, req.Amount); err != nil {
		return nil, err
	}

	return s.execute(ctx, op, operation{
		name:        OperationPayment,
		txType:      models.TransactionTypePurchase,
		accountID:   req.AccountID,
		key:         key,
		amount:      req.Amount,
		delta:       req.Amount.Neg(),
		description: strings.TrimSpace(req.Description),
		refType:     req.ReferenceType,
		refID:       req.ReferenceID,
	})
}

// ReloadWallet credits req.Amount exactly once per idempotency key, subject
// to the daily reload cap.
func (s *LedgerService) ReloadWallet(ctx context.Context, req ReloadRequest) (*LedgerResult, error) {
	const op = "ReloadWallet"
	start := time.Now()

	res, err := s.reloadWallet(ctx, op, req)
	metrics.RecordLedgerOperation(OperationReload, resultLabel(err), time.Since(start))
	return res, err
}

func (s *LedgerService) reloadWallet(ctx context.Context, op string, req ReloadRequest) (*LedgerResult, error) {
	key, err := validateIdempotencyKey(op, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(op, req.Amount); err != nil {
		return nil, err
	}

	res, err := s.execute(ctx, op, operation{
		name:        OperationReload,
		txType:      models.TransactionTypeReload,
		accountID:   req.AccountID,
		key:         key,
		amount:      req.Amount,
		delta:       req.Amount,
		description: defaultReloadDescription,
	})
	if err == nil {
		s.notifyUnlock(ctx, req.AccountID)
	}
	return res, err
}

// GetDailyReloadTotal sums completed reloads since local midnight. Storage
// failures yield zero; limit checks never rely on this value.
func (s *LedgerService) GetDailyReloadTotal(ctx context.Context, accountID string) decimal.Decimal {
	total, err := s.store.SumCompletedReloads(ctx, accountID, s.startOfDay())
	if err != nil {
		s.log.WithError(err).WithField("account_id", accountID).Warn("daily reload total unavailable")
		return decimal.Zero
	}
	return total
}

// GetBalance returns the account's balance. Accounts without a wallet read
// as an empty, limited wallet.
func (s *LedgerService) GetBalance(ctx context.Context, accountID string) (*BalanceView, error) {
	w, err := s.store.GetWallet(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return &BalanceView{AccountID: accountID, Balance: decimal.Zero, IsLimited: true}, nil
	}
	if err != nil {
		return nil, apperr.Storage("GetBalance", err)
	}
	return &BalanceView{AccountID: accountID, Balance: w.Balance, IsLimited: w.IsLimited}, nil
}

// MaxDailyReload exposes the configured cap.
func (s *LedgerService) MaxDailyReload() decimal.Decimal {
	return s.cfg.MaxDailyReload
}

func (s *LedgerService) startOfDay() time.Time {
	return clock.StartOfDay(s.clock.Now(), s.cfg.Location)
}

func validateIdempotencyKey(op, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", apperr.New(apperr.KindMissingIdempotencyKey, op, msgMissingIdempotencyKey)
	}
	if len(key) > maxIdempotencyKeyLen {
		return "", apperr.New(apperr.KindInvalidArgument, op, msgIdempotencyKeyTooLong)
	}
	return key, nil
}

func validateAmount(op string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return apperr.New(apperr.KindInvalidAmount, op, msgAmountDecimals)
	}
	if !amount.IsPositive() {
		return apperr.New(apperr.KindInvalidAmount, op, msgAmountNotPositive)
	}
	return nil
}

// execute drives the per-key state machine:
// absent -> pending -> completed | failed.
func (s *LedgerService) execute(ctx context.Context, op string, o operation) (*LedgerResult, error) {
	log := s.log.WithFields(logrus.Fields{
		"op":              op,
		"account_id":      o.accountID,
		"idempotency_key": o.key,
	})

	existing, err := s.store.FindTransaction(ctx, o.accountID, o.key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Storage(op, err)
	}
	if existing != nil {
		if res, err := s.resolveExisting(op, o, existing); res != nil || err != nil {
			return res, err
		}
	}

	guardKey := o.accountID + ":" + o.key
	acquired, gerr := s.guard.Acquire(ctx, guardKey, s.cfg.Cooldown)
	if gerr != nil {
		// The pending row and its row lock still protect the operation.
		log.WithError(gerr).Warn("operation guard unavailable")
	} else {
		if !acquired {
			return nil, apperr.New(apperr.KindOperationInProgress, op, msgInProgress)
		}
		defer func() {
			if err := s.guard.Release(context.WithoutCancel(ctx), guardKey); err != nil {
				log.WithError(err).Warn("operation guard release failed")
			}
		}()
	}

	if o.txType == models.TransactionTypeReload {
		if err := s.checkDailyLimit(ctx, op, o); err != nil {
			return nil, err
		}
	}

	if err := s.store.EnsureWallet(ctx, o.accountID); err != nil {
		return nil, apperr.Storage(op, err)
	}

	row, res, err := s.claim(ctx, op, o, existing)
	if res != nil || err != nil {
		return res, err
	}

	res, err = s.apply(ctx, op, o, row)
	if err != nil {
		log.WithError(err).Warn("ledger operation failed")
		return res, err
	}
	log.WithFields(logrus.Fields{
		"transaction_id": res.TransactionID,
		"amount":         o.delta.StringFixed(2),
		"balance":        res.NewBalance.StringFixed(2),
	}).Info("ledger operation completed")
	return res, nil
}

// resolveExisting short-circuits repeated keys. A nil result and nil error
// means the row is failed or stale pending and may be retried.
func (s *LedgerService) resolveExisting(op string, o operation, tx *models.Transaction) (*LedgerResult, error) {
	if tx.Type != o.txType {
		return nil, apperr.New(apperr.KindInvalidArgument, op, msgIdempotencyKeyReused)
	}
	switch tx.Status {
	case models.TransactionStatusCompleted:
		return resultOf(tx), apperr.New(apperr.KindAlreadyProcessed, op, msgAlreadyProcessed)
	case models.TransactionStatusPending:
		if s.clock.Now().Sub(tx.UpdatedAt) < s.cfg.Cooldown {
			return nil, apperr.New(apperr.KindOperationInProgress, op, msgInProgress)
		}
	}
	return nil, nil
}

func resultOf(tx *models.Transaction) *LedgerResult {
	return &LedgerResult{TransactionID: tx.ID, NewBalance: tx.BalanceAfter.Decimal}
}

func (s *LedgerService) checkDailyLimit(ctx context.Context, op string, o operation) error {
	total, err := s.store.SumCompletedReloads(ctx, o.accountID, s.startOfDay())
	if err != nil {
		return apperr.Storage(op, err)
	}
	if total.Add(o.amount).GreaterThan(s.cfg.MaxDailyReload) {
		remaining := s.cfg.MaxDailyReload.Sub(total)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		return apperr.Newf(apperr.KindDailyLimitExceeded, op, msgDailyLimit,
			s.cfg.MaxDailyReload.StringFixed(2), remaining.StringFixed(2))
	}
	return nil
}

// claim inserts the pending row, or moves a failed or stale one back to
// pending. Losing a race to another request resolves through the winner's row.
func (s *LedgerService) claim(ctx context.Context, op string, o operation, existing *models.Transaction) (*models.Transaction, *LedgerResult, error) {
	now := s.clock.Now()

	if existing != nil {
		err := s.store.RestartTransaction(ctx, existing.ID, o.delta, now)
		if err == nil {
			existing.Status = models.TransactionStatusPending
			existing.Amount = o.delta
			return existing, nil, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, nil, apperr.Storage(op, err)
		}
		return s.lostRace(ctx, op, o)
	}

	row := &models.Transaction{
		ID:             uuid.NewString(),
		AccountID:      o.accountID,
		IdempotencyKey: o.key,
		Type:           o.txType,
		Amount:         o.delta,
		Status:         models.TransactionStatusPending,
		Description:    o.description,
		ReferenceType:  o.refType,
		ReferenceID:    o.refID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.store.CreateTransaction(ctx, row)
	if err == nil {
		return row, nil, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return nil, nil, apperr.Storage(op, err)
	}
	return s.lostRace(ctx, op, o)
}

func (s *LedgerService) lostRace(ctx context.Context, op string, o operation) (*models.Transaction, *LedgerResult, error) {
	current, err := s.store.FindTransaction(ctx, o.accountID, o.key)
	if err != nil {
		return nil, nil, apperr.Storage(op, err)
	}
	if res, err := s.resolveExisting(op, o, current); res != nil || err != nil {
		return nil, res, err
	}
	return nil, nil, apperr.New(apperr.KindOperationInProgress, op, msgInProgress)
}

// mutateFunc changes the balance inside the apply transaction.
type mutateFunc func(ctx context.Context, o operation) (decimal.Decimal, error)

func (s *LedgerService) apply(ctx context.Context, op string, o operation, row *models.Transaction) (*LedgerResult, error) {
	if !s.atomicDown.Load() {
		res, err := s.applyWith(ctx, op, o, row, s.mutateAtomic)
		if !errors.Is(err, store.ErrAtomicUnavailable) {
			return s.settle(ctx, op, row, res, err)
		}
		s.atomicDown.Store(true)
		s.log.Warn("ledger_apply_change unavailable; using locked read-modify-write for balance changes")
	}

	metrics.RecordLedgerFallback()
	unlock, err := s.locker.Lock(ctx, "wallet:"+o.accountID, s.cfg.FallbackLockTTL)
	if err != nil {
		return s.settle(ctx, op, row, nil, err)
	}
	defer unlock()

	res, err := s.applyWith(ctx, op, o, row, s.mutateReadModifyWrite)
	return s.settle(ctx, op, row, res, err)
}

// applyWith runs the balance change and completes the row in one database
// transaction. The row lock makes a second applier see the first's outcome.
func (s *LedgerService) applyWith(ctx context.Context, op string, o operation, row *models.Transaction, mutate mutateFunc) (*LedgerResult, error) {
	var res *LedgerResult
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		locked, err := s.store.LockTransaction(ctx, row.ID)
		if err != nil {
			return err
		}
		switch locked.Status {
		case models.TransactionStatusCompleted:
			res = resultOf(locked)
			return apperr.New(apperr.KindAlreadyProcessed, op, msgAlreadyProcessed)
		case models.TransactionStatusFailed:
			return apperr.New(apperr.KindOperationInProgress, op, msgInProgress)
		}

		if o.txType == models.TransactionTypeReload {
			// Serialise reloads per account and re-derive the day's total.
			if _, err := s.store.LockWallet(ctx, o.accountID); err != nil {
				return err
			}
			if err := s.checkDailyLimit(ctx, op, o); err != nil {
				return err
			}
		}

		balance, err := mutate(ctx, o)
		if err != nil {
			return err
		}
		if err := s.store.CompleteTransaction(ctx, row.ID, balance, s.clock.Now()); err != nil {
			return err
		}
		res = &LedgerResult{TransactionID: row.ID, NewBalance: balance}
		return nil
	})
	return res, err
}

func (s *LedgerService) mutateAtomic(ctx context.Context, o operation) (decimal.Decimal, error) {
	return s.store.ApplyBalanceDelta(ctx, o.accountID, o.delta)
}

func (s *LedgerService) mutateReadModifyWrite(ctx context.Context, o operation) (decimal.Decimal, error) {
	w, err := s.store.GetWallet(ctx, o.accountID)
	if err != nil {
		return decimal.Zero, err
	}
	next := w.Balance.Add(o.delta)
	if next.IsNegative() {
		return decimal.Zero, store.ErrInsufficientBalance
	}
	if err := s.store.SetBalance(ctx, o.accountID, next); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

// settle maps the apply outcome to a caller error and records failures on
// the transaction row so the attempt is never silently lost.
func (s *LedgerService) settle(ctx context.Context, op string, row *models.Transaction, res *LedgerResult, err error) (*LedgerResult, error) {
	if err == nil {
		return res, nil
	}

	var out error
	reason := ""
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		reason = apperr.KindInsufficientFunds.String()
		out = apperr.New(apperr.KindInsufficientFunds, op, msgInsufficientFunds)
	case apperr.KindOf(err) == apperr.KindDailyLimitExceeded:
		reason = apperr.KindDailyLimitExceeded.String()
		out = err
	case apperr.KindOf(err) == apperr.KindAlreadyProcessed:
		return res, err
	case apperr.KindOf(err) == apperr.KindOperationInProgress:
		return nil, err
	default:
		reason = apperr.KindStorage.String()
		out = apperr.Storage(op, err)
	}

	failErr := s.store.FailTransaction(context.WithoutCancel(ctx), row.ID, reason, s.clock.Now())
	if failErr != nil && !errors.Is(failErr, store.ErrConflict) {
		s.log.WithError(failErr).WithField("transaction_id", row.ID).Error("could not mark transaction failed")
	}
	return nil, out
}

// notifyUnlock runs the limited-account hook without blocking the caller.
func (s *LedgerService) notifyUnlock(ctx context.Context, accountID string) {
	if s.unlock == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()

		res, err := s.unlock.MaybeUnlock(ctx, accountID)
		if err != nil {
			s.log.WithError(err).WithField("account_id", accountID).Warn("limited account check failed")
		} else if res.JustUnlocked {
			s.log.WithField("account_id", accountID).Info("limited account unlocked")
		}
		if s.onUnlock != nil {
			s.onUnlock(accountID, res, err)
		}
	}()
}
