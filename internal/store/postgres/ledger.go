package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/emilioale04/steam-clone-sub003/internal/models"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

// LedgerRepository stores wallets and transactions.
type LedgerRepository struct {
	db *gorm.DB
}

var _ store.LedgerStore = (*LedgerRepository)(nil)

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.db, fn)
}

func (r *LedgerRepository) EnsureWallet(ctx context.Context, accountID string) error {
	w := models.Wallet{AccountID: accountID, Balance: decimal.Zero, IsLimited: true}
	if err := conn(ctx, r.db).Clauses(clause.OnConflict{DoNothing: true}).Create(&w).Error; err != nil {
		if isInvalidUUID(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("ensure wallet: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetWallet(ctx context.Context, accountID string) (*models.Wallet, error) {
	var w models.Wallet
	if err := conn(ctx, r.db).Where("account_id = ?", accountID).First(&w).Error; err != nil {
		if err = notFound(err); err == store.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

func (r *LedgerRepository) LockWallet(ctx context.Context, accountID string) (*models.Wallet, error) {
	var w models.Wallet
	err := conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&w).Error
	if err != nil {
		if err = notFound(err); err == store.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &w, nil
}

// ApplyBalanceDelta calls ledger_apply_change, which performs the
// conditional update and returns NULL when the result would be negative.
func (r *LedgerRepository) ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.NullDecimal
	err := conn(ctx, r.db).
		Raw("SELECT ledger_apply_change(?, ?)", accountID, delta).
		Row().
		Scan(&balance)
	if err != nil {
		if isUndefinedFunction(err) {
			return decimal.Zero, store.ErrAtomicUnavailable
		}
		return decimal.Zero, fmt.Errorf("apply balance change: %w", err)
	}
	if !balance.Valid {
		return decimal.Zero, store.ErrInsufficientBalance
	}
	return balance.Decimal, nil
}

func (r *LedgerRepository) SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error {
	res := conn(ctx, r.db).Model(&models.Wallet{}).
		Where("account_id = ?", accountID).
		Update("balance", balance)
	if res.Error != nil {
		return fmt.Errorf("set balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *LedgerRepository) SetLimited(ctx context.Context, accountID string, limited bool) error {
	res := conn(ctx, r.db).Model(&models.Wallet{}).
		Where("account_id = ?", accountID).
		Update("is_limited", limited)
	if res.Error != nil {
		return fmt.Errorf("set limited: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *LedgerRepository) FindTransaction(ctx context.Context, accountID, idempotencyKey string) (*models.Transaction, error) {
	var tx models.Transaction
	err := conn(ctx, r.db).
		Where("account_id = ? AND idempotency_key = ?", accountID, idempotencyKey).
		First(&tx).Error
	if err != nil {
		if err = notFound(err); err == store.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	return &tx, nil
}

func (r *LedgerRepository) LockTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var tx models.Transaction
	err := conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", transactionID).
		First(&tx).Error
	if err != nil {
		if err = notFound(err); err == store.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("lock transaction: %w", err)
	}
	return &tx, nil
}

func (r *LedgerRepository) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	res := conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(tx)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("create transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (r *LedgerRepository) RestartTransaction(ctx context.Context, transactionID string, amount decimal.Decimal, at time.Time) error {
	res := conn(ctx, r.db).Model(&models.Transaction{}).
		Where("id = ? AND status <> ?", transactionID, models.TransactionStatusCompleted).
		Updates(map[string]interface{}{
			"status":         models.TransactionStatusPending,
			"amount":         amount,
			"failure_reason": "",
			"updated_at":     at,
		})
	if res.Error != nil {
		return fmt.Errorf("restart transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (r *LedgerRepository) CompleteTransaction(ctx context.Context, transactionID string, balanceAfter decimal.Decimal, at time.Time) error {
	return r.finish(ctx, transactionID, map[string]interface{}{
		"status":        models.TransactionStatusCompleted,
		"balance_after": balanceAfter,
		"completed_at":  at,
		"updated_at":    at,
	})
}

func (r *LedgerRepository) FailTransaction(ctx context.Context, transactionID, reason string, at time.Time) error {
	return r.finish(ctx, transactionID, map[string]interface{}{
		"status":         models.TransactionStatusFailed,
		"failure_reason": reason,
		"updated_at":     at,
	})
}

// finish moves a pending row to a terminal status.
func (r *LedgerRepository) finish(ctx context.Context, transactionID string, values map[string]interface{}) error {
	res := conn(ctx, r.db).Model(&models.Transaction{}).
		Where("id = ? AND status = ?", transactionID, models.TransactionStatusPending).
		Updates(values)
	if res.Error != nil {
		return fmt.Errorf("finish transaction: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrConflict
	}
	return nil
}

func (r *LedgerRepository) FailStalePending(ctx context.Context, before time.Time, reason string, at time.Time) (int64, error) {
	res := conn(ctx, r.db).Model(&models.Transaction{}).
		Where("status = ? AND updated_at < ?", models.TransactionStatusPending, before).
		Updates(map[string]interface{}{
			"status":         models.TransactionStatusFailed,
			"failure_reason": reason,
			"updated_at":     at,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail stale pending: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *LedgerRepository) SumCompletedReloads(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM transactions
WHERE account_id = ? AND type = ? AND status = ?`
	args := []interface{}{accountID, models.TransactionTypeReload, models.TransactionStatusCompleted}
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, since)
	}

	var total decimal.Decimal
	if err := conn(ctx, r.db).Raw(query, args...).Row().Scan(&total); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("sum reloads: %w", err)
	}
	return total, nil
}
