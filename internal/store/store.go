// Package store declares the persistence contracts used by the services.
// Implementations live in store/postgres (gorm) and store/memory.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/emilioale04/steam-clone-sub003/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert hits a unique constraint.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrConflict is returned when a conditional update matched no row.
	ErrConflict = errors.New("store: conflict")
	// ErrInsufficientBalance is returned when a debit would make a balance negative.
	ErrInsufficientBalance = errors.New("store: insufficient balance")
	// ErrAtomicUnavailable is returned when the database lacks the
	// ledger_apply_change function. Callers switch to the locked fallback.
	ErrAtomicUnavailable = errors.New("store: atomic balance primitive unavailable")
)

// TxRunner runs fn inside a transaction. Store calls made with the ctx
// passed to fn join that transaction. Nested calls reuse the outer one.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// KeyStore persists products and license keys.
type KeyStore interface {
	TxRunner

	GetProduct(ctx context.Context, productID string) (*models.Product, error)
	// LockProduct reads the product row with a row lock held until the
	// surrounding transaction ends.
	LockProduct(ctx context.Context, productID string) (*models.Product, error)

	CountKeys(ctx context.Context, productID string) (int64, error)
	// CreateKey inserts a key. A fingerprint collision returns ErrDuplicate
	// without aborting the surrounding transaction.
	CreateKey(ctx context.Context, key *models.LicenseKey) error
	ListKeys(ctx context.Context, productID string) ([]models.LicenseKey, error)
	GetKey(ctx context.Context, keyID string) (*models.LicenseKey, error)
	GetKeyByFingerprint(ctx context.Context, fingerprint string) (*models.LicenseKey, error)
	// DeactivateKey moves an active, unredeemed key to deactivated. It
	// returns ErrConflict when the key is no longer in that state.
	DeactivateKey(ctx context.Context, keyID, reason string, at time.Time) error
}

// LedgerStore persists wallets and their transactions.
type LedgerStore interface {
	TxRunner

	// EnsureWallet creates a zero-balance wallet when none exists.
	EnsureWallet(ctx context.Context, accountID string) error
	GetWallet(ctx context.Context, accountID string) (*models.Wallet, error)
	LockWallet(ctx context.Context, accountID string) (*models.Wallet, error)

	// ApplyBalanceDelta adds delta to the balance in a single statement,
	// refusing results below zero with ErrInsufficientBalance.
	ApplyBalanceDelta(ctx context.Context, accountID string, delta decimal.Decimal) (decimal.Decimal, error)
	// SetBalance overwrites the balance. Only the locked fallback path uses it.
	SetBalance(ctx context.Context, accountID string, balance decimal.Decimal) error
	SetLimited(ctx context.Context, accountID string, limited bool) error

	FindTransaction(ctx context.Context, accountID, idempotencyKey string) (*models.Transaction, error)
	LockTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	// CreateTransaction inserts a pending row. An existing row for the same
	// (account, idempotency key) returns ErrDuplicate.
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	// RestartTransaction puts a failed or stale pending row back to pending.
	// It returns ErrConflict when the row is completed.
	RestartTransaction(ctx context.Context, transactionID string, amount decimal.Decimal, at time.Time) error
	CompleteTransaction(ctx context.Context, transactionID string, balanceAfter decimal.Decimal, at time.Time) error
	FailTransaction(ctx context.Context, transactionID, reason string, at time.Time) error
	// FailStalePending fails pending rows last updated before the cutoff.
	FailStalePending(ctx context.Context, before time.Time, reason string, at time.Time) (int64, error)

	// SumCompletedReloads totals completed reloads created at or after since.
	// A zero since sums the whole history.
	SumCompletedReloads(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error)
}

// AuditStore records audit rows.
type AuditStore interface {
	RecordAudit(ctx context.Context, entry *models.AuditLog) error
}
