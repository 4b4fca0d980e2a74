package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType represents the type of transaction
type TransactionType string

const (
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeReload   TransactionType = "reload"
)

// TransactionStatus tracks an idempotent balance operation.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Transaction is the ledger row paired with every balance change. Amount is
// signed: negative for purchases, positive for reloads.
type Transaction struct {
	ID             string              `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	AccountID      string              `gorm:"column:account_id;type:uuid;not null;uniqueIndex:idx_transactions_account_idem,priority:1" json:"account_id"`
	IdempotencyKey string              `gorm:"column:idempotency_key;size:128;not null;uniqueIndex:idx_transactions_account_idem,priority:2" json:"-"`
	Type           TransactionType     `gorm:"column:type;size:20;not null;index" json:"type"`
	Amount         decimal.Decimal     `gorm:"column:amount;type:decimal(15,2);not null" json:"amount"`
	BalanceAfter   decimal.NullDecimal `gorm:"column:balance_after;type:decimal(15,2)" json:"balance_after"`
	Status         TransactionStatus   `gorm:"column:status;size:20;not null;default:pending;index" json:"status"`
	Description    string              `gorm:"column:description;size:500" json:"description"`
	ReferenceType  *string             `gorm:"column:reference_type;size:50" json:"reference_type,omitempty"`
	ReferenceID    *string             `gorm:"column:reference_id;size:100" json:"reference_id,omitempty"`
	FailureReason  string              `gorm:"column:failure_reason;size:255" json:"-"`

	CreatedAt   time.Time  `gorm:"column:created_at;index" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at" json:"updated_at"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// Wallet is the per-account balance. It is mutated only through the ledger.
type Wallet struct {
	AccountID string          `gorm:"column:account_id;primaryKey;type:uuid" json:"account_id"`
	Balance   decimal.Decimal `gorm:"column:balance;type:decimal(15,2);not null;default:0" json:"balance"`
	IsLimited bool            `gorm:"column:is_limited;not null;default:true" json:"is_limited"`
	CreatedAt time.Time       `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}
