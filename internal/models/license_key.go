package models

import "time"

// KeyState is the lifecycle state of a license key.
type KeyState string

const (
	KeyStateActive      KeyState = "active"
	KeyStateRedeemed    KeyState = "redeemed"
	KeyStateDeactivated KeyState = "deactivated"
)

// Display labels shown to the owning developer.
const (
	EstadoActiva      = "Activa"
	EstadoCanjeada    = "Canjeada"
	EstadoDesactivada = "Desactivada"
)

// Product is a sellable application owned by a developer account.
type Product struct {
	ID             string    `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	OwnerAccountID string    `gorm:"column:owner_account_id;type:uuid;not null;index" json:"owner_account_id"`
	Name           string    `gorm:"column:name;size:200;not null" json:"name"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
}

func (Product) TableName() string {
	return "products"
}

// LicenseKey is an issued key. Only the ciphertext and a fingerprint of the
// plaintext are stored. Rows are never deleted.
type LicenseKey struct {
	ID                  string     `gorm:"column:id;primaryKey;type:uuid" json:"id"`
	ProductID           string     `gorm:"column:product_id;type:uuid;not null;index" json:"product_id"`
	OwnerAccountID      string     `gorm:"column:owner_account_id;type:uuid;not null" json:"owner_account_id"`
	Ciphertext          string     `gorm:"column:ciphertext;type:text;not null" json:"-"`
	Fingerprint         string     `gorm:"column:fingerprint;size:64;not null;uniqueIndex" json:"-"`
	State               KeyState   `gorm:"column:state;size:20;not null;default:active;index" json:"state"`
	IssuedAt            time.Time  `gorm:"column:issued_at;not null" json:"issued_at"`
	DeactivatedAt       *time.Time `gorm:"column:deactivated_at" json:"deactivated_at,omitempty"`
	DeactivationReason  *string    `gorm:"column:deactivation_reason;size:255" json:"deactivation_reason,omitempty"`
	RedeemedByAccountID *string    `gorm:"column:redeemed_by_account_id;type:uuid" json:"redeemed_by_account_id,omitempty"`
	RedeemedAt          *time.Time `gorm:"column:redeemed_at" json:"redeemed_at,omitempty"`
}

func (LicenseKey) TableName() string {
	return "license_keys"
}

// Estado derives the display label from state and redemption timestamp.
func (k LicenseKey) Estado() string {
	switch {
	case k.State == KeyStateRedeemed || k.RedeemedAt != nil:
		return EstadoCanjeada
	case k.State == KeyStateDeactivated:
		return EstadoDesactivada
	default:
		return EstadoActiva
	}
}
