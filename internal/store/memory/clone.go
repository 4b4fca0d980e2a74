package memory

import (
	"strings"

	"github.com/emilioale04/steam-clone-sub003/internal/models"
)

// Callers may hand in strings that alias a reused request buffer (fiber
// params and headers), so everything kept past the call is copied first.

func cloneOpt(s *string) *string {
	if s == nil {
		return nil
	}
	c := strings.Clone(*s)
	return &c
}

func cloneProduct(p models.Product) models.Product {
	p.ID = strings.Clone(p.ID)
	p.OwnerAccountID = strings.Clone(p.OwnerAccountID)
	p.Name = strings.Clone(p.Name)
	return p
}

func cloneWallet(w models.Wallet) models.Wallet {
	w.AccountID = strings.Clone(w.AccountID)
	return w
}

func cloneKey(k models.LicenseKey) models.LicenseKey {
	k.ID = strings.Clone(k.ID)
	k.ProductID = strings.Clone(k.ProductID)
	k.OwnerAccountID = strings.Clone(k.OwnerAccountID)
	k.Ciphertext = strings.Clone(k.Ciphertext)
	k.Fingerprint = strings.Clone(k.Fingerprint)
	k.DeactivationReason = cloneOpt(k.DeactivationReason)
	k.RedeemedByAccountID = cloneOpt(k.RedeemedByAccountID)
	return k
}

func cloneTransaction(tx models.Transaction) models.Transaction {
	tx.ID = strings.Clone(tx.ID)
	tx.AccountID = strings.Clone(tx.AccountID)
	tx.IdempotencyKey = strings.Clone(tx.IdempotencyKey)
	tx.Description = strings.Clone(tx.Description)
	tx.ReferenceType = cloneOpt(tx.ReferenceType)
	tx.ReferenceID = cloneOpt(tx.ReferenceID)
	tx.FailureReason = strings.Clone(tx.FailureReason)
	return tx
}

func cloneAudit(a models.AuditLog) models.AuditLog {
	a.ID = strings.Clone(a.ID)
	a.AccountID = strings.Clone(a.AccountID)
	a.EntityType = strings.Clone(a.EntityType)
	a.EntityID = strings.Clone(a.EntityID)
	a.Method = strings.Clone(a.Method)
	a.Path = strings.Clone(a.Path)
	a.IPAddress = strings.Clone(a.IPAddress)
	a.UserAgent = strings.Clone(a.UserAgent)
	return a
}
