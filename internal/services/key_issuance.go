package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/apperr"
	"github.com/emilioale04/steam-clone-sub003/internal/clock"
	"github.com/emilioale04/steam-clone-sub003/internal/keycodec"
	"github.com/emilioale04/steam-clone-sub003/internal/metrics"
	"github.com/emilioale04/steam-clone-sub003/internal/models"
	"github.com/emilioale04/steam-clone-sub003/internal/security"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

const (
	DefaultKeyQuota           = 5
	DefaultDeactivationReason = "Desactivada por el desarrollador"

	// Regenerations allowed when a fresh key collides with a stored fingerprint.
	maxFingerprintRetries = 3
)

// Caller-facing messages.
const (
	msgNoProductAccess     = "No tienes permisos para gestionar las claves de este producto"
	msgQuotaExceeded       = "Se alcanzó el límite de %d claves para este producto"
	msgKeyNotFound         = "Clave no encontrada"
	msgKeyRedeemed         = "No se puede desactivar una clave que ya fue canjeada"
	msgKeyDeactivated      = "La clave ya está desactivada"
	msgKeyNotDeactivatable = "La clave cambió de estado, intenta de nuevo"
	msgInvalidKey          = "Formato de clave inválido"
)

// KeyCipher encrypts plaintext keys for storage.
type KeyCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// KeyGenerator produces checksummed plaintext keys.
type KeyGenerator interface {
	GenerateKey(productID string) (string, error)
}

// IssuedKey is returned once, at issuance. The plaintext is not retrievable
// through this type again.
type IssuedKey struct {
	ID           string    `json:"id"`
	PlaintextKey string    `json:"clave"`
	IssuedAt     time.Time `json:"issued_at"`
}

// KeyView is one row of a product's key listing.
type KeyView struct {
	ID                 string     `json:"id"`
	Clave              string     `json:"clave"`
	Estado             string     `json:"estado"`
	IssuedAt           time.Time  `json:"issued_at"`
	DeactivatedAt      *time.Time `json:"deactivated_at,omitempty"`
	DeactivationReason *string    `json:"deactivation_reason,omitempty"`
	RedeemedAt         *time.Time `json:"redeemed_at,omitempty"`
}

// KeySummary aggregates a product's keys by display state.
type KeySummary struct {
	Total        int `json:"total"`
	Activas      int `json:"activas"`
	Canjeadas    int `json:"canjeadas"`
	Desactivadas int `json:"desactivadas"`
	Disponibles  int `json:"disponibles"`
}

type KeyListing struct {
	Keys    []KeyView  `json:"keys"`
	Summary KeySummary `json:"summary"`
}

// KeyLookup is what a fingerprint lookup reveals to the owning account.
type KeyLookup struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Estado    string `json:"estado"`
}

// KeyService issues, lists and deactivates license keys under a per-product
// lifetime quota.
type KeyService struct {
	store     store.KeyStore
	cipher    KeyCipher
	generator KeyGenerator
	clock     clock.Clock
	log       logrus.FieldLogger
	quota     int
}

// KeyServiceOption customises a KeyService.
type KeyServiceOption func(*KeyService)

func WithKeyGenerator(g KeyGenerator) KeyServiceOption {
	return func(s *KeyService) { s.generator = g }
}

func WithKeyClock(c clock.Clock) KeyServiceOption {
	return func(s *KeyService) { s.clock = c }
}

func WithKeyLogger(l logrus.FieldLogger) KeyServiceOption {
	return func(s *KeyService) { s.log = l }
}

func WithKeyQuota(n int) KeyServiceOption {
	return func(s *KeyService) {
		if n > 0 {
			s.quota = n
		}
	}
}

func NewKeyService(st store.KeyStore, cipher KeyCipher, opts ...KeyServiceOption) *KeyService {
	s := &KeyService{
		store:     st,
		cipher:    cipher,
		generator: keycodec.NewGenerator(nil),
		clock:     clock.NewSystem(),
		log:       logrus.StandardLogger(),
		quota:     DefaultKeyQuota,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fingerprint is the stored lookup hash of a plaintext key.
func Fingerprint(plaintext string) string {
	return security.HashString(keycodec.Normalize(plaintext))
}

// IssueKey creates one key for productID. The product row is locked for the
// duration so concurrent issuers cannot both pass the quota check.
func (s *KeyService) IssueKey(ctx context.Context, productID, accountID string) (*IssuedKey, error) {
	const op = "IssueKey"
	log := s.log.WithFields(logrus.Fields{"op": op, "product_id": productID, "account_id": accountID})

	var issued *IssuedKey
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		product, err := s.store.LockProduct(ctx, productID)
		if err != nil {
			return s.productError(op, err)
		}
		if product.OwnerAccountID != accountID {
			return apperr.New(apperr.KindNotAuthorized, op, msgNoProductAccess)
		}

		count, err := s.store.CountKeys(ctx, productID)
		if err != nil {
			return apperr.Storage(op, err)
		}
		if count >= int64(s.quota) {
			return apperr.Newf(apperr.KindQuotaExceeded, op, msgQuotaExceeded, s.quota)
		}

		for attempt := 0; attempt < maxFingerprintRetries; attempt++ {
			plaintext, err := s.generator.GenerateKey(productID)
			if err != nil {
				return &apperr.Error{Kind: apperr.KindUnknown, Op: op, Err: err}
			}
			blob, err := s.cipher.Encrypt(plaintext)
			if err != nil {
				return &apperr.Error{Kind: apperr.KindUnknown, Op: op, Err: err}
			}

			key := &models.LicenseKey{
				ID:             uuid.NewString(),
				ProductID:      productID,
				OwnerAccountID: accountID,
				Ciphertext:     blob,
				Fingerprint:    Fingerprint(plaintext),
				State:          models.KeyStateActive,
				IssuedAt:       s.clock.Now(),
			}
			err = s.store.CreateKey(ctx, key)
			if errors.Is(err, store.ErrDuplicate) {
				log.WithField("attempt", attempt+1).Warn("generated key collided with an existing fingerprint")
				continue
			}
			if err != nil {
				return apperr.Storage(op, err)
			}

			issued = &IssuedKey{ID: key.ID, PlaintextKey: plaintext, IssuedAt: key.IssuedAt}
			return nil
		}
		return apperr.Storage(op, errors.New("exhausted fingerprint retries"))
	})

	metrics.RecordKeyIssued(resultLabel(err))
	if err != nil {
		log.WithError(err).Warn("key issuance failed")
		return nil, err
	}
	log.WithField("key_id", issued.ID).Info("license key issued")
	return issued, nil
}

// ListKeys returns every key of the product, decrypted for its owner.
func (s *KeyService) ListKeys(ctx context.Context, productID, accountID string) (*KeyListing, error) {
	const op = "ListKeys"

	if _, err := s.ownedProduct(ctx, op, productID, accountID); err != nil {
		return nil, err
	}

	rows, err := s.store.ListKeys(ctx, productID)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	listing := &KeyListing{Keys: make([]KeyView, 0, len(rows))}
	for _, row := range rows {
		plaintext, err := s.cipher.Decrypt(row.Ciphertext)
		if err != nil {
			s.log.WithError(err).WithField("key_id", row.ID).Error("stored key failed to decrypt")
			plaintext = ""
		}

		view := KeyView{
			ID:                 row.ID,
			Clave:              plaintext,
			Estado:             row.Estado(),
			IssuedAt:           row.IssuedAt,
			DeactivatedAt:      row.DeactivatedAt,
			DeactivationReason: row.DeactivationReason,
			RedeemedAt:         row.RedeemedAt,
		}
		listing.Keys = append(listing.Keys, view)

		switch view.Estado {
		case models.EstadoActiva:
			listing.Summary.Activas++
		case models.EstadoCanjeada:
			listing.Summary.Canjeadas++
		case models.EstadoDesactivada:
			listing.Summary.Desactivadas++
		}
	}

	listing.Summary.Total = len(rows)
	if avail := s.quota - listing.Summary.Total; avail > 0 {
		listing.Summary.Disponibles = avail
	}
	return listing, nil
}

// DeactivateKey moves an active key to deactivated. Redeemed and already
// deactivated keys are rejected.
func (s *KeyService) DeactivateKey(ctx context.Context, keyID, accountID, reason string) error {
	const op = "DeactivateKey"
	err := s.deactivate(ctx, op, keyID, accountID, reason)
	metrics.RecordKeyDeactivated(resultLabel(err))
	return err
}

func (s *KeyService) deactivate(ctx context.Context, op, keyID, accountID, reason string) error {
	key, err := s.store.GetKey(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, op, msgKeyNotFound)
	}
	if err != nil {
		return apperr.Storage(op, err)
	}

	if _, err := s.ownedProduct(ctx, op, key.ProductID, accountID); err != nil {
		return err
	}
	if err := deactivatable(op, key); err != nil {
		return err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultDeactivationReason
	}

	err = s.store.DeactivateKey(ctx, keyID, reason, s.clock.Now())
	if errors.Is(err, store.ErrConflict) {
		// Redeemed or deactivated between the read and the update.
		current, getErr := s.store.GetKey(ctx, keyID)
		if getErr != nil {
			return apperr.Storage(op, getErr)
		}
		if err := deactivatable(op, current); err != nil {
			return err
		}
		err = s.store.DeactivateKey(ctx, keyID, reason, s.clock.Now())
		if errors.Is(err, store.ErrConflict) {
			return apperr.New(apperr.KindInvalidState, op, msgKeyNotDeactivatable)
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.New(apperr.KindNotFound, op, msgKeyNotFound)
	case err != nil:
		return apperr.Storage(op, err)
	}

	s.log.WithFields(logrus.Fields{"op": op, "key_id": keyID, "account_id": accountID}).Info("license key deactivated")
	return nil
}

func deactivatable(op string, key *models.LicenseKey) error {
	switch key.Estado() {
	case models.EstadoCanjeada:
		return apperr.New(apperr.KindInvalidState, op, msgKeyRedeemed)
	case models.EstadoDesactivada:
		return apperr.New(apperr.KindInvalidState, op, msgKeyDeactivated)
	}
	return nil
}

// LookupKey finds a stored key by its plaintext. Keys of products the caller
// does not own are reported as not found.
func (s *KeyService) LookupKey(ctx context.Context, plaintext, accountID string) (*KeyLookup, error) {
	const op = "LookupKey"

	if !keycodec.IsValidKey(plaintext) {
		return nil, apperr.New(apperr.KindInvalidArgument, op, msgInvalidKey)
	}

	key, err := s.store.GetKeyByFingerprint(ctx, Fingerprint(plaintext))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindNotFound, op, msgKeyNotFound)
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	product, err := s.store.GetProduct(ctx, key.ProductID)
	if err != nil || product.OwnerAccountID != accountID {
		return nil, apperr.New(apperr.KindNotFound, op, msgKeyNotFound)
	}
	return &KeyLookup{ID: key.ID, ProductID: key.ProductID, Estado: key.Estado()}, nil
}

func (s *KeyService) ownedProduct(ctx context.Context, op, productID, accountID string) (*models.Product, error) {
	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, s.productError(op, err)
	}
	if product.OwnerAccountID != accountID {
		return nil, apperr.New(apperr.KindNotAuthorized, op, msgNoProductAccess)
	}
	return product, nil
}

// productError hides whether a product exists from non-owners.
func (s *KeyService) productError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.New(apperr.KindNotAuthorized, op, msgNoProductAccess)
	}
	return apperr.Storage(op, err)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.KindOf(err).String()
}
