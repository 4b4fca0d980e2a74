package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/emilioale04/steam-clone-sub003/internal/models"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

// KeyRepository stores products and license keys.
type KeyRepository struct {
	db *gorm.DB
}

var _ store.KeyStore = (*KeyRepository)(nil)

func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

func (r *KeyRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.db, fn)
}

func (r *KeyRepository) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	var p models.Product
	if err := conn(ctx, r.db).Where("id = ?", productID).First(&p).Error; err != nil {
		if err = notFound(err); err == store.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

func (r *KeyRepository) LockProduct(ctx context.Context, productID string) (*models.Product, error) {
	var p models.Product
	err := conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", productID).
		First(&p).Error
	if err != nil {
		if err = notFound(err); err == store.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("lock product: %w", err)
	}
	return &p, nil
}

func (r *KeyRepository) CountKeys(ctx context.Context, productID string) (int64, error) {
	var n int64
	err := conn(ctx, r.db).Model(&models.LicenseKey{}).Where("product_id = ?", productID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count keys: %w", err)
	}
	return n, nil
}

func (r *KeyRepository) CreateKey(ctx context.Context, key *models.LicenseKey) error {
	res := conn(ctx, r.db).Clauses(clause.OnConflict{DoNothing: true}).Create(key)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("create key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrDuplicate
	}
	return nil
}

func (r *KeyRepository) ListKeys(ctx context.Context, productID string) ([]models.LicenseKey, error) {
	var keys []models.LicenseKey
	err := conn(ctx, r.db).
		Where("product_id = ?", productID).
		Order("issued_at DESC, id").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

func (r *KeyRepository) GetKey(ctx context.Context, keyID string) (*models.LicenseKey, error) {
	var k models.LicenseKey
	if err := conn(ctx, r.db).Where("id = ?", keyID).First(&k).Error; err != nil {
		if err = notFound(err); err == store.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	return &k, nil
}

func (r *KeyRepository) GetKeyByFingerprint(ctx context.Context, fingerprint string) (*models.LicenseKey, error) {
	var k models.LicenseKey
	if err := conn(ctx, r.db).Where("fingerprint = ?", fingerprint).First(&k).Error; err != nil {
		if err = notFound(err); err == store.ErrNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("get key by fingerprint: %w", err)
	}
	return &k, nil
}

func (r *KeyRepository) DeactivateKey(ctx context.Context, keyID, reason string, at time.Time) error {
	res := conn(ctx, r.db).Model(&models.LicenseKey{}).
		Where("id = ? AND state = ? AND redeemed_at IS NULL", keyID, models.KeyStateActive).
		Updates(map[string]interface{}{
			"state":               models.KeyStateDeactivated,
			"deactivated_at":      at,
			"deactivation_reason": reason,
		})
	if res.Error != nil {
		if isInvalidUUID(res.Error) {
			return store.ErrNotFound
		}
		return fmt.Errorf("deactivate key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetKey(ctx, keyID); err != nil {
			return err
		}
		return store.ErrConflict
	}
	return nil
}
