package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/emilioale04/steam-clone-sub003/internal/models"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

// AuditRepository writes audit_logs rows.
type AuditRepository struct {
	db *gorm.DB
}

var _ store.AuditStore = (*AuditRepository)(nil)

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) RecordAudit(ctx context.Context, entry *models.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}
