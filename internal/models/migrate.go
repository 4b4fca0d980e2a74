package models

import (
	_ "embed"
	"fmt"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

//go:embed schema.sql
var schemaSQL string

// SystemPreference represents system-wide preferences
type SystemPreference struct {
	ID        uint   `gorm:"column:id;primaryKey" json:"id"`
	Key       string `gorm:"column:key;size:100;uniqueIndex;not null" json:"key"`
	Value     string `gorm:"column:value;type:text" json:"value"`
	ValueType string `gorm:"column:value_type;size:20;default:string" json:"value_type"` // string, int, bool, json
}

func (SystemPreference) TableName() string {
	return "system_preferences"
}

// AutoMigrate applies the embedded SQL schema. Every statement is idempotent
// so it runs on each boot.
func AutoMigrate(db *gorm.DB) error {
	log.Info("Running database migrations using SQL schema...")

	// PostgreSQL accepts the whole script in one exec.
	if err := db.Exec(schemaSQL).Error; err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	log.Info("Database migrations completed successfully")
	return nil
}
