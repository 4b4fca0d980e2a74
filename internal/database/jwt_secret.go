package database

import (
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/emilioale04/steam-clone-sub003/internal/models"
)

const (
	PreferenceJWTSecret = "jwt_secret"
	PreferenceKeySecret = "key_encryption_secret"
)

// EnsureSecret returns the secret stored under key, persisting generated
// when none exists yet. Generated secrets then survive restarts.
func EnsureSecret(db *gorm.DB, key, generated string) string {
	if db == nil {
		log.Warnf("Database not connected, cannot persist %s", key)
		return generated
	}

	var pref models.SystemPreference
	result := db.Where("key = ?", key).First(&pref)
	if result.Error == nil && pref.Value != "" {
		log.Infof("%s loaded from database", key)
		return pref.Value
	}

	pref = models.SystemPreference{
		Key:       key,
		Value:     generated,
		ValueType: "string",
	}

	if err := db.Create(&pref).Error; err != nil {
		// Another instance may have won the insert; prefer its value.
		var existing models.SystemPreference
		if db.Where("key = ?", key).First(&existing).Error == nil && existing.Value != "" {
			return existing.Value
		}
		log.WithError(err).Warnf("Could not persist %s", key)
		return generated
	}

	log.Infof("%s generated and persisted to database", key)
	return generated
}
