package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillFingerprintIndex = "2026-09-14_backfill_fingerprint_index"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillFingerprintIndex, apply: backfillFingerprintIndex},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Records written before the secondary index existed have no index rows.
func backfillFingerprintIndex(db *gorm.DB) error {
	return db.Exec(`INSERT INTO record_fingerprints (content_fingerprint, record_id, sequence)
SELECT r.content_fingerprint, r.record_id, r.sequence
FROM verification_records r
WHERE NOT EXISTS (
	SELECT 1 FROM record_fingerprints f
	WHERE f.content_fingerprint = r.content_fingerprint AND f.record_id = r.record_id
)`).Error
}
