package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCreatorMembership = "2026-09-14_backfill_creator_membership"

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
		{name: migrationBackfillCreatorMembership, apply: backfillCreatorMembership},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("database: migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillCreatorMembership restores the creator's member row for threads written before creators were enrolled.
func backfillCreatorMembership(db *gorm.DB) error {
	return db.Exec(`INSERT INTO thread_members (thread_id, user_id, user_name, joined_at)
SELECT t.thread_id, t.creator_id, '', t.created_at FROM threads t
WHERE NOT EXISTS (
	SELECT 1 FROM thread_members m WHERE m.thread_id = t.thread_id AND m.user_id = t.creator_id
)`).Error
}
