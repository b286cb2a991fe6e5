package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/spherify/collab/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRepairEmptyDocuments = "2026-09-14_repair_empty_document_content"

	emptyDocumentJSON = `{"ops":[]}`
)

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
		{name: migrationRepairEmptyDocuments, apply: repairEmptyDocuments},
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
			return fmt.Errorf("migration %s: %w", migration.name, err)
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

func repairEmptyDocuments(db *gorm.DB) error {
	return db.Model(&documents.StoredDocument{}).
		Where("trim(content_json) = '' OR content_json = 'null'").
		Update("content_json", emptyDocumentJSON).Error
}
