package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeListColumns = "2026-07-14_normalize_scheme_list_columns"

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
		{name: migrationNormalizeListColumns, apply: normalizeSchemeListColumns},
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

// normalizeSchemeListColumns repairs rows imported before list columns were
// guaranteed to hold JSON arrays: empty strings become empty arrays.
func normalizeSchemeListColumns(db *gorm.DB) error {
	for _, column := range []string{"eligibility_json", "assistance_json", "required_documents_json"} {
		statement := "UPDATE schemes SET " + column + " = '[]' WHERE " + column + " = '' OR " + column + " IS NULL;"
		if err := db.Exec(statement).Error; err != nil {
			return err
		}
	}
	return nil
}
