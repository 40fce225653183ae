package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/schemehub/internal/actors"
	"github.com/MarcoPoloResearchLab/schemehub/internal/audit"
	"github.com/MarcoPoloResearchLab/schemehub/internal/lease"
	"github.com/MarcoPoloResearchLab/schemehub/internal/schemes"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
// The pool is capped at one connection so lease acquisitions serialize at the
// store; the lease table is the single source of truth for edit rights.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&schemes.Scheme{}, &lease.Lease{}, &audit.Entry{}, &actors.Record{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
