package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/schemehub/internal/schemes"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Action enumerates the mutation kinds recorded in the audit trail.
type Action string

const (
	// ActionCreated records the first write of a scheme.
	ActionCreated Action = "created"
	// ActionEdited records an overwrite of an existing scheme.
	ActionEdited Action = "edited"
	// ActionDeleted records the removal of a scheme.
	ActionDeleted Action = "deleted"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidAction indicates an action value outside the allowed set.
	ErrInvalidAction = errors.New("audit: invalid action")
	noOpLogger       = zap.NewNop()
)

// Entry is one immutable row in the append-only audit trail.
type Entry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	SchemeID         string `gorm:"column:scheme_id;size:190;not null;index:idx_audit_scheme_time,priority:1"`
	Actor            string `gorm:"column:actor;size:190;not null"`
	Action           Action `gorm:"column:action;size:16;not null"`
	TimestampSeconds int64  `gorm:"column:timestamp_s;not null;index:idx_audit_scheme_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "scheme_audit_entries"
}

// NewAction validates a raw action string.
func NewAction(rawInput string) (Action, error) {
	switch Action(rawInput) {
	case ActionCreated:
		return ActionCreated, nil
	case ActionEdited:
		return ActionEdited, nil
	case ActionDeleted:
		return ActionDeleted, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, rawInput)
}

// LogConfig describes the dependencies required by the audit log.
type LogConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues unique identifiers for audit entries.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Log is the append-only audit trail over scheme mutations. Appends never
// gate the primary write: callers order the record write first and treat an
// append failure as non-fatal.
type Log struct {
	db         *gorm.DB
	idProvider IDProvider
	logger     *zap.Logger
}

// NewLog constructs a Log after validating its dependencies.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("audit.log.new.missing_database: %w", errMissingDatabase)
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Log{db: cfg.Database, idProvider: idProvider, logger: logger}, nil
}

// Append writes one audit entry. The returned error is informational: callers
// on the edit path log it and move on, the primary mutation stands.
func (l *Log) Append(ctx context.Context, schemeID schemes.SchemeID, actor schemes.Actor, action Action, timestamp time.Time) error {
	entryID, err := l.idProvider.NewID()
	if err != nil {
		l.logger.Error("audit id generation failed", zap.Error(err), zap.String("scheme_id", schemeID.String()))
		return fmt.Errorf("audit.append.id_generation_failed: %w", err)
	}

	entry := Entry{
		EntryID:          entryID,
		SchemeID:         schemeID.String(),
		Actor:            actor.String(),
		Action:           action,
		TimestampSeconds: timestamp.UTC().Unix(),
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		l.logger.Error("audit append failed",
			zap.Error(err),
			zap.String("scheme_id", schemeID.String()),
			zap.String("action", string(action)))
		return fmt.Errorf("audit.append.insert_failed: %w", err)
	}
	return nil
}

// LastEntry returns the most recent audit entry for a scheme, or found=false
// when the scheme has never been touched.
func (l *Log) LastEntry(ctx context.Context, schemeID schemes.SchemeID) (Entry, bool, error) {
	var entry Entry
	err := l.db.WithContext(ctx).
		Where("scheme_id = ?", schemeID.String()).
		Order("timestamp_s DESC, entry_id DESC").
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		l.logger.Error("audit last entry query failed", zap.Error(err), zap.String("scheme_id", schemeID.String()))
		return Entry{}, false, fmt.Errorf("audit.last_entry.query_failed: %w", err)
	}
	return entry, true, nil
}

// History returns up to limit recent entries for a scheme, newest first.
func (l *Log) History(ctx context.Context, schemeID schemes.SchemeID, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("scheme_id = ?", schemeID.String()).
		Order("timestamp_s DESC, entry_id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		l.logger.Error("audit history query failed", zap.Error(err), zap.String("scheme_id", schemeID.String()))
		return nil, fmt.Errorf("audit.history.query_failed: %w", err)
	}
	return entries, nil
}
