package schemes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrSchemeNotFound indicates the requested scheme identifier has no record.
	ErrSchemeNotFound = errors.New("schemes: scheme not found")
	// ErrDuplicateSchemeID indicates a create collided with an existing identifier.
	ErrDuplicateSchemeID = errors.New("schemes: scheme id already exists")
	noOpLogger           = zap.NewNop()
)

// StoreError wraps a store failure with a stable operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew      = "schemes.store.new"
	opGetScheme     = "schemes.get"
	opExistsScheme  = "schemes.exists"
	opListSchemeIDs = "schemes.list_ids"
	opCreateScheme  = "schemes.create"
	opReplaceScheme = "schemes.replace"
	opDeleteScheme  = "schemes.delete"
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies required by the scheme store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists scheme records. It performs no locking of its own; callers
// coordinate writes through the lease convention.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store after validating its dependencies.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get loads the scheme for the given identifier.
func (s *Store) Get(ctx context.Context, schemeID SchemeID) (Scheme, error) {
	var scheme Scheme
	err := s.db.WithContext(ctx).
		Where("scheme_id = ?", schemeID.String()).
		Take(&scheme).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Scheme{}, fmt.Errorf("%w: %s", ErrSchemeNotFound, schemeID.String())
	}
	if err != nil {
		s.logError(opGetScheme, "query_failed", err, zap.String("scheme_id", schemeID.String()))
		return Scheme{}, newStoreError(opGetScheme, "query_failed", err)
	}
	return scheme, nil
}

// Exists reports whether a scheme record exists for the identifier.
func (s *Store) Exists(ctx context.Context, schemeID SchemeID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Scheme{}).
		Where("scheme_id = ?", schemeID.String()).
		Count(&count).Error
	if err != nil {
		s.logError(opExistsScheme, "query_failed", err, zap.String("scheme_id", schemeID.String()))
		return false, newStoreError(opExistsScheme, "query_failed", err)
	}
	return count > 0, nil
}

// ListIDs returns every stored scheme identifier in lexical order.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	var identifiers []string
	err := s.db.WithContext(ctx).
		Model(&Scheme{}).
		Order("scheme_id ASC").
		Pluck("scheme_id", &identifiers).Error
	if err != nil {
		s.logError(opListSchemeIDs, "query_failed", err)
		return nil, newStoreError(opListSchemeIDs, "query_failed", err)
	}
	return identifiers, nil
}

// Count returns the number of stored schemes.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Scheme{}).Count(&count).Error
	if err != nil {
		s.logError(opListSchemeIDs, "count_failed", err)
		return 0, newStoreError(opListSchemeIDs, "count_failed", err)
	}
	return count, nil
}

// Create inserts a brand-new scheme record. The identifier must not collide
// with an existing record; duplicate detection happens before the insert and
// the primary-key constraint backstops it.
func (s *Store) Create(ctx context.Context, scheme Scheme) error {
	schemeID, err := NewSchemeID(scheme.SchemeID)
	if err != nil {
		return err
	}
	scheme.SchemeID = schemeID.String()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Scheme{}).
			Where("scheme_id = ?", scheme.SchemeID).
			Count(&count).Error; err != nil {
			s.logError(opCreateScheme, "duplicate_check_failed", err, zap.String("scheme_id", scheme.SchemeID))
			return newStoreError(opCreateScheme, "duplicate_check_failed", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateSchemeID, scheme.SchemeID)
		}
		if err := tx.Create(&scheme).Error; err != nil {
			s.logError(opCreateScheme, "insert_failed", err, zap.String("scheme_id", scheme.SchemeID))
			return newStoreError(opCreateScheme, "insert_failed", err)
		}
		return nil
	})
}

// Replace overwrites the full record for an existing scheme identifier.
func (s *Store) Replace(ctx context.Context, scheme Scheme) error {
	return s.replace(s.db.WithContext(ctx), scheme)
}

// ReplaceTx overwrites the record inside the caller's transaction, so the
// write can share atomicity with a lease check.
func (s *Store) ReplaceTx(tx *gorm.DB, scheme Scheme) error {
	return s.replace(tx, scheme)
}

func (s *Store) replace(db *gorm.DB, scheme Scheme) error {
	schemeID, err := NewSchemeID(scheme.SchemeID)
	if err != nil {
		return err
	}
	scheme.SchemeID = schemeID.String()

	result := db.
		Model(&Scheme{}).
		Where("scheme_id = ?", scheme.SchemeID).
		Select("*").
		Updates(scheme)
	if result.Error != nil {
		s.logError(opReplaceScheme, "update_failed", result.Error, zap.String("scheme_id", scheme.SchemeID))
		return newStoreError(opReplaceScheme, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSchemeNotFound, scheme.SchemeID)
	}
	return nil
}

// Delete removes the scheme record. Deleting an absent identifier reports
// ErrSchemeNotFound.
func (s *Store) Delete(ctx context.Context, schemeID SchemeID) error {
	result := s.db.WithContext(ctx).
		Where("scheme_id = ?", schemeID.String()).
		Delete(&Scheme{})
	if result.Error != nil {
		s.logError(opDeleteScheme, "delete_failed", result.Error, zap.String("scheme_id", schemeID.String()))
		return newStoreError(opDeleteScheme, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrSchemeNotFound, schemeID.String())
	}
	return nil
}

// FromDraft materializes a persistable scheme from an edit draft, normalizing
// list fields and stamping modification metadata.
func FromDraft(draft Draft, actor Actor, modifiedAt time.Time) (Scheme, error) {
	schemeID, err := NewSchemeID(draft.SchemeID)
	if err != nil {
		return Scheme{}, err
	}
	status, err := NewStatus(draft.Status)
	if err != nil {
		return Scheme{}, err
	}

	return Scheme{
		SchemeID:              schemeID.String(),
		Jurisdiction:          draft.Jurisdiction,
		SchemeName:            draft.SchemeName,
		Category:              draft.Category,
		Status:                string(status),
		Ministry:              draft.Ministry,
		TargetGroup:           draft.TargetGroup,
		Objective:             draft.Objective,
		EligibilityJSON:       encodeLines(NormalizeLines(draft.Eligibility)),
		AssistanceJSON:        encodeLines(NormalizeLines(draft.Assistance)),
		KeyBenefits:           draft.KeyBenefits,
		HowToApply:            draft.HowToApply,
		RequiredDocumentsJSON: encodeLines(NormalizeLines(draft.RequiredDocuments)),
		Tags:                  draft.Tags,
		Sources:               draft.Sources,
		LastModifiedBy:        actor.String(),
		LastModifiedAtSeconds: modifiedAt.UTC().Unix(),
	}, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("scheme store error", attrs...)
}
