package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/schemehub/internal/schemes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultTTL is the window after which an unrenewed lease is considered
// abandoned and may be reclaimed.
const DefaultTTL = 300 * time.Second

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ManagerError wraps a lease store failure with a stable operation.reason code.
type ManagerError struct {
	code string
	err  error
}

func (e *ManagerError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ManagerError) Unwrap() error {
	return e.err
}

func (e *ManagerError) Code() string {
	return e.code
}

const (
	opManagerNew = "lease.manager.new"
	opTryAcquire = "lease.try_acquire"
	opRelease    = "lease.release"
	opPeek       = "lease.peek"
	opCommit     = "lease.commit"
)

func newManagerError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ManagerError{code: code, err: cause}
}

// ManagerConfig describes the dependencies required by the lease manager.
type ManagerConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	Logger   *zap.Logger
}

// Manager grants, renews, and releases exclusive edit leases. Every call is a
// fresh round trip against the lease table; the table is the serialization
// point for all actors.
type Manager struct {
	db     *gorm.DB
	ttl    time.Duration
	logger *zap.Logger
}

// NewManager constructs a Manager after validating its dependencies.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, newManagerError(opManagerNew, "missing_database", errMissingDatabase)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Manager{db: cfg.Database, ttl: ttl, logger: logger}, nil
}

// TTL exposes the configured lease time-to-live.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// TryAcquire attempts to take or keep the exclusive edit lease on a scheme.
//
// The lookup and the conditional write run in one transaction with a locking
// read, so two concurrent acquisitions for the same scheme serialize at the
// store: exactly one observes the missing or expired lease and wins it.
// Denial is a normal outcome, not an error; the competing holder is reported
// so the caller can surface it.
func (m *Manager) TryAcquire(ctx context.Context, schemeID schemes.SchemeID, actor schemes.Actor, now time.Time) (Acquisition, error) {
	nowSeconds := now.UTC().Unix()
	var acquisition Acquisition

	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Lease
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("scheme_id = ?", schemeID.String()).
			Take(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			fresh := Lease{
				SchemeID:          schemeID.String(),
				Holder:            actor.String(),
				AcquiredAtSeconds: nowSeconds,
				RenewedAtSeconds:  nowSeconds,
			}
			if err := tx.Create(&fresh).Error; err != nil {
				m.logError(opTryAcquire, "insert_failed", err, zap.String("scheme_id", schemeID.String()))
				return newManagerError(opTryAcquire, "insert_failed", err)
			}
			acquisition = grantedAcquisition(fresh)
			return nil
		}
		if err != nil {
			m.logError(opTryAcquire, "lookup_failed", err, zap.String("scheme_id", schemeID.String()))
			return newManagerError(opTryAcquire, "lookup_failed", err)
		}

		if !existing.Active(now, m.ttl) {
			// Abandoned lease: reclaim it for the caller. The previous holder
			// gets no notification; their save will surface as lease-lost.
			stolen := Lease{
				SchemeID:          schemeID.String(),
				Holder:            actor.String(),
				AcquiredAtSeconds: nowSeconds,
				RenewedAtSeconds:  nowSeconds,
			}
			if err := tx.Model(&Lease{}).
				Where("scheme_id = ?", schemeID.String()).
				Select("*").
				Updates(stolen).Error; err != nil {
				m.logError(opTryAcquire, "reclaim_failed", err, zap.String("scheme_id", schemeID.String()))
				return newManagerError(opTryAcquire, "reclaim_failed", err)
			}
			m.logger.Info("expired lease reclaimed",
				zap.String("scheme_id", schemeID.String()),
				zap.String("previous_holder", existing.Holder),
				zap.String("holder", actor.String()))
			acquisition = grantedAcquisition(stolen)
			return nil
		}

		if existing.Holder == actor.String() {
			if err := tx.Model(&Lease{}).
				Where("scheme_id = ?", schemeID.String()).
				Update("renewed_at_s", nowSeconds).Error; err != nil {
				m.logError(opTryAcquire, "renew_failed", err, zap.String("scheme_id", schemeID.String()))
				return newManagerError(opTryAcquire, "renew_failed", err)
			}
			acquisition = Acquisition{
				Granted:           true,
				Holder:            actor.String(),
				AcquiredAtSeconds: existing.AcquiredAtSeconds,
				RenewedAtSeconds:  nowSeconds,
			}
			return nil
		}

		acquisition = Acquisition{
			Granted:           false,
			Holder:            existing.Holder,
			AcquiredAtSeconds: existing.AcquiredAtSeconds,
			RenewedAtSeconds:  existing.RenewedAtSeconds,
		}
		return nil
	})

	if txErr != nil {
		return Acquisition{}, txErr
	}
	return acquisition, nil
}

// Release unconditionally drops the lease for a scheme. Releasing a scheme
// with no lease is a no-op. No ownership check is performed; callers are
// expected to release only schemes their own session holds.
func (m *Manager) Release(ctx context.Context, schemeID schemes.SchemeID) error {
	err := m.db.WithContext(ctx).
		Where("scheme_id = ?", schemeID.String()).
		Delete(&Lease{}).Error
	if err != nil {
		m.logError(opRelease, "delete_failed", err, zap.String("scheme_id", schemeID.String()))
		return newManagerError(opRelease, "delete_failed", err)
	}
	return nil
}

// Peek returns the current lease state without mutating it. Expired leases
// are reported as not held even though the stale row still exists; rows are
// only removed lazily by the next contended acquisition or a release.
func (m *Manager) Peek(ctx context.Context, schemeID schemes.SchemeID, now time.Time) (View, error) {
	var existing Lease
	err := m.db.WithContext(ctx).
		Where("scheme_id = ?", schemeID.String()).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return View{}, nil
	}
	if err != nil {
		m.logError(opPeek, "lookup_failed", err, zap.String("scheme_id", schemeID.String()))
		return View{}, newManagerError(opPeek, "lookup_failed", err)
	}
	if !existing.Active(now, m.ttl) {
		return View{}, nil
	}
	return View{
		Held:              true,
		Holder:            existing.Holder,
		AcquiredAtSeconds: existing.AcquiredAtSeconds,
		RenewedAtSeconds:  existing.RenewedAtSeconds,
	}, nil
}

// HeldBy reports whether the given actor holds an active lease on the scheme.
// The answer is advisory: it can go stale the moment it is returned. Writes
// that must not outlive the lease go through CommitHeld instead.
func (m *Manager) HeldBy(ctx context.Context, schemeID schemes.SchemeID, actor schemes.Actor, now time.Time) (bool, error) {
	view, err := m.Peek(ctx, schemeID, now)
	if err != nil {
		return false, err
	}
	return view.Held && view.Holder == actor.String(), nil
}

// CommitHeld runs commit while the actor's active lease on the scheme is
// locked, then drops the lease, all inside one transaction. The locking read
// keeps any concurrent TryAcquire from interleaving between the holder check
// and the write. When the lease is missing, expired, or held by another
// actor, commit does not run and the call reports false. A commit error rolls
// the whole transaction back and leaves the lease untouched.
func (m *Manager) CommitHeld(ctx context.Context, schemeID schemes.SchemeID, actor schemes.Actor, now time.Time, commit func(tx *gorm.DB) error) (bool, error) {
	held := false
	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Lease
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("scheme_id = ?", schemeID.String()).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			m.logError(opCommit, "lookup_failed", err, zap.String("scheme_id", schemeID.String()))
			return newManagerError(opCommit, "lookup_failed", err)
		}
		if !existing.Active(now, m.ttl) || existing.Holder != actor.String() {
			return nil
		}

		if err := commit(tx); err != nil {
			return err
		}

		if err := tx.Where("scheme_id = ? AND holder = ?", schemeID.String(), actor.String()).
			Delete(&Lease{}).Error; err != nil {
			m.logError(opCommit, "release_failed", err, zap.String("scheme_id", schemeID.String()))
			return newManagerError(opCommit, "release_failed", err)
		}
		held = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return held, nil
}

func grantedAcquisition(granted Lease) Acquisition {
	return Acquisition{
		Granted:           true,
		Holder:            granted.Holder,
		AcquiredAtSeconds: granted.AcquiredAtSeconds,
		RenewedAtSeconds:  granted.RenewedAtSeconds,
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("lease manager error", attrs...)
}
