package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/schemehub/internal/actors"
	"github.com/MarcoPoloResearchLab/schemehub/internal/audit"
	"github.com/MarcoPoloResearchLab/schemehub/internal/lease"
	"github.com/MarcoPoloResearchLab/schemehub/internal/schemes"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingSchemeStore  = errors.New("scheme store is required")
	errMissingLeaseManager = errors.New("lease manager is required")
	errMissingAuditLog     = errors.New("audit log is required")
	errMissingTokenManager = errors.New("token manager is required")
	// ErrUnknownSession indicates a token whose session is no longer open,
	// typically after a completed save, a cancel, or a process restart.
	ErrUnknownSession = errors.New("session: unknown or closed session")
	noOpLogger        = zap.NewNop()
)

// ControllerError wraps a controller failure with a stable operation.reason code.
type ControllerError struct {
	code string
	err  error
}

func (e *ControllerError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ControllerError) Unwrap() error {
	return e.err
}

func (e *ControllerError) Code() string {
	return e.code
}

const (
	opControllerNew = "session.controller.new"
	opSelect        = "session.select"
	opBeginNew      = "session.begin_new"
	opSave          = "session.save"
	opCancel        = "session.cancel"
	opDelete        = "session.delete"
	opResolve       = "session.resolve"
)

func newControllerError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ControllerError{code: code, err: cause}
}

// ControllerConfig describes the collaborators the controller orchestrates.
type ControllerConfig struct {
	SchemeStore  *schemes.Store
	LeaseManager *lease.Manager
	AuditLog     *audit.Log
	TokenManager *TokenManager
	Actors       *actors.Service
	Events       EventPublisher
	Clock        func() time.Time
	IDProvider   IDProvider
	Logger       *zap.Logger
}

// IDProvider issues unique session identifiers.
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

// Controller drives the per-interaction editing sequence: acquire lease, load
// record, collect edits, validate, commit and release. It refuses to expose
// editable data without a granted lease.
type Controller struct {
	store    *schemes.Store
	leases   *lease.Manager
	auditLog *audit.Log
	tokens   *TokenManager
	actors   *actors.Service
	events   EventPublisher
	clock    func() time.Time
	ids      IDProvider
	sessions *registry
	logger   *zap.Logger
}

// NewController constructs a Controller after validating its dependencies.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.SchemeStore == nil {
		return nil, newControllerError(opControllerNew, "missing_scheme_store", errMissingSchemeStore)
	}
	if cfg.LeaseManager == nil {
		return nil, newControllerError(opControllerNew, "missing_lease_manager", errMissingLeaseManager)
	}
	if cfg.AuditLog == nil {
		return nil, newControllerError(opControllerNew, "missing_audit_log", errMissingAuditLog)
	}
	if cfg.TokenManager == nil {
		return nil, newControllerError(opControllerNew, "missing_token_manager", errMissingTokenManager)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	events := cfg.Events
	if events == nil {
		events = noOpPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Controller{
		store:    cfg.SchemeStore,
		leases:   cfg.LeaseManager,
		auditLog: cfg.AuditLog,
		tokens:   cfg.TokenManager,
		actors:   cfg.Actors,
		events:   events,
		clock:    clock,
		ids:      idProvider,
		sessions: newRegistry(cfg.TokenManager.TokenTTL(), clock),
		logger:   logger,
	}, nil
}

// Select opens an existing scheme for editing. The lease is acquired before
// any editable data is returned; a denial carries the competing holder and no
// session is opened.
func (c *Controller) Select(ctx context.Context, rawSchemeID, rawActor string) (SelectResult, error) {
	schemeID, err := schemes.NewSchemeID(rawSchemeID)
	if err != nil {
		return SelectResult{}, err
	}
	actor, err := schemes.NewActor(rawActor)
	if err != nil {
		return SelectResult{}, err
	}
	c.touchActor(actor)

	scheme, err := c.store.Get(ctx, schemeID)
	if errors.Is(err, schemes.ErrSchemeNotFound) {
		return SelectResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return SelectResult{}, err
	}

	now := c.clock()
	acquisition, err := c.leases.TryAcquire(ctx, schemeID, actor, now)
	if err != nil {
		return SelectResult{}, err
	}
	if !acquisition.Granted {
		return SelectResult{
			Outcome:      OutcomeDenied,
			DeniedHolder: acquisition.Holder,
		}, nil
	}

	sessionID, err := c.ids.NewID()
	if err != nil {
		c.logError(opSelect, "id_generation_failed", err, zap.String("scheme_id", schemeID.String()))
		return SelectResult{}, newControllerError(opSelect, "id_generation_failed", err)
	}
	token, err := c.tokens.IssueSessionToken(sessionID, actor.String())
	if err != nil {
		c.logError(opSelect, "token_issue_failed", err, zap.String("scheme_id", schemeID.String()))
		return SelectResult{}, newControllerError(opSelect, "token_issue_failed", err)
	}

	c.sessions.put(Session{
		SessionID: sessionID,
		Actor:     actor,
		SchemeID:  schemeID,
		IsNew:     false,
		StartedAt: now,
	})
	c.events.Publish(Event{
		SchemeID:  schemeID.String(),
		Actor:     actor.String(),
		Type:      EventLeaseGranted,
		Timestamp: now,
	})

	result := SelectResult{
		Outcome:       OutcomeEditing,
		Scheme:        scheme,
		MissingFields: schemes.MissingFields(scheme),
		SessionToken:  token,
		Lease: lease.View{
			Held:              true,
			Holder:            acquisition.Holder,
			AcquiredAtSeconds: acquisition.AcquiredAtSeconds,
			RenewedAtSeconds:  acquisition.RenewedAtSeconds,
		},
	}
	if entry, found, err := c.auditLog.LastEntry(ctx, schemeID); err == nil && found {
		result.LastEntry = &entry
	}
	return result, nil
}

// BeginNew opens a session for a brand-new scheme draft. No lease exists
// until the draft is saved under a persisted identifier.
func (c *Controller) BeginNew(ctx context.Context, rawActor string) (BeginNewResult, error) {
	actor, err := schemes.NewActor(rawActor)
	if err != nil {
		return BeginNewResult{}, err
	}
	c.touchActor(actor)

	sessionID, err := c.ids.NewID()
	if err != nil {
		c.logError(opBeginNew, "id_generation_failed", err)
		return BeginNewResult{}, newControllerError(opBeginNew, "id_generation_failed", err)
	}
	token, err := c.tokens.IssueSessionToken(sessionID, actor.String())
	if err != nil {
		c.logError(opBeginNew, "token_issue_failed", err)
		return BeginNewResult{}, newControllerError(opBeginNew, "token_issue_failed", err)
	}

	c.sessions.put(Session{
		SessionID: sessionID,
		Actor:     actor,
		IsNew:     true,
		StartedAt: c.clock(),
	})

	return BeginNewResult{SessionToken: token, Template: schemes.Draft{}}, nil
}

// Save validates the draft and commits it. For existing schemes the lease is
// re-checked inside the write transaction; a reclaimed or expired lease
// surfaces as lease-lost and nothing is written. On success the audit entry
// is appended after the record write (append failures do not undo the save),
// the lease is released, and the session is closed. Validation failures keep
// the session and its lease so the user can correct and retry.
func (c *Controller) Save(ctx context.Context, token string, draft schemes.Draft) (SaveResult, error) {
	openSession, err := c.resolveSession(token)
	if err != nil {
		return SaveResult{}, err
	}

	if _, err := schemes.NewSchemeID(draft.SchemeID); err != nil {
		return SaveResult{Outcome: OutcomeValidationError, Field: "scheme_id"}, nil
	}
	if _, err := schemes.NewStatus(draft.Status); err != nil {
		return SaveResult{Outcome: OutcomeValidationError, Field: "status"}, nil
	}

	now := c.clock()
	scheme, err := schemes.FromDraft(draft, openSession.Actor, now)
	if err != nil {
		return SaveResult{}, err
	}
	schemeID := schemes.SchemeID(scheme.SchemeID)

	if openSession.IsNew {
		return c.saveNew(ctx, openSession, scheme, schemeID, now)
	}
	return c.saveExisting(ctx, openSession, scheme, schemeID, now)
}

func (c *Controller) saveNew(ctx context.Context, openSession Session, scheme schemes.Scheme, schemeID schemes.SchemeID, now time.Time) (SaveResult, error) {
	err := c.store.Create(ctx, scheme)
	if errors.Is(err, schemes.ErrDuplicateSchemeID) {
		return SaveResult{Outcome: OutcomeValidationError, Field: "scheme_id"}, nil
	}
	if err != nil {
		return SaveResult{}, err
	}

	c.appendAudit(ctx, schemeID, openSession.Actor, audit.ActionCreated, now)
	c.sessions.remove(openSession.SessionID)
	c.events.Publish(Event{
		SchemeID:  schemeID.String(),
		Actor:     openSession.Actor.String(),
		Type:      EventSchemeChanged,
		Timestamp: now,
	})
	return SaveResult{Outcome: OutcomeSaved, Scheme: scheme}, nil
}

func (c *Controller) saveExisting(ctx context.Context, openSession Session, scheme schemes.Scheme, schemeID schemes.SchemeID, now time.Time) (SaveResult, error) {
	if schemeID != openSession.SchemeID {
		// The identifier is immutable once created; the UI disables the field
		// but the API re-checks.
		return SaveResult{Outcome: OutcomeValidationError, Field: "scheme_id"}, nil
	}

	// The lease check, the record write, and the lease drop share one
	// transaction: a competing acquisition cannot land between them.
	committed, err := c.leases.CommitHeld(ctx, schemeID, openSession.Actor, now, func(tx *gorm.DB) error {
		return c.store.ReplaceTx(tx, scheme)
	})
	if errors.Is(err, schemes.ErrSchemeNotFound) {
		c.sessions.remove(openSession.SessionID)
		return SaveResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return SaveResult{}, err
	}
	if !committed {
		c.sessions.remove(openSession.SessionID)
		c.logger.Warn("save refused after lease loss",
			zap.String("scheme_id", schemeID.String()),
			zap.String("actor", openSession.Actor.String()))
		return SaveResult{Outcome: OutcomeLeaseLost}, nil
	}

	c.appendAudit(ctx, schemeID, openSession.Actor, audit.ActionEdited, now)
	c.sessions.remove(openSession.SessionID)
	c.events.Publish(Event{
		SchemeID:  schemeID.String(),
		Actor:     openSession.Actor.String(),
		Type:      EventSchemeChanged,
		Timestamp: now,
	})
	c.events.Publish(Event{
		SchemeID:  schemeID.String(),
		Actor:     openSession.Actor.String(),
		Type:      EventLeaseReleased,
		Timestamp: now,
	})
	return SaveResult{Outcome: OutcomeSaved, Scheme: scheme}, nil
}

// Cancel discards the draft. Existing-scheme sessions release their lease;
// new-scheme drafts have nothing persisted to clean up.
func (c *Controller) Cancel(ctx context.Context, token string) error {
	openSession, err := c.resolveSession(token)
	if err != nil {
		return err
	}

	if !openSession.IsNew {
		if err := c.leases.Release(ctx, openSession.SchemeID); err != nil {
			return err
		}
		c.events.Publish(Event{
			SchemeID:  openSession.SchemeID.String(),
			Actor:     openSession.Actor.String(),
			Type:      EventLeaseReleased,
			Timestamp: c.clock(),
		})
	}
	c.sessions.remove(openSession.SessionID)
	return nil
}

// Delete removes a scheme. A delete is refused while a different actor holds
// an active lease; the holder, or anyone once the lease has expired, may
// delete. The record delete is ordered before the audit append and the lease
// cleanup.
func (c *Controller) Delete(ctx context.Context, rawSchemeID, rawActor string) (DeleteResult, error) {
	schemeID, err := schemes.NewSchemeID(rawSchemeID)
	if err != nil {
		return DeleteResult{}, err
	}
	actor, err := schemes.NewActor(rawActor)
	if err != nil {
		return DeleteResult{}, err
	}
	c.touchActor(actor)

	now := c.clock()
	view, err := c.leases.Peek(ctx, schemeID, now)
	if err != nil {
		return DeleteResult{}, err
	}
	if view.Held && view.Holder != actor.String() {
		return DeleteResult{Outcome: OutcomeDenied, DeniedHolder: view.Holder}, nil
	}

	err = c.store.Delete(ctx, schemeID)
	if errors.Is(err, schemes.ErrSchemeNotFound) {
		return DeleteResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return DeleteResult{}, err
	}

	c.appendAudit(ctx, schemeID, actor, audit.ActionDeleted, now)
	if err := c.leases.Release(ctx, schemeID); err != nil {
		c.logError(opDelete, "lease_release_failed", err, zap.String("scheme_id", schemeID.String()))
	}
	c.events.Publish(Event{
		SchemeID:  schemeID.String(),
		Actor:     actor.String(),
		Type:      EventSchemeDeleted,
		Timestamp: now,
	})
	return DeleteResult{Outcome: OutcomeDeleted}, nil
}

func (c *Controller) resolveSession(token string) (Session, error) {
	sessionID, actor, err := c.tokens.ValidateSessionToken(token)
	if err != nil {
		return Session{}, newControllerError(opResolve, "invalid_token", err)
	}
	openSession, ok := c.sessions.get(sessionID)
	if !ok {
		return Session{}, ErrUnknownSession
	}
	if openSession.Actor.String() != actor {
		return Session{}, newControllerError(opResolve, "actor_mismatch", ErrUnknownSession)
	}
	return openSession, nil
}

// appendAudit records the mutation after the primary write. Failures are
// logged and swallowed: the audit trail is advisory and must not undo or
// block a committed record write.
func (c *Controller) appendAudit(ctx context.Context, schemeID schemes.SchemeID, actor schemes.Actor, action audit.Action, timestamp time.Time) {
	if err := c.auditLog.Append(ctx, schemeID, actor, action, timestamp); err != nil {
		c.logger.Warn("audit append failed after committed write",
			zap.Error(err),
			zap.String("scheme_id", schemeID.String()),
			zap.String("action", string(action)))
	}
}

func (c *Controller) touchActor(actor schemes.Actor) {
	if c.actors == nil {
		return
	}
	if err := c.actors.Touch(actor); err != nil {
		c.logger.Warn("actor touch failed", zap.Error(err), zap.String("actor", actor.String()))
	}
}

func (c *Controller) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("session controller error", attrs...)
}
