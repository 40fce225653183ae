package session

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/schemehub/internal/audit"
	"github.com/MarcoPoloResearchLab/schemehub/internal/lease"
	"github.com/MarcoPoloResearchLab/schemehub/internal/schemes"
)

// Outcome enumerates the terminal results of controller operations. Denial
// and validation failures are normal control flow, not errors.
type Outcome string

const (
	// OutcomeEditing reports a granted lease and an open editing session.
	OutcomeEditing Outcome = "editing"
	// OutcomeDenied reports that another actor holds an active lease.
	OutcomeDenied Outcome = "denied"
	// OutcomeNotFound reports that the selected scheme no longer exists.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeSaved reports a committed write with the lease released.
	OutcomeSaved Outcome = "saved"
	// OutcomeValidationError reports a rejected draft; the session and its
	// lease are retained so the user can correct and retry.
	OutcomeValidationError Outcome = "validation_error"
	// OutcomeLeaseLost reports that the session's lease expired and was
	// reclaimed before the save landed; nothing was written.
	OutcomeLeaseLost Outcome = "lease_lost"
	// OutcomeCancelled reports a discarded draft with the lease released.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeDeleted reports a completed delete.
	OutcomeDeleted Outcome = "deleted"
)

// Session is the explicit per-interaction editing state, addressed by a
// signed handle rather than kept as ambient global state.
type Session struct {
	SessionID string
	Actor     schemes.Actor
	SchemeID  schemes.SchemeID
	IsNew     bool
	StartedAt time.Time
}

// SelectResult reports the outcome of opening an existing scheme for edit.
type SelectResult struct {
	Outcome       Outcome
	Scheme        schemes.Scheme
	MissingFields []string
	LastEntry     *audit.Entry
	Lease         lease.View
	SessionToken  string
	// DeniedHolder names the competing lease holder when Outcome is denied.
	DeniedHolder string
}

// BeginNewResult reports the handle for a brand-new scheme draft. No lease is
// taken until the draft is saved under a persisted identifier.
type BeginNewResult struct {
	SessionToken string
	Template     schemes.Draft
}

// SaveResult reports the outcome of committing a draft.
type SaveResult struct {
	Outcome Outcome
	// Field names the offending input when Outcome is validation_error.
	Field  string
	Scheme schemes.Scheme
}

// DeleteResult reports the outcome of a delete request.
type DeleteResult struct {
	Outcome      Outcome
	DeniedHolder string
}

// registry holds open sessions in process. Sessions are short-lived handles;
// the durable coordination state lives in the lease table. Sessions abandoned
// without a save or cancel are evicted once older than maxAge, so the map
// stays bounded in a long-lived process.
type registry struct {
	mu       sync.Mutex
	sessions map[string]Session
	maxAge   time.Duration
	now      func() time.Time
}

func newRegistry(maxAge time.Duration, now func() time.Time) *registry {
	return &registry{
		sessions: make(map[string]Session),
		maxAge:   maxAge,
		now:      now,
	}
}

func (r *registry) put(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, open := range r.sessions {
		if r.expired(open) {
			delete(r.sessions, id)
		}
	}
	r.sessions[s.SessionID] = s
}

func (r *registry) get(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if ok && r.expired(s) {
		delete(r.sessions, sessionID)
		return Session{}, false
	}
	return s, ok
}

func (r *registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func (r *registry) expired(s Session) bool {
	return r.maxAge > 0 && r.now().Sub(s.StartedAt) > r.maxAge
}
