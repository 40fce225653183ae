package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/schemehub/internal/actors"
	"github.com/MarcoPoloResearchLab/schemehub/internal/audit"
	"github.com/MarcoPoloResearchLab/schemehub/internal/lease"
	"github.com/MarcoPoloResearchLab/schemehub/internal/schemes"
	"github.com/MarcoPoloResearchLab/schemehub/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const actorContextKey = "schemehub_actor"

var (
	errMissingSchemeStore  = errors.New("scheme store dependency required")
	errMissingLeaseManager = errors.New("lease manager dependency required")
	errMissingAuditLog     = errors.New("audit log dependency required")
	errMissingController   = errors.New("session controller dependency required")
)

// Dependencies wires the collaborating services into the HTTP surface.
type Dependencies struct {
	SchemeStore  *schemes.Store
	LeaseManager *lease.Manager
	AuditLog     *audit.Log
	Controller   *session.Controller
	Actors       *actors.Service
	Dispatcher   *EventDispatcher
	ActorHeader  string
	Clock        func() time.Time
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the curation API. The actor
// identity is a free-text claim carried in a request header; mutating routes
// require it to be non-blank but nothing authenticates it.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SchemeStore == nil {
		return nil, errMissingSchemeStore
	}
	if deps.LeaseManager == nil {
		return nil, errMissingLeaseManager
	}
	if deps.AuditLog == nil {
		return nil, errMissingAuditLog
	}
	if deps.Controller == nil {
		return nil, errMissingController
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	actorHeader := deps.ActorHeader
	if actorHeader == "" {
		actorHeader = "X-Actor"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{actorHeader, "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:       deps.SchemeStore,
		leases:      deps.LeaseManager,
		auditLog:    deps.AuditLog,
		controller:  deps.Controller,
		actors:      deps.Actors,
		dispatcher:  deps.Dispatcher,
		actorHeader: actorHeader,
		clock:       clock,
		logger:      logger,
	}

	router.GET("/schemes", handler.handleListSchemes)
	router.GET("/schemes/:id", handler.handleGetScheme)
	router.GET("/schemes/:id/history", handler.handleSchemeHistory)
	router.GET("/actors/recent", handler.handleRecentActors)
	router.GET("/events", handler.handleEvents)

	claimed := router.Group("/")
	claimed.Use(handler.requireActor)
	claimed.POST("/sessions/new", handler.handleBeginNew)
	claimed.POST("/schemes/:id/edit", handler.handleEditScheme)
	claimed.POST("/sessions/save", handler.handleSave)
	claimed.POST("/sessions/cancel", handler.handleCancel)
	claimed.DELETE("/schemes/:id", handler.handleDeleteScheme)

	return router, nil
}

type httpHandler struct {
	store       *schemes.Store
	leases      *lease.Manager
	auditLog    *audit.Log
	controller  *session.Controller
	actors      *actors.Service
	dispatcher  *EventDispatcher
	actorHeader string
	clock       func() time.Time
	logger      *zap.Logger
}

type schemePayload struct {
	SchemeID              string   `json:"scheme_id"`
	Jurisdiction          string   `json:"jurisdiction"`
	SchemeName            string   `json:"scheme_name"`
	Category              string   `json:"category"`
	Status                string   `json:"status"`
	Ministry              string   `json:"ministry"`
	TargetGroup           string   `json:"target_group"`
	Objective             string   `json:"objective"`
	Eligibility           []string `json:"eligibility"`
	Assistance            []string `json:"assistance"`
	KeyBenefits           string   `json:"key_benefits"`
	HowToApply            string   `json:"how_to_apply"`
	RequiredDocuments     []string `json:"required_documents"`
	Tags                  string   `json:"tags"`
	Sources               string   `json:"sources"`
	LastModifiedBy        string   `json:"last_modified_by"`
	LastModifiedAtSeconds int64    `json:"last_modified_at_s"`
}

type draftPayload struct {
	SchemeID          string   `json:"scheme_id"`
	Jurisdiction      string   `json:"jurisdiction"`
	SchemeName        string   `json:"scheme_name"`
	Category          string   `json:"category"`
	Status            string   `json:"status"`
	Ministry          string   `json:"ministry"`
	TargetGroup       string   `json:"target_group"`
	Objective         string   `json:"objective"`
	Eligibility       []string `json:"eligibility"`
	Assistance        []string `json:"assistance"`
	KeyBenefits       string   `json:"key_benefits"`
	HowToApply        string   `json:"how_to_apply"`
	RequiredDocuments []string `json:"required_documents"`
	Tags              string   `json:"tags"`
	Sources           string   `json:"sources"`
}

type auditEntryPayload struct {
	Actor            string `json:"actor"`
	Action           string `json:"action"`
	TimestampSeconds int64  `json:"timestamp_s"`
}

type leaseViewPayload struct {
	Held             bool   `json:"held"`
	Holder           string `json:"holder,omitempty"`
	RenewedAtSeconds int64  `json:"renewed_at_s,omitempty"`
}

func (h *httpHandler) handleListSchemes(c *gin.Context) {
	identifiers, err := h.store.ListIDs(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list scheme ids", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheme_ids": identifiers})
}

func (h *httpHandler) handleGetScheme(c *gin.Context) {
	schemeID, err := schemes.NewSchemeID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scheme_id"})
		return
	}

	scheme, err := h.store.Get(c.Request.Context(), schemeID)
	if errors.Is(err, schemes.ErrSchemeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "scheme_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load scheme", zap.Error(err), zap.String("scheme_id", schemeID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load_failed"})
		return
	}

	response := gin.H{
		"scheme":         toSchemePayload(scheme),
		"missing_fields": schemes.MissingFields(scheme),
	}
	if entry, found, err := h.auditLog.LastEntry(c.Request.Context(), schemeID); err == nil && found {
		response["last_entry"] = auditEntryPayload{
			Actor:            entry.Actor,
			Action:           string(entry.Action),
			TimestampSeconds: entry.TimestampSeconds,
		}
	}
	if view, err := h.leases.Peek(c.Request.Context(), schemeID, h.clock()); err == nil {
		response["lease"] = leaseViewPayload{
			Held:             view.Held,
			Holder:           view.Holder,
			RenewedAtSeconds: view.RenewedAtSeconds,
		}
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleEditScheme(c *gin.Context) {
	actor := c.GetString(actorContextKey)

	result, err := h.controller.Select(c.Request.Context(), c.Param("id"), actor)
	if errors.Is(err, schemes.ErrInvalidSchemeID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scheme_id"})
		return
	}
	if err != nil {
		h.logger.Error("failed to open editing session", zap.Error(err), zap.String("scheme_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "select_failed"})
		return
	}

	switch result.Outcome {
	case session.OutcomeNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "scheme_not_found"})
	case session.OutcomeDenied:
		c.JSON(http.StatusConflict, gin.H{"error": "lease_denied", "holder": result.DeniedHolder})
	case session.OutcomeEditing:
		response := gin.H{
			"session_token":  result.SessionToken,
			"scheme":         toSchemePayload(result.Scheme),
			"missing_fields": result.MissingFields,
			"lease": leaseViewPayload{
				Held:             true,
				Holder:           result.Lease.Holder,
				RenewedAtSeconds: result.Lease.RenewedAtSeconds,
			},
		}
		if result.LastEntry != nil {
			response["last_entry"] = auditEntryPayload{
				Actor:            result.LastEntry.Actor,
				Action:           string(result.LastEntry.Action),
				TimestampSeconds: result.LastEntry.TimestampSeconds,
			}
		}
		c.JSON(http.StatusOK, response)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "select_failed"})
	}
}

func (h *httpHandler) handleBeginNew(c *gin.Context) {
	actor := c.GetString(actorContextKey)

	result, err := h.controller.BeginNew(c.Request.Context(), actor)
	if err != nil {
		h.logger.Error("failed to begin new scheme session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "begin_new_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_token": result.SessionToken})
}

type savePayload struct {
	SessionToken string       `json:"session_token"`
	Draft        draftPayload `json:"draft"`
}

func (h *httpHandler) handleSave(c *gin.Context) {
	var request savePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.controller.Save(c.Request.Context(), request.SessionToken, toDraft(request.Draft))
	if isSessionRejection(err) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session"})
		return
	}
	if err != nil {
		h.logger.Error("failed to save scheme draft", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}

	switch result.Outcome {
	case session.OutcomeSaved:
		c.JSON(http.StatusOK, gin.H{"outcome": string(result.Outcome), "scheme": toSchemePayload(result.Scheme)})
	case session.OutcomeValidationError:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"outcome": string(result.Outcome), "field": result.Field})
	case session.OutcomeLeaseLost:
		c.JSON(http.StatusConflict, gin.H{"outcome": string(result.Outcome)})
	case session.OutcomeNotFound:
		c.JSON(http.StatusNotFound, gin.H{"outcome": string(result.Outcome)})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
	}
}

type cancelPayload struct {
	SessionToken string `json:"session_token"`
}

func (h *httpHandler) handleCancel(c *gin.Context) {
	var request cancelPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.controller.Cancel(c.Request.Context(), request.SessionToken)
	if isSessionRejection(err) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_session"})
		return
	}
	if err != nil {
		h.logger.Error("failed to cancel editing session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeleteScheme(c *gin.Context) {
	actor := c.GetString(actorContextKey)

	result, err := h.controller.Delete(c.Request.Context(), c.Param("id"), actor)
	if errors.Is(err, schemes.ErrInvalidSchemeID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scheme_id"})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete scheme", zap.Error(err), zap.String("scheme_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	switch result.Outcome {
	case session.OutcomeDeleted:
		c.JSON(http.StatusOK, gin.H{"outcome": string(result.Outcome)})
	case session.OutcomeDenied:
		c.JSON(http.StatusConflict, gin.H{"error": "lease_denied", "holder": result.DeniedHolder})
	case session.OutcomeNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "scheme_not_found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
	}
}

func (h *httpHandler) handleSchemeHistory(c *gin.Context) {
	schemeID, err := schemes.NewSchemeID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scheme_id"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	entries, err := h.auditLog.History(c.Request.Context(), schemeID, limit)
	if err != nil {
		h.logger.Error("failed to load scheme history", zap.Error(err), zap.String("scheme_id", schemeID.String()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}

	payload := make([]auditEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, auditEntryPayload{
			Actor:            entry.Actor,
			Action:           string(entry.Action),
			TimestampSeconds: entry.TimestampSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"entries": payload})
}

func (h *httpHandler) handleRecentActors(c *gin.Context) {
	if h.actors == nil {
		c.JSON(http.StatusOK, gin.H{"actors": []string{}})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := h.actors.RecentlySeen(limit)
	if err != nil {
		h.logger.Error("failed to list recent actors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "actors_failed"})
		return
	}
	names := make([]string, 0, len(records))
	for _, record := range records {
		names = append(names, record.Name)
	}
	c.JSON(http.StatusOK, gin.H{"actors": names})
}

// handleEvents streams lease and record change notifications as
// server-sent events. An optional scheme_id query scopes the stream.
func (h *httpHandler) handleEvents(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_disabled"})
		return
	}
	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), c.Query("scheme_id"))
	defer cleanup()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(string(event.Type), gin.H{
				"scheme_id":   event.SchemeID,
				"actor":       event.Actor,
				"timestamp_s": event.Timestamp.UTC().Unix(),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) requireActor(c *gin.Context) {
	actor, err := schemes.NewActor(c.GetHeader(h.actorHeader))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_actor"})
		return
	}
	c.Set(actorContextKey, actor.String())
	c.Next()
}

func isSessionRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, session.ErrUnknownSession) {
		return true
	}
	var controllerErr *session.ControllerError
	if errors.As(err, &controllerErr) {
		return strings.HasPrefix(controllerErr.Code(), "session.resolve.")
	}
	return false
}

func toSchemePayload(scheme schemes.Scheme) schemePayload {
	return schemePayload{
		SchemeID:              scheme.SchemeID,
		Jurisdiction:          scheme.Jurisdiction,
		SchemeName:            scheme.SchemeName,
		Category:              scheme.Category,
		Status:                scheme.Status,
		Ministry:              scheme.Ministry,
		TargetGroup:           scheme.TargetGroup,
		Objective:             scheme.Objective,
		Eligibility:           scheme.Eligibility(),
		Assistance:            scheme.Assistance(),
		KeyBenefits:           scheme.KeyBenefits,
		HowToApply:            scheme.HowToApply,
		RequiredDocuments:     scheme.RequiredDocuments(),
		Tags:                  scheme.Tags,
		Sources:               scheme.Sources,
		LastModifiedBy:        scheme.LastModifiedBy,
		LastModifiedAtSeconds: scheme.LastModifiedAtSeconds,
	}
}

func toDraft(payload draftPayload) schemes.Draft {
	return schemes.Draft{
		SchemeID:          payload.SchemeID,
		Jurisdiction:      payload.Jurisdiction,
		SchemeName:        payload.SchemeName,
		Category:          payload.Category,
		Status:            payload.Status,
		Ministry:          payload.Ministry,
		TargetGroup:       payload.TargetGroup,
		Objective:         payload.Objective,
		Eligibility:       payload.Eligibility,
		Assistance:        payload.Assistance,
		KeyBenefits:       payload.KeyBenefits,
		HowToApply:        payload.HowToApply,
		RequiredDocuments: payload.RequiredDocuments,
		Tags:              payload.Tags,
		Sources:           payload.Sources,
	}
}
