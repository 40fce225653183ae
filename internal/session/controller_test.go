package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/schemehub/internal/audit"
	"github.com/MarcoPoloResearchLab/schemehub/internal/lease"
	"github.com/MarcoPoloResearchLab/schemehub/internal/schemes"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type adjustableClock struct {
	now time.Time
}

func (c *adjustableClock) Now() time.Time {
	return c.now
}

func (c *adjustableClock) Advance(delta time.Duration) {
	c.now = c.now.Add(delta)
}

type recordingPublisher struct {
	events []Event
}

func (p *recordingPublisher) Publish(event Event) {
	p.events = append(p.events, event)
}

func newTestController(t *testing.T) (*Controller, *adjustableClock, *gorm.DB, *recordingPublisher) {
	t.Helper()

	dsn := fmt.Sprintf("file:schemehub_session_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&schemes.Scheme{}, &lease.Lease{}, &audit.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &adjustableClock{now: time.Unix(1700000000, 0).UTC()}

	store, err := schemes.NewStore(schemes.StoreConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	leaseManager, err := lease.NewManager(lease.ManagerConfig{Database: db, TTL: lease.DefaultTTL})
	if err != nil {
		t.Fatalf("failed to construct lease manager: %v", err)
	}
	auditLog, err := audit.NewLog(audit.LogConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct audit log: %v", err)
	}
	tokenManager := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "schemehub-api",
		Audience:      "schemehub-ui",
		TokenTTL:      time.Hour,
		Clock:         clock.Now,
	})
	publisher := &recordingPublisher{}

	controller, err := NewController(ControllerConfig{
		SchemeStore:  store,
		LeaseManager: leaseManager,
		AuditLog:     auditLog,
		TokenManager: tokenManager,
		Events:       publisher,
		Clock:        clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct controller: %v", err)
	}
	return controller, clock, db, publisher
}

func seedScheme(t *testing.T, db *gorm.DB, schemeID string) {
	t.Helper()
	record := schemes.Scheme{
		SchemeID:              schemeID,
		SchemeName:            "Seeded " + schemeID,
		Status:                "Active",
		EligibilityJSON:       `["Registered MSME"]`,
		AssistanceJSON:        "[]",
		RequiredDocumentsJSON: "[]",
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed scheme %s: %v", schemeID, err)
	}
}

func existingDraft(schemeID string) schemes.Draft {
	return schemes.Draft{
		SchemeID:    schemeID,
		SchemeName:  "Edited " + schemeID,
		Status:      "Active",
		Eligibility: []string{"Registered MSME", "", "  Udyam certificate  "},
	}
}

func TestSelectGrantsLeaseAndOpensSession(t *testing.T) {
	controller, _, db, publisher := newTestController(t)
	seedScheme(t, db, "S1")

	result, err := controller.Select(context.Background(), "S1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeEditing {
		t.Fatalf("expected editing outcome, got %s", result.Outcome)
	}
	if result.SessionToken == "" {
		t.Fatalf("expected a session token")
	}
	if !result.Lease.Held || result.Lease.Holder != "alice" {
		t.Fatalf("expected lease held by alice, got %+v", result.Lease)
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != EventLeaseGranted {
		t.Fatalf("expected one lease-granted event, got %+v", publisher.events)
	}
}

func TestSelectDeniedWhileAnotherActorEdits(t *testing.T) {
	controller, _, db, _ := newTestController(t)
	seedScheme(t, db, "S1")

	if _, err := controller.Select(context.Background(), "S1", "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := controller.Select(context.Background(), "S1", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeDenied {
		t.Fatalf("expected denial, got %s", result.Outcome)
	}
	if result.DeniedHolder != "alice" {
		t.Fatalf("expected holder alice, got %s", result.DeniedHolder)
	}
	if result.SessionToken != "" {
		t.Fatalf("denied select must not open a session")
	}
}

func TestSelectMissingSchemeReportsNotFound(t *testing.T) {
	controller, _, _, _ := newTestController(t)

	result, err := controller.Select(context.Background(), "ghost", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeNotFound {
		t.Fatalf("expected not found, got %s", result.Outcome)
	}
}

func TestSaveExistingSchemeCommitsAndReleases(t *testing.T) {
	controller, clock, db, _ := newTestController(t)
	seedScheme(t, db, "S1")

	opened, err := controller.Select(context.Background(), "S1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.Advance(30 * time.Second)

	saved, err := controller.Save(context.Background(), opened.SessionToken, existingDraft("S1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Outcome != OutcomeSaved {
		t.Fatalf("expected saved outcome, got %s", saved.Outcome)
	}

	var stored schemes.Scheme
	if err := db.Where("scheme_id = ?", "S1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load stored scheme: %v", err)
	}
	if stored.SchemeName != "Edited S1" {
		t.Fatalf("expected edited name persisted, got %s", stored.SchemeName)
	}
	if stored.LastModifiedBy != "alice" {
		t.Fatalf("expected modification stamp for alice, got %s", stored.LastModifiedBy)
	}
	eligibility := stored.Eligibility()
	expected := []string{"Registered MSME", "Udyam certificate"}
	if len(eligibility) != len(expected) || eligibility[0] != expected[0] || eligibility[1] != expected[1] {
		t.Fatalf("expected normalized ordered eligibility %v, got %v", expected, eligibility)
	}

	var leaseCount int64
	if err := db.Model(&lease.Lease{}).Count(&leaseCount).Error; err != nil {
		t.Fatalf("failed to count leases: %v", err)
	}
	if leaseCount != 0 {
		t.Fatalf("lease must be released after save, found %d", leaseCount)
	}

	var entry audit.Entry
	if err := db.Where("scheme_id = ?", "S1").Take(&entry).Error; err != nil {
		t.Fatalf("failed to load audit entry: %v", err)
	}
	if entry.Action != audit.ActionEdited || entry.Actor != "alice" {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}

	// The session is closed; a second save with the same token is rejected.
	if _, err := controller.Save(context.Background(), opened.SessionToken, existingDraft("S1")); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected unknown session after save, got %v", err)
	}
}

func TestSaveAfterLeaseStolenReportsLeaseLost(t *testing.T) {
	controller, clock, db, _ := newTestController(t)
	seedScheme(t, db, "S1")

	opened, err := controller.Select(context.Background(), "S1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Alice abandons the form; after the TTL bob takes over.
	clock.Advance(301 * time.Second)
	took, err := controller.Select(context.Background(), "S1", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if took.Outcome != OutcomeEditing {
		t.Fatalf("expected bob to reclaim the expired lease, got %s", took.Outcome)
	}

	saved, err := controller.Save(context.Background(), opened.SessionToken, existingDraft("S1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Outcome != OutcomeLeaseLost {
		t.Fatalf("expected lease lost, got %s", saved.Outcome)
	}

	var stored schemes.Scheme
	if err := db.Where("scheme_id = ?", "S1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load stored scheme: %v", err)
	}
	if stored.SchemeName != "Seeded S1" {
		t.Fatalf("lease-lost save must not write, got %s", stored.SchemeName)
	}

	// The refused save must not disturb the new holder's lease.
	var remaining lease.Lease
	if err := db.Where("scheme_id = ?", "S1").Take(&remaining).Error; err != nil {
		t.Fatalf("failed to load lease: %v", err)
	}
	if remaining.Holder != "bob" {
		t.Fatalf("bob's lease must survive the refused save, got holder %s", remaining.Holder)
	}
}

func TestSaveNewSchemeValidatesIdentifier(t *testing.T) {
	controller, _, db, _ := newTestController(t)

	begun, err := controller.BeginNew(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	blank := schemes.Draft{SchemeID: "   ", Status: "Active"}
	result, err := controller.Save(context.Background(), begun.SessionToken, blank)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeValidationError || result.Field != "scheme_id" {
		t.Fatalf("expected scheme_id validation error, got %+v", result)
	}

	var count int64
	if err := db.Model(&schemes.Scheme{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count schemes: %v", err)
	}
	if count != 0 {
		t.Fatalf("blank identifier must fail before any store write, found %d records", count)
	}

	// The session survives a validation failure; a corrected retry succeeds.
	corrected := existingDraft("S1")
	retried, err := controller.Save(context.Background(), begun.SessionToken, corrected)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if retried.Outcome != OutcomeSaved {
		t.Fatalf("expected corrected draft to save, got %s", retried.Outcome)
	}

	var entry audit.Entry
	if err := db.Where("scheme_id = ?", "S1").Take(&entry).Error; err != nil {
		t.Fatalf("failed to load audit entry: %v", err)
	}
	if entry.Action != audit.ActionCreated {
		t.Fatalf("expected created audit action, got %s", entry.Action)
	}
}

func TestSaveNewSchemeRejectsDuplicateIdentifier(t *testing.T) {
	controller, _, db, _ := newTestController(t)
	seedScheme(t, db, "S1")

	begun, err := controller.BeginNew(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := controller.Save(context.Background(), begun.SessionToken, existingDraft("S1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeValidationError || result.Field != "scheme_id" {
		t.Fatalf("expected duplicate validation error, got %+v", result)
	}

	var count int64
	if err := db.Model(&schemes.Scheme{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count schemes: %v", err)
	}
	if count != 1 {
		t.Fatalf("duplicate create must not insert, found %d records", count)
	}
}

func TestSaveRejectsInvalidStatus(t *testing.T) {
	controller, _, db, _ := newTestController(t)
	seedScheme(t, db, "S1")

	opened, err := controller.Select(context.Background(), "S1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	draft := existingDraft("S1")
	draft.Status = "Retired"
	result, err := controller.Save(context.Background(), opened.SessionToken, draft)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeValidationError || result.Field != "status" {
		t.Fatalf("expected status validation error, got %+v", result)
	}
}

func TestCancelReleasesLease(t *testing.T) {
	controller, _, db, _ := newTestController(t)
	seedScheme(t, db, "S1")

	opened, err := controller.Select(context.Background(), "S1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := controller.Cancel(context.Background(), opened.SessionToken); err != nil {
		t.Fatalf("unexpected cancel error: %v", err)
	}

	var leaseCount int64
	if err := db.Model(&lease.Lease{}).Count(&leaseCount).Error; err != nil {
		t.Fatalf("failed to count leases: %v", err)
	}
	if leaseCount != 0 {
		t.Fatalf("lease must be released on cancel, found %d", leaseCount)
	}

	// Another actor can edit immediately after the cancel.
	result, err := controller.Select(context.Background(), "S1", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeEditing {
		t.Fatalf("expected bob to acquire after cancel, got %s", result.Outcome)
	}
}

func TestDeleteRefusedWhileAnotherActorHoldsLease(t *testing.T) {
	controller, clock, db, _ := newTestController(t)
	seedScheme(t, db, "S1")

	if _, err := controller.Select(context.Background(), "S1", "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	denied, err := controller.Delete(context.Background(), "S1", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if denied.Outcome != OutcomeDenied || denied.DeniedHolder != "alice" {
		t.Fatalf("expected denial naming alice, got %+v", denied)
	}

	// Once the lease expires bob's delete proceeds.
	clock.Advance(301 * time.Second)
	deleted, err := controller.Delete(context.Background(), "S1", "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted.Outcome != OutcomeDeleted {
		t.Fatalf("expected delete after expiry, got %s", deleted.Outcome)
	}

	var entry audit.Entry
	if err := db.Where("scheme_id = ? AND action = ?", "S1", audit.ActionDeleted).Take(&entry).Error; err != nil {
		t.Fatalf("failed to load delete audit entry: %v", err)
	}
	if entry.Actor != "bob" {
		t.Fatalf("expected delete attributed to bob, got %s", entry.Actor)
	}
}

func TestDeleteByLeaseHolderProceeds(t *testing.T) {
	controller, _, db, _ := newTestController(t)
	seedScheme(t, db, "S1")

	if _, err := controller.Select(context.Background(), "S1", "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deleted, err := controller.Delete(context.Background(), "S1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted.Outcome != OutcomeDeleted {
		t.Fatalf("expected holder delete to proceed, got %s", deleted.Outcome)
	}
}

func TestDeleteMissingSchemeReportsNotFound(t *testing.T) {
	controller, _, _, _ := newTestController(t)
	result, err := controller.Delete(context.Background(), "ghost", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Outcome != OutcomeNotFound {
		t.Fatalf("expected not found, got %s", result.Outcome)
	}
}

func TestSaveRejectsForeignToken(t *testing.T) {
	controller, _, db, _ := newTestController(t)
	seedScheme(t, db, "S1")

	foreignTokens := NewTokenManager(TokenManagerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "schemehub-api",
		Audience:      "schemehub-ui",
	})
	forged, err := foreignTokens.IssueSessionToken("session-1", "mallory")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = controller.Save(context.Background(), forged, existingDraft("S1"))
	if err == nil {
		t.Fatalf("expected rejection of token signed with a different secret")
	}
}
