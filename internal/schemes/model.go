package schemes

import (
	"errors"
	"fmt"
	"strings"
)

// Status enumerates the lifecycle states a scheme can be published in.
type Status string

const (
	// StatusActive marks a scheme that is currently accepting applicants.
	StatusActive Status = "Active"
	// StatusInactive marks a scheme that has been discontinued.
	StatusInactive Status = "Inactive"
	// StatusPending marks a scheme that is announced but not yet open.
	StatusPending Status = "Pending"
	// StatusUnset is the empty placeholder for schemes without a known status.
	StatusUnset Status = ""
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSchemeID indicates that a scheme identifier is empty or exceeds storage bounds.
	ErrInvalidSchemeID = errors.New("schemes: invalid scheme id")
	// ErrInvalidActor indicates that an actor name is empty or exceeds storage bounds.
	ErrInvalidActor = errors.New("schemes: invalid actor")
	// ErrInvalidStatus indicates a status value outside the allowed set.
	ErrInvalidStatus = errors.New("schemes: invalid status")
)

// SchemeID represents a validated scheme identifier.
type SchemeID string

// NewSchemeID validates raw input and returns a SchemeID.
func NewSchemeID(rawInput string) (SchemeID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSchemeID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSchemeID, maxIdentifierLength)
	}
	return SchemeID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SchemeID) String() string {
	return string(id)
}

// Actor represents a validated free-text user-name claim. Actors are not
// authenticated identities; the name is taken at face value for lease holding
// and audit attribution.
type Actor string

// NewActor validates raw input and returns an Actor.
func NewActor(rawInput string) (Actor, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidActor)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidActor, maxIdentifierLength)
	}
	return Actor(trimmed), nil
}

// String returns the underlying actor name.
func (a Actor) String() string {
	return string(a)
}

// NewStatus validates raw input against the allowed status set.
func NewStatus(rawInput string) (Status, error) {
	switch Status(strings.TrimSpace(rawInput)) {
	case StatusActive:
		return StatusActive, nil
	case StatusInactive:
		return StatusInactive, nil
	case StatusPending:
		return StatusPending, nil
	case StatusUnset:
		return StatusUnset, nil
	}
	return StatusUnset, fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
}

// Scheme models the persisted government support program record.
// Ordered list fields are stored as JSON arrays in text columns.
type Scheme struct {
	SchemeID              string `gorm:"column:scheme_id;primaryKey;size:190;not null"`
	Jurisdiction          string `gorm:"column:jurisdiction;type:text;not null;default:''"`
	SchemeName            string `gorm:"column:scheme_name;type:text;not null;default:''"`
	Category              string `gorm:"column:category;type:text;not null;default:''"`
	Status                string `gorm:"column:status;size:32;not null;default:''"`
	Ministry              string `gorm:"column:ministry;type:text;not null;default:''"`
	TargetGroup           string `gorm:"column:target_group;type:text;not null;default:''"`
	Objective             string `gorm:"column:objective;type:text;not null;default:''"`
	EligibilityJSON       string `gorm:"column:eligibility_json;type:text;not null;default:'[]'"`
	AssistanceJSON        string `gorm:"column:assistance_json;type:text;not null;default:'[]'"`
	KeyBenefits           string `gorm:"column:key_benefits;type:text;not null;default:''"`
	HowToApply            string `gorm:"column:how_to_apply;type:text;not null;default:''"`
	RequiredDocumentsJSON string `gorm:"column:required_documents_json;type:text;not null;default:'[]'"`
	Tags                  string `gorm:"column:tags;type:text;not null;default:''"`
	Sources               string `gorm:"column:sources;type:text;not null;default:''"`
	LastModifiedBy        string `gorm:"column:last_modified_by;size:190;not null;default:''"`
	LastModifiedAtSeconds int64  `gorm:"column:last_modified_at_s;not null;default:0;index:idx_schemes_modified"`
}

// TableName provides the explicit table binding for GORM.
func (Scheme) TableName() string {
	return "schemes"
}

// Draft carries the editable field set collected by the UI layer before a
// save. List fields arrive as raw ordered lines and are normalized on write.
type Draft struct {
	SchemeID          string
	Jurisdiction      string
	SchemeName        string
	Category          string
	Status            string
	Ministry          string
	TargetGroup       string
	Objective         string
	Eligibility       []string
	Assistance        []string
	KeyBenefits       string
	HowToApply        string
	RequiredDocuments []string
	Tags              string
	Sources           string
}

// requiredFieldNames lists the fields the curation workflow expects to be
// filled before a scheme is considered complete.
var requiredFieldNames = []string{
	"objective",
	"eligibility",
	"key_benefits",
	"how_to_apply",
	"required_documents",
	"category",
	"sources",
}

// MissingFields reports which required curation fields are still empty,
// in a stable order. Used for UI display only.
func MissingFields(scheme Scheme) []string {
	present := map[string]bool{
		"objective":          strings.TrimSpace(scheme.Objective) != "",
		"eligibility":        len(decodeLines(scheme.EligibilityJSON)) > 0,
		"key_benefits":       strings.TrimSpace(scheme.KeyBenefits) != "",
		"how_to_apply":       strings.TrimSpace(scheme.HowToApply) != "",
		"required_documents": len(decodeLines(scheme.RequiredDocumentsJSON)) > 0,
		"category":           strings.TrimSpace(scheme.Category) != "",
		"sources":            strings.TrimSpace(scheme.Sources) != "",
	}

	missing := make([]string, 0, len(requiredFieldNames))
	for _, name := range requiredFieldNames {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	return missing
}
