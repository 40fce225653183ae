package schemes

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

const opSeedImport = "schemes.seed_import"

// seedScheme mirrors the JSON shape of the curated seed file.
type seedScheme struct {
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
	LastModifiedBy    string   `json:"last_modified_by"`
}

// SeedResult summarizes a seed import.
type SeedResult struct {
	Inserted     int
	SkippedIDs   []string
	AlreadyEmpty bool
}

// SeedFromFile loads the JSON seed file into an empty store. Records whose
// identifier collides with one already seen are skipped rather than failing
// the import. A non-empty store is left untouched.
func (s *Store) SeedFromFile(ctx context.Context, path string) (SeedResult, error) {
	count, err := s.Count(ctx)
	if err != nil {
		return SeedResult{}, err
	}
	if count > 0 {
		return SeedResult{AlreadyEmpty: false}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		s.logError(opSeedImport, "read_failed", err, zap.String("path", path))
		return SeedResult{}, newStoreError(opSeedImport, "read_failed", err)
	}

	var seeds []seedScheme
	if err := json.Unmarshal(raw, &seeds); err != nil {
		s.logError(opSeedImport, "decode_failed", err, zap.String("path", path))
		return SeedResult{}, newStoreError(opSeedImport, "decode_failed", err)
	}

	result := SeedResult{AlreadyEmpty: true}
	seen := make(map[string]bool, len(seeds))
	importedAt := s.clock().UTC()

	for _, seed := range seeds {
		schemeID, err := NewSchemeID(seed.SchemeID)
		if err != nil {
			result.SkippedIDs = append(result.SkippedIDs, seed.SchemeID)
			continue
		}
		if seen[schemeID.String()] {
			result.SkippedIDs = append(result.SkippedIDs, schemeID.String())
			continue
		}
		seen[schemeID.String()] = true

		scheme := seedToScheme(seed, schemeID, importedAt)
		if err := s.db.WithContext(ctx).Create(&scheme).Error; err != nil {
			s.logError(opSeedImport, "insert_failed", err, zap.String("scheme_id", schemeID.String()))
			return result, newStoreError(opSeedImport, "insert_failed", err)
		}
		result.Inserted++
	}

	s.logger.Info("seed import complete",
		zap.String("path", path),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", len(result.SkippedIDs)))
	return result, nil
}

func seedToScheme(seed seedScheme, schemeID SchemeID, importedAt time.Time) Scheme {
	modifiedBy := seed.LastModifiedBy
	if modifiedBy == "" {
		modifiedBy = "seed-import"
	}
	return Scheme{
		SchemeID:              schemeID.String(),
		Jurisdiction:          seed.Jurisdiction,
		SchemeName:            seed.SchemeName,
		Category:              seed.Category,
		Status:                seed.Status,
		Ministry:              seed.Ministry,
		TargetGroup:           seed.TargetGroup,
		Objective:             seed.Objective,
		EligibilityJSON:       encodeLines(NormalizeLines(seed.Eligibility)),
		AssistanceJSON:        encodeLines(NormalizeLines(seed.Assistance)),
		KeyBenefits:           seed.KeyBenefits,
		HowToApply:            seed.HowToApply,
		RequiredDocumentsJSON: encodeLines(NormalizeLines(seed.RequiredDocuments)),
		Tags:                  seed.Tags,
		Sources:               seed.Sources,
		LastModifiedBy:        modifiedBy,
		LastModifiedAtSeconds: importedAt.Unix(),
	}
}

// String renders the import summary for operator logs.
func (r SeedResult) String() string {
	return fmt.Sprintf("inserted=%d skipped=%d", r.Inserted, len(r.SkippedIDs))
}
