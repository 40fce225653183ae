package schemes

import (
	"encoding/json"
	"strings"
)

// NormalizeLines trims each entry and drops blank ones, preserving the
// original order of what remains.
func NormalizeLines(rawLines []string) []string {
	normalized := make([]string, 0, len(rawLines))
	for _, line := range rawLines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

func encodeLines(lines []string) string {
	if len(lines) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(lines)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func decodeLines(encoded string) []string {
	if strings.TrimSpace(encoded) == "" {
		return nil
	}
	var lines []string
	if err := json.Unmarshal([]byte(encoded), &lines); err != nil {
		return nil
	}
	return lines
}

// Eligibility returns the ordered eligibility criteria lines.
func (s Scheme) Eligibility() []string {
	return decodeLines(s.EligibilityJSON)
}

// Assistance returns the ordered assistance detail lines.
func (s Scheme) Assistance() []string {
	return decodeLines(s.AssistanceJSON)
}

// RequiredDocuments returns the ordered required document lines.
func (s Scheme) RequiredDocuments() []string {
	return decodeLines(s.RequiredDocumentsJSON)
}
