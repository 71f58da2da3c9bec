package lifecycle

import (
	"regexp"
	"strings"

	"reflowline/internal/domain"
)

// EvidenceSource resolves evidence ids attached to an activity.
type EvidenceSource map[string]domain.EvidenceItem

type GateResult struct {
	Allowed     bool
	Missing     []domain.EvidenceRequired
	BlockerCode string
}

// CheckEvidenceGate counts attached evidence of each required type for the stages of
// from -> to. Without a source nothing counts.
func CheckEvidenceGate(a domain.Activity, from, to domain.ActivityState, source EvidenceSource) GateResult {
	stages := GateStages(from, to)
	if len(stages) == 0 {
		return GateResult{Allowed: true}
	}
	var missing []domain.EvidenceRequired
	for _, stage := range stages {
		for _, req := range a.EvidenceRequired {
			if req.Stage != stage || !req.Required {
				continue
			}
			if countMatching(a.EvidenceIDs, req.EvidenceType, source) < req.MinCount {
				missing = append(missing, req)
			}
		}
	}
	if len(missing) == 0 {
		return GateResult{Allowed: true}
	}
	return GateResult{Missing: missing, BlockerCode: EvidenceBlockerCode(missing[0].EvidenceType)}
}

func countMatching(ids []string, evidenceType string, source EvidenceSource) int {
	n := 0
	for _, id := range ids {
		if item, ok := source[id]; ok && item.EvidenceType == evidenceType {
			n++
		}
	}
	return n
}

var nonCodeChars = regexp.MustCompile(`[^A-Z0-9]`)

// EvidenceBlockerCode derives the blocker code for a missing evidence type.
func EvidenceBlockerCode(evidenceType string) string {
	return "EVIDENCE_MISSING_" + nonCodeChars.ReplaceAllString(strings.ToUpper(evidenceType), "_")
}
