package engine

import (
	"fmt"
	"time"
)

// Explanation is the triage write-up for one finding.
type Explanation struct {
	RuleID         string    `json:"rule_id"`
	ProfileVersion string    `json:"profile_version"`
	Meaning        string    `json:"meaning"`
	Risk           string    `json:"risk"`
	SideEffects    string    `json:"side_effects"`
	Text           string    `json:"text"`
	Model          string    `json:"model,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
	// Degraded marks a placeholder produced when the reasoning call failed.
	// Placeholders are never cached.
	Degraded bool   `json:"degraded,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PlaceholderExplanation stands in for a failed triage so the finding can
// still be reviewed.
func PlaceholderExplanation(f Finding, profileVersion string, cause error) Explanation {
	reason := "unavailable"
	if cause != nil {
		reason = cause.Error()
	}
	meaning := f.Description
	if meaning == "" {
		meaning = f.Title
	}
	return Explanation{
		RuleID:         f.RuleID,
		ProfileVersion: profileVersion,
		Meaning:        meaning,
		Risk:           fmt.Sprintf("%s finding. Automated analysis unavailable (%s).", f.Severity.Label(), reason),
		SideEffects:    "Unknown. Review the proposed change before applying.",
		Text:           fmt.Sprintf("Analysis unavailable for %s: %s", f.RuleID, reason),
		GeneratedAt:    time.Now().UTC(),
		Degraded:       true,
		Reason:         reason,
	}
}
