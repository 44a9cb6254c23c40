package engine

import (
	"sort"
	"time"
)

// ScanArtifact is the raw output of a scanner, before normalization.
// Wrappers fill it from the tool's native report format.
type ScanArtifact struct {
	Source         string          `json:"source"`
	Profile        string          `json:"profile"`
	ProfileVersion string          `json:"profile_version"`
	StartedAt      time.Time       `json:"started_at"`
	Rules          []RawRuleResult `json:"rules"`
}

// RawRuleResult is one unvalidated rule-result record from an artifact.
type RawRuleResult struct {
	RuleID      string   `json:"rule_id"`
	Severity    string   `json:"severity"`
	Result      string   `json:"result"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	FixText     string   `json:"fix_text"`
	CheckText   string   `json:"check_text"`
	References  []string `json:"references"`
}

// ScanResult is an immutable snapshot of one scan. Counts and score are
// always derived from Findings.
type ScanResult struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Profile        string    `json:"profile"`
	ProfileVersion string    `json:"profile_version"`
	Source         string    `json:"source"`
	Findings       []Finding `json:"findings"`
}

func (s ScanResult) count(r Result) int {
	n := 0
	for _, f := range s.Findings {
		if f.Result == r {
			n++
		}
	}
	return n
}

func (s ScanResult) PassCount() int { return s.count(ResultPass) }
func (s ScanResult) FailCount() int { return s.count(ResultFail) }

// Score is pass / (pass + fail), or 0 when nothing was checked.
func (s ScanResult) Score() float64 {
	pass, fail := s.PassCount(), s.FailCount()
	if pass+fail == 0 {
		return 0
	}
	return float64(pass) / float64(pass+fail)
}

// ScorePercent is Score rounded to one decimal place, as shown to operators.
func (s ScanResult) ScorePercent() float64 {
	return float64(int(s.Score()*1000+0.5)) / 10
}

// CountBySeverity counts findings with the given result per category.
func (s ScanResult) CountBySeverity(r Result) map[Severity]int {
	out := map[Severity]int{CatI: 0, CatII: 0, CatIII: 0}
	for _, f := range s.Findings {
		if f.Result == r {
			out[f.Severity]++
		}
	}
	return out
}

// Outcome returns the result recorded for ruleID, or false when the rule is
// absent from this scan.
func (s ScanResult) Outcome(ruleID string) (Result, bool) {
	for _, f := range s.Findings {
		if f.RuleID == ruleID {
			return f.Result, true
		}
	}
	return "", false
}

// VersionKey identifies the rule content the scan was produced from.
func (s ScanResult) VersionKey() string {
	if s.ProfileVersion != "" {
		return s.Profile + "@" + s.ProfileVersion
	}
	return s.Profile
}

// SortFindings orders findings by (severity, rule id). This is the single
// presentation order used everywhere downstream.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return findings[i].Severity < findings[j].Severity
		}
		return findings[i].RuleID < findings[j].RuleID
	})
}
