package engine

import (
	"fmt"
	"strings"
)

// Severity is a STIG category. Lower values are more severe, so sorting
// ascending presents CAT I first.
type Severity int

const (
	CatI Severity = iota + 1
	CatII
	CatIII
)

// SeverityAll is a threshold that keeps every finding.
const SeverityAll Severity = 99

func (s Severity) String() string {
	switch s {
	case CatI:
		return "CAT_I"
	case CatII:
		return "CAT_II"
	case CatIII:
		return "CAT_III"
	case SeverityAll:
		return "ALL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Label is the human form used in reports ("CAT I").
func (s Severity) Label() string {
	return strings.ReplaceAll(s.String(), "_", " ")
}

// Valid reports whether s is one of the three categories.
func (s Severity) Valid() bool {
	return s == CatI || s == CatII || s == CatIII
}

// Meets reports whether a finding of severity s passes the threshold.
func (s Severity) Meets(threshold Severity) bool {
	return s.Valid() && s <= threshold
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() && s != SeverityAll {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity accepts CAT_I / CAT I / cat1 forms and ALL.
func ParseSeverity(raw string) (Severity, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	norm = strings.NewReplacer(" ", "", "_", "", "-", "").Replace(norm)
	switch norm {
	case "CATI", "CAT1":
		return CatI, nil
	case "CATII", "CAT2":
		return CatII, nil
	case "CATIII", "CAT3":
		return CatIII, nil
	case "ALL":
		return SeverityAll, nil
	default:
		return 0, fmt.Errorf("invalid severity: %q", raw)
	}
}

// SeverityFromXCCDF maps an XCCDF rule severity to a STIG category.
// Unknown values fall back to CAT II.
func SeverityFromXCCDF(raw string) Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high":
		return CatI
	case "low":
		return CatIII
	default:
		return CatII
	}
}

// Result is the outcome of one control in a scan.
type Result string

const (
	ResultPass          Result = "pass"
	ResultFail          Result = "fail"
	ResultNotApplicable Result = "notapplicable"
	ResultError         Result = "error"
)

// ParseResult maps scanner result strings onto the closed Result set.
func ParseResult(raw string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pass", "fixed":
		return ResultPass, nil
	case "fail":
		return ResultFail, nil
	case "notapplicable", "notchecked", "notselected", "informational":
		return ResultNotApplicable, nil
	case "error", "unknown":
		return ResultError, nil
	default:
		return "", fmt.Errorf("invalid result: %q", raw)
	}
}

// Finding is one control from a scan.
type Finding struct {
	RuleID      string   `json:"rule_id"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Result      Result   `json:"result"`
	FixText     string   `json:"fix_text,omitempty"`
	CheckText   string   `json:"check_text,omitempty"`
	References  []string `json:"references,omitempty"`
}

// SameControl compares findings across scans. Titles and descriptions may
// change with profile updates, so only the rule id counts.
func (f Finding) SameControl(other Finding) bool {
	return f.RuleID == other.RuleID
}

func (f Finding) String() string {
	return fmt.Sprintf("[%s] %s - %s", f.Severity.Label(), f.RuleID, f.Title)
}
