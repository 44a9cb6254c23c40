package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedScanArtifact means the artifact cannot be trusted. It is fatal
// for the session.
var ErrMalformedScanArtifact = errors.New("malformed scan artifact")

// Normalizer turns raw scan artifacts into ordered findings.
type Normalizer struct {
	Threshold Severity
	Now       func() time.Time
}

// NewNormalizer creates a normalizer that queues findings at or above
// threshold for review.
func NewNormalizer(threshold Severity) *Normalizer {
	return &Normalizer{Threshold: threshold, Now: time.Now}
}

// Normalize validates every record of the artifact and returns the full scan,
// sorted by (severity, rule id).
func (n *Normalizer) Normalize(artifact ScanArtifact) (ScanResult, error) {
	if len(artifact.Rules) == 0 {
		return ScanResult{}, fmt.Errorf("%w: no rule results", ErrMalformedScanArtifact)
	}
	if strings.TrimSpace(artifact.Profile) == "" {
		return ScanResult{}, fmt.Errorf("%w: profile is missing", ErrMalformedScanArtifact)
	}

	seen := make(map[string]struct{}, len(artifact.Rules))
	findings := make([]Finding, 0, len(artifact.Rules))
	for i, raw := range artifact.Rules {
		f, err := normalizeRule(raw)
		if err != nil {
			return ScanResult{}, fmt.Errorf("%w: record %d: %v", ErrMalformedScanArtifact, i, err)
		}
		if _, dup := seen[f.RuleID]; dup {
			return ScanResult{}, fmt.Errorf("%w: duplicate rule id %s", ErrMalformedScanArtifact, f.RuleID)
		}
		seen[f.RuleID] = struct{}{}
		findings = append(findings, f)
	}
	SortFindings(findings)

	ts := artifact.StartedAt
	if ts.IsZero() {
		now := time.Now
		if n.Now != nil {
			now = n.Now
		}
		ts = now()
	}

	return ScanResult{
		ID:             uuid.NewString(),
		Timestamp:      ts.UTC(),
		Profile:        artifact.Profile,
		ProfileVersion: artifact.ProfileVersion,
		Source:         artifact.Source,
		Findings:       findings,
	}, nil
}

func normalizeRule(raw RawRuleResult) (Finding, error) {
	id := strings.TrimSpace(raw.RuleID)
	if id == "" {
		return Finding{}, errors.New("rule id is missing")
	}
	if strings.TrimSpace(raw.Severity) == "" {
		return Finding{}, fmt.Errorf("rule %s: severity is missing", id)
	}
	sev, err := ParseSeverity(raw.Severity)
	if err != nil || sev == SeverityAll {
		// XCCDF-native severities are accepted too.
		switch strings.ToLower(strings.TrimSpace(raw.Severity)) {
		case "high", "medium", "low", "unknown", "info":
			sev = SeverityFromXCCDF(raw.Severity)
		default:
			return Finding{}, fmt.Errorf("rule %s: invalid severity %q", id, raw.Severity)
		}
	}
	if strings.TrimSpace(raw.Result) == "" {
		return Finding{}, fmt.Errorf("rule %s: result is missing", id)
	}
	res, err := ParseResult(raw.Result)
	if err != nil {
		return Finding{}, fmt.Errorf("rule %s: %v", id, err)
	}

	title := raw.Title
	if title == "" {
		title = id
	}
	return Finding{
		RuleID:      id,
		Severity:    sev,
		Title:       title,
		Description: raw.Description,
		Result:      res,
		FixText:     raw.FixText,
		CheckText:   raw.CheckText,
		References:  raw.References,
	}, nil
}

// Queue returns the failing findings that meet the normalizer's threshold,
// in presentation order.
func (n *Normalizer) Queue(scan ScanResult) []Finding {
	return Queue(scan, n.Threshold)
}

// Queue returns the failing findings of scan at or above threshold.
func Queue(scan ScanResult, threshold Severity) []Finding {
	out := make([]Finding, 0)
	for _, f := range scan.Findings {
		if f.Result == ResultFail && f.Severity.Meets(threshold) {
			out = append(out, f)
		}
	}
	SortFindings(out)
	return out
}
