package engine

import "sort"

// ScanDiff describes how controls moved between two scans.
type ScanDiff struct {
	Regressions []string `json:"regressions"`
	Fixed       []string `json:"fixed"`
	// Absent lists rules present in only one of the two scans. They never
	// count as regressions or fixes.
	Absent []string `json:"absent,omitempty"`
}

// Compare diffs prev against next. A regression is a rule that passed in
// prev and fails in next. Rules in changed were touched by an applied task
// in between and are not reported as regressions.
func Compare(prev, next ScanResult, changed map[string]bool) ScanDiff {
	before := make(map[string]Result, len(prev.Findings))
	for _, f := range prev.Findings {
		before[f.RuleID] = f.Result
	}

	var d ScanDiff
	seen := make(map[string]bool, len(next.Findings))
	for _, f := range next.Findings {
		seen[f.RuleID] = true
		old, ok := before[f.RuleID]
		if !ok {
			d.Absent = append(d.Absent, f.RuleID)
			continue
		}
		switch {
		case old == ResultPass && f.Result == ResultFail:
			if !changed[f.RuleID] {
				d.Regressions = append(d.Regressions, f.RuleID)
			}
		case old == ResultFail && f.Result == ResultPass:
			d.Fixed = append(d.Fixed, f.RuleID)
		}
	}
	for id := range before {
		if !seen[id] {
			d.Absent = append(d.Absent, id)
		}
	}

	sort.Strings(d.Regressions)
	sort.Strings(d.Fixed)
	sort.Strings(d.Absent)
	return d
}
