package engine

import (
	"reflect"
	"testing"
)

func scanOf(results map[string]Result) ScanResult {
	var s ScanResult
	for id, r := range results {
		s.Findings = append(s.Findings, Finding{RuleID: id, Severity: CatII, Result: r})
	}
	SortFindings(s.Findings)
	return s
}

func TestCompare(t *testing.T) {
	prev := scanOf(map[string]Result{
		"x":    ResultPass,
		"y":    ResultFail,
		"z":    ResultPass,
		"na":   ResultNotApplicable,
		"gone": ResultPass,
	})
	next := scanOf(map[string]Result{
		"x":   ResultFail,
		"y":   ResultPass,
		"z":   ResultFail,
		"na":  ResultFail,
		"new": ResultFail,
	})

	d := Compare(prev, next, map[string]bool{"z": true})

	if !reflect.DeepEqual(d.Regressions, []string{"x"}) {
		t.Errorf("Regressions = %v, want [x]", d.Regressions)
	}
	if !reflect.DeepEqual(d.Fixed, []string{"y"}) {
		t.Errorf("Fixed = %v, want [y]", d.Fixed)
	}
	if !reflect.DeepEqual(d.Absent, []string{"gone", "new"}) {
		t.Errorf("Absent = %v, want [gone new]", d.Absent)
	}
}

func TestCompareIdenticalScans(t *testing.T) {
	s := scanOf(map[string]Result{"a": ResultPass, "b": ResultFail})
	d := Compare(s, s, nil)
	if len(d.Regressions) != 0 || len(d.Fixed) != 0 || len(d.Absent) != 0 {
		t.Errorf("identical scans should not differ: %+v", d)
	}
}
