package wrappers

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/user/stigharden/pkg/engine"
)

// XML structures for XCCDF results. Namespaces are ignored so 1.1 and 1.2
// documents both decode.
type xccdfText struct {
	Inner string `xml:",innerxml"`
}

type xccdfRule struct {
	ID          string    `xml:"id,attr"`
	Severity    string    `xml:"severity,attr"`
	Title       xccdfText `xml:"title"`
	Description xccdfText `xml:"description"`
	FixText     xccdfText `xml:"fixtext"`
	Checks      []struct {
		Content xccdfText `xml:"check-content"`
	} `xml:"check"`
	References []struct {
		Text string `xml:",chardata"`
	} `xml:"reference"`
}

type xccdfRuleResult struct {
	IDRef    string `xml:"idref,attr"`
	Severity string `xml:"severity,attr"`
	Result   string `xml:"result"`
}

type xccdfTestResult struct {
	StartTime string `xml:"start-time,attr"`
	EndTime   string `xml:"end-time,attr"`
	Benchmark struct {
		Href string `xml:"href,attr"`
		ID   string `xml:"id,attr"`
	} `xml:"benchmark"`
	Profile struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"profile"`
	RuleResults []xccdfRuleResult `xml:"rule-result"`
}

// ParseXCCDF reads an XCCDF results document (a Benchmark with an embedded
// TestResult, or a bare TestResult) into a raw scan artifact. Rule metadata
// comes from the Benchmark's Rule definitions when present.
func ParseXCCDF(r io.Reader) (engine.ScanArtifact, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	dec.Entity = xml.HTMLEntity

	rules := make(map[string]xccdfRule)
	var (
		result  *xccdfTestResult
		version string
		stack   []string
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return engine.ScanArtifact{}, fmt.Errorf("%w: %v", engine.ErrMalformedScanArtifact, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "Rule":
				var rule xccdfRule
				if err := dec.DecodeElement(&rule, &t); err != nil {
					return engine.ScanArtifact{}, fmt.Errorf("%w: rule: %v", engine.ErrMalformedScanArtifact, err)
				}
				rules[rule.ID] = rule
				continue
			case "TestResult":
				// The last TestResult wins, matching oscap's single-run output.
				var tr xccdfTestResult
				if err := dec.DecodeElement(&tr, &t); err != nil {
					return engine.ScanArtifact{}, fmt.Errorf("%w: test result: %v", engine.ErrMalformedScanArtifact, err)
				}
				result = &tr
				continue
			case "version":
				if len(stack) > 0 && stack[len(stack)-1] == "Benchmark" {
					var v string
					if err := dec.DecodeElement(&v, &t); err != nil {
						return engine.ScanArtifact{}, err
					}
					version = strings.TrimSpace(v)
					continue
				}
			}
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if result == nil {
		return engine.ScanArtifact{}, fmt.Errorf("%w: no TestResult element", engine.ErrMalformedScanArtifact)
	}

	artifact := engine.ScanArtifact{
		Profile:        result.Profile.IDRef,
		ProfileVersion: version,
		Rules:          make([]engine.RawRuleResult, 0, len(result.RuleResults)),
	}
	if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(result.StartTime)); err == nil {
		artifact.StartedAt = ts
	} else if ts, err := time.Parse("2006-01-02T15:04:05", strings.TrimSpace(result.StartTime)); err == nil {
		artifact.StartedAt = ts
	}

	for _, rr := range result.RuleResults {
		def := rules[rr.IDRef]
		severity := rr.Severity
		if severity == "" {
			severity = def.Severity
		}
		if severity == "" {
			// XCCDF default
			severity = "unknown"
		}

		raw := engine.RawRuleResult{
			RuleID:      rr.IDRef,
			Severity:    severity,
			Result:      strings.TrimSpace(rr.Result),
			Title:       plainText(def.Title.Inner),
			Description: plainText(def.Description.Inner),
			FixText:     plainText(def.FixText.Inner),
		}
		if raw.Title == "" {
			raw.Title = rr.IDRef
		}
		for _, c := range def.Checks {
			if text := plainText(c.Content.Inner); text != "" {
				raw.CheckText = text
				break
			}
		}
		for _, ref := range def.References {
			if text := strings.TrimSpace(ref.Text); text != "" {
				raw.References = append(raw.References, text)
			}
		}
		artifact.Rules = append(artifact.Rules, raw)
	}
	return artifact, nil
}

// ParseXCCDFFile parses the XCCDF results file at path.
func ParseXCCDFFile(path string) (engine.ScanArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.ScanArtifact{}, err
	}
	artifact, err := ParseXCCDF(bytes.NewReader(data))
	if err != nil {
		return engine.ScanArtifact{}, err
	}
	artifact.Source = path
	return artifact, nil
}

// plainText flattens XHTML-bearing XCCDF text to its character data.
func plainText(inner string) string {
	if strings.TrimSpace(inner) == "" {
		return ""
	}
	dec := xml.NewDecoder(strings.NewReader("<t>" + inner + "</t>"))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity

	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		if cd, ok := tok.(xml.CharData); ok {
			sb.Write(cd)
		}
	}
	var lines []string
	for _, line := range strings.Split(sb.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
