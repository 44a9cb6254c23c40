package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/stigharden/pkg/engine"
)

// ScanSummary is the headline of one scan.
type ScanSummary struct {
	ScanID string  `json:"scan_id"`
	Score  float64 `json:"score"`
	Pass   int     `json:"pass"`
	Fail   int     `json:"fail"`
}

func summarize(scan engine.ScanResult) ScanSummary {
	return ScanSummary{ScanID: scan.ID, Score: scan.ScorePercent(), Pass: scan.PassCount(), Fail: scan.FailCount()}
}

// Report is what a session did.
type Report struct {
	SessionID string       `json:"session_id"`
	Mode      Mode         `json:"mode"`
	Quit      bool         `json:"quit"`
	Before    ScanSummary  `json:"before"`
	After     *ScanSummary `json:"after,omitempty"`
	Queued    int          `json:"queued"`

	Applied        []string `json:"applied"`
	Skipped        []string `json:"skipped"`
	Failed         []string `json:"failed"`
	WouldApply     []string `json:"would_apply,omitempty"`
	AlreadyDecided []string `json:"already_decided,omitempty"`
	Reconciled     []string `json:"reconciled,omitempty"`

	Regressions []string `json:"regressions,omitempty"`
	Fixed       []string `json:"fixed,omitempty"`
	RescanError string   `json:"rescan_error,omitempty"`

	TriageReport string `json:"triage_report,omitempty"`
	Summary      string `json:"summary,omitempty"`
	LogPath      string `json:"log_path,omitempty"`
}

func list(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}

// WriteSessionLog writes the plain-text session log into dir and returns
// its path.
func (r *Report) WriteSessionLog(dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("session_log_%s.txt", now.Format("20060102_150405")))

	var sb strings.Builder
	fmt.Fprintf(&sb, "STIG Hardening Session %s (%s) - %s\n", r.SessionID, r.Mode, now.Format(time.RFC3339))
	sb.WriteString(strings.Repeat("=", 60) + "\n\n")
	fmt.Fprintf(&sb, "Applied  (%d): %s\n", len(r.Applied), list(r.Applied))
	fmt.Fprintf(&sb, "Skipped  (%d): %s\n", len(r.Skipped), list(r.Skipped))
	fmt.Fprintf(&sb, "Failed   (%d): %s\n", len(r.Failed), list(r.Failed))
	if len(r.WouldApply) > 0 {
		fmt.Fprintf(&sb, "Dry run  (%d): %s\n", len(r.WouldApply), list(r.WouldApply))
	}
	fmt.Fprintf(&sb, "\nScore before: %.1f%% (%d failing)\n", r.Before.Score, r.Before.Fail)
	if r.After != nil {
		fmt.Fprintf(&sb, "Score after : %.1f%% (%d failing)\n", r.After.Score, r.After.Fail)
		fmt.Fprintf(&sb, "Regressions : %s\n", list(r.Regressions))
	}
	if r.RescanError != "" {
		fmt.Fprintf(&sb, "Rescan failed: %s\n", r.RescanError)
	}
	if r.Quit {
		sb.WriteString("\nSession ended early by the operator; resume to continue.\n")
	}

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return "", err
	}
	r.LogPath = path
	return path, nil
}

// Print renders the closing summary for the terminal.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "\nSession %s (%s)\n", r.SessionID, r.Mode)
	fmt.Fprintf(w, "  Applied : %d\n  Skipped : %d\n  Failed  : %d\n", len(r.Applied), len(r.Skipped), len(r.Failed))
	if len(r.WouldApply) > 0 {
		fmt.Fprintf(w, "  Dry run : %d (would apply: %s)\n", len(r.WouldApply), list(r.WouldApply))
	}
	if len(r.AlreadyDecided) > 0 {
		fmt.Fprintf(w, "  Previously decided: %d\n", len(r.AlreadyDecided))
	}
	if len(r.Reconciled) > 0 {
		fmt.Fprintf(w, "  Re-verified after interruption: %s\n", list(r.Reconciled))
	}
	fmt.Fprintf(w, "  Score   : %.1f%%", r.Before.Score)
	if r.After != nil {
		fmt.Fprintf(w, " -> %.1f%% (%+.1f)", r.After.Score, r.After.Score-r.Before.Score)
	}
	fmt.Fprintln(w)
	if len(r.Regressions) > 0 {
		fmt.Fprintf(w, "  REGRESSIONS: %s\n", list(r.Regressions))
	}
	if r.RescanError != "" {
		fmt.Fprintf(w, "  Rescan failed: %s\n", r.RescanError)
	}
	if r.Quit {
		fmt.Fprintf(w, "  Quit before the end of the queue. Resume with: stigharden run --resume %s\n", r.SessionID)
	}
	if r.Summary != "" {
		fmt.Fprintf(w, "\nExecutive summary:\n%s\n", r.Summary)
	}
	if r.LogPath != "" {
		fmt.Fprintf(w, "\nSession log saved: %s\n", r.LogPath)
	}
}
