package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
)

// Phase tells whether an entry records the session's first scan or a
// re-scan after remediation.
type Phase string

const (
	PhaseBaseline Phase = "baseline"
	PhaseRescan   Phase = "rescan"
)

// HistoryEntry is one line of the compliance history. Entries are never
// rewritten once appended.
type HistoryEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	SessionID      string    `json:"session_id"`
	ScanID         string    `json:"scan_id"`
	Profile        string    `json:"profile"`
	Phase          Phase     `json:"phase"`
	Score          float64   `json:"score"` // percent, one decimal
	PassCount      int       `json:"pass_count"`
	FailCount      int       `json:"fail_count"`
	Cat1Fails      int       `json:"cat1_fails"`
	Cat2Fails      int       `json:"cat2_fails"`
	Cat3Fails      int       `json:"cat3_fails"`
	AppliedTaskIDs []string  `json:"applied_task_ids"`
	Regressions    []string  `json:"regressions"`
	Fixed          []string  `json:"fixed,omitempty"`
}

// NewHistoryEntry summarises scan for the history.
func NewHistoryEntry(sessionID string, phase Phase, scan engine.ScanResult, applied []string, diff engine.ScanDiff) HistoryEntry {
	fails := scan.CountBySeverity(engine.ResultFail)
	if applied == nil {
		applied = []string{}
	}
	regressions := diff.Regressions
	if regressions == nil {
		regressions = []string{}
	}
	return HistoryEntry{
		Timestamp:      time.Now().UTC(),
		SessionID:      sessionID,
		ScanID:         scan.ID,
		Profile:        scan.Profile,
		Phase:          phase,
		Score:          scan.ScorePercent(),
		PassCount:      scan.PassCount(),
		FailCount:      scan.FailCount(),
		Cat1Fails:      fails[engine.CatI],
		Cat2Fails:      fails[engine.CatII],
		Cat3Fails:      fails[engine.CatIII],
		AppliedTaskIDs: applied,
		Regressions:    regressions,
		Fixed:          diff.Fixed,
	}
}

// History is the append-only compliance history file.
type History struct {
	path string
	log  *zap.Logger
}

func OpenHistory(dir string, log *zap.Logger) *History {
	return &History{
		path: filepath.Join(dir, "compliance_history.jsonl"),
		log:  logging.OrNop(log),
	}
}

func (h *History) Path() string { return h.path }

// Append writes e durably.
func (h *History) Append(e HistoryEntry) error {
	if err := appendJSONL(h.path, e); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	h.log.Info("Compliance history appended",
		zap.String("session_id", e.SessionID),
		zap.String("scan_id", e.ScanID),
		zap.String("phase", string(e.Phase)),
		zap.Float64("score", e.Score),
		zap.Strings("regressions", e.Regressions),
	)
	return nil
}

// Entries reads the history in order. Lines that do not parse are logged
// and skipped. The file is never modified, so readers may run alongside a
// session that is appending.
func (h *History) Entries() ([]HistoryEntry, error) {
	entries, _, err := h.read()
	return entries, err
}

// Repair truncates a final line that has no newline and does not parse,
// as left by a crash mid-append. Only the process holding the state lock
// may call it.
func (h *History) Repair() error {
	_, torn, err := h.read()
	if err != nil || torn < 0 {
		return err
	}
	if err := os.Truncate(h.path, torn); err != nil {
		return fmt.Errorf("%w: truncate history: %v", ErrPersistence, err)
	}
	h.log.Warn("Removed unfinished compliance history line", zap.Int64("offset", torn))
	return nil
}

// read parses every line. torn is the offset of an unterminated, unparseable
// last line, or -1.
func (h *History) read() (entries []HistoryEntry, torn int64, err error) {
	torn = -1
	data, err := os.ReadFile(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return []HistoryEntry{}, torn, nil
	}
	if err != nil {
		return nil, torn, fmt.Errorf("read history: %w", err)
	}

	entries = []HistoryEntry{}
	offset := 0
	lineNo := 0
	for offset < len(data) {
		end := bytes.IndexByte(data[offset:], '\n')
		next := len(data)
		if end >= 0 {
			next = offset + end + 1
		}
		lineNo++
		line := bytes.TrimSpace(data[offset:next])
		if len(line) > 0 {
			var e HistoryEntry
			if err := json.Unmarshal(line, &e); err != nil {
				if end < 0 {
					torn = int64(offset)
				}
				h.log.Warn("Skipping corrupt compliance history line",
					zap.Int("line", lineNo),
					zap.Bool("unterminated", end < 0),
					zap.Error(err),
				)
			} else {
				entries = append(entries, e)
			}
		}
		offset = next
	}
	return entries, torn, nil
}

// Latest returns the last entry, if any.
func (h *History) Latest() (HistoryEntry, bool, error) {
	entries, err := h.Entries()
	if err != nil || len(entries) == 0 {
		return HistoryEntry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

// Improvement compares the first and last history entries.
type Improvement struct {
	ScoreDelta    float64 `json:"score_delta"`
	FailuresFixed int     `json:"failures_fixed"`
	FirstScore    float64 `json:"first_score"`
	LastScore     float64 `json:"last_score"`
	ScanCount     int     `json:"scan_count"`
}

// Improvement reports false until there are at least two entries.
func (h *History) Improvement() (Improvement, bool, error) {
	entries, err := h.Entries()
	if err != nil {
		return Improvement{}, false, err
	}
	imp, ok := ImprovementOf(entries)
	return imp, ok, nil
}

func ImprovementOf(entries []HistoryEntry) (Improvement, bool) {
	if len(entries) < 2 {
		return Improvement{}, false
	}
	first, last := entries[0], entries[len(entries)-1]
	return Improvement{
		ScoreDelta:    math.Round((last.Score-first.Score)*10) / 10,
		FailuresFixed: first.FailCount - last.FailCount,
		FirstScore:    first.Score,
		LastScore:     last.Score,
		ScanCount:     len(entries),
	}, true
}
