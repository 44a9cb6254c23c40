package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
	"github.com/user/stigharden/pkg/store"
)

// Scanner produces a raw scan artifact.
type Scanner interface {
	Scan(ctx context.Context) (engine.ScanArtifact, error)
}

// Tracker measures compliance, diffs scans and appends to the history.
type Tracker struct {
	Scanner    Scanner
	Normalizer *engine.Normalizer
	History    *store.History
	Snapshots  *store.ScanSnapshots
	Timeout    time.Duration

	log *zap.Logger
}

func NewTracker(scanner Scanner, normalizer *engine.Normalizer, history *store.History, snapshots *store.ScanSnapshots, timeout time.Duration, log *zap.Logger) *Tracker {
	return &Tracker{
		Scanner:    scanner,
		Normalizer: normalizer,
		History:    history,
		Snapshots:  snapshots,
		Timeout:    timeout,
		log:        logging.OrNop(log),
	}
}

// Scan runs the scanner under the tracker's timeout and normalizes the
// artifact. Scanner failures wrap ErrScanFailed; bad artifacts wrap
// engine.ErrMalformedScanArtifact.
func (t *Tracker) Scan(ctx context.Context) (engine.ScanResult, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	artifact, err := t.Scanner.Scan(ctx)
	if err != nil {
		return engine.ScanResult{}, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}
	return t.Normalizer.Normalize(artifact)
}

// Baseline records the first scan of a session. Regressions are computed
// against the scan behind the previous history entry, when it was kept.
func (t *Tracker) Baseline(sessionID string, scan engine.ScanResult) (store.HistoryEntry, engine.ScanDiff, error) {
	if err := t.Snapshots.SaveSnapshot(scan); err != nil {
		return store.HistoryEntry{}, engine.ScanDiff{}, err
	}

	if err := t.History.Repair(); err != nil {
		t.log.Warn("Compliance history repair failed", zap.Error(err))
	}

	var diff engine.ScanDiff
	prevEntry, ok, err := t.History.Latest()
	if err != nil {
		return store.HistoryEntry{}, engine.ScanDiff{}, err
	}
	if ok && prevEntry.ScanID != scan.ID {
		prev, found, err := t.Snapshots.LoadSnapshot(prevEntry.ScanID)
		if err != nil {
			t.log.Warn("Previous scan unreadable, skipping regression check", zap.String("scan_id", prevEntry.ScanID), zap.Error(err))
		} else if found {
			diff = engine.Compare(prev, scan, nil)
		}
	}

	entry := store.NewHistoryEntry(sessionID, store.PhaseBaseline, scan, nil, diff)
	if err := t.History.Append(entry); err != nil {
		return store.HistoryEntry{}, diff, err
	}
	t.logEntry(entry)
	return entry, diff, nil
}

// Rescan measures the host after a batch. Rules touched by applied tasks
// are not counted as regressions. A scanner failure appends nothing.
func (t *Tracker) Rescan(ctx context.Context, sessionID string, before engine.ScanResult, applied []store.Task) (engine.ScanResult, engine.ScanDiff, error) {
	after, err := t.Scan(ctx)
	if err != nil {
		return engine.ScanResult{}, engine.ScanDiff{}, fmt.Errorf("%w: rescan: %v", ErrScanFailed, err)
	}
	if err := t.Snapshots.SaveSnapshot(after); err != nil {
		return after, engine.ScanDiff{}, err
	}

	changed := make(map[string]bool, len(applied))
	ids := make([]string, 0, len(applied))
	for _, task := range applied {
		changed[task.RuleID] = true
		ids = append(ids, task.ID)
	}
	diff := engine.Compare(before, after, changed)

	entry := store.NewHistoryEntry(sessionID, store.PhaseRescan, after, ids, diff)
	if err := t.History.Append(entry); err != nil {
		return after, diff, err
	}
	t.logEntry(entry)
	return after, diff, nil
}

func (t *Tracker) logEntry(e store.HistoryEntry) {
	t.log.Info("History entry appended",
		zap.String("session_id", e.SessionID),
		zap.String("scan_id", e.ScanID),
		zap.String("phase", string(e.Phase)),
		zap.Float64("score", e.Score),
		zap.Int("fail_count", e.FailCount),
	)
	if len(e.Regressions) > 0 {
		t.log.Warn("Regressions detected",
			zap.String("session_id", e.SessionID),
			zap.Strings("regressions", e.Regressions),
		)
	}
}
