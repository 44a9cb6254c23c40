package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/store"
)

// Mode selects how far a session goes.
type Mode string

const (
	ModeScanOnly    Mode = "scan_only"
	ModeDryRun      Mode = "dry_run"
	ModeInteractive Mode = "interactive"
)

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeScanOnly, ModeDryRun, ModeInteractive:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mode: %q", raw)
	}
}

// State is the lifecycle of a session checkpoint.
type State string

const (
	StateRunning   State = "running"
	StateQuit      State = "quit"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Session is the resumable unit of work. Only the Controller mutates it.
type Session struct {
	ID        string          `json:"id"`
	Mode      Mode            `json:"mode"`
	Profile   string          `json:"profile"`
	Threshold engine.Severity `json:"threshold"`
	ScanID    string          `json:"scan_id,omitempty"`
	Cursor    int             `json:"cursor"`
	RuleID    string          `json:"rule_id,omitempty"`
	Status    State           `json:"status"`
	LastStep  string          `json:"last_step"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func NewSession(mode Mode, profile string, threshold engine.Severity) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Mode:      mode,
		Profile:   profile,
		Threshold: threshold,
		Status:    StateRunning,
		LastStep:  "created",
		StartedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) DryRun() bool { return s.Mode == ModeDryRun }

func (s *Session) ResumePoint() ResumePoint {
	return ResumePoint{SessionID: s.ID, Cursor: s.Cursor, RuleID: s.RuleID, LastStep: s.LastStep}
}

// Checkpoints stores one JSON file per session under sessions/.
type Checkpoints struct {
	dir string
}

func OpenCheckpoints(stateDir string) *Checkpoints {
	return &Checkpoints{dir: filepath.Join(stateDir, "sessions")}
}

var unsafeID = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func (c *Checkpoints) path(id string) string {
	return filepath.Join(c.dir, unsafeID.ReplaceAllString(id, "_")+".json")
}

// Save writes s atomically.
func (c *Checkpoints) Save(s *Session) error {
	s.UpdatedAt = time.Now().UTC()
	if err := store.WriteJSONAtomic(c.path(s.ID), s); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", store.ErrPersistence, err)
	}
	return nil
}

func (c *Checkpoints) Load(id string) (*Session, error) {
	var s Session
	found, err := store.ReadJSON(c.path(id), &s)
	if err != nil {
		return nil, fmt.Errorf("%w: checkpoint %s: %v", store.ErrPersistence, id, err)
	}
	if !found {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return &s, nil
}

// Latest returns the most recently updated session, or nil when there is none.
func (c *Checkpoints) Latest() (*Session, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var latest *Session
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		s, err := c.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	return latest, nil
}
