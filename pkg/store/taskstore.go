package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
)

var (
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrTaskNotFound      = errors.New("task not found")
)

// Status is the lifecycle state of a remediation task.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusSkipped  Status = "skipped"
	StatusApplied  Status = "applied"
	StatusFailed   Status = "failed"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusProposed: {
		StatusApproved: {},
		StatusSkipped:  {},
	},
	StatusApproved: {
		StatusApplied: {},
		StatusFailed:  {},
	},
	StatusSkipped: {},
	StatusApplied: {},
	StatusFailed:  {},
}

func ValidateTransition(from, to Status) error {
	if _, ok := allowedTransitions[from]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Transition is one recorded status change.
type Transition struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	At    time.Time `json:"at"`
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
}

// Task is one proposed change for one finding.
type Task struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	RuleID       string          `json:"finding_rule_id"`
	Severity     engine.Severity `json:"severity"`
	Title        string          `json:"title,omitempty"`
	Content      string          `json:"content"`
	ContentHash  string          `json:"content_hash"`
	Source       string          `json:"source,omitempty"` // template, llm, fix_text
	Status       Status          `json:"status"`
	DryRun       bool            `json:"dry_run"`
	Outcome      string          `json:"outcome,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Transitions  []Transition    `json:"transitions"`
	SupersededBy string          `json:"superseded_by,omitempty"`
}

// Decided reports whether the operator (or policy) has ruled on the task.
func (t Task) Decided() bool { return t.Status != StatusProposed }

// Unconfirmed reports an approval for a real run with no recorded outcome.
func (t Task) Unconfirmed() bool { return t.Status == StatusApproved && !t.DryRun }

// ContentHash is the sha256 hex digest of a remediation's content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

type taskFile struct {
	Current    map[string]Task `json:"current"`
	Superseded []Task          `json:"superseded"`
}

// TaskStore persists remediation tasks in tasks.json. Every mutation is
// written to disk before the call returns.
type TaskStore struct {
	mu   sync.Mutex
	path string
	data taskFile
	log  *zap.Logger
	now  func() time.Time
}

// OpenTaskStore loads (or initialises) the task store in dir.
func OpenTaskStore(dir string, log *zap.Logger) (*TaskStore, error) {
	s := &TaskStore{
		path: filepath.Join(dir, "tasks.json"),
		log:  logging.OrNop(log),
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load re-reads the store from disk.
func (s *TaskStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data taskFile
	if _, err := ReadJSON(s.path, &data); err != nil {
		return fmt.Errorf("%w: load tasks: %v", ErrPersistence, err)
	}
	if data.Current == nil {
		data.Current = make(map[string]Task)
	}
	s.data = data
	return nil
}

func (s *TaskStore) persist() error {
	if err := WriteJSONAtomic(s.path, s.data); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Propose records content as the remediation for f. The same content for a
// rule returns the existing task unchanged, whatever its status. Different
// content supersedes the existing task with a fresh proposal, and so does a
// dry-run approval when a real session proposes the same content.
// The bool result reports whether a new task was created.
func (s *TaskStore) Propose(sessionID string, f engine.Finding, content, source string, dryRun bool) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := ContentHash(content)
	prev, exists := s.data.Current[f.RuleID]
	if exists && prev.ContentHash == hash {
		staleDryRun := prev.DryRun && !dryRun && prev.Status == StatusApproved
		switch {
		case prev.Status == StatusProposed && prev.DryRun != dryRun:
			// Undecided proposals follow the mode of the session presenting them.
			prev.DryRun = dryRun
			prev.UpdatedAt = s.now()
			s.data.Current[f.RuleID] = prev
			if err := s.persist(); err != nil {
				prev.DryRun = !dryRun
				s.data.Current[f.RuleID] = prev
				return Task{}, false, err
			}
			return prev, false, nil
		case !staleDryRun:
			return prev, false, nil
		}
	}

	now := s.now()
	task := Task{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		RuleID:      f.RuleID,
		Severity:    f.Severity,
		Title:       f.Title,
		Content:     content,
		ContentHash: hash,
		Source:      source,
		Status:      StatusProposed,
		DryRun:      dryRun,
		CreatedAt:   now,
		UpdatedAt:   now,
		Transitions: []Transition{},
	}

	superseded := len(s.data.Superseded)
	if exists {
		old := prev
		old.SupersededBy = task.ID
		s.data.Superseded = append(s.data.Superseded, old)
	}
	s.data.Current[f.RuleID] = task

	if err := s.persist(); err != nil {
		s.data.Superseded = s.data.Superseded[:superseded]
		if exists {
			s.data.Current[f.RuleID] = prev
		} else {
			delete(s.data.Current, f.RuleID)
		}
		return Task{}, false, err
	}

	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("rule_id", f.RuleID),
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("source", source),
	}
	if exists {
		fields = append(fields, zap.String("supersedes", prev.ID))
	}
	s.log.Info("Remediation proposed", fields...)
	return task, true, nil
}

// Transition moves the current task taskID to status to and persists it.
// The outcome is recorded on the task for applied and failed.
func (s *TaskStore) Transition(taskID string, to Status, actor, note string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ruleID, prev, ok := s.findCurrent(taskID)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := ValidateTransition(prev.Status, to); err != nil {
		return Task{}, err
	}

	now := s.now()
	next := prev
	next.Transitions = append(append([]Transition(nil), prev.Transitions...), Transition{
		From: prev.Status, To: to, At: now, Actor: actor, Note: note,
	})
	next.Status = to
	next.UpdatedAt = now
	if to == StatusApplied || to == StatusFailed {
		next.Outcome = note
	}

	s.data.Current[ruleID] = next
	if err := s.persist(); err != nil {
		s.data.Current[ruleID] = prev
		return Task{}, err
	}

	s.log.Info("Task transition",
		zap.String("session_id", next.SessionID),
		zap.String("rule_id", ruleID),
		zap.String("task_id", taskID),
		zap.String("from", string(prev.Status)),
		zap.String("status", string(to)),
		zap.String("actor", actor),
	)
	return next, nil
}

// Reopen supersedes a failed or skipped task with a fresh proposal of the
// same content. It is the only way to re-attempt a failed remediation.
func (s *TaskStore) Reopen(ruleID, actor string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.data.Current[ruleID]
	if !ok {
		return Task{}, fmt.Errorf("%w: no task for rule %s", ErrTaskNotFound, ruleID)
	}
	if prev.Status != StatusFailed && prev.Status != StatusSkipped {
		return Task{}, fmt.Errorf("%w: only failed or skipped tasks can be reopened (rule %s is %s)",
			ErrInvalidTransition, ruleID, prev.Status)
	}

	now := s.now()
	task := prev
	task.ID = uuid.NewString()
	task.Status = StatusProposed
	task.Outcome = ""
	task.CreatedAt = now
	task.UpdatedAt = now
	task.SupersededBy = ""
	task.Transitions = []Transition{}

	old := prev
	old.SupersededBy = task.ID
	old.Transitions = append(append([]Transition(nil), prev.Transitions...), Transition{
		From: prev.Status, To: prev.Status, At: now, Actor: actor, Note: "reopened",
	})

	n := len(s.data.Superseded)
	s.data.Superseded = append(s.data.Superseded, old)
	s.data.Current[ruleID] = task
	if err := s.persist(); err != nil {
		s.data.Superseded = s.data.Superseded[:n]
		s.data.Current[ruleID] = prev
		return Task{}, err
	}

	s.log.Info("Task reopened",
		zap.String("rule_id", ruleID),
		zap.String("task_id", task.ID),
		zap.String("supersedes", prev.ID),
		zap.String("actor", actor),
	)
	return task, nil
}

func (s *TaskStore) findCurrent(taskID string) (string, Task, bool) {
	for rule, t := range s.data.Current {
		if t.ID == taskID {
			return rule, t, true
		}
	}
	return "", Task{}, false
}

// Current returns the live task for ruleID.
func (s *TaskStore) Current(ruleID string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.Current[ruleID]
	return t, ok
}

// Decided reports whether the live task for ruleID carries contentHash and
// has been ruled on.
func (s *TaskStore) Decided(ruleID, contentHash string) bool {
	t, ok := s.Current(ruleID)
	return ok && t.ContentHash == contentHash && t.Decided()
}

// All returns the live tasks ordered by rule id.
func (s *TaskStore) All() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.data.Current))
	for _, t := range s.data.Current {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

// Superseded returns the retained audit records in the order they were replaced.
func (s *TaskStore) Superseded() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.data.Superseded...)
}

// Unconfirmed returns real-run approvals with no recorded outcome.
func (s *TaskStore) Unconfirmed() []Task {
	var out []Task
	for _, t := range s.All() {
		if t.Unconfirmed() {
			out = append(out, t)
		}
	}
	return out
}
