package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/user/stigharden/pkg/engine"
)

var sshFinding = engine.Finding{
	RuleID:   "xccdf_org.ssgproject.content_rule_sshd_disable_root_login",
	Severity: engine.CatI,
	Title:    "Disable SSH root login",
	Result:   engine.ResultFail,
}

const sshFix = "- name: disable root login\n  lineinfile:\n    path: /etc/ssh/sshd_config\n    line: PermitRootLogin no\n"

func openStore(t *testing.T, dir string) *TaskStore {
	t.Helper()
	s, err := OpenTaskStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenTaskStore: %v", err)
	}
	return s
}

func applyTask(t *testing.T, s *TaskStore, task Task) Task {
	t.Helper()
	task, err := s.Transition(task.ID, StatusApproved, "operator", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	task, err = s.Transition(task.ID, StatusApplied, "executor", "ok")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return task
}

func TestProposeIdenticalContentIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	first, created, err := s.Propose("session-1", sshFinding, sshFix, "template", false)
	if err != nil || !created {
		t.Fatalf("Propose: created=%v err=%v", created, err)
	}
	applied := applyTask(t, s, first)

	// A second session reloads from disk and proposes the same content.
	s2 := openStore(t, dir)
	again, created, err := s2.Propose("session-2", sshFinding, sshFix, "template", false)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Errorf("identical content should not create a task")
	}
	if again.ID != applied.ID || again.Status != StatusApplied {
		t.Errorf("expected original applied task, got %s (%s)", again.ID, again.Status)
	}
	if len(s2.Superseded()) != 0 {
		t.Errorf("nothing should be superseded")
	}
}

func TestProposeChangedContentSupersedes(t *testing.T) {
	s := openStore(t, t.TempDir())

	first, _, err := s.Propose("session-1", sshFinding, sshFix, "template", false)
	if err != nil {
		t.Fatal(err)
	}
	applied := applyTask(t, s, first)

	next, created, err := s.Propose("session-2", sshFinding, sshFix+"  become: true\n", "llm", false)
	if err != nil || !created {
		t.Fatalf("Propose changed: created=%v err=%v", created, err)
	}
	if next.Status != StatusProposed || next.ContentHash == applied.ContentHash {
		t.Errorf("expected fresh proposal, got %+v", next)
	}

	sup := s.Superseded()
	if len(sup) != 1 || sup[0].ID != applied.ID || sup[0].Status != StatusApplied {
		t.Fatalf("old applied task must be retained, got %+v", sup)
	}
	if sup[0].SupersededBy != next.ID {
		t.Errorf("superseded_by = %q, want %q", sup[0].SupersededBy, next.ID)
	}
	if s.Decided(sshFinding.RuleID, next.ContentHash) {
		t.Errorf("new content must require a fresh decision")
	}
}

func TestTransitionRules(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusProposed, StatusApproved, true},
		{StatusProposed, StatusSkipped, true},
		{StatusApproved, StatusApplied, true},
		{StatusApproved, StatusFailed, true},
		{StatusProposed, StatusApplied, false},
		{StatusSkipped, StatusApproved, false},
		{StatusFailed, StatusApproved, false},
		{StatusApplied, StatusFailed, false},
		{Status("bogus"), StatusApproved, false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: err=%v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: error should wrap ErrInvalidTransition", tt.from, tt.to)
		}
	}
}

func TestTransitionUnknownTask(t *testing.T) {
	s := openStore(t, t.TempDir())
	if _, err := s.Transition("missing", StatusApproved, "operator", ""); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestTransitionsArePersisted(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	task, _, err := s.Propose("s", sshFinding, sshFix, "template", false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(task.ID, StatusApproved, "operator", ""); err != nil {
		t.Fatal(err)
	}

	// Simulated crash: a fresh store sees the approval.
	reloaded := openStore(t, dir)
	cur, ok := reloaded.Current(sshFinding.RuleID)
	if !ok || cur.Status != StatusApproved {
		t.Fatalf("approval not persisted: %+v", cur)
	}
	if len(cur.Transitions) != 1 || cur.Transitions[0].Actor != "operator" {
		t.Errorf("transition audit missing: %+v", cur.Transitions)
	}
	if u := reloaded.Unconfirmed(); len(u) != 1 || u[0].ID != task.ID {
		t.Errorf("approved task should be unconfirmed, got %+v", u)
	}
}

func TestPersistenceFailureLeavesStateUnchanged(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	task, _, err := s.Propose("s", sshFinding, sshFix, "template", false)
	if err != nil {
		t.Fatal(err)
	}

	// A directory where the temp file should go makes every write fail.
	if err := os.Mkdir(filepath.Join(dir, "tasks.json.tmp"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Transition(task.ID, StatusApproved, "operator", ""); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	cur, _ := s.Current(sshFinding.RuleID)
	if cur.Status != StatusProposed {
		t.Errorf("in-memory state must roll back, got %s", cur.Status)
	}

	other := sshFinding
	other.RuleID = "rule_other"
	if _, _, err := s.Propose("s", other, sshFix, "template", false); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence on propose, got %v", err)
	}
	if _, ok := s.Current("rule_other"); ok {
		t.Errorf("failed proposal must not be visible")
	}
}

func TestDryRunApprovalDoesNotAuthorizeRealRun(t *testing.T) {
	s := openStore(t, t.TempDir())

	dry, _, err := s.Propose("dry", sshFinding, sshFix, "template", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Transition(dry.ID, StatusApproved, "operator", ""); err != nil {
		t.Fatal(err)
	}
	if len(s.Unconfirmed()) != 0 {
		t.Errorf("dry-run approvals are not unconfirmed executions")
	}

	// Re-running dry-run keeps the decision.
	again, created, err := s.Propose("dry-2", sshFinding, sshFix, "template", true)
	if err != nil || created || again.ID != dry.ID {
		t.Errorf("dry-run re-proposal should reuse the task: created=%v err=%v", created, err)
	}

	realTask, created, err := s.Propose("real", sshFinding, sshFix, "template", false)
	if err != nil || !created {
		t.Fatalf("real run should get a fresh proposal: created=%v err=%v", created, err)
	}
	if realTask.Status != StatusProposed || realTask.DryRun {
		t.Errorf("unexpected real task: %+v", realTask)
	}
	if sup := s.Superseded(); len(sup) != 1 || sup[0].ID != dry.ID {
		t.Errorf("dry-run approval should be retained as superseded")
	}
}

func TestReopen(t *testing.T) {
	s := openStore(t, t.TempDir())
	task, _, err := s.Propose("s", sshFinding, sshFix, "template", false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Reopen(sshFinding.RuleID, "operator"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("proposed task cannot be reopened, got %v", err)
	}

	task, _ = s.Transition(task.ID, StatusApproved, "operator", "")
	task, _ = s.Transition(task.ID, StatusFailed, "executor", "exit status 2")
	if task.Outcome != "exit status 2" {
		t.Errorf("outcome = %q", task.Outcome)
	}

	fresh, err := s.Reopen(sshFinding.RuleID, "operator")
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if fresh.ID == task.ID || fresh.Status != StatusProposed || fresh.ContentHash != task.ContentHash {
		t.Errorf("reopen should create a fresh proposal of the same content: %+v", fresh)
	}
	if _, err := s.Reopen("rule_unknown", "operator"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStateLockExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()

	// 1. First holder gets the lock
	lock, err := LockState(dir)
	if err != nil {
		t.Fatalf("LockState: %v", err)
	}

	// 2. A second holder is refused without waiting
	if _, err := LockState(dir); !errors.Is(err, ErrStateLocked) {
		t.Fatalf("second LockState: got %v, want ErrStateLocked", err)
	}

	// 3. Released locks can be taken again
	if err := lock.Unlock(); err != nil {
		t.Fatal(err)
	}
	again, err := LockState(dir)
	if err != nil {
		t.Fatalf("LockState after unlock: %v", err)
	}
	again.Unlock()
}
