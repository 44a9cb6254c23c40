package wrappers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/user/stigharden/pkg/engine"
	"github.com/user/stigharden/pkg/logging"
	"github.com/user/stigharden/pkg/store"
)

// RemediationLogPath is where applied playbooks record themselves on the host.
const RemediationLogPath = "/var/log/stig_remediation.log"

var unsafeIDChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// PlaybookRun is the outcome of one ansible-playbook invocation.
type PlaybookRun struct {
	Playbook string
	Output   string
	ExitCode int
	Success  bool
	Duration time.Duration
}

// AnsibleExecutor applies remediation tasks as single-task Ansible playbooks
// against localhost.
type AnsibleExecutor struct {
	Binary       string
	PlaybooksDir string

	log *zap.Logger
	now func() time.Time
}

func NewAnsibleExecutor(binary, playbooksDir string, log *zap.Logger) *AnsibleExecutor {
	if binary == "" {
		binary = "ansible-playbook"
	}
	return &AnsibleExecutor{
		Binary:       binary,
		PlaybooksDir: playbooksDir,
		log:          logging.OrNop(log),
		now:          time.Now,
	}
}

// Check verifies that ansible-playbook is installed.
func (e *AnsibleExecutor) Check() error {
	if err := CheckBinary(e.Binary); err != nil {
		return fmt.Errorf("%w (install ansible-core)", err)
	}
	return nil
}

type playbookPlay struct {
	Name        string            `yaml:"name"`
	Hosts       string            `yaml:"hosts"`
	Become      bool              `yaml:"become"`
	GatherFacts bool              `yaml:"gather_facts"`
	Vars        map[string]string `yaml:"vars"`
	Tasks       *yaml.Node        `yaml:"tasks"`
	PostTasks   []map[string]any  `yaml:"post_tasks,omitempty"`
}

// RenderPlaybook wraps a task's content in a localhost play. The task list
// keeps its original key order. withLog adds the post-task that records the
// application in RemediationLogPath.
func RenderPlaybook(t store.Task, withLog bool) ([]byte, error) {
	if _, err := engine.ParseTasks(t.Content); err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(t.Content), &doc); err != nil {
		return nil, err
	}
	tasks := doc.Content[0]
	if tasks.Kind == yaml.MappingNode {
		tasks = &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: []*yaml.Node{tasks}}
	}

	sev := t.Severity.Label()
	play := playbookPlay{
		Name:        "STIG Remediation: " + t.RuleID,
		Hosts:       "localhost",
		Become:      true,
		GatherFacts: true,
		Vars: map[string]string{
			"stig_rule_id":  t.RuleID,
			"stig_severity": sev,
		},
		Tasks: tasks,
	}
	if withLog {
		play.PostTasks = []map[string]any{{
			"name": "Log remediation",
			"lineinfile": map[string]any{
				"path":   RemediationLogPath,
				"line":   fmt.Sprintf("{{ ansible_date_time.iso8601 }} APPLIED %s [%s]", t.RuleID, sev),
				"create": true,
			},
		}}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode([]playbookPlay{play}); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePlaybook renders t into PlaybooksDir as
// <prefix>_<rule>_<timestamp>.yml and returns its path.
func (e *AnsibleExecutor) WritePlaybook(t store.Task, prefix string, withLog bool) (string, error) {
	data, err := RenderPlaybook(t, withLog)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.PlaybooksDir, 0755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s_%s.yml", prefix, unsafeIDChars.ReplaceAllString(t.RuleID, "_"), e.now().Format("20060102_150405"))
	path := filepath.Join(e.PlaybooksDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Apply writes and runs the playbook for t. A non-zero exit is reported in
// the returned run, not as an error; errors mean the playbook never ran.
func (e *AnsibleExecutor) Apply(ctx context.Context, t store.Task) (PlaybookRun, error) {
	path, err := e.WritePlaybook(t, "remediate", true)
	if err != nil {
		return PlaybookRun{}, fmt.Errorf("failed to write playbook: %w", err)
	}
	run, err := e.run(ctx, path)
	if err != nil {
		return run, err
	}
	e.log.Info("Playbook finished",
		zap.String("task_id", t.ID),
		zap.String("rule_id", t.RuleID),
		zap.String("playbook", path),
		zap.Bool("success", run.Success),
		zap.Int("exit_code", run.ExitCode),
	)
	return run, nil
}

// Verify runs t's tasks in check mode. The host is in the desired state when
// the run succeeds and the recap reports no pending changes.
func (e *AnsibleExecutor) Verify(ctx context.Context, t store.Task) (bool, error) {
	path, err := e.WritePlaybook(t, "verify", false)
	if err != nil {
		return false, fmt.Errorf("failed to write playbook: %w", err)
	}
	run, err := e.run(ctx, path, "--check")
	if err != nil {
		return false, err
	}
	if !run.Success {
		return false, nil
	}
	changed, ok := RecapChanged(run.Output)
	if !ok {
		return false, fmt.Errorf("no play recap in ansible output")
	}
	return changed == 0, nil
}

func (e *AnsibleExecutor) run(ctx context.Context, playbook string, extra ...string) (PlaybookRun, error) {
	args := append([]string{playbook, "-v"}, extra...)

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := e.now()
	err := cmd.Run()
	run := PlaybookRun{Playbook: playbook, Output: buf.String(), Duration: e.now().Sub(start)}

	if ctx.Err() != nil {
		return run, fmt.Errorf("playbook did not finish: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		run.Success = true
	case errors.As(err, &exitErr):
		run.ExitCode = exitErr.ExitCode()
	default:
		return run, fmt.Errorf("failed to run %s: %w", e.Binary, err)
	}
	return run, nil
}

var recapCounter = regexp.MustCompile(`\bchanged=(\d+)`)

// RecapChanged sums the changed= counters of the PLAY RECAP section.
func RecapChanged(output string) (int, bool) {
	idx := strings.LastIndex(output, "PLAY RECAP")
	if idx < 0 {
		return 0, false
	}
	total := 0
	for _, m := range recapCounter.FindAllStringSubmatch(output[idx:], -1) {
		n, _ := strconv.Atoi(m[1])
		total += n
	}
	return total, true
}
