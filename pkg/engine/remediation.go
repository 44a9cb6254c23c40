package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Where remediation content came from.
const (
	SourceTemplate = "template"
	SourceLLM      = "llm"
	SourceFixText  = "fix_text"
)

// Remediation is proposed content for one finding.
type Remediation struct {
	Content string
	Source  string
}

// RemediationTemplate is a hand-written Ansible task list for one rule.
type RemediationTemplate struct {
	ID          string            `yaml:"id"` // full rule id or its trailing part
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Tasks       string            `yaml:"tasks"`
	Variables   map[string]string `yaml:"variables"`
}

// TemplateCatalog holds remediation templates keyed by id.
type TemplateCatalog struct {
	Templates map[string]RemediationTemplate
}

func NewTemplateCatalog() *TemplateCatalog {
	return &TemplateCatalog{
		Templates: make(map[string]RemediationTemplate),
	}
}

// LoadTemplates reads YAML templates from a directory. A missing directory
// leaves the catalog empty.
func (c *TemplateCatalog) LoadTemplates(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}

		var t RemediationTemplate
		if err := yaml.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("failed to parse %s: %v", entry.Name(), err)
		}
		if t.ID == "" || strings.TrimSpace(t.Tasks) == "" {
			return fmt.Errorf("template %s: id and tasks are required", entry.Name())
		}
		c.Templates[t.ID] = t
	}
	return nil
}

// ListTemplates returns "id: name" lines sorted by id.
func (c *TemplateCatalog) ListTemplates() []string {
	list := make([]string, 0, len(c.Templates))
	for _, t := range c.Templates {
		list = append(list, fmt.Sprintf("%s: %s", t.ID, t.Name))
	}
	sort.Strings(list)
	return list
}

// Match finds the template for ruleID. An exact id wins, otherwise the
// longest id that ruleID ends with ("sshd_disable_root_login" matches
// "xccdf_org.ssgproject.content_rule_sshd_disable_root_login").
func (c *TemplateCatalog) Match(ruleID string) (RemediationTemplate, bool) {
	if t, ok := c.Templates[ruleID]; ok {
		return t, true
	}
	var best RemediationTemplate
	found := false
	for id, t := range c.Templates {
		if !strings.HasSuffix(ruleID, "_"+id) {
			continue
		}
		if !found || len(id) > len(best.ID) {
			best, found = t, true
		}
	}
	return best, found
}

// Render produces the Ansible task list for f from its matching template.
// The bool result is false when no template matches.
func (c *TemplateCatalog) Render(f Finding) (string, bool, error) {
	t, ok := c.Match(f.RuleID)
	if !ok {
		return "", false, nil
	}

	data := struct {
		Finding Finding
		Vars    map[string]string
	}{Finding: f, Vars: t.Variables}

	tmpl, err := template.New(t.ID).Option("missingkey=error").Parse(t.Tasks)
	if err != nil {
		return "", true, fmt.Errorf("failed to parse template %s: %v", t.ID, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", true, fmt.Errorf("failed to execute template %s: %v", t.ID, err)
	}
	out := buf.String()
	if _, err := ParseTasks(out); err != nil {
		return "", true, fmt.Errorf("template %s: %w", t.ID, err)
	}
	return out, true, nil
}

// ParseTasks checks that content is a YAML task list (or a single task
// mapping) and returns the tasks.
func ParseTasks(content string) ([]map[string]any, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("empty task list")
	}

	var list []map[string]any
	if err := yaml.Unmarshal([]byte(content), &list); err == nil {
		if len(list) == 0 {
			return nil, errors.New("empty task list")
		}
		return list, nil
	}

	var single map[string]any
	if err := yaml.Unmarshal([]byte(content), &single); err != nil {
		return nil, fmt.Errorf("invalid task yaml: %v", err)
	}
	if len(single) == 0 {
		return nil, errors.New("empty task list")
	}
	return []map[string]any{single}, nil
}

// FixTextTasks wraps a finding's fix text in a single shell task. It is the
// last resort when neither a template nor a generated task list is usable.
func FixTextTasks(f Finding) (string, error) {
	fix := strings.TrimSpace(f.FixText)
	if fix == "" {
		return "", fmt.Errorf("rule %s has no fix text", f.RuleID)
	}
	tasks := []map[string]any{{
		"name":   fmt.Sprintf("Apply fix for %s", f.RuleID),
		"shell":  fix,
		"become": true,
	}}
	out, err := yaml.Marshal(tasks)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
