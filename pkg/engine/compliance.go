package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const xccdfProfilePrefix = "xccdf_org.ssgproject.content_profile_"

// Profile is a benchmark profile the scanner can evaluate.
type Profile struct {
	Name        string `yaml:"name"`
	XCCDFID     string `yaml:"xccdf_id"`
	Description string `yaml:"description"`
	Content     string `yaml:"content,omitempty"` // overrides the configured datastream
}

// ProfileCatalog resolves short profile names to XCCDF profile ids.
type ProfileCatalog struct {
	Profiles map[string]Profile
}

// NewProfileCatalog returns a catalog seeded with the common SSG profiles.
func NewProfileCatalog() *ProfileCatalog {
	c := &ProfileCatalog{Profiles: make(map[string]Profile)}
	for _, p := range []Profile{
		{Name: "stig", Description: "DISA STIG"},
		{Name: "stig_gui", Description: "DISA STIG with GUI"},
		{Name: "cis", Description: "CIS Benchmark Level 2 - Server"},
		{Name: "ospp", Description: "Protection Profile for General Purpose Operating Systems"},
		{Name: "pci-dss", Description: "PCI-DSS v4 Control Baseline"},
	} {
		p.XCCDFID = xccdfProfilePrefix + p.Name
		c.Profiles[p.Name] = p
	}
	return c
}

// LoadProfiles adds YAML profile definitions from dir. A missing directory
// is not an error.
func (c *ProfileCatalog) LoadProfiles(dir string) error {
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
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to parse %s: %v", entry.Name(), err)
		}
		if p.Name == "" {
			return fmt.Errorf("profile %s has no name", entry.Name())
		}
		if p.XCCDFID == "" {
			p.XCCDFID = xccdfProfilePrefix + p.Name
		}
		c.Profiles[p.Name] = p
	}
	return nil
}

// Resolve returns the profile for name. Full XCCDF ids pass through and
// unknown short names get the SSG prefix.
func (c *ProfileCatalog) Resolve(name string) Profile {
	if p, ok := c.Profiles[name]; ok {
		return p
	}
	if strings.HasPrefix(name, "xccdf_") {
		return Profile{Name: strings.TrimPrefix(name, xccdfProfilePrefix), XCCDFID: name}
	}
	return Profile{Name: name, XCCDFID: xccdfProfilePrefix + name}
}

// ListProfiles returns the known profile names.
func (c *ProfileCatalog) ListProfiles() []string {
	keys := make([]string, 0, len(c.Profiles))
	for k := range c.Profiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
