package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported reasoning providers.
var knownProviders = map[string]bool{
	"ollama": true,
	"gemini": true,
	"openai": true,
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// ScannerConfig controls the compliance scanner invocation.
type ScannerConfig struct {
	ContentPath string        `yaml:"content_path"`
	Profile     string        `yaml:"profile"`
	ReportsDir  string        `yaml:"reports_dir"`
	Binary      string        `yaml:"binary"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ExecutorConfig controls the automation tool that mutates the host.
type ExecutorConfig struct {
	PlaybooksDir string        `yaml:"playbooks_dir"`
	Binary       string        `yaml:"binary"`
	Timeout      time.Duration `yaml:"timeout"`
	TemplatesDir string        `yaml:"templates_dir"`
}

// CacheConfig selects the triage cache backend.
type CacheConfig struct {
	Backend     string `yaml:"backend"` // file, redis
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
	PasswordEnv string `yaml:"password_env"`
	KeyPrefix   string `yaml:"key_prefix"`
}

// TriageConfig controls the reasoning calls.
type TriageConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
	Cache   CacheConfig   `yaml:"cache"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

type Config struct {
	SelectedProvider string                    `yaml:"selected_provider"`
	SelectedModel    string                    `yaml:"selected_model"`
	Providers        map[string]ProviderConfig `yaml:"providers"`

	StateDir    string         `yaml:"state_dir"`
	MinSeverity string         `yaml:"min_severity"`
	Scanner     ScannerConfig  `yaml:"scanner"`
	Executor    ExecutorConfig `yaml:"executor"`
	Triage      TriageConfig   `yaml:"triage"`
	Server      ServerConfig   `yaml:"server"`
	Logging     LoggingConfig  `yaml:"logging"`
}

// ConfigDir returns ~/.stigharden, creating it if needed.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".stigharden")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

func GetConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		SelectedProvider: "ollama",
		SelectedModel:    "llama3.1",
		Providers: map[string]ProviderConfig{
			"ollama": {BaseURL: "http://localhost:11434"},
		},
		StateDir:    "./state",
		MinSeverity: "CAT_II",
		Scanner: ScannerConfig{
			ContentPath: "/usr/share/xml/scap/ssg/content/ssg-rhel9-ds.xml",
			Profile:     "stig",
			ReportsDir:  "./reports",
			Binary:      "oscap",
			Timeout:     10 * time.Minute,
		},
		Executor: ExecutorConfig{
			PlaybooksDir: "./playbooks",
			Binary:       "ansible-playbook",
			Timeout:      2 * time.Minute,
			TemplatesDir: "remediation_templates",
		},
		Triage: TriageConfig{
			Timeout: 2 * time.Minute,
			Retries: 2,
			Cache: CacheConfig{
				Backend:     "file",
				RedisAddr:   "localhost:6379",
				PasswordEnv: "STIGHARDEN_REDIS_PASSWORD",
				KeyPrefix:   "stigharden",
			},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8089",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads the config from the default location.
func LoadConfig() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Load reads configuration from a YAML file, layering it over the defaults.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	path, err := GetConfigPath()
	if err != nil {
		return err
	}
	return Save(path, cfg)
}

// Save writes cfg to path with 0600 permissions (api keys).
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate checks values that would otherwise fail deep inside a session.
func (c *Config) Validate() error {
	if !knownProviders[c.SelectedProvider] {
		return fmt.Errorf("unknown provider: %s", c.SelectedProvider)
	}
	switch strings.ToUpper(strings.ReplaceAll(c.MinSeverity, " ", "_")) {
	case "CAT_I", "CAT_II", "CAT_III", "ALL":
	default:
		return fmt.Errorf("invalid min_severity: %s", c.MinSeverity)
	}
	if c.Scanner.Timeout <= 0 || c.Executor.Timeout <= 0 || c.Triage.Timeout <= 0 {
		return fmt.Errorf("scanner, executor and triage timeouts must be > 0")
	}
	if c.Triage.Retries < 0 {
		return fmt.Errorf("triage retries must be >= 0")
	}
	switch c.Triage.Cache.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown triage cache backend: %s", c.Triage.Cache.Backend)
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	return nil
}

func (c *Config) SetAPIKey(provider, key string) {
	p := c.Providers[provider]
	p.APIKey = key
	c.Providers[provider] = p
}

// GetAPIKey returns the configured key, falling back to the provider's
// conventional environment variable.
func (c *Config) GetAPIKey(provider string) string {
	if key := c.Providers[provider].APIKey; key != "" {
		return key
	}
	switch provider {
	case "gemini":
		return os.Getenv("GOOGLE_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	}
	return ""
}

// GetBaseURL returns the provider endpoint override, if any.
func (c *Config) GetBaseURL(provider string) string {
	if u := c.Providers[provider].BaseURL; u != "" {
		return u
	}
	if provider == "ollama" {
		return os.Getenv("OLLAMA_HOST")
	}
	return ""
}

// RedisPassword resolves the redis password from the configured env var.
func (c *Config) RedisPassword() string {
	if c.Triage.Cache.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Triage.Cache.PasswordEnv)
}
