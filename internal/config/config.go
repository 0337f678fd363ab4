package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

// Upper bound for a job's batch size.
const MaxBatchSizeLimit = 1000

type Config struct {
	Sources    Sources    `yaml:"sources"`
	Detection  Detection  `yaml:"detection"`
	Reanalysis Reanalysis `yaml:"reanalysis"`
	Retry      Retry      `yaml:"retry"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

type Sources struct {
	Feeds     []Feed `yaml:"feeds"`
	UserAgent string `yaml:"user_agent"`
	DaysBack  int    `yaml:"days_back"`
}

type Feed struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type Detection struct {
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	OllamaURL   string `yaml:"ollama_url"`
	OpenAIModel string `yaml:"openai_model"`
	APIKeyEnv   string `yaml:"api_key_env"`
	MaxTokens   int    `yaml:"max_tokens"`
}

type Reanalysis struct {
	DefaultBatchSize int           `yaml:"default_batch_size"`
	MaxBatchSize     int           `yaml:"max_batch_size"`
	MaxAliasDepth    int           `yaml:"max_alias_depth"`
	MaxErrorLog      int           `yaml:"max_error_log"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	// LeaseTimeout is how long a running job may go without a heartbeat
	// before another process fails it as interrupted.
	LeaseTimeout     time.Duration `yaml:"lease_timeout"`
}

type Retry struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxRetries int           `yaml:"max_retries"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level     string `yaml:"level"`
	AuditFile string `yaml:"audit_file"`
}

// ConfigDir returns the XDG config directory for toolpulse.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "toolpulse")
}

// DataDir returns the XDG data directory for toolpulse.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "toolpulse")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/toolpulse/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'toolpulse init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Default returns the built-in configuration without reading any file.
func Default() *Config {
	cfg, err := parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Sources: Sources{
			UserAgent: "toolpulse/1.0 (tool sentiment tracker)",
			DaysBack:  7,
		},
		Detection: Detection{
			Provider:    "keyword",
			Model:       "qwen2.5:7b",
			OllamaURL:   "http://localhost:11434",
			OpenAIModel: "gpt-4o-mini",
			APIKeyEnv:   "OPENAI_API_KEY",
			MaxTokens:   256,
		},
		Reanalysis: Reanalysis{
			DefaultBatchSize: 100,
			MaxBatchSize:     MaxBatchSizeLimit,
			MaxAliasDepth:    10,
			MaxErrorLog:      1000,
			PollInterval:     30 * time.Second,
			LeaseTimeout:     2 * time.Minute,
		},
		Retry: Retry{
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   30 * time.Second,
			MaxRetries: 5,
		},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges that would otherwise surface as runtime failures.
func (c *Config) Validate() error {
	r := c.Reanalysis
	if r.MaxBatchSize < 1 || r.MaxBatchSize > MaxBatchSizeLimit {
		return fmt.Errorf("reanalysis.max_batch_size must be between 1 and %d, got %d", MaxBatchSizeLimit, r.MaxBatchSize)
	}
	if r.DefaultBatchSize < 1 || r.DefaultBatchSize > r.MaxBatchSize {
		return fmt.Errorf("reanalysis.default_batch_size must be between 1 and %d, got %d", r.MaxBatchSize, r.DefaultBatchSize)
	}
	if r.MaxAliasDepth < 1 {
		return fmt.Errorf("reanalysis.max_alias_depth must be positive, got %d", r.MaxAliasDepth)
	}
	if r.LeaseTimeout < time.Second {
		return fmt.Errorf("reanalysis.lease_timeout must be at least 1s, got %s", r.LeaseTimeout)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	switch strings.ToLower(c.Detection.Provider) {
	case "keyword", "ollama", "openai":
	default:
		return fmt.Errorf("detection.provider must be keyword, ollama or openai, got %q", c.Detection.Provider)
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
