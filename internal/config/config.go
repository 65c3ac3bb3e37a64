package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is looked up in the working directory and its parents
const LocalConfigName = ".exp-orch.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Runner        RunnerConfig        `toml:"runner"`
	Autosave      AutosaveConfig      `toml:"autosave"`
	Watch         WatchConfig         `toml:"watch"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds experiment-wide settings
type GeneralConfig struct {
	ResultsPath        string `toml:"results_path"`
	StepTimeoutSeconds int    `toml:"step_timeout_seconds"`
	MaxParallel        int    `toml:"max_parallel"`
}

// StepTimeout returns the per-step deadline applied to every run
func (g GeneralConfig) StepTimeout() time.Duration {
	if g.StepTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.StepTimeoutSeconds) * time.Second
}

// RunnerConfig configures the command-line agent runner
type RunnerConfig struct {
	Command       []string `toml:"command"`
	MaxTurns      int      `toml:"max_turns"`
	AnswerPattern string   `toml:"answer_pattern"`
	// SystemPrompt replaces the agent/system.md template when set
	SystemPrompt string `toml:"system_prompt"`
	// PromptsDir overrides the embedded prompt templates
	PromptsDir string `toml:"prompts_dir"`
}

// AutosaveConfig configures periodic saving of results
type AutosaveConfig struct {
	Cron string `toml:"cron"`
	Path string `toml:"path"`
}

// WatchConfig configures the question drop directory
type WatchConfig struct {
	Dir string `toml:"dir"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			ResultsPath:        "results.json",
			StepTimeoutSeconds: 30,
			MaxParallel:        4,
		},
		Runner: RunnerConfig{
			Command:       []string{"claude", "--print"},
			MaxTurns:      5,
			AnswerPattern: `(?i)ANSWER:\s*(.+)`,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.General.MaxParallel < 1 {
		return nil, fmt.Errorf("%s: max_parallel must be at least 1, got %d", path, cfg.General.MaxParallel)
	}

	cfg.General.ResultsPath = ExpandPath(cfg.General.ResultsPath)
	cfg.Autosave.Path = ExpandPath(cfg.Autosave.Path)
	cfg.Watch.Dir = ExpandPath(cfg.Watch.Dir)

	return cfg, nil
}

// LoadWithLocalFallback loads path if given, else a local config found from
// the working directory upwards, else the default config location
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "exp-orch", "config.toml")
}
