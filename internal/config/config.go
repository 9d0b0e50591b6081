// Package config loads process-level configuration: defaults, then an
// optional YAML file, then environment overrides. Per-project settings (AI
// providers, execution limits, guard rules) live in the store instead and
// are parsed by internal/settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AICredentials are process-wide API keys used when a project's settings
// carry none.
type AICredentials struct {
	OpenAIAPIKey    string `yaml:"openaiApiKey"`
	AnthropicAPIKey string `yaml:"anthropicApiKey"`
	GoogleAPIKey    string `yaml:"googleApiKey"`
	GroqAPIKey      string `yaml:"groqApiKey"`
}

// Config is the process configuration.
type Config struct {
	Addr              string        `yaml:"addr"`
	DataDir           string        `yaml:"dataDir"`
	LogLevel          string        `yaml:"logLevel"`
	LogJSON           bool          `yaml:"logJson"`
	SandboxRoot       string        `yaml:"sandboxRoot"`
	SandboxPersist    bool          `yaml:"sandboxPersist"`
	DockerImage       string        `yaml:"dockerImage"`
	MaxConcurrentJobs int           `yaml:"maxConcurrentJobs"`
	AI                AICredentials `yaml:"ai"`
}

// Load builds the configuration. path may be empty; OPENJULES_CONFIG is
// consulted as a fallback file location.
func Load(path string) (Config, error) {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = os.TempDir()
	}
	cfg := Config{
		Addr:              ":7080",
		DataDir:           filepath.Join(home, ".openjules"),
		LogLevel:          "info",
		SandboxRoot:       filepath.Join(home, ".openjules", "sandboxes"),
		DockerImage:       "",
		MaxConcurrentJobs: 4,
	}

	if path == "" {
		path = os.Getenv("OPENJULES_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.Addr = envOr("OPENJULES_ADDR", cfg.Addr)
	cfg.DataDir = envOr("OPENJULES_DATA_DIR", cfg.DataDir)
	cfg.LogLevel = envOr("OPENJULES_LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = envBool("OPENJULES_LOG_JSON", cfg.LogJSON)
	cfg.SandboxRoot = envOr("OPENJULES_SANDBOX_ROOT", cfg.SandboxRoot)
	cfg.SandboxPersist = envBool("OPENJULES_SANDBOX_PERSIST", cfg.SandboxPersist)
	cfg.DockerImage = envOr("OPENJULES_DOCKER_IMAGE", cfg.DockerImage)
	cfg.MaxConcurrentJobs = envInt("OPENJULES_MAX_JOBS", cfg.MaxConcurrentJobs)

	cfg.AI.OpenAIAPIKey = envOr("OPENAI_API_KEY", cfg.AI.OpenAIAPIKey)
	cfg.AI.AnthropicAPIKey = envOr("ANTHROPIC_API_KEY", cfg.AI.AnthropicAPIKey)
	cfg.AI.GoogleAPIKey = envOr("GOOGLE_API_KEY", cfg.AI.GoogleAPIKey)
	cfg.AI.GroqAPIKey = envOr("GROQ_API_KEY", cfg.AI.GroqAPIKey)

	return cfg, nil
}

// DatabasePath is the SQLite file under the data directory.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "openjules.db")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
