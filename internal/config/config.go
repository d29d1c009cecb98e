// Package config loads the crew.toml session configuration and the
// separate secrets file. Secrets never live in the main config: each
// role names its key (api_key_name) and the value is resolved from the
// secrets file or the environment at load time.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	crew "github.com/nevindra/crew"
)

type Config struct {
	// PlanMode routes main-agent file operations into suggestions
	// instead of executing them.
	PlanMode            bool     `toml:"plan_mode"`
	AutoSpawnOnKeywords bool     `toml:"auto_spawn_on_keywords"`
	MaxConcurrentAgents int      `toml:"max_concurrent_agents"`
	WorkDir             string   `toml:"work_dir"`
	AllowedDirectories  []string `toml:"allowed_directories"`

	Roles      map[string]RoleConfig `toml:"roles"`
	FileOps    FileOpsConfig         `toml:"file_ops"`
	ToolPolicy ToolPolicyConfig      `toml:"tool_policy"`
	Store      StoreConfig           `toml:"store"`
	Observer   ObserverConfig        `toml:"observer"`

	// secrets resolved at load time; not part of the TOML surface.
	secrets secretMap
}

// RoleConfig is one [roles.<name>] block.
type RoleConfig struct {
	Provider      string   `toml:"provider"`
	BaseURL       string   `toml:"base_url"`
	Model         string   `toml:"model"`
	APIKeyName    string   `toml:"api_key_name"`
	Temperature   float64  `toml:"temperature"`
	MaxTokens     int      `toml:"max_tokens"`
	Stream        bool     `toml:"stream"`
	SystemPrompt  string   `toml:"system_prompt"`
	SpawnKeywords []string `toml:"spawn_keywords"`
	CostPer1K     float64  `toml:"cost_per_1k_tokens"`
}

type FileOpsConfig struct {
	MaxFileSizeKB    int  `toml:"max_file_size_kb"`
	AllowRead        bool `toml:"allow_read"`
	AllowWrite       bool `toml:"allow_write"`
	AllowEdit        bool `toml:"allow_edit"`
	BackupBeforeEdit bool `toml:"backup_before_edit"`
	// OverwriteWarning refuses model-emitted writes to existing files;
	// the refusal surfaces as a tool result.
	OverwriteWarning bool `toml:"overwrite_warning"`
}

type ToolPolicyConfig struct {
	SafeCommands          []string `toml:"safe_commands"`
	DeniedCommands        []string `toml:"denied_commands"`
	AllowPipelines        []string `toml:"allow_pipelines"`
	DefaultTimeoutSeconds int      `toml:"default_timeout_seconds"`
	MaxOutputBytes        int      `toml:"max_output_bytes"`
	PythonBin             string   `toml:"python_bin"`
}

type StoreConfig struct {
	// Backend is "sqlite", "postgres", or "" for no persistence.
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	DSNName string `toml:"dsn_name"` // secrets key holding the postgres DSN
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied: a single main
// role on an OpenAI-compatible endpoint, tools sandboxed to the current
// directory, SQLite persistence.
func Default() Config {
	return Config{
		AutoSpawnOnKeywords: true,
		MaxConcurrentAgents: 5,
		Roles: map[string]RoleConfig{
			"main": {
				Provider:    "openai",
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				APIKeyName:  "openai_api_key",
				Temperature: 0.7,
				MaxTokens:   4096,
				Stream:      true,
			},
		},
		FileOps: FileOpsConfig{
			MaxFileSizeKB:    1024,
			AllowRead:        true,
			AllowWrite:       true,
			AllowEdit:        true,
			BackupBeforeEdit: true,
			OverwriteWarning: true,
		},
		ToolPolicy: ToolPolicyConfig{
			DefaultTimeoutSeconds: 30,
			MaxOutputBytes:        16384,
			PythonBin:             "python3",
		},
		Store: StoreConfig{Backend: "sqlite", Path: "crew.db"},
	}
}

// Load reads config: defaults -> TOML file -> secrets resolution. A
// missing config file is fine (defaults apply); a malformed one or a
// missing named secret is a *crew.ErrConfig.
func Load(path, secretsPath string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "crew.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, &crew.ErrConfig{Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}
	} else if !os.IsNotExist(err) {
		return cfg, &crew.ErrConfig{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	secrets, err := loadSecrets(secretsPath)
	if err != nil {
		return cfg, err
	}
	cfg.secrets = secrets
	return cfg, nil
}

type secretMap map[string]string

func loadSecrets(path string) (secretMap, error) {
	if path == "" {
		path = "crew.secrets.toml"
	}
	secrets := secretMap{}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &secrets); err != nil {
			return nil, &crew.ErrConfig{Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}
	} else if !os.IsNotExist(err) {
		return nil, &crew.ErrConfig{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	return secrets, nil
}

// Secret resolves a named secret: the secrets file first, then the
// upper-cased name as an environment variable. A missing secret is a
// fatal *crew.ErrConfig.
func (c Config) Secret(name string) (string, error) {
	if name == "" {
		return "", &crew.ErrConfig{Reason: "empty secret name"}
	}
	if v, ok := c.secrets[name]; ok && v != "" {
		return v, nil
	}
	if v := os.Getenv(strings.ToUpper(name)); v != "" {
		return v, nil
	}
	return "", &crew.ErrConfig{Reason: fmt.Sprintf("missing secret %q", name)}
}

// Profiles converts the [roles.*] blocks into crew.AgentProfiles with
// API keys resolved. Unknown role names are a fatal *crew.ErrConfig.
func (c Config) Profiles() (map[crew.AgentRole]crew.AgentProfile, error) {
	out := make(map[crew.AgentRole]crew.AgentProfile, len(c.Roles))
	for name, rc := range c.Roles {
		role, ok := crew.ParseRole(name)
		if !ok {
			return nil, &crew.ErrConfig{Reason: fmt.Sprintf("unknown role %q", name)}
		}
		key := ""
		if rc.APIKeyName != "" {
			var err error
			key, err = c.Secret(rc.APIKeyName)
			if err != nil {
				return nil, err
			}
		}
		out[role] = crew.AgentProfile{
			Provider:        rc.Provider,
			BaseURL:         rc.BaseURL,
			ModelID:         rc.Model,
			APIKey:          key,
			Role:            role,
			Temperature:     rc.Temperature,
			MaxTokens:       rc.MaxTokens,
			StreamEnabled:   rc.Stream,
			SystemPrompt:    rc.SystemPrompt,
			SpawnKeywords:   rc.SpawnKeywords,
			CostPer1KTokens: rc.CostPer1K,
		}
	}
	return out, nil
}
