// Package config resolves the bridge's runtime configuration from
// environment variables, with an optional local YAML file supplying
// defaults for values the environment does not set.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully-resolved runtime configuration for every component
// (registry, wrapper, listener, hooks) sharing one home directory layout.
type Config struct {
	SlackBotToken string `yaml:"slack_bot_token"`
	SlackAppToken string `yaml:"slack_app_token"`
	SlackChannel  string `yaml:"slack_channel"`

	RegistryDBPath  string `yaml:"registry_db_path"`
	SlackSocketDir  string `yaml:"slack_socket_dir"`
	SlackLogDir     string `yaml:"slack_log_dir"`
	ClaudeBin       string `yaml:"claude_bin"`
	ClaudeSlackDir  string `yaml:"claude_slack_dir"`

	PermissionTimeout time.Duration `yaml:"-"`
}

// fileConfig mirrors Config's yaml-tagged fields plus a duration as a
// plain string, since YAML has no native duration type.
type fileConfig struct {
	SlackBotToken     string `yaml:"slack_bot_token"`
	SlackAppToken     string `yaml:"slack_app_token"`
	SlackChannel      string `yaml:"slack_channel"`
	RegistryDBPath    string `yaml:"registry_db_path"`
	SlackSocketDir    string `yaml:"slack_socket_dir"`
	SlackLogDir       string `yaml:"slack_log_dir"`
	ClaudeBin         string `yaml:"claude_bin"`
	ClaudeSlackDir    string `yaml:"claude_slack_dir"`
	PermissionTimeout string `yaml:"permission_timeout"`
}

const defaultPermissionTimeout = 300 * time.Second

// FromEnv resolves configuration from the environment variables named in
// spec §6, falling back to an optional YAML file at
// ~/.claude/slack/config.yaml for any value the environment does not
// set, and finally to the filesystem-layout defaults from spec §6.
func FromEnv() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	base := filepath.Join(home, ".claude", "slack")

	file := loadFileConfig(filepath.Join(base, "config.yaml"))

	cfg := &Config{
		SlackBotToken:  firstNonEmpty(os.Getenv("SLACK_BOT_TOKEN"), file.SlackBotToken),
		SlackAppToken:  firstNonEmpty(os.Getenv("SLACK_APP_TOKEN"), file.SlackAppToken),
		SlackChannel:   firstNonEmpty(os.Getenv("SLACK_CHANNEL"), file.SlackChannel, "claude-sessions"),
		RegistryDBPath: firstNonEmpty(os.Getenv("REGISTRY_DB_PATH"), file.RegistryDBPath, filepath.Join(base, "registry.db")),
		SlackSocketDir: firstNonEmpty(os.Getenv("SLACK_SOCKET_DIR"), file.SlackSocketDir, filepath.Join(base, "sockets")),
		SlackLogDir:    firstNonEmpty(os.Getenv("SLACK_LOG_DIR"), file.SlackLogDir, filepath.Join(base, "logs")),
		ClaudeBin:      firstNonEmpty(os.Getenv("CLAUDE_BIN"), file.ClaudeBin, "claude"),
		ClaudeSlackDir: firstNonEmpty(os.Getenv("CLAUDE_SLACK_DIR"), file.ClaudeSlackDir, base),
	}

	cfg.PermissionTimeout = defaultPermissionTimeout
	if v := firstNonEmpty(os.Getenv("PERMISSION_TIMEOUT"), file.PermissionTimeout); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PERMISSION_TIMEOUT %q: %w", v, err)
		}
		cfg.PermissionTimeout = time.Duration(secs) * time.Second
	}

	return cfg, nil
}

func loadFileConfig(path string) fileConfig {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc
	}
	_ = yaml.Unmarshal(data, &fc)
	return fc
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Paths holds the filesystem layout described in spec §6, derived from a
// resolved Config.
type Paths struct {
	RegistrySocket       string
	PermissionResponses   string
	AskUserResponses      string
}

func (c *Config) Paths() Paths {
	return Paths{
		RegistrySocket:      filepath.Join(c.SlackSocketDir, "registry.sock"),
		PermissionResponses: filepath.Join(c.ClaudeSlackDir, "permission_responses"),
		AskUserResponses:    filepath.Join(c.ClaudeSlackDir, "askuser_responses"),
	}
}

// WrapperSocketPath returns the per-session control socket path for sid.
func (c *Config) WrapperSocketPath(sid string) string {
	return filepath.Join(c.SlackSocketDir, sid+".sock")
}

// BufferPath returns the raw PTY output buffer path for sid.
func (c *Config) BufferPath(sid string) string {
	return filepath.Join(c.SlackLogDir, "claude_output_"+sid+".txt")
}

// BufferMetaPath returns the sidecar metadata file path for sid's buffer.
func (c *Config) BufferMetaPath(sid string) string {
	return filepath.Join(c.SlackLogDir, "claude_output_"+sid+".meta")
}

// LinesPath returns the numbered line-log file path for sid.
func (c *Config) LinesPath(sid string) string {
	return filepath.Join(c.SlackLogDir, "claude_lines_"+sid+".txt")
}

// EnsureDirs creates every directory this configuration depends on.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		filepath.Dir(c.RegistryDBPath),
		c.SlackSocketDir,
		c.SlackLogDir,
		c.Paths().PermissionResponses,
		c.Paths().AskUserResponses,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}
