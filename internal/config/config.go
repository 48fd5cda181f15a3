package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the complete composesyncd configuration
type Config struct {
	Repo   RepoConfig   `yaml:"repo"`
	Paths  PathsConfig  `yaml:"paths"`
	Sync   SyncConfig   `yaml:"sync"`
	Drift  DriftConfig  `yaml:"drift"`
	Notify NotifyConfig `yaml:"notify"`
	Engine EngineConfig `yaml:"engine"`
	Git    GitConfig    `yaml:"git"`
	API    APIConfig    `yaml:"api"`
}

// RepoConfig names the bare repository served by the daemon
type RepoConfig struct {
	Name   string `yaml:"name"`
	Branch string `yaml:"branch"`
}

// PathsConfig configures local filesystem paths and repository prefixes
type PathsConfig struct {
	GitRoot   string `yaml:"git_root"`
	DataDir   string `yaml:"data_dir"`
	Stacks    string `yaml:"stacks"`
	Fragments string `yaml:"fragments"`
}

// SyncConfig configures synthesis behavior
type SyncConfig struct {
	SettleDelay time.Duration `yaml:"settle_delay"`
}

// DriftConfig configures environment drift detection
type DriftConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	EnvFile  string `yaml:"env_file"`
}

// NotifyConfig configures the outbound notification sink
type NotifyConfig struct {
	URL string `yaml:"url"`
}

// EngineConfig configures the container engine adapter
type EngineConfig struct {
	ComposeCommand string `yaml:"compose_command"`
	DockerHost     string `yaml:"docker_host"`
	TempDir        string `yaml:"temp_dir"`
}

// GitConfig configures the smart HTTP git server
type GitConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// APIConfig configures the query/trigger API
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	SecretFile string `yaml:"secret_file"`
}

// Load reads the configuration file (if path is non-empty), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		path = os.ExpandEnv(path)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		cfg.expandEnv()
	}

	if err := cfg.applyOverrides(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Name = os.ExpandEnv(c.Repo.Name)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Paths.GitRoot = os.ExpandEnv(c.Paths.GitRoot)
	c.Paths.DataDir = os.ExpandEnv(c.Paths.DataDir)
	c.Paths.Stacks = os.ExpandEnv(c.Paths.Stacks)
	c.Paths.Fragments = os.ExpandEnv(c.Paths.Fragments)
	c.Drift.EnvFile = os.ExpandEnv(c.Drift.EnvFile)
	c.Notify.URL = os.ExpandEnv(c.Notify.URL)
	c.Engine.DockerHost = os.ExpandEnv(c.Engine.DockerHost)
	c.Engine.TempDir = os.ExpandEnv(c.Engine.TempDir)
	c.Git.ListenAddr = os.ExpandEnv(c.Git.ListenAddr)
	c.API.ListenAddr = os.ExpandEnv(c.API.ListenAddr)
	c.API.SecretFile = os.ExpandEnv(c.API.SecretFile)
}

// applyOverrides lets the process environment override file settings. The
// variable names match the ones used by container images of the daemon.
func (c *Config) applyOverrides(lookup func(string) (string, bool)) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"REPO_NAME", &c.Repo.Name},
		{"GIT_BRANCH", &c.Repo.Branch},
		{"GIT_ROOT", &c.Paths.GitRoot},
		{"DATA_DIR", &c.Paths.DataDir},
		{"STACKS_PATH", &c.Paths.Stacks},
		{"FRAGMENTS_PATH", &c.Paths.Fragments},
		{"DRIFT_SCHEDULE", &c.Drift.Schedule},
		{"DRIFT_ENV_FILE", &c.Drift.EnvFile},
		{"POST_WEBHOOK", &c.Notify.URL},
		{"COMPOSE_COMMAND", &c.Engine.ComposeCommand},
		{"DOCKER_HOST", &c.Engine.DockerHost},
		{"GIT_LISTEN_ADDR", &c.Git.ListenAddr},
		{"API_LISTEN_ADDR", &c.API.ListenAddr},
		{"API_SECRET_FILE", &c.API.SecretFile},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok && v != "" {
			*s.dst = v
		}
	}

	if v, ok := lookup("STACK_UPDATE_ON_ENV_CHANGE"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse STACK_UPDATE_ON_ENV_CHANGE: %w", err)
		}
		c.Drift.Enabled = enabled
	}

	if v, ok := lookup("SETTLE_DELAY"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SETTLE_DELAY: %w", err)
		}
		c.Sync.SettleDelay = d
	}

	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Name == "" {
		c.Repo.Name = "docker"
	}
	if c.Repo.Branch == "" {
		c.Repo.Branch = "main"
	}
	if c.Paths.Stacks == "" {
		c.Paths.Stacks = "stacks"
	}
	c.Paths.Stacks = strings.Trim(c.Paths.Stacks, "/")
	if c.Paths.Fragments == "" {
		c.Paths.Fragments = "fragments"
	}
	c.Paths.Fragments = strings.Trim(c.Paths.Fragments, "/")
	if c.Sync.SettleDelay == 0 {
		c.Sync.SettleDelay = 2 * time.Second
	}
	if c.Drift.Schedule == "" {
		c.Drift.Schedule = "@every 1m"
	}
	if c.Engine.ComposeCommand == "" {
		c.Engine.ComposeCommand = "docker compose"
	}
	if c.Engine.TempDir == "" {
		c.Engine.TempDir = filepath.Join(os.TempDir(), "composesyncd")
	}
	if c.Git.ListenAddr == "" {
		c.Git.ListenAddr = ":3000"
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validateName("repo.name", c.Repo.Name); err != nil {
		return err
	}
	if err := validateName("repo.branch", c.Repo.Branch); err != nil {
		return err
	}

	if c.Paths.GitRoot == "" {
		return fmt.Errorf("paths.git_root is required")
	}
	if c.Paths.DataDir == "" {
		return fmt.Errorf("paths.data_dir is required")
	}
	if !filepath.IsAbs(c.Paths.GitRoot) {
		return fmt.Errorf("paths.git_root must be an absolute path: %s", c.Paths.GitRoot)
	}
	if !filepath.IsAbs(c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir must be an absolute path: %s", c.Paths.DataDir)
	}
	if c.Paths.Stacks == "" {
		return fmt.Errorf("paths.stacks must not be empty")
	}

	if c.Sync.SettleDelay < 0 {
		return fmt.Errorf("sync.settle_delay must not be negative: %s", c.Sync.SettleDelay)
	}

	if c.Drift.Enabled {
		if _, err := cron.ParseStandard(c.Drift.Schedule); err != nil {
			return fmt.Errorf("invalid drift.schedule %q: %w", c.Drift.Schedule, err)
		}
		if c.Drift.EnvFile != "" && !filepath.IsAbs(c.Drift.EnvFile) {
			return fmt.Errorf("drift.env_file must be an absolute path: %s", c.Drift.EnvFile)
		}
	}

	if c.Notify.URL != "" {
		u, err := url.Parse(c.Notify.URL)
		if err != nil {
			return fmt.Errorf("invalid notify.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("notify.url must use http or https: %s", c.Notify.URL)
		}
	}

	if len(c.ComposeCommand()) == 0 {
		return fmt.Errorf("engine.compose_command must not be empty")
	}

	return nil
}

func validateName(field, v string) error {
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if strings.ContainsAny(v, "/\\ \t") || strings.HasPrefix(v, ".") || strings.HasPrefix(v, "-") {
		return errors.New(field + " contains invalid characters: " + strconv.Quote(v))
	}
	return nil
}

// RepoDir returns the path of the bare repository
func (c *Config) RepoDir() string {
	return filepath.Join(c.Paths.GitRoot, c.Repo.Name+".git")
}

// BranchRef returns the fully qualified name of the tracked branch
func (c *Config) BranchRef() string {
	return "refs/heads/" + c.Repo.Branch
}

// MirrorDir returns the directory holding the hydrated copy of every stack
func (c *Config) MirrorDir() string {
	return filepath.Join(c.Paths.DataDir, "stacks")
}

// EnvSnapshotPath returns the path of the last synthesized environment
func (c *Config) EnvSnapshotPath() string {
	return filepath.Join(c.Paths.DataDir, "last-env")
}

// ComposeCommand splits the configured compose command into argv form
func (c *Config) ComposeCommand() []string {
	return strings.Fields(c.Engine.ComposeCommand)
}
