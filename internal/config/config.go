package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const minSharedSecretLength = 16

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	VCS      VCSConfig      `yaml:"vcs"`
	Merge    MergeConfig    `yaml:"merge"`
	Workers  WorkersConfig  `yaml:"workers"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`    // file path for sqlite, connection string for postgres
}

type StorageConfig struct {
	ReposPath        string `yaml:"repos_path"`         // root for repository storage paths
	ArchiveCachePath string `yaml:"archive_cache_path"` // generated archives; empty disables the cache
}

// VCSConfig configures how repositories are reached. With an empty
// ServerURL operations run in-process against the local binaries.
type VCSConfig struct {
	ServerURL    string        `yaml:"server_url"`
	Backends     []string      `yaml:"backends"` // aliases whose binaries must be present
	SharedSecret string        `yaml:"shared_secret"`
	HooksURI     string        `yaml:"hooks_uri"`
	PoolSize     int           `yaml:"pool_size"`
	Timeout      time.Duration `yaml:"timeout"`
	Git          string        `yaml:"git"`
	Hg           string        `yaml:"hg"`
	Svn          string        `yaml:"svn"`
	SvnLook      string        `yaml:"svnlook"`
	SvnAdmin     string        `yaml:"svnadmin"`
	SvnMucc      string        `yaml:"svnmucc"`
}

type MergeConfig struct {
	// ShadowRoot holds merge workspaces. Empty places them next to each
	// target repository.
	ShadowRoot      string `yaml:"shadow_root"`
	DryRunUserName  string `yaml:"dry_run_user_name"`
	DryRunUserEmail string `yaml:"dry_run_user_email"`
	DryRunMessage   string `yaml:"dry_run_message"`
}

type WorkersConfig struct {
	Count        int           `yaml:"count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RepoPath resolves a repository storage path against the repos root.
func (c *Config) RepoPath(storagePath string) string {
	if filepath.IsAbs(storagePath) {
		return filepath.Clean(storagePath)
	}
	return filepath.Join(c.Storage.ReposPath, storagePath)
}

// ValidateServe checks the settings the VCS server needs.
func (c *Config) ValidateServe() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (current: %d)", c.Server.Port)
	}
	if c.Storage.ReposPath == "" {
		return fmt.Errorf("storage.repos_path must be configured")
	}
	if err := c.validateSecret(); err != nil {
		return err
	}
	return nil
}

// ValidateClient checks the settings commands that read the database and
// reach repositories need.
func (c *Config) ValidateClient() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		return fmt.Errorf("database.driver %q is not supported (use sqlite or postgres)", c.Database.Driver)
	}
	if c.Storage.ReposPath == "" {
		return fmt.Errorf("storage.repos_path must be configured")
	}
	if c.VCS.ServerURL != "" {
		u, err := url.Parse(c.VCS.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("vcs.server_url must be an http(s) URL (current: %q)", c.VCS.ServerURL)
		}
	}
	if err := c.validateSecret(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSecret() error {
	if c.VCS.SharedSecret != "" && len(c.VCS.SharedSecret) < minSharedSecretLength {
		return fmt.Errorf("VCSHUB_SHARED_SECRET must be at least %d characters (current length: %d)", minSharedSecretLength, len(c.VCS.SharedSecret))
	}
	return nil
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 9900,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "vcshub.db",
		},
		Storage: StorageConfig{
			ReposPath: "data/repos",
		},
		VCS: VCSConfig{
			Backends: []string{"git", "hg", "svn"},
			PoolSize: 8,
			Timeout:  5 * time.Minute,
			Git:      "git",
			Hg:       "hg",
			Svn:      "svn",
			SvnLook:  "svnlook",
			SvnAdmin: "svnadmin",
			SvnMucc:  "svnmucc",
		},
		Merge: MergeConfig{
			DryRunUserName:  "Dry-Run User",
			DryRunUserEmail: "dry-run-merge@vcshub.invalid",
			DryRunMessage:   "dry-run-merge message",
		},
		Workers: WorkersConfig{
			Count:        2,
			PollInterval: 250 * time.Millisecond,
			MaxAttempts:  3,
			RetryDelay:   5 * time.Second,
			JobTimeout:   10 * time.Minute,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VCSHUB_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("VCSHUB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("VCSHUB_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("VCSHUB_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("VCSHUB_REPOS_PATH"); v != "" {
		cfg.Storage.ReposPath = v
	}
	if v := os.Getenv("VCSHUB_ARCHIVE_CACHE_PATH"); v != "" {
		cfg.Storage.ArchiveCachePath = v
	}
	if v := os.Getenv("VCSHUB_VCS_SERVER_URL"); v != "" {
		cfg.VCS.ServerURL = strings.TrimRight(strings.TrimSpace(v), "/")
	}
	if v := os.Getenv("VCSHUB_VCS_BACKENDS"); v != "" {
		cfg.VCS.Backends = parseCSV(v)
	}
	if v := os.Getenv("VCSHUB_SHARED_SECRET"); v != "" {
		cfg.VCS.SharedSecret = v
	}
	if v := os.Getenv("VCSHUB_HOOKS_URI"); v != "" {
		cfg.VCS.HooksURI = strings.TrimSpace(v)
	}
	if v := os.Getenv("VCSHUB_VCS_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.VCS.PoolSize = n
		}
	}
	if v := os.Getenv("VCSHUB_VCS_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.VCS.Timeout = d
		}
	}
	for env, dst := range map[string]*string{
		"VCSHUB_GIT_BIN":      &cfg.VCS.Git,
		"VCSHUB_HG_BIN":       &cfg.VCS.Hg,
		"VCSHUB_SVN_BIN":      &cfg.VCS.Svn,
		"VCSHUB_SVNLOOK_BIN":  &cfg.VCS.SvnLook,
		"VCSHUB_SVNADMIN_BIN": &cfg.VCS.SvnAdmin,
		"VCSHUB_SVNMUCC_BIN":  &cfg.VCS.SvnMucc,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("VCSHUB_SHADOW_ROOT"); v != "" {
		cfg.Merge.ShadowRoot = v
	}
	if v := os.Getenv("VCSHUB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("VCSHUB_WORKER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.MaxAttempts = n
		}
	}
	if v := os.Getenv("VCSHUB_WORKER_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Workers.RetryDelay = d
		}
	}
}

func parseCSV(v string) []string {
	raw := strings.TrimSpace(v)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
