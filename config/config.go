// Package config loads the synchronization configuration: which storage
// medium coordinates the instances, where the local cache lives, and the
// timing budgets for the sync triggers.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"google.golang.org/api/option"
	"gopkg.in/yaml.v3"

	"github.com/focustrack/synccore"
	"github.com/focustrack/synccore/dirstore"
	"github.com/focustrack/synccore/drivestore"
	"github.com/focustrack/synccore/logging"
)

// Backend type discriminators.
const (
	BackendSharedDirectory = "shared_directory"
	BackendCloudStore      = "cloud_store"
)

// Duration wraps time.Duration so YAML can carry values like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// SharedDirectoryConfig locates the shared database file on a directory
// reachable by every instance (network mount, synced folder).
type SharedDirectoryConfig struct {
	// Path is the shared database file itself; coordination markers live
	// in a subdirectory beside it.
	Path string `yaml:"path"`
}

// CloudStoreConfig locates the authoritative database in a cloud file store
// folder.
type CloudStoreConfig struct {
	// CredentialsFile is the service account key used to reach the store.
	CredentialsFile string `yaml:"credentials_file"`

	// FolderName is the coordination folder; created when missing.
	FolderName string `yaml:"folder_name"`

	// DatabaseName is the authoritative object's name inside the folder.
	DatabaseName string `yaml:"database_name"`
}

// BackendConfig selects and parameterizes the coordination backend.
type BackendConfig struct {
	Type            string                `yaml:"type"`
	SharedDirectory SharedDirectoryConfig `yaml:"shared_directory"`
	CloudStore      CloudStoreConfig      `yaml:"cloud_store"`
}

// SyncConfig carries the cycle's timing budgets. Zero values fall back to
// the manager defaults.
type SyncConfig struct {
	ElectionTimeout     Duration `yaml:"election_timeout"`
	MarkerMaxAge        Duration `yaml:"marker_max_age"`
	MinAutoSyncInterval Duration `yaml:"min_auto_sync_interval"`
	ManualTimeout       Duration `yaml:"manual_timeout"`
	AutoTimeout         Duration `yaml:"auto_timeout"`
	ShutdownTimeout     Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig mirrors the logging package's configuration in YAML form.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
	AddSource   bool   `yaml:"add_source"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
}

// Config is the full synchronization configuration document.
type Config struct {
	Backend BackendConfig `yaml:"backend"`

	// LocalDBPath is this instance's cache database.
	LocalDBPath string `yaml:"local_db_path"`

	// RequiredTables is the schema surface a downloaded copy must expose.
	RequiredTables []string `yaml:"required_tables"`

	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the document for the selected backend.
func (c *Config) Validate() error {
	if c.LocalDBPath == "" {
		return fmt.Errorf("local_db_path is required")
	}

	switch c.Backend.Type {
	case BackendSharedDirectory:
		if c.Backend.SharedDirectory.Path == "" {
			return fmt.Errorf("backend.shared_directory.path is required")
		}
	case BackendCloudStore:
		if c.Backend.CloudStore.FolderName == "" {
			return fmt.Errorf("backend.cloud_store.folder_name is required")
		}
		if c.Backend.CloudStore.DatabaseName == "" {
			return fmt.Errorf("backend.cloud_store.database_name is required")
		}
	case "":
		return fmt.Errorf("backend.type is required (%s or %s)",
			BackendSharedDirectory, BackendCloudStore)
	default:
		return fmt.Errorf("unknown backend.type %q", c.Backend.Type)
	}
	return nil
}

// CreateBackend builds the configured coordination backend.
func (c *Config) CreateBackend(ctx context.Context) (synccore.Backend, error) {
	switch c.Backend.Type {
	case BackendSharedDirectory:
		return dirstore.New(c.Backend.SharedDirectory.Path)
	case BackendCloudStore:
		var opts []option.ClientOption
		if c.Backend.CloudStore.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(c.Backend.CloudStore.CredentialsFile))
		}
		return drivestore.New(ctx,
			c.Backend.CloudStore.DatabaseName,
			c.Backend.CloudStore.FolderName,
			opts...,
		)
	default:
		return nil, fmt.Errorf("unknown backend.type %q", c.Backend.Type)
	}
}

// ManagerOptions maps the document onto manager options.
func (c *Config) ManagerOptions() synccore.Options {
	return synccore.Options{
		LocalDBPath:         c.LocalDBPath,
		RequiredTables:      c.RequiredTables,
		ElectionTimeout:     c.Sync.ElectionTimeout.Std(),
		MarkerMaxAge:        c.Sync.MarkerMaxAge.Std(),
		MinAutoSyncInterval: c.Sync.MinAutoSyncInterval.Std(),
		ManualTimeout:       c.Sync.ManualTimeout.Std(),
		AutoTimeout:         c.Sync.AutoTimeout.Std(),
		ShutdownTimeout:     c.Sync.ShutdownTimeout.Std(),
	}
}

// LoggingConfig maps the document onto the logging package's configuration,
// falling back to environment-driven defaults for unset fields.
func (c *Config) LoggingConfig() logging.Config {
	base := logging.GetConfigFromEnv()
	if c.Logging.Level != "" {
		base.Level = c.Logging.Level
	}
	if c.Logging.Format != "" {
		base.Format = c.Logging.Format
	}
	if c.Logging.Environment != "" {
		base.Environment = c.Logging.Environment
	}
	if c.Logging.AddSource {
		base.AddSource = true
	}
	if c.Logging.File != "" {
		base.File = c.Logging.File
		base.MaxSizeMB = c.Logging.MaxSizeMB
		base.MaxBackups = c.Logging.MaxBackups
	}
	return base
}
