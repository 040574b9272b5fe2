// Package config loads divan configuration from defaults, YAML files and
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/store"
	"github.com/Aman-CERP/divan/internal/view"
)

// ProjectFileName is the per-directory configuration file.
const ProjectFileName = ".divan.yaml"

// Config represents the complete divan configuration.
type Config struct {
	Version  int               `yaml:"version" json:"version"`
	Data     DataConfig        `yaml:"data" json:"data"`
	Index    IndexConfig       `yaml:"index" json:"index"`
	Indexing IndexingConfig    `yaml:"indexing" json:"indexing"`
	Logging  LoggingConfig     `yaml:"logging" json:"logging"`
	Indexes  []view.Definition `yaml:"indexes,omitempty" json:"indexes,omitempty"`
}

// DataConfig locates the document database and index directories.
type DataConfig struct {
	// Dir holds the database and one directory per index. Relative paths
	// resolve against the directory the configuration was loaded for.
	Dir string `yaml:"dir" json:"dir"`

	// Database is the SQLite file name inside Dir.
	Database string `yaml:"database" json:"database"`
}

// IndexConfig configures index storage and queries.
type IndexConfig struct {
	// Backend is the storage library: "bleve" (default) or "bluge".
	Backend string `yaml:"backend" json:"backend"`

	// QueryCacheSize bounds the translated query cache per index.
	QueryCacheSize int `yaml:"query_cache_size" json:"query_cache_size"`

	// DefaultPageSize is used when a query does not ask for one.
	DefaultPageSize int `yaml:"default_page_size" json:"default_page_size"`

	// MaxPageSize caps the page size of a single query.
	MaxPageSize int `yaml:"max_page_size" json:"max_page_size"`
}

// IndexingConfig configures the indexing executer.
type IndexingConfig struct {
	// Workers bounds how many indexes are indexed concurrently.
	Workers int `yaml:"workers" json:"workers"`

	// BatchSize is the number of document changes per batch.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// LoggingConfig configures file logging.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	FilePath  string `yaml:"file_path,omitempty" json:"file_path,omitempty"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Data: DataConfig{
			Dir:      ".divan",
			Database: "divan.db",
		},
		Index: IndexConfig{
			Backend:         string(store.BackendBleve),
			QueryCacheSize:  256,
			DefaultPageSize: 25,
			MaxPageSize:     1024,
		},
		Indexing: IndexingConfig{
			Workers:   runtime.NumCPU(),
			BatchSize: 512,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// GetUserConfigPath returns the path to the user configuration file:
// $XDG_CONFIG_HOME/divan/config.yaml, or ~/.config/divan/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "divan", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "divan", "config.yaml")
	}
	return filepath.Join(home, ".config", "divan", "config.yaml")
}

// Load loads configuration for dir. Later sources win:
//  1. Hardcoded defaults
//  2. User config (~/.config/divan/config.yaml)
//  3. Project config (.divan.yaml in dir)
//  4. Environment variables (DIVAN_*)
//
// A relative data directory is resolved against dir.
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, err
		}
	}

	projectPath := filepath.Join(dir, ProjectFileName)
	if fileExists(projectPath) {
		if err := cfg.loadYAML(projectPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if !filepath.IsAbs(cfg.Data.Dir) {
		cfg.Data.Dir = filepath.Join(dir, cfg.Data.Dir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadYAML merges the non-zero values of the file at path into c.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return derrors.New(derrors.ErrCodeConfigNotFound,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return derrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err).
			WithDetail("path", path).
			WithSuggestion("check the YAML syntax of the configuration file")
	}
	c.mergeWith(&parsed)
	return nil
}

// mergeWith merges non-zero values from other into c. Index definitions
// are merged by name; a later definition replaces an earlier one.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Data.Dir != "" {
		c.Data.Dir = other.Data.Dir
	}
	if other.Data.Database != "" {
		c.Data.Database = other.Data.Database
	}

	if other.Index.Backend != "" {
		c.Index.Backend = other.Index.Backend
	}
	if other.Index.QueryCacheSize != 0 {
		c.Index.QueryCacheSize = other.Index.QueryCacheSize
	}
	if other.Index.DefaultPageSize != 0 {
		c.Index.DefaultPageSize = other.Index.DefaultPageSize
	}
	if other.Index.MaxPageSize != 0 {
		c.Index.MaxPageSize = other.Index.MaxPageSize
	}

	if other.Indexing.Workers != 0 {
		c.Indexing.Workers = other.Indexing.Workers
	}
	if other.Indexing.BatchSize != 0 {
		c.Indexing.BatchSize = other.Indexing.BatchSize
	}

	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.FilePath != "" {
		c.Logging.FilePath = other.Logging.FilePath
	}
	if other.Logging.MaxSizeMB != 0 {
		c.Logging.MaxSizeMB = other.Logging.MaxSizeMB
	}
	if other.Logging.MaxFiles != 0 {
		c.Logging.MaxFiles = other.Logging.MaxFiles
	}

	for _, d := range other.Indexes {
		replaced := false
		for i := range c.Indexes {
			if c.Indexes[i].Name == d.Name {
				c.Indexes[i] = d
				replaced = true
				break
			}
		}
		if !replaced {
			c.Indexes = append(c.Indexes, d)
		}
	}
}

// applyEnvOverrides applies DIVAN_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("DIVAN_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("DIVAN_BACKEND"); v != "" {
		c.Index.Backend = v
	}
	if v := os.Getenv("DIVAN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"DIVAN_QUERY_CACHE_SIZE", &c.Index.QueryCacheSize},
		{"DIVAN_INDEXING_WORKERS", &c.Indexing.Workers},
		{"DIVAN_BATCH_SIZE", &c.Indexing.BatchSize},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return derrors.ConfigError(fmt.Sprintf("%s must be an integer, got %q", o.env, v), err)
		}
		*o.dst = n
	}
	return nil
}

// DatabasePath returns the document database path.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.Dir, c.Data.Database)
}

// IndexesDir returns the directory holding one subdirectory per index.
func (c *Config) IndexesDir() string {
	return filepath.Join(c.Data.Dir, "indexes")
}

// PageSize clamps a requested page size to the configured bounds. Zero
// selects the default.
func (c *Config) PageSize(requested int) int {
	if requested <= 0 {
		return c.Index.DefaultPageSize
	}
	return min(requested, c.Index.MaxPageSize)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	switch store.Backend(strings.ToLower(c.Index.Backend)) {
	case store.BackendBleve, store.BackendBluge:
		c.Index.Backend = strings.ToLower(c.Index.Backend)
	default:
		return invalid(fmt.Sprintf("index.backend must be 'bleve' or 'bluge', got %s", c.Index.Backend))
	}

	if c.Data.Dir == "" {
		return invalid("data.dir must not be empty")
	}
	if c.Data.Database == "" || strings.ContainsRune(c.Data.Database, os.PathSeparator) {
		return invalid(fmt.Sprintf("data.database must be a file name, got %q", c.Data.Database))
	}

	if c.Index.QueryCacheSize <= 0 {
		return invalid(fmt.Sprintf("index.query_cache_size must be positive, got %d", c.Index.QueryCacheSize))
	}
	if c.Index.DefaultPageSize <= 0 {
		return invalid(fmt.Sprintf("index.default_page_size must be positive, got %d", c.Index.DefaultPageSize))
	}
	if c.Index.MaxPageSize < c.Index.DefaultPageSize {
		return invalid(fmt.Sprintf("index.max_page_size (%d) must be at least default_page_size (%d)",
			c.Index.MaxPageSize, c.Index.DefaultPageSize))
	}

	if c.Indexing.Workers <= 0 {
		return invalid(fmt.Sprintf("indexing.workers must be positive, got %d", c.Indexing.Workers))
	}
	if c.Indexing.BatchSize <= 0 {
		return invalid(fmt.Sprintf("indexing.batch_size must be positive, got %d", c.Indexing.BatchSize))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return invalid(fmt.Sprintf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level))
	}

	seen := make(map[string]bool, len(c.Indexes))
	for i := range c.Indexes {
		d := &c.Indexes[i]
		if seen[d.Name] {
			return invalid(fmt.Sprintf("index %s is defined twice", d.Name))
		}
		seen[d.Name] = true
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func invalid(msg string) error {
	return derrors.ConfigError(msg, nil).
		WithSuggestion("fix " + ProjectFileName + " or the DIVAN_* environment variables")
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
