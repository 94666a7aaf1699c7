// Package config loads the metarepo YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the metarepo server configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Repository RepositoryConfig `yaml:"repository"`
	Indexing   IndexingConfig   `yaml:"indexing"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds document-store connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // redis, memory (default: redis)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// RepositoryConfig holds the on-disk layout of the record repository.
type RepositoryConfig struct {
	// DataDir is the root for repository data.
	DataDir string `yaml:"data_dir"`
	// CollectionRecordsDir holds the collection-level descriptor records.
	CollectionRecordsDir string `yaml:"collection_records_dir"`
	// MetadataRecordsDir is the root under which set directories live
	// (laid out as <metadata_records_dir>/<format>/<setSpec>).
	MetadataRecordsDir string `yaml:"metadata_records_dir"`
	// ListSetsConfig is the path of the OAI set-definition XML document.
	ListSetsConfig string `yaml:"list_sets_config"`
	// RemoveDocsOnDelete controls the deleted-record policy: true deletes
	// index documents outright, false tombstones them in place.
	RemoveDocsOnDelete *bool `yaml:"remove_docs_on_delete"`
	// WatchListSets enables the fsnotify reload of the set-definition document.
	WatchListSets bool `yaml:"watch_list_sets"`
	// Conversions maps an xml format to the formats it can be converted to.
	Conversions map[string][]string `yaml:"conversions"`
}

// IndexingConfig holds background indexing scheduler settings.
type IndexingConfig struct {
	// UpdateFrequencySec is the interval between passes; 0 disables the timer.
	UpdateFrequencySec int `yaml:"update_frequency_sec"`
	// StartTime, when set ("HH:MM", 24h), switches the scheduler to daily
	// cron mode firing at that local time.
	StartTime string `yaml:"start_time"`
	// DaysOfWeek restricts cron mode to a weekday subset (0=Sunday .. 6=Saturday).
	DaysOfWeek []int `yaml:"days_of_week"`
	// IndexAll selects a full pass (true) or an incremental pass (false).
	IndexAll bool `yaml:"index_all"`
}

// StorageConfig holds document-store key settings.
type StorageConfig struct {
	KeyPrefix string `yaml:"key_prefix"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	// Substitute env variables of the form ${VAR}
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "redis"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Repository.DataDir == "" {
		c.Repository.DataDir = "data"
	}
	if c.Repository.CollectionRecordsDir == "" {
		c.Repository.CollectionRecordsDir = filepath.Join(c.Repository.DataDir, "collect")
	}
	if c.Repository.MetadataRecordsDir == "" {
		c.Repository.MetadataRecordsDir = filepath.Join(c.Repository.DataDir, "records")
	}
	if c.Repository.ListSetsConfig == "" {
		c.Repository.ListSetsConfig = filepath.Join(c.Repository.DataDir, "ListSets.xml")
	}
	if c.Repository.RemoveDocsOnDelete == nil {
		t := true
		c.Repository.RemoveDocsOnDelete = &t
	}
	if c.Storage.KeyPrefix == "" {
		c.Storage.KeyPrefix = "metarepo:"
	}
}

var keyTimeRegex = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Database.Driver == "redis" && len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required for the redis driver")
	}
	if c.Indexing.StartTime != "" && !keyTimeRegex.MatchString(c.Indexing.StartTime) {
		return fmt.Errorf("indexing.start_time must be HH:MM, got %q", c.Indexing.StartTime)
	}
	for _, d := range c.Indexing.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("indexing.days_of_week entries must be 0..6, got %d", d)
		}
	}
	return nil
}

// findConfigPath locates the config file under ./config/.
func findConfigPath(env string) string {
	return filepath.Join("config", fmt.Sprintf("%s.yaml", env))
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
