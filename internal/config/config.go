package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dshills/insights-pipeline/internal/search"
	"github.com/dshills/insights-pipeline/internal/sink"
	"github.com/dshills/insights-pipeline/internal/source"
)

// Config holds all configuration values.
type Config struct {
	// Entity store and run records
	DBPath string

	// Destination backend
	SearchDialect    string
	SurrealURL       string
	SurrealNamespace string
	SurrealDatabase  string
	SurrealUser      string
	SurrealPass      string
	SurrealAuthLevel string
	IndexPrefix      string
	MaxBulkDocs      int
	WritesPerSecond  float64
	CostServiceTypes []string
	TeamCacheSize    int
	RetentionDays    int
	DefaultBatchSize int
	ProgressAddr     string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Named jobs, from a config file only
	Jobs []JobConfig
}

// Defaults returns the configuration used when nothing is set
func Defaults() Config {
	return Config{
		DBPath:           "pipeline.db",
		SearchDialect:    search.DialectSQLite.String(),
		SurrealURL:       "ws://localhost:8000/rpc",
		SurrealNamespace: "insights",
		SurrealDatabase:  "pipeline",
		SurrealUser:      "root",
		SurrealPass:      "root",
		SurrealAuthLevel: "root",
		MaxBulkDocs:      sink.DefaultMaxBulkDocs,
		RetentionDays:    90,
		DefaultBatchSize: source.DefaultBatchSize,
		LogFile:          "",
		LogLevel:         slog.LevelInfo,
	}
}

// Load reads configuration from environment variables over the defaults.
func Load() (Config, error) {
	cfg := Defaults()
	err := cfg.applyEnv()
	return cfg, err
}

// applyEnv overrides fields whose environment variable is set
func (c *Config) applyEnv() error {
	var errs []error

	setString(&c.DBPath, "PIPELINE_DB_PATH")
	setString(&c.SearchDialect, "PIPELINE_SEARCH_DIALECT")
	setString(&c.SurrealURL, "PIPELINE_SURREAL_URL")
	setString(&c.SurrealNamespace, "PIPELINE_SURREAL_NAMESPACE")
	setString(&c.SurrealDatabase, "PIPELINE_SURREAL_DATABASE")
	setString(&c.SurrealUser, "PIPELINE_SURREAL_USER")
	setString(&c.SurrealPass, "PIPELINE_SURREAL_PASS")
	setString(&c.SurrealAuthLevel, "PIPELINE_SURREAL_AUTH_LEVEL")
	setString(&c.IndexPrefix, "PIPELINE_INDEX_PREFIX")
	setString(&c.ProgressAddr, "PIPELINE_PROGRESS_ADDR")
	setString(&c.LogFile, "PIPELINE_LOG_FILE")

	if val := os.Getenv("PIPELINE_LOG_LEVEL"); val != "" {
		c.LogLevel = ParseLogLevel(val)
	}
	if val := os.Getenv("PIPELINE_COST_SERVICE_TYPES"); val != "" {
		c.CostServiceTypes = splitList(val)
	}

	errs = append(errs,
		setInt(&c.RetentionDays, "PIPELINE_RETENTION_DAYS"),
		setInt(&c.DefaultBatchSize, "PIPELINE_BATCH_SIZE"),
		setInt(&c.MaxBulkDocs, "PIPELINE_MAX_BULK_DOCS"),
		setInt(&c.TeamCacheSize, "PIPELINE_TEAM_CACHE_SIZE"),
	)
	if val := os.Getenv("PIPELINE_WRITES_PER_SECOND"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PIPELINE_WRITES_PER_SECOND: %w", err))
		} else {
			c.WritesPerSecond = f
		}
	}
	return errors.Join(errs...)
}

// Validate rejects values the pipeline cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	if _, err := search.ParseDialect(c.SearchDialect); err != nil {
		errs = append(errs, err)
	}
	if c.DefaultBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.DefaultBatchSize))
	}
	if c.MaxBulkDocs <= 0 {
		errs = append(errs, fmt.Errorf("max bulk docs must be positive, got %d", c.MaxBulkDocs))
	}
	if c.WritesPerSecond < 0 {
		errs = append(errs, fmt.Errorf("writes per second must not be negative, got %g", c.WritesPerSecond))
	}
	if c.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("retention days must not be negative, got %d", c.RetentionDays))
	}
	if c.IndexPrefix != "" {
		if err := search.ValidateIndexName(c.IndexPrefix + "x"); err != nil {
			errs = append(errs, fmt.Errorf("index prefix: %w", err))
		}
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, job := range c.Jobs {
		if job.ID == "" {
			errs = append(errs, fmt.Errorf("job %d: id is required", i))
			continue
		}
		if seen[job.ID] {
			errs = append(errs, fmt.Errorf("job %s: duplicate id", job.ID))
		}
		seen[job.ID] = true
		if err := job.validate(); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SurrealConfig returns the connection settings of the SurrealDB dialect
func (c Config) SurrealConfig() search.SurrealConfig {
	return search.SurrealConfig{
		URL:       c.SurrealURL,
		Namespace: c.SurrealNamespace,
		Database:  c.SurrealDatabase,
		Username:  c.SurrealUser,
		Password:  c.SurrealPass,
		AuthLevel: c.SurrealAuthLevel,
	}
}

// Job returns the named job
func (c Config) Job(id string) (JobConfig, bool) {
	for _, j := range c.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return JobConfig{}, false
}

func setString(dst *string, key string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseLogLevel maps a level name to a slog level; unknown names mean info
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
