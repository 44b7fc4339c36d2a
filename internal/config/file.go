package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/insights-pipeline/pkg/types"
)

// JobConfig is a named run configuration declared in a config file
type JobConfig struct {
	ID            string   `yaml:"id"`
	Workflow      string   `yaml:"workflow"`
	EntityTypes   []string `yaml:"entityTypes"`
	BatchSize     int      `yaml:"batchSize"`
	RecreateIndex bool     `yaml:"recreateIndex"`
	Resume        bool     `yaml:"resume"`
	// Backfill bounds, as YYYY-MM-DD; end is exclusive
	BackfillStart string `yaml:"backfillStart"`
	BackfillEnd   string `yaml:"backfillEnd"`
}

// Window returns the job's backfill window, or nil for the default window
func (j JobConfig) Window() (*types.BackfillWindow, error) {
	return ParseWindow(j.BackfillStart, j.BackfillEnd)
}

func (j JobConfig) validate() error {
	var errs []error
	if j.Workflow != "" {
		if _, err := types.ParseWorkflow(j.Workflow); err != nil {
			errs = append(errs, fmt.Errorf("%w: %q", err, j.Workflow))
		}
	}
	if j.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size must not be negative, got %d", j.BatchSize))
	}
	if _, err := j.Window(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ParseWindow builds a window from two YYYY-MM-DD dates. Both empty means
// no window; an empty end means up to and including today.
func ParseWindow(start, end string) (*types.BackfillWindow, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" {
		return nil, fmt.Errorf("%w: start date is required", types.ErrInvalidWindow)
	}
	s, err := time.Parse(time.DateOnly, start)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidWindow, err)
	}
	e := time.Now().UTC()
	if end != "" {
		if e, err = time.Parse(time.DateOnly, end); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrInvalidWindow, err)
		}
	}
	w, err := types.NewWindow(s, e)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// fileConfig mirrors Config in YAML. Zero values leave the default alone.
type fileConfig struct {
	DBPath           string      `yaml:"dbPath"`
	SearchDialect    string      `yaml:"searchDialect"`
	Surreal          surrealFile `yaml:"surreal"`
	IndexPrefix      string      `yaml:"indexPrefix"`
	MaxBulkDocs      int         `yaml:"maxBulkDocs"`
	WritesPerSecond  float64     `yaml:"writesPerSecond"`
	CostServiceTypes []string    `yaml:"costServiceTypes"`
	TeamCacheSize    int         `yaml:"teamCacheSize"`
	RetentionDays    *int        `yaml:"retentionDays"`
	BatchSize        int         `yaml:"batchSize"`
	ProgressAddr     string      `yaml:"progressAddr"`
	LogFile          string      `yaml:"logFile"`
	LogLevel         string      `yaml:"logLevel"`
	Jobs             []JobConfig `yaml:"jobs"`
}

type surrealFile struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	User      string `yaml:"user"`
	Pass      string `yaml:"pass"`
	AuthLevel string `yaml:"authLevel"`
}

// LoadFile reads a YAML config file over the defaults, then applies the
// environment, so environment variables win over the file.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := Defaults()
	fc.apply(&cfg)
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(c *Config) {
	pick := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	pick(&c.DBPath, fc.DBPath)
	pick(&c.SearchDialect, fc.SearchDialect)
	pick(&c.SurrealURL, fc.Surreal.URL)
	pick(&c.SurrealNamespace, fc.Surreal.Namespace)
	pick(&c.SurrealDatabase, fc.Surreal.Database)
	pick(&c.SurrealUser, fc.Surreal.User)
	pick(&c.SurrealPass, fc.Surreal.Pass)
	pick(&c.SurrealAuthLevel, fc.Surreal.AuthLevel)
	pick(&c.IndexPrefix, fc.IndexPrefix)
	pick(&c.ProgressAddr, fc.ProgressAddr)
	pick(&c.LogFile, fc.LogFile)

	if fc.LogLevel != "" {
		c.LogLevel = ParseLogLevel(fc.LogLevel)
	}
	if fc.MaxBulkDocs != 0 {
		c.MaxBulkDocs = fc.MaxBulkDocs
	}
	if fc.WritesPerSecond != 0 {
		c.WritesPerSecond = fc.WritesPerSecond
	}
	if len(fc.CostServiceTypes) > 0 {
		c.CostServiceTypes = fc.CostServiceTypes
	}
	if fc.TeamCacheSize != 0 {
		c.TeamCacheSize = fc.TeamCacheSize
	}
	// zero retention is meaningful (no clamping), hence the pointer
	if fc.RetentionDays != nil {
		c.RetentionDays = *fc.RetentionDays
	}
	if fc.BatchSize != 0 {
		c.DefaultBatchSize = fc.BatchSize
	}
	c.Jobs = fc.Jobs
}
