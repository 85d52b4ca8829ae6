// Package config loads the planset configuration: a YAML file merged over
// defaults, then environment overrides for secrets and deployment knobs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/planset/docpipe"
	"github.com/hazyhaar/planset/inference"
	"github.com/hazyhaar/planset/takeoff"
)

// Config holds the full planset configuration.
type Config struct {
	Listen      string `yaml:"listen"`
	DBPath      string `yaml:"db_path"`
	PostgresDSN string `yaml:"postgres_dsn"` // jobs store on Postgres when set
	ObjectDir   string `yaml:"object_dir"`
	LogLevel    string `yaml:"log_level"` // debug | info | warn | error
	// SlowQuery enables SQL statement tracing on the SQLite store; statements
	// slower than this log at warn. Zero disables tracing.
	SlowQuery time.Duration `yaml:"slow_query"`

	Ingest    IngestConfig    `yaml:"ingest"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Inference InferenceConfig `yaml:"inference"`
	Costs     CostConfig      `yaml:"costs"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// IngestConfig configures fetch, extraction and chunking.
type IngestConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	PageBatchSize int           `yaml:"page_batch_size"`
	RenderImages  bool          `yaml:"render_images"`
	MaxFileMB     int           `yaml:"max_file_mb"`
	// AllowPrivateURLs lets http(s) documents come from loopback and
	// private addresses.
	AllowPrivateURLs bool `yaml:"allow_private_urls"`
	// FileRoot confines file:// documents to one directory when set.
	FileRoot string         `yaml:"file_root"`
	Extract  docpipe.Config `yaml:"extract"`
}

// JobsConfig configures batch dispatch and the background queue.
type JobsConfig struct {
	MaxParallel        int           `yaml:"max_parallel"`
	AgreementThreshold float64       `yaml:"agreement_threshold"`
	Workers            int           `yaml:"workers"`
	QueueVisibility    time.Duration `yaml:"queue_visibility"`
	MaxAttempts        int           `yaml:"max_attempts"`
}

// ProviderConfig configures one inference provider.
type ProviderConfig struct {
	Name        string `yaml:"name"` // openai | gemini
	Model       string `yaml:"model"`
	VisionModel string `yaml:"vision_model"`
	BaseURL     string `yaml:"base_url"`
	MaxTokens   int    `yaml:"max_tokens"`
	// APIKey is usually left empty and taken from OPENAI_API_KEY or
	// GEMINI_API_KEY.
	APIKey string `yaml:"api_key"`
}

// InferenceConfig configures the providers and their call policy.
type InferenceConfig struct {
	Providers   []ProviderConfig  `yaml:"providers"`
	Timeout     time.Duration     `yaml:"timeout"`
	MaxRetries  int               `yaml:"max_retries"`
	BaseBackoff time.Duration     `yaml:"base_backoff"`
	Pricing     inference.Pricing `yaml:"pricing"`
	// OCRFallback uses the first provider as the vision second chance for
	// pages tesseract cannot read.
	OCRFallback bool `yaml:"ocr_fallback"`
}

// CostEntry is one price book line.
type CostEntry struct {
	Name     string  `yaml:"name"`
	Unit     string  `yaml:"unit"`
	UnitCost float64 `yaml:"unit_cost"`
}

// CostConfig configures currency and unit costs.
type CostConfig struct {
	Currency string             `yaml:"currency"`
	Policy   string             `yaml:"policy"` // estimate | lookup | mixed
	Rates    map[string]float64 `yaml:"rates"`  // units per USD
	Book     []CostEntry        `yaml:"book"`
}

// MetricsConfig configures the SQLite metrics and event sinks.
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RetentionDays int           `yaml:"retention_days"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	// DBPath puts the observability tables in their own database file.
	// Empty keeps them in db_path.
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:    ":8090",
		DBPath:    "planset.db",
		ObjectDir: "objects",
		LogLevel:  "info",
		Ingest: IngestConfig{
			Timeout:       20 * time.Minute,
			PageBatchSize: 5,
			MaxFileMB:     512,
		},
		Jobs: JobsConfig{
			MaxParallel:        2,
			AgreementThreshold: 0.6,
			Workers:            1,
			QueueVisibility:    30 * time.Minute,
			MaxAttempts:        3,
		},
		Inference: InferenceConfig{
			Providers:   []ProviderConfig{{Name: "openai", Model: "gpt-4o"}},
			Timeout:     2 * time.Minute,
			MaxRetries:  2,
			BaseBackoff: 500 * time.Millisecond,
		},
		Costs: CostConfig{
			Currency: "USD",
			Policy:   inference.CostEstimate,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			RetentionDays: 30,
			FlushInterval: 5 * time.Second,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig, applies the environment
// and validates. An empty path loads defaults and environment only.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides secrets and deployment settings from getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Listen, "PLANSET_LISTEN")
	set(&c.DBPath, "PLANSET_DB_PATH")
	set(&c.PostgresDSN, "PLANSET_POSTGRES_DSN")
	set(&c.ObjectDir, "PLANSET_OBJECT_DIR")
	set(&c.LogLevel, "PLANSET_LOG_LEVEL")
	set(&c.Costs.Currency, "PLANSET_CURRENCY")
	for i := range c.Inference.Providers {
		p := &c.Inference.Providers[i]
		if p.APIKey != "" {
			continue
		}
		switch p.Name {
		case "openai":
			set(&p.APIKey, "OPENAI_API_KEY")
		case "gemini":
			set(&p.APIKey, "GEMINI_API_KEY")
		}
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ObjectDir == "" {
		return fmt.Errorf("object_dir is required")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Ingest.Timeout <= 0 {
		return fmt.Errorf("ingest.timeout must be > 0")
	}
	if c.Ingest.PageBatchSize <= 0 {
		return fmt.Errorf("ingest.page_batch_size must be > 0")
	}
	if c.Jobs.MaxParallel <= 0 {
		return fmt.Errorf("jobs.max_parallel must be > 0")
	}
	if t := c.Jobs.AgreementThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("jobs.agreement_threshold must be in (0, 1], got %v", t)
	}
	seen := map[string]bool{}
	for i, p := range c.Inference.Providers {
		switch p.Name {
		case "openai", "gemini":
		default:
			return fmt.Errorf("inference.providers[%d]: unsupported provider %q (use openai or gemini)", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("inference.providers[%d]: duplicate provider %q", i, p.Name)
		}
		seen[p.Name] = true
	}
	switch c.Costs.Policy {
	case inference.CostEstimate, inference.CostLookup, inference.CostMixed:
	default:
		return fmt.Errorf("costs.policy %q (use estimate, lookup or mixed)", c.Costs.Policy)
	}
	if len(c.Costs.Currency) != 3 {
		return fmt.Errorf("costs.currency %q is not an ISO 4217 code", c.Costs.Currency)
	}
	for cur, r := range c.Costs.Rates {
		if r <= 0 {
			return fmt.Errorf("costs.rates[%s] must be > 0", cur)
		}
	}
	for i, e := range c.Costs.Book {
		if e.Name == "" || e.Unit == "" || e.UnitCost < 0 {
			return fmt.Errorf("costs.book[%d]: name, unit and a non-negative unit_cost are required", i)
		}
	}
	return nil
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q (use debug, info, warn or error)", s)
	}
	return l, nil
}

// MaxFileBytes returns the largest accepted PDF in bytes.
func (c *Config) MaxFileBytes() int64 { return int64(c.Ingest.MaxFileMB) << 20 }

// ConfiguredProviders returns the providers that have a key configured.
func (c *Config) ConfiguredProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Inference.Providers {
		if p.APIKey != "" {
			out = append(out, p)
		}
	}
	return out
}

// Lookup returns the price book as a cost lookup. Book prices are USD;
// names and units match after the normalization the merge uses, and a
// currency without a rate finds nothing.
func (c *CostConfig) Lookup() inference.CostLookupFunc {
	if len(c.Book) == 0 {
		return nil
	}
	book := make(map[string]float64, len(c.Book))
	for _, e := range c.Book {
		book[bookKey(e.Name, e.Unit)] = e.UnitCost
	}
	rates := c.Rates
	return func(name, unit, currency string) (float64, bool) {
		usd, ok := book[bookKey(name, unit)]
		if !ok {
			return 0, false
		}
		return inference.Convert(usd, currency, rates)
	}
}

func bookKey(name, unit string) string {
	return takeoff.NormalizeName(name) + "|" + takeoff.CanonicalUnit(unit)
}
