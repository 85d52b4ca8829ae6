package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Ingest.Timeout != 20*time.Minute || cfg.Ingest.PageBatchSize != 5 || cfg.Jobs.MaxParallel != 2 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.MaxFileBytes() != 512<<20 {
		t.Errorf("MaxFileBytes = %d", cfg.MaxFileBytes())
	}
}

func TestLoadConfig(t *testing.T) {
	yaml := `
listen: ":9090"
db_path: "/tmp/planset.db"
log_level: debug
ingest:
  timeout: 5m
  page_batch_size: 3
  extract:
    dpi: 150
    lang: eng+fra
jobs:
  max_parallel: 4
  agreement_threshold: 0.5
inference:
  providers:
    - name: openai
      model: gpt-4o-mini
    - name: gemini
  pricing:
    gpt-4o-mini: {input_per_mtok: 0.15, output_per_mtok: 0.6}
costs:
  currency: EUR
  policy: mixed
  rates: {EUR: 0.9}
  book:
    - {name: "2x4 Stud", unit: "each", unit_cost: 4}
`
	path := filepath.Join(t.TempDir(), "planset.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9090" || cfg.Level() != slog.LevelDebug {
		t.Errorf("listen=%q level=%v", cfg.Listen, cfg.Level())
	}
	if cfg.Ingest.Timeout != 5*time.Minute || cfg.Ingest.PageBatchSize != 3 || cfg.Ingest.Extract.DPI != 150 {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if len(cfg.Inference.Providers) != 2 || cfg.Inference.Providers[0].Model != "gpt-4o-mini" {
		t.Errorf("providers = %+v", cfg.Inference.Providers)
	}
	if p := cfg.Inference.Pricing["gpt-4o-mini"]; p.OutputPerMTok != 0.6 {
		t.Errorf("pricing = %+v", cfg.Inference.Pricing)
	}
	// Defaults not named in the file survive.
	if cfg.ObjectDir != "objects" || cfg.Jobs.MaxAttempts != 3 {
		t.Errorf("object_dir=%q max_attempts=%d", cfg.ObjectDir, cfg.Jobs.MaxAttempts)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inference.Providers = []ProviderConfig{{Name: "openai"}, {Name: "gemini", APIKey: "from-file"}}
	env := map[string]string{
		"OPENAI_API_KEY":       "sk-test",
		"GEMINI_API_KEY":       "ignored",
		"PLANSET_DB_PATH":      "/data/planset.db",
		"PLANSET_POSTGRES_DSN": "postgres://planset@db/planset",
		"PLANSET_LOG_LEVEL":    " warn ",
	}
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Inference.Providers[0].APIKey != "sk-test" || cfg.Inference.Providers[1].APIKey != "from-file" {
		t.Errorf("providers = %+v", cfg.Inference.Providers)
	}
	if cfg.DBPath != "/data/planset.db" || cfg.PostgresDSN == "" || cfg.Level() != slog.LevelWarn {
		t.Errorf("cfg = %+v", cfg)
	}
	if got := cfg.ConfiguredProviders(); len(got) != 2 {
		t.Errorf("configured = %+v", got)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"no db":          func(c *Config) { c.DBPath = "" },
		"bad level":      func(c *Config) { c.LogLevel = "loud" },
		"zero batch":     func(c *Config) { c.Ingest.PageBatchSize = 0 },
		"threshold":      func(c *Config) { c.Jobs.AgreementThreshold = 1.5 },
		"provider":       func(c *Config) { c.Inference.Providers = []ProviderConfig{{Name: "llama"}} },
		"duplicate":      func(c *Config) { c.Inference.Providers = []ProviderConfig{{Name: "openai"}, {Name: "openai"}} },
		"policy":         func(c *Config) { c.Costs.Policy = "guess" },
		"currency":       func(c *Config) { c.Costs.Currency = "EURO" },
		"rate":           func(c *Config) { c.Costs.Rates = map[string]float64{"EUR": 0} },
		"book":           func(c *Config) { c.Costs.Book = []CostEntry{{Name: "stud"}} },
		"ingest timeout": func(c *Config) { c.Ingest.Timeout = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestCostLookup(t *testing.T) {
	c := CostConfig{
		Currency: "USD",
		Rates:    map[string]float64{"EUR": 0.5},
		Book:     []CostEntry{{Name: "2x4 Stud", Unit: "each", UnitCost: 4}},
	}
	lookup := c.Lookup()
	if v, ok := lookup("2x4 stud", "ea", "USD"); !ok || v != 4 {
		t.Errorf("USD = %v, %v", v, ok)
	}
	if v, ok := lookup("2X4 STUD", "EA", "EUR"); !ok || v != 2 {
		t.Errorf("EUR = %v, %v", v, ok)
	}
	if _, ok := lookup("2x4 stud", "ea", "JPY"); ok {
		t.Error("JPY has no rate")
	}
	if _, ok := lookup("header", "ea", "USD"); ok {
		t.Error("unknown item found")
	}
	if (&CostConfig{}).Lookup() != nil {
		t.Error("empty book should give a nil lookup")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PLANSET_DOTENV_TEST=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PLANSET_DOTENV_TEST", "")
	os.Unsetenv("PLANSET_DOTENV_TEST")
	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("PLANSET_DOTENV_TEST"); got != "from-file" {
		t.Errorf("env = %q", got)
	}
}
