package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
)

// Config holds the corpus builder and scanner configuration.
type Config struct {
	Corpus    CorpusConfig    `yaml:"corpus"`
	Split     SplitConfig     `yaml:"split"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	Build     BuildConfig     `yaml:"build"`
	Scan      ScanConfig      `yaml:"scan"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// CorpusConfig describes where raw documents come from.
type CorpusConfig struct {
	Input    string `yaml:"input"` // local path, s3://bucket/prefix or hf://org/dataset
	Sanitize bool   `yaml:"sanitize"`
	CacheDir string `yaml:"cache_dir"` // hub download cache
	HubToken string `yaml:"hub_token"`
	MaxFiles int    `yaml:"max_files"` // 0 = all
	Region   string `yaml:"s3_region"`
	Endpoint string `yaml:"s3_endpoint"`
}

// HoldoutConfig names a holdout split and its fraction of the corpus.
type HoldoutConfig struct {
	Name     string  `yaml:"name"`
	Fraction float64 `yaml:"fraction"`
}

// SplitConfig holds the deterministic split settings.
type SplitConfig struct {
	Seed     *int64          `yaml:"seed"`
	Holdouts []HoldoutConfig `yaml:"holdouts"`
}

// TokenizerConfig selects the tokenizer.
type TokenizerConfig struct {
	ID string `yaml:"id"` // gpt2, pile, bytes, ...
}

// BuildConfig holds shard build settings.
type BuildConfig struct {
	OutputDir      string  `yaml:"output_dir"`
	Workers        int     `yaml:"workers"`
	WorkerFraction float64 `yaml:"worker_fraction"`
	BatchSize      int     `yaml:"batch_size"`
	BatchUnit      string  `yaml:"batch_unit"` // documents, tokens
	Snapshot       bool    `yaml:"snapshot"`
	SnapshotDir    string  `yaml:"snapshot_dir"`
	TempDir        string  `yaml:"tmp_dir"`
	ExistingPolicy string  `yaml:"existing_policy"` // verify, trust
	VerifyChecksum bool    `yaml:"verify_checksum"`
}

// ScanConfig holds pattern scanner settings.
type ScanConfig struct {
	Workers        int  `yaml:"workers"`
	EarlyExit      bool `yaml:"early_exit"`
	PollIntervalMs int  `yaml:"poll_interval_ms"`
	Context        *int `yaml:"context"` // tokens either side; nil = 50
	CacheSize      int  `yaml:"cache_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Env   string `yaml:"env"`   // prod, dev, local (default: local)
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// MetricsConfig holds the optional scrape endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// DefaultSeed is the split seed used when none is configured.
const DefaultSeed int64 = 2357

// DefaultContext is the inspection context width, in tokens either side.
const DefaultContext = 50

// Load reads configuration from a YAML file. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		// Substitute env variables of the form ${VAR}
		data = expandEnvVars(data)

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Split.Seed == nil {
		seed := DefaultSeed
		c.Split.Seed = &seed
	}
	if len(c.Split.Holdouts) == 0 {
		c.Split.Holdouts = []HoldoutConfig{{Name: "val", Fraction: 0.0005}}
	}
	if c.Tokenizer.ID == "" {
		c.Tokenizer.ID = "gpt2"
	}
	if c.Build.OutputDir == "" {
		c.Build.OutputDir = "."
	}
	if c.Build.BatchSize <= 0 {
		c.Build.BatchSize = 1024
	}
	if c.Build.BatchUnit == "" {
		c.Build.BatchUnit = "documents"
	}
	if c.Build.ExistingPolicy == "" {
		c.Build.ExistingPolicy = "verify"
	}
	if c.Build.Snapshot && c.Build.SnapshotDir == "" {
		c.Build.SnapshotDir = filepath.Join(c.Build.OutputDir, "snapshot")
	}
	if c.Scan.PollIntervalMs <= 0 {
		c.Scan.PollIntervalMs = 100
	}
	if c.Scan.Context == nil {
		width := DefaultContext
		c.Scan.Context = &width
	}
	if c.Scan.CacheSize <= 0 {
		c.Scan.CacheSize = 256
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "local"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Split.Holdouts))
	var total float64
	for _, h := range c.Split.Holdouts {
		if h.Name == "" {
			return cerrors.NewConfigError("split.holdouts", "holdout name is required")
		}
		if h.Name == "train" {
			return cerrors.NewConfigError("split.holdouts",
				"holdout may not be named %q", h.Name)
		}
		if seen[h.Name] {
			return cerrors.NewConfigError("split.holdouts",
				"duplicate holdout %q", h.Name)
		}
		seen[h.Name] = true
		if h.Fraction <= 0 || h.Fraction >= 1 {
			return cerrors.NewConfigError("split.holdouts",
				"fraction for %q must be in (0, 1), got %g", h.Name, h.Fraction)
		}
		total += h.Fraction
	}
	if total >= 1 {
		return cerrors.NewConfigError("split.holdouts",
			"holdout fractions sum to %g, leaving nothing for train", total)
	}
	if c.Build.Workers < 0 {
		return cerrors.NewConfigError("build.workers",
			"must not be negative, got %d", c.Build.Workers)
	}
	if c.Build.WorkerFraction < 0 || c.Build.WorkerFraction > 1 {
		return cerrors.NewConfigError("build.worker_fraction",
			"must be in [0, 1], got %g", c.Build.WorkerFraction)
	}
	switch c.Build.BatchUnit {
	case "documents", "tokens":
	default:
		return cerrors.NewConfigError("build.batch_unit",
			"must be \"documents\" or \"tokens\", got %q", c.Build.BatchUnit)
	}
	switch c.Build.ExistingPolicy {
	case "verify", "trust":
	default:
		return cerrors.NewConfigError("build.existing_policy",
			"must be \"verify\" or \"trust\", got %q", c.Build.ExistingPolicy)
	}
	if c.Scan.Workers < 0 {
		return cerrors.NewConfigError("scan.workers",
			"must not be negative, got %d", c.Scan.Workers)
	}
	if c.Scan.Context != nil && *c.Scan.Context < 0 {
		return cerrors.NewConfigError("scan.context",
			"must not be negative, got %d", *c.Scan.Context)
	}
	if c.Corpus.MaxFiles < 0 {
		return cerrors.NewConfigError("corpus.max_files",
			"must not be negative, got %d", c.Corpus.MaxFiles)
	}
	switch c.Logging.Env {
	case "prod", "dev", "local":
	default:
		return cerrors.NewConfigError("logging.env",
			"must be prod, dev or local, got %q", c.Logging.Env)
	}
	return nil
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
