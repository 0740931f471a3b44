package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/wbrown/corpus_shards/corpus"
	"github.com/wbrown/corpus_shards/internal/config"
	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/logger"
	"github.com/wbrown/corpus_shards/internal/metrics"
	"github.com/wbrown/corpus_shards/pipeline"
	"github.com/wbrown/corpus_shards/shard"
	"github.com/wbrown/corpus_shards/tokenizer"
)

// cliFlags holds the command line. Only flags given explicitly override
// the config file.
type cliFlags struct {
	configPath     *string
	input          *string
	output         *string
	tokenizerID    *string
	seed           *int64
	valFraction    *float64
	workers        *int
	workerFraction *float64
	batchSize      *int
	batchUnit      *string
	snapshot       *bool
	snapshotDir    *string
	tmpDir         *string
	cacheDir       *string
	hubToken       *string
	maxFiles       *int
	sanitize       *bool
	trustExisting  *bool
	verifyChecksum *bool
	metricsAddr    *string
	env            *string
	logLevel       *string
}

func newFlags(fs *flag.FlagSet) *cliFlags {
	return &cliFlags{
		configPath: fs.String("config", "",
			"YAML config file; flags given explicitly override it"),
		input: fs.String("input", "",
			"corpus source: local file or directory, s3://bucket/prefix "+
				"or hf://org/dataset[/config[/split]]"),
		output: fs.String("output", "",
			"output directory for <split>.bin shards"),
		tokenizerID: fs.String("tokenizer", "gpt2",
			"tokenizer to use [gpt2, pile, bytes, huggingface-id]"),
		seed: fs.Int64("seed", config.DefaultSeed,
			"seed for the deterministic train/val split"),
		valFraction: fs.Float64("val_fraction", 0.0005,
			"fraction of documents held out for the val split"),
		workers: fs.Int("workers", 0,
			"tokenizer workers; 0 uses -worker_fraction or every core"),
		workerFraction: fs.Float64("worker_fraction", 0,
			"fraction of cores to use for tokenizing, in (0, 1]"),
		batchSize: fs.Int("batch_size", shard.DefaultBatchSize,
			"write batch size, see -batch_unit"),
		batchUnit: fs.String("batch_unit", "documents",
			"unit of -batch_size [documents, tokens]"),
		snapshot: fs.Bool("snapshot", false,
			"keep the tokenized snapshot between runs"),
		snapshotDir: fs.String("snapshot_dir", "",
			"snapshot directory, defaults to <output>/snapshot"),
		tmpDir: fs.String("tmp_dir", "",
			"directory for temporary snapshots when -snapshot is off"),
		cacheDir: fs.String("cache_dir", "",
			"download cache for hf:// sources"),
		hubToken: fs.String("hub_token", "",
			"bearer token for hf:// sources"),
		maxFiles: fs.Int("max_files", 0,
			"read at most this many source files, 0 for all"),
		sanitize: fs.Bool("sanitize", false,
			"sanitize inputs of whitespace issues"),
		trustExisting: fs.Bool("trust_existing", false,
			"treat any existing shard as complete, even without a manifest"),
		verifyChecksum: fs.Bool("verify_checksum", false,
			"recompute shard checksums before trusting a manifest"),
		metricsAddr: fs.String("metrics_addr", "",
			"serve prometheus metrics on this address, e.g. :9100"),
		env: fs.String("env", "",
			"logging environment [local, dev, prod]"),
		logLevel: fs.String("log_level", "",
			"log level [debug, info, warn, error]"),
	}
}

// apply copies every explicitly set flag into cfg.
func (f *cliFlags) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "input":
			cfg.Corpus.Input = *f.input
		case "output":
			cfg.Build.OutputDir = *f.output
		case "tokenizer":
			cfg.Tokenizer.ID = *f.tokenizerID
		case "seed":
			cfg.Split.Seed = f.seed
		case "val_fraction":
			cfg.Split.Holdouts = []config.HoldoutConfig{
				{Name: "val", Fraction: *f.valFraction}}
		case "workers":
			cfg.Build.Workers = *f.workers
		case "worker_fraction":
			cfg.Build.WorkerFraction = *f.workerFraction
		case "batch_size":
			cfg.Build.BatchSize = *f.batchSize
		case "batch_unit":
			cfg.Build.BatchUnit = *f.batchUnit
		case "snapshot":
			cfg.Build.Snapshot = *f.snapshot
		case "snapshot_dir":
			cfg.Build.SnapshotDir = *f.snapshotDir
		case "tmp_dir":
			cfg.Build.TempDir = *f.tmpDir
		case "cache_dir":
			cfg.Corpus.CacheDir = *f.cacheDir
		case "hub_token":
			cfg.Corpus.HubToken = *f.hubToken
		case "max_files":
			cfg.Corpus.MaxFiles = *f.maxFiles
		case "sanitize":
			cfg.Corpus.Sanitize = *f.sanitize
		case "trust_existing":
			if *f.trustExisting {
				cfg.Build.ExistingPolicy = "trust"
			} else {
				cfg.Build.ExistingPolicy = "verify"
			}
		case "verify_checksum":
			cfg.Build.VerifyChecksum = *f.verifyChecksum
		case "metrics_addr":
			cfg.Metrics.Addr = *f.metricsAddr
		case "env":
			cfg.Logging.Env = *f.env
		case "log_level":
			cfg.Logging.Level = *f.logLevel
		}
	})
}

func loadConfig(fs *flag.FlagSet, args []string) (config.Config, error) {
	f := newFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	f.apply(fs, &cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid flags: %w", err)
	}
	if cfg.Corpus.Input == "" {
		return config.Config{}, cerrors.NewConfigError("input",
			"must provide -input or corpus.input")
	}
	return cfg, nil
}

func buildOptions(cfg config.Config, l *zap.Logger) (pipeline.Options, error) {
	unit, err := shard.ParseBatchUnit(cfg.Build.BatchUnit)
	if err != nil {
		return pipeline.Options{}, err
	}
	policy, err := shard.ParsePolicy(cfg.Build.ExistingPolicy)
	if err != nil {
		return pipeline.Options{}, err
	}
	src, err := corpus.Open(cfg.Corpus.Input, corpus.SourceOptions{
		Sanitize:   cfg.Corpus.Sanitize,
		CacheDir:   cfg.Corpus.CacheDir,
		HubToken:   cfg.Corpus.HubToken,
		MaxFiles:   cfg.Corpus.MaxFiles,
		S3Region:   cfg.Corpus.Region,
		S3Endpoint: cfg.Corpus.Endpoint,
		Logger:     l,
	})
	if err != nil {
		return pipeline.Options{}, err
	}
	newTok, err := tokenizer.Factory(cfg.Tokenizer.ID)
	if err != nil {
		return pipeline.Options{}, err
	}

	holdouts := make([]corpus.Holdout, len(cfg.Split.Holdouts))
	for i, h := range cfg.Split.Holdouts {
		holdouts[i] = corpus.Holdout{Name: h.Name, Fraction: h.Fraction}
	}

	return pipeline.Options{
		Source:         src,
		NewTokenizer:   newTok,
		TokenizerID:    cfg.Tokenizer.ID,
		OutputDir:      cfg.Build.OutputDir,
		Seed:           *cfg.Split.Seed,
		Holdouts:       holdouts,
		Workers:        pipeline.ResolveWorkers(cfg.Build.Workers, cfg.Build.WorkerFraction),
		BatchSize:      cfg.Build.BatchSize,
		BatchUnit:      unit,
		Snapshot:       cfg.Build.Snapshot,
		SnapshotDir:    cfg.Build.SnapshotDir,
		TempDir:        cfg.Build.TempDir,
		ExistingPolicy: policy,
		VerifyChecksum: cfg.Build.VerifyChecksum,
		Logger:         l,
	}, nil
}

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		flag.Usage()
		log.Fatal(err)
	}

	l, err := logger.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.ContextWithLogger(ctx, l)

	opts, err := buildOptions(cfg, l)
	if err != nil {
		l.Fatal("invalid build options", zap.Error(err),
			zap.String("code", string(cerrors.Classify(err))))
	}

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Metrics = metrics.NewBuild(reg)
		metrics.Serve(ctx, cfg.Metrics.Addr, reg, l)
	}

	l.Info("building corpus",
		zap.String("input", cfg.Corpus.Input),
		zap.String("output", cfg.Build.OutputDir),
		zap.String("tokenizer", cfg.Tokenizer.ID),
		zap.Int64("seed", opts.Seed),
		zap.Int("workers", opts.Workers),
		zap.Int("batch_size", opts.BatchSize),
		zap.Stringer("batch_unit", opts.BatchUnit),
		zap.Bool("snapshot", opts.Snapshot),
		zap.Stringer("existing_policy", opts.ExistingPolicy))

	report, err := pipeline.Build(ctx, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			l.Warn("build interrupted; incomplete shards will be rebuilt on the next run")
			os.Exit(130)
		}
		l.Fatal("build failed", zap.Error(err),
			zap.String("code", string(cerrors.Classify(err))))
	}

	for _, s := range report.Splits {
		if s.Skipped {
			l.Info("split skipped", zap.String("split", s.Name),
				zap.Stringer("status", s.Status))
			continue
		}
		l.Info("split written",
			zap.String("split", s.Name),
			zap.String("path", s.Path),
			zap.String("documents", humanize.Comma(s.Documents)),
			zap.String("tokens", humanize.Comma(s.Tokens)),
			zap.String("checksum", s.Checksum))
	}
	if report.Duration > 0 && report.Tokens > 0 {
		l.Info("throughput",
			zap.String("tokens_per_second", humanize.Commaf(
				float64(report.Tokens)/report.Duration.Seconds())))
	}
}
