package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wbrown/corpus_shards/inspect"
	"github.com/wbrown/corpus_shards/internal/config"
	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/logger"
	"github.com/wbrown/corpus_shards/internal/metrics"
	"github.com/wbrown/corpus_shards/scan"
	"github.com/wbrown/corpus_shards/shard"
	"github.com/wbrown/corpus_shards/tokenizer"
	"github.com/wbrown/corpus_shards/types"
)

// defaultSearch is the degenerate sequence looked for when no pattern is
// given.
var defaultSearch = strings.Repeat("!", 100)

type scanFlags struct {
	configPath  *string
	search      *string
	tokens      *string
	inspectAt   *string
	context     *int
	workers     *int
	earlyExit   *bool
	all         *bool
	tokenizerID *string
	pollMs      *int
	metricsAddr *string
	env         *string
	logLevel    *string
}

func newFlags(fs *flag.FlagSet) *scanFlags {
	return &scanFlags{
		configPath: fs.String("config", "",
			"YAML config file; flags given explicitly override it"),
		search: fs.String("search", defaultSearch,
			"text to search for, encoded with -tokenizer"),
		tokens: fs.String("tokens", "",
			"comma separated token ids to search for instead of -search"),
		inspectAt: fs.String("inspect", "",
			"comma separated token offsets to decode instead of searching"),
		context: fs.Int("context", config.DefaultContext,
			"tokens of context to show on either side"),
		workers: fs.Int("workers", 0,
			"scan workers, 0 for one per core"),
		earlyExit: fs.Bool("early_exit", false,
			"stop at the first match any worker finds instead of the leftmost"),
		all: fs.Bool("all", false,
			"list every match offset"),
		tokenizerID: fs.String("tokenizer", "gpt2",
			"tokenizer the shard was written with [gpt2, pile, bytes, huggingface-id]"),
		pollMs: fs.Int("poll_ms", 0,
			"progress poll interval in milliseconds"),
		metricsAddr: fs.String("metrics_addr", "",
			"serve prometheus metrics on this address while scanning"),
		env: fs.String("env", "",
			"logging environment [local, dev, prod]"),
		logLevel: fs.String("log_level", "",
			"log level [debug, info, warn, error]"),
	}
}

func (f *scanFlags) apply(fs *flag.FlagSet, cfg *config.Config) {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "context":
			cfg.Scan.Context = f.context
		case "workers":
			cfg.Scan.Workers = *f.workers
		case "early_exit":
			cfg.Scan.EarlyExit = *f.earlyExit
		case "tokenizer":
			cfg.Tokenizer.ID = *f.tokenizerID
		case "poll_ms":
			cfg.Scan.PollIntervalMs = *f.pollMs
		case "metrics_addr":
			cfg.Metrics.Addr = *f.metricsAddr
		case "env":
			cfg.Logging.Env = *f.env
		case "log_level":
			cfg.Logging.Level = *f.logLevel
		}
	})
}

// scanner carries one invocation's resolved settings and outputs.
type scanner struct {
	cfg     config.Config
	path    string
	out     io.Writer
	errOut  io.Writer
	logger  *zap.Logger
	metrics *metrics.Scan
}

// run executes the command line in args and returns the process exit code.
func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("shard_scanner", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.Usage = func() {
		fmt.Fprintf(errOut, "usage: shard_scanner [flags] <shard.bin>\n")
		fs.PrintDefaults()
	}
	f := newFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*f.configPath)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 2
	}
	f.apply(fs, &cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 2
	}

	l, err := logger.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = l.Sync() }()

	s := &scanner{
		cfg:    cfg,
		path:   fs.Arg(0),
		out:    out,
		errOut: errOut,
		logger: l,
	}
	if _, err := os.Stat(s.path); err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", &cerrors.NotFoundError{Path: s.path})
		return 1
	}

	tok, err := tokenizer.Cached(cfg.Tokenizer.ID)
	if err != nil {
		fmt.Fprintf(errOut, "Error: %v\n", err)
		return 1
	}

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		s.metrics = metrics.NewScan(reg)
		metrics.Serve(ctx, cfg.Metrics.Addr, reg, l)
	}

	if *f.inspectAt != "" {
		offsets, err := types.ParseOffsets(*f.inspectAt)
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return 2
		}
		return s.inspect(offsets, tok)
	}

	pattern := tok.Encode(*f.search)
	if *f.tokens != "" {
		if pattern, err = types.ParseTokens(*f.tokens); err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return 2
		}
	}
	if *f.all {
		return s.findAll(ctx, pattern)
	}
	return s.findFirst(ctx, pattern, tok)
}

func (s *scanner) inspect(offsets []int64, tok tokenizer.Tokenizer) int {
	r, err := shard.Open(s.path)
	if err != nil {
		fmt.Fprintf(s.errOut, "Error: %v\n", err)
		return 1
	}
	defer r.Close()

	in, err := inspect.New(r, tok, s.cfg.Scan.CacheSize)
	if err != nil {
		fmt.Fprintf(s.errOut, "Error: %v\n", err)
		return 1
	}
	code := 0
	for _, item := range in.Batch(offsets, *s.cfg.Scan.Context) {
		if item.Err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", item.Err)
			code = 1
			continue
		}
		fmt.Fprintf(s.out,
			"--- Inspecting index %d with context window %d ---\n",
			item.Offset, *s.cfg.Scan.Context)
		fmt.Fprintf(s.out, "%s\n--- END INSPECTION ---\n", item.Window.Text)
	}
	return code
}

func (s *scanner) options() scan.Options {
	workers := s.cfg.Scan.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	return scan.Options{
		Workers:      workers,
		EarlyExit:    s.cfg.Scan.EarlyExit,
		PollInterval: time.Duration(s.cfg.Scan.PollIntervalMs) * time.Millisecond,
		Progress: func(done, total int64) {
			fmt.Fprintf(s.errOut, "\rScanned ~%s / %s tokens",
				humanize.Comma(done), humanize.Comma(total))
		},
		Metrics: s.metrics,
		Logger:  s.logger,
	}
}

// scanError reports err and maps it to an exit code.
func (s *scanner) scanError(err error) int {
	if errors.Is(err, cerrors.ErrInterrupted) {
		fmt.Fprintln(s.errOut, "\nScan interrupted.")
		return 130
	}
	fmt.Fprintf(s.errOut, "Error: %v\n", err)
	return 1
}

func (s *scanner) findFirst(ctx context.Context, pattern types.Tokens,
	tok tokenizer.Tokenizer) int {
	res, err := scan.FindFirst(ctx, s.path, pattern, s.options())
	fmt.Fprintln(s.errOut)
	if err != nil {
		return s.scanError(err)
	}
	if res.FailedChunks > 0 {
		fmt.Fprintf(s.errOut,
			"Warning: %d of %d chunks failed; the result may be incomplete.\n",
			res.FailedChunks, res.Chunks)
	}
	if !res.Found {
		fmt.Fprintf(s.out, "Sequence %v not found in the dataset.\n", pattern)
		return 0
	}

	r, err := shard.Open(s.path)
	if err != nil {
		fmt.Fprintf(s.errOut, "Error: %v\n", err)
		return 1
	}
	defer r.Close()
	in, err := inspect.New(r, tok, s.cfg.Scan.CacheSize)
	if err != nil {
		fmt.Fprintf(s.errOut, "Error: %v\n", err)
		return 1
	}
	runLen := scan.RunLength(r, res.Offset, pattern)
	report, err := in.DescribeRun(res.Offset, runLen, *s.cfg.Scan.Context)
	if err != nil {
		fmt.Fprintf(s.errOut, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(s.out, "Found sequence at token offset %d (run of %d tokens, scanned in %s).\n",
		report.Offset, report.RunLength, res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(s.out, "--- BEFORE [%d, %d) ---\n%s\n",
		report.Before.Start, report.Before.End, report.Before.Text)
	fmt.Fprintf(s.out, "--- RUN [%d, %d) ---\n%s\n",
		report.Run.Start, report.Run.End, report.Run.Text)
	fmt.Fprintf(s.out, "--- AFTER [%d, %d) ---\n%s\n",
		report.After.Start, report.After.End, report.After.Text)
	return 0
}

func (s *scanner) findAll(ctx context.Context, pattern types.Tokens) int {
	offsets, err := scan.FindAll(ctx, s.path, pattern, s.options())
	if err != nil {
		return s.scanError(err)
	}
	for _, off := range offsets {
		fmt.Fprintln(s.out, off)
	}
	fmt.Fprintf(s.errOut, "%d matches\n", len(offsets))
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
