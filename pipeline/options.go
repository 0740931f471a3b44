package pipeline

import (
	"math"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/wbrown/corpus_shards/corpus"
	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/metrics"
	"github.com/wbrown/corpus_shards/shard"
	"github.com/wbrown/corpus_shards/tokenizer"
)

// DefaultSeed seeds the split permutation when the caller has no
// preference.
const DefaultSeed int64 = 2357

// ShardExt is the extension of shard files.
const ShardExt = ".bin"

// Options configures a corpus build.
type Options struct {
	// Source yields the raw documents. It is not read when every shard is
	// already complete or a cached snapshot is reused.
	Source corpus.Source
	// NewTokenizer creates one tokenizer instance per worker.
	NewTokenizer func() (tokenizer.Tokenizer, error)
	// TokenizerID is recorded in manifests and compared on reuse.
	TokenizerID string

	OutputDir string
	Seed      int64
	Holdouts  []corpus.Holdout

	// Workers is the tokenize pool size; see ResolveWorkers.
	Workers int
	// BatchSize and BatchUnit control how often shard writes are issued.
	BatchSize int
	BatchUnit shard.BatchUnit

	// Snapshot keeps the tokenized snapshot in SnapshotDir between runs.
	// When false the snapshot lives in a temporary directory under TempDir
	// and is removed when Build returns.
	Snapshot    bool
	SnapshotDir string
	TempDir     string

	ExistingPolicy shard.Policy
	VerifyChecksum bool

	Metrics *metrics.Build
	Logger  *zap.Logger
}

// ShardPath returns the shard file for split under dir.
func ShardPath(dir, split string) string {
	return filepath.Join(dir, split+ShardExt)
}

func (o *Options) validate() error {
	if o.OutputDir == "" {
		return cerrors.NewConfigError("output", "output directory is required")
	}
	if o.NewTokenizer == nil {
		return cerrors.NewConfigError("tokenizer", "a tokenizer constructor is required")
	}
	if o.Snapshot && o.SnapshotDir == "" {
		return cerrors.NewConfigError("snapshot_dir",
			"a snapshot directory is required when snapshot caching is on")
	}
	if o.Workers < 0 {
		return cerrors.NewConfigError("workers", "must not be negative, got %d",
			o.Workers)
	}
	return nil
}

// ResolveWorkers picks the worker count: fixed when positive, otherwise
// fraction of the available cores when fraction is in (0, 1], otherwise
// one worker per core. The result is at least 1.
func ResolveWorkers(fixed int, fraction float64) int {
	cores := runtime.NumCPU()
	switch {
	case fixed > 0:
		return fixed
	case fraction > 0 && fraction <= 1:
		return max(1, int(math.Floor(fraction*float64(cores))))
	default:
		return max(1, cores)
	}
}

// SplitReport describes what happened to one split.
type SplitReport struct {
	Name      string
	Path      string
	Status    shard.Status // before the build
	Skipped   bool
	Documents int64
	Tokens    int64
	Checksum  string
}

// Report summarises a build.
type Report struct {
	RunID          string
	Documents      int64
	Tokens         int64
	SnapshotReused bool
	Splits         []SplitReport
	Duration       time.Duration
}

// Skipped reports whether the build left every shard untouched.
func (r *Report) Skipped() bool {
	for _, s := range r.Splits {
		if !s.Skipped {
			return false
		}
	}
	return true
}
