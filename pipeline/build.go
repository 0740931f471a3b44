package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wbrown/corpus_shards/corpus"
	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/logger"
	"github.com/wbrown/corpus_shards/shard"
	"github.com/wbrown/corpus_shards/snapshot"
	"github.com/wbrown/corpus_shards/tokenizer"
	"github.com/wbrown/corpus_shards/types"
)

// Build turns the source corpus into one shard per split. Shards that are
// already complete are left alone; when all of them are, the source is not
// read at all.
func Build(ctx context.Context, opts Options) (*Report, error) {
	start := time.Now()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Holdouts == nil {
		opts.Holdouts = corpus.DefaultHoldouts
	}
	opts.Workers = ResolveWorkers(opts.Workers, 0)

	report := &Report{RunID: uuid.NewString()}
	l := logger.OrNop(opts.Logger).With(zap.String("run_id", report.RunID))

	if err := os.MkdirAll(opts.OutputDir, 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	pending := 0
	for _, name := range corpus.Names(opts.Holdouts) {
		path := ShardPath(opts.OutputDir, name)
		status, _, err := shard.Check(path, shard.CheckOptions{
			VerifyChecksum: opts.VerifyChecksum,
			Tokenizer:      opts.TokenizerID,
		})
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", path, err)
		}
		skip := opts.ExistingPolicy.Skip(status)
		report.Splits = append(report.Splits, SplitReport{
			Name:    name,
			Path:    path,
			Status:  status,
			Skipped: skip,
		})
		if skip {
			opts.Metrics.Skipped(name, status.String())
			l.Info("shard already exists, skipping",
				zap.String("split", name),
				zap.String("path", path),
				zap.Stringer("status", status))
		} else {
			pending++
		}
	}
	if pending == 0 {
		report.Duration = time.Since(start)
		l.Info("all shards complete, nothing to do")
		return report, nil
	}

	tok, err := opts.NewTokenizer()
	if err != nil {
		return nil, err
	}
	if err := tokenizer.CheckVocab(tok); err != nil {
		return nil, err
	}

	snap, cleanup, err := acquireSnapshot(ctx, &opts, tok, report, l)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	report.Documents = int64(snap.Len())
	report.Tokens = snap.Manifest().Tokens

	splits, err := corpus.Partition(snap.Len(), opts.Seed, opts.Holdouts)
	if err != nil {
		return nil, err
	}
	for i, split := range splits {
		sr := &report.Splits[i]
		if sr.Skipped {
			continue
		}
		if err := writeSplit(ctx, &opts, snap, split, sr, report.RunID, l); err != nil {
			return nil, err
		}
	}

	report.Duration = time.Since(start)
	l.Info("build complete",
		zap.String("documents", humanize.Comma(report.Documents)),
		zap.String("tokens", humanize.Comma(report.Tokens)),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// acquireSnapshot reuses the cached snapshot when allowed and valid, or
// tokenizes the source into a new one. The returned cleanup closes the
// snapshot and removes it if it was temporary.
func acquireSnapshot(
	ctx context.Context,
	opts *Options,
	tok tokenizer.Tokenizer,
	report *Report,
	l *zap.Logger,
) (*snapshot.Snapshot, func(), error) {
	if opts.Snapshot && snapshot.Exists(opts.SnapshotDir) {
		snap, err := snapshot.Open(opts.SnapshotDir, l)
		switch {
		case err != nil:
			l.Warn("cached snapshot unusable, retokenizing",
				zap.String("dir", opts.SnapshotDir), zap.Error(err))
		case opts.TokenizerID != "" && snap.Manifest().Tokenizer != opts.TokenizerID:
			l.Warn("cached snapshot built with another tokenizer, retokenizing",
				zap.String("dir", opts.SnapshotDir),
				zap.String("snapshot_tokenizer", snap.Manifest().Tokenizer),
				zap.String("tokenizer", opts.TokenizerID))
			_ = snap.Close()
		default:
			report.SnapshotReused = true
			opts.Metrics.Reused()
			return snap, func() { _ = snap.Close() }, nil
		}
	}

	if opts.Source == nil {
		return nil, nil, cerrors.NewConfigError("input",
			"a corpus source is required to tokenize")
	}

	dir := opts.SnapshotDir
	temporary := !opts.Snapshot
	if temporary {
		var err error
		if dir, err = os.MkdirTemp(opts.TempDir, "corpus-snapshot-*"); err != nil {
			return nil, nil, fmt.Errorf("create temp snapshot dir: %w", err)
		}
	}
	removeTemp := func() {
		if temporary {
			if err := os.RemoveAll(dir); err != nil {
				l.Warn("failed to remove temp snapshot", zap.String("dir", dir),
					zap.Error(err))
			}
		}
	}

	l.Info("tokenizing corpus",
		zap.Stringer("source", opts.Source),
		zap.Int("workers", opts.Workers),
		zap.String("snapshot_dir", dir))
	start := time.Now()

	w, err := snapshot.Create(dir)
	if err != nil {
		removeTemp()
		return nil, nil, err
	}
	if err := tokenizeInto(ctx, opts.Source, tok, opts.NewTokenizer,
		opts.Workers, w, opts.Metrics, l); err != nil {
		_ = w.Abort()
		removeTemp()
		return nil, nil, fmt.Errorf("tokenize: %w", err)
	}
	m, err := w.Close(snapshot.Manifest{
		Tokenizer: opts.TokenizerID,
		EndOfText: uint32(tok.EndOfText()),
		Source:    opts.Source.String(),
		RunID:     report.RunID,
	})
	if err != nil {
		removeTemp()
		return nil, nil, err
	}
	l.Info("tokenized corpus",
		zap.String("documents", humanize.Comma(m.Documents)),
		zap.String("tokens", humanize.Comma(m.Tokens)),
		zap.Duration("duration", time.Since(start)))

	snap, err := snapshot.Open(dir, l)
	if err != nil {
		removeTemp()
		return nil, nil, err
	}
	return snap, func() {
		_ = snap.Close()
		removeTemp()
	}, nil
}

// writeSplit writes the documents of split to its shard and records the
// manifest once the shard is synced.
func writeSplit(
	ctx context.Context,
	opts *Options,
	snap *snapshot.Snapshot,
	split corpus.Split,
	sr *SplitReport,
	runID string,
	l *zap.Logger,
) error {
	total := snap.TotalTokens(split.Indices)
	l.Info("writing shard",
		zap.String("split", split.Name),
		zap.String("path", sr.Path),
		zap.String("documents", humanize.Comma(int64(len(split.Indices)))),
		zap.String("size", humanize.Bytes(uint64(total*types.TokenSize))))

	if err := shard.RemoveManifest(sr.Path); err != nil {
		return fmt.Errorf("remove stale manifest: %w", err)
	}
	w, err := shard.Create(sr.Path, total, shard.WriterOptions{
		BatchSize: opts.BatchSize,
		BatchUnit: opts.BatchUnit,
		Recorder:  opts.Metrics.Split(split.Name),
		Logger:    l,
	})
	if err != nil {
		return fmt.Errorf("split %s: %w", split.Name, err)
	}

	for n, idx := range split.Indices {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				_ = w.Abort()
				return err
			}
		}
		ids, err := snap.Tokens(idx)
		if err != nil {
			_ = w.Abort()
			return fmt.Errorf("split %s: document %d: %w", split.Name, idx, err)
		}
		if err := w.Add(ids); err != nil {
			_ = w.Abort()
			return fmt.Errorf("split %s: %w", split.Name, err)
		}
	}
	sum, err := w.Close()
	if err != nil {
		return fmt.Errorf("split %s: %w", split.Name, err)
	}

	m := shard.NewManifest(split.Name, opts.TokenizerID, runID, sum)
	if err := shard.WriteManifest(sr.Path, m); err != nil {
		return fmt.Errorf("split %s: %w", split.Name, err)
	}

	sr.Documents = sum.Documents
	sr.Tokens = sum.Tokens
	sr.Checksum = m.Checksum
	l.Info("wrote shard",
		zap.String("split", split.Name),
		zap.String("tokens", humanize.Comma(sum.Tokens)),
		zap.String("checksum", m.Checksum))
	return nil
}
