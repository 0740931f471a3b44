package scan

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/logger"
	"github.com/wbrown/corpus_shards/internal/metrics"
	"github.com/wbrown/corpus_shards/shard"
	"github.com/wbrown/corpus_shards/types"
)

// DefaultPollInterval is how often the coordinator refreshes progress.
const DefaultPollInterval = 100 * time.Millisecond

// mapping is the read-only view of a shard that one worker scans.
type mapping interface {
	Len() int64
	Bytes() []byte
	Close() error
}

// openShard maps a shard for one worker.
var openShard = func(path string) (mapping, error) {
	return shard.Open(path)
}

// Options configures a scan.
type Options struct {
	// Workers is the number of parallel chunks; 0 means one.
	Workers int
	// EarlyExit returns the first match any worker reports and cancels the
	// rest. The result is a match but not necessarily the leftmost one.
	EarlyExit bool
	// PollInterval paces progress updates.
	PollInterval time.Duration
	// Progress receives a heuristic estimate of tokens scanned. It is for
	// display only.
	Progress func(done, total int64)

	Metrics *metrics.Scan
	Logger  *zap.Logger
}

// Result is the outcome of FindFirst.
type Result struct {
	Offset int64
	Found  bool
	// Reported holds the first match of every chunk that had one, sorted.
	Reported []int64
	// FailedChunks counts workers that could not search their chunk. A
	// scan with failed chunks may miss matches.
	FailedChunks int
	Chunks       int
	Total        int64
	Elapsed      time.Duration
}

type outcome struct {
	chunk  Chunk
	offset int64
	found  bool
	err    error
}

func checkPattern(pattern types.Tokens) ([]byte, error) {
	if len(pattern) == 0 {
		return nil, cerrors.NewConfigError("pattern", "search pattern is empty")
	}
	pat, err := pattern.ToBinUint16()
	if err != nil {
		return nil, cerrors.NewConfigError("pattern", "%v", err)
	}
	return pat, nil
}

func shardLength(path string) (int64, error) {
	r, err := openShard(path)
	if err != nil {
		return 0, err
	}
	n := r.Len()
	return n, r.Close()
}

// FindFirst searches the shard at path for pattern with parallel workers.
// By default every worker runs to completion and the smallest reported
// offset wins, which is the leftmost match in the shard. Cancelling ctx
// stops all workers and returns ErrInterrupted.
func FindFirst(ctx context.Context, path string, pattern types.Tokens,
	opts Options) (Result, error) {
	start := time.Now()
	l := logger.OrNop(opts.Logger)
	pat, err := checkPattern(pattern)
	if err != nil {
		return Result{}, err
	}
	total, err := shardLength(path)
	if err != nil {
		return Result{}, err
	}
	res := Result{Total: total}
	if total < int64(len(pattern)) {
		return res, nil
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	chunks := Plan(total, opts.Workers, len(pattern))
	res.Chunks = len(chunks)
	l.Info("scanning shard",
		zap.String("path", path),
		zap.String("tokens", humanize.Comma(total)),
		zap.Int("workers", len(chunks)),
		zap.Int("pattern_len", len(pattern)),
		zap.Bool("early_exit", opts.EarlyExit))

	workCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		opts.Metrics.Observe(time.Since(start))
	}()

	outcomes := make(chan outcome, len(chunks))
	for _, c := range chunks {
		wg.Add(1)
		go func(c Chunk) {
			defer wg.Done()
			outcomes <- searchChunk(workCtx, path, pat, c)
		}(c)
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	step := max(chunks[0].Size/10, 1)
	var estimate int64

	pending := len(chunks)
	for pending > 0 {
		select {
		case <-ctx.Done():
			pending = 0

		case o := <-outcomes:
			pending--
			switch {
			case o.err != nil && errors.Is(o.err, context.Canceled):
				opts.Metrics.Chunk("cancelled")
			case o.err != nil:
				res.FailedChunks++
				opts.Metrics.Chunk("failed")
				l.Error("scan worker failed",
					zap.Int("chunk", o.chunk.Index),
					zap.Int64("chunk_start", o.chunk.Start),
					zap.Error(o.err))
			case o.found:
				opts.Metrics.Chunk("match")
				res.Reported = append(res.Reported, o.offset)
				if !res.Found || o.offset < res.Offset {
					res.Offset, res.Found = o.offset, true
				}
				if opts.EarlyExit {
					pending = 0
				}
			default:
				opts.Metrics.Chunk("miss")
			}

		case <-ticker.C:
			estimate = min(estimate+step*int64(len(chunks)), total)
			opts.Metrics.Progress(estimate)
			if opts.Progress != nil {
				opts.Progress(estimate, total)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		l.Warn("scan interrupted", zap.String("path", path))
		return Result{}, fmt.Errorf("%w: %w", cerrors.ErrInterrupted, err)
	}

	slices.Sort(res.Reported)
	res.Elapsed = time.Since(start)
	if opts.Progress != nil {
		opts.Progress(total, total)
	}
	l.Info("scan finished",
		zap.Bool("found", res.Found),
		zap.Int64("offset", res.Offset),
		zap.Int("failed_chunks", res.FailedChunks),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// searchChunk runs in its own goroutine with its own mapping of the shard.
func searchChunk(ctx context.Context, path string, pat []byte, c Chunk) outcome {
	o := outcome{chunk: c}
	r, err := openShard(path)
	if err != nil {
		o.err = &cerrors.WorkerError{ChunkStart: c.Start, Err: err}
		return o
	}
	defer func() { _ = r.Close() }()
	if r.Len() < c.End {
		o.err = &cerrors.WorkerError{ChunkStart: c.Start,
			Err: fmt.Errorf("shard shrank to %d tokens", r.Len())}
		return o
	}

	o.offset, o.found, err = findInWindow(ctx, r.Bytes(), pat, c.Start,
		c.OwnedEnd(), c.End)
	if err != nil {
		o.err = err
	}
	return o
}

// FindAll returns every match offset in the shard, in ascending order.
// Overlapping matches are all reported.
func FindAll(ctx context.Context, path string, pattern types.Tokens,
	opts Options) ([]int64, error) {
	pat, err := checkPattern(pattern)
	if err != nil {
		return nil, err
	}
	total, err := shardLength(path)
	if err != nil {
		return nil, err
	}
	chunks := Plan(total, opts.Workers, len(pattern))

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make([][]int64, len(chunks))
	errs := make([]error, len(chunks))
	var wg sync.WaitGroup
	for _, c := range chunks {
		wg.Add(1)
		go func(c Chunk) {
			defer wg.Done()
			found[c.Index], errs[c.Index] = findAllInChunk(workCtx, path, pat, c)
			if errs[c.Index] != nil {
				cancel()
			}
		}(c)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", cerrors.ErrInterrupted, err)
	}
	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return nil, err
		}
	}

	var all []int64
	for _, f := range found {
		all = append(all, f...)
	}
	return all, nil
}

func findAllInChunk(ctx context.Context, path string, pat []byte,
	c Chunk) ([]int64, error) {
	r, err := openShard(path)
	if err != nil {
		return nil, &cerrors.WorkerError{ChunkStart: c.Start, Err: err}
	}
	defer func() { _ = r.Close() }()

	var offsets []int64
	from := c.Start
	for from < c.OwnedEnd() {
		off, ok, err := findInWindow(ctx, r.Bytes(), pat, from, c.OwnedEnd(), c.End)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		offsets = append(offsets, off)
		from = off + 1
	}
	return offsets, nil
}
