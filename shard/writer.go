package shard

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/logger"
	"github.com/wbrown/corpus_shards/internal/metrics"
	"github.com/wbrown/corpus_shards/types"
)

// BatchUnit selects what BatchSize counts.
type BatchUnit int

const (
	// BatchDocuments flushes after BatchSize documents.
	BatchDocuments BatchUnit = iota
	// BatchTokens flushes once BatchSize tokens are pending.
	BatchTokens
)

func (u BatchUnit) String() string {
	if u == BatchTokens {
		return "tokens"
	}
	return "documents"
}

// ParseBatchUnit parses "documents" or "tokens".
func ParseBatchUnit(s string) (BatchUnit, error) {
	switch s {
	case "documents", "":
		return BatchDocuments, nil
	case "tokens":
		return BatchTokens, nil
	}
	return 0, cerrors.NewConfigError("batch_unit",
		"must be \"documents\" or \"tokens\", got %q", s)
}

// DefaultBatchSize is the number of documents per write when unset.
const DefaultBatchSize = 1024

// WriterOptions configures batching for a Writer.
type WriterOptions struct {
	BatchSize int
	BatchUnit BatchUnit
	Recorder  *metrics.SplitRecorder
	Logger    *zap.Logger
}

// Summary describes a fully written shard.
type Summary struct {
	Tokens    int64
	Bytes     int64
	Documents int64
	Checksum  uint64
}

// Writer fills a preallocated shard file front to back. It is not safe for
// concurrent use.
type Writer struct {
	path    string
	file    *os.File
	total   int64
	cursor  int64
	docs    int64
	digest  *xxhash.Digest
	pending []types.Tokens
	pendTok int
	opts    WriterOptions
	buf     []byte
	closed  bool
}

// Create creates (or truncates) the shard at path and preallocates it to
// hold exactly total tokens.
func Create(path string, total int64, opts WriterOptions) (*Writer, error) {
	if total < 0 {
		return nil, fmt.Errorf("negative shard length %d", total)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	opts.Logger = logger.OrNop(opts.Logger)

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Clean(path),
		os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create shard: %w", err)
	}
	if err := f.Truncate(total * types.TokenSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("preallocate %s: %w", path, cerrors.WrapIO(err))
	}

	opts.Logger.Debug("preallocated shard",
		zap.String("path", path),
		zap.Int64("tokens", total),
		zap.String("size", humanize.Bytes(uint64(total*types.TokenSize))))

	return &Writer{
		path:   path,
		file:   f,
		total:  total,
		digest: xxhash.New(),
		opts:   opts,
	}, nil
}

// Cursor returns the number of tokens already written to the file.
func (w *Writer) Cursor() int64 {
	return w.cursor
}

// Add queues one document's tokens, end-of-text included, and flushes when
// the batch threshold is reached.
func (w *Writer) Add(tokens types.Tokens) error {
	if w.closed {
		return fmt.Errorf("%s: write after close", w.path)
	}
	if w.cursor+int64(w.pendTok)+int64(len(tokens)) > w.total {
		return &cerrors.SizeMismatchError{
			Path:     w.path,
			Expected: w.total,
			Actual:   w.cursor + int64(w.pendTok) + int64(len(tokens)),
		}
	}
	w.pending = append(w.pending, tokens)
	w.pendTok += len(tokens)

	var full bool
	switch w.opts.BatchUnit {
	case BatchTokens:
		full = w.pendTok >= w.opts.BatchSize
	default:
		full = len(w.pending) >= w.opts.BatchSize
	}
	if full {
		return w.Flush()
	}
	return nil
}

// Flush concatenates the pending documents and writes them at the cursor
// in a single positional write.
func (w *Writer) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	start := time.Now()

	size := w.pendTok * types.TokenSize
	if cap(w.buf) < size {
		w.buf = make([]byte, size)
	}
	buf := w.buf[:size]
	off := 0
	for _, doc := range w.pending {
		if err := doc.PutUint16(buf[off:]); err != nil {
			return fmt.Errorf("%s: %w", w.path, err)
		}
		off += len(doc) * types.TokenSize
	}

	if _, err := w.file.WriteAt(buf, w.cursor*types.TokenSize); err != nil {
		return fmt.Errorf("write %s at token %d: %w", w.path, w.cursor,
			cerrors.WrapIO(err))
	}
	_, _ = w.digest.Write(buf)

	w.cursor += int64(w.pendTok)
	w.docs += int64(len(w.pending))
	w.opts.Recorder.Flushed(w.pendTok, time.Since(start))

	clear(w.pending)
	w.pending = w.pending[:0]
	w.pendTok = 0
	return nil
}

// Close flushes the trailing batch, checks that the file was filled
// exactly and syncs it to disk.
func (w *Writer) Close() (Summary, error) {
	if w.closed {
		return Summary{}, fmt.Errorf("%s: already closed", w.path)
	}
	if err := w.Flush(); err != nil {
		_ = w.Abort()
		return Summary{}, err
	}
	w.closed = true
	if w.cursor != w.total {
		_ = w.file.Close()
		return Summary{}, &cerrors.SizeMismatchError{
			Path:     w.path,
			Expected: w.total,
			Actual:   w.cursor,
		}
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return Summary{}, fmt.Errorf("sync %s: %w", w.path, cerrors.WrapIO(err))
	}
	if err := w.file.Close(); err != nil {
		return Summary{}, fmt.Errorf("close %s: %w", w.path, err)
	}
	return Summary{
		Tokens:    w.cursor,
		Bytes:     w.cursor * types.TokenSize,
		Documents: w.docs,
		Checksum:  w.digest.Sum64(),
	}, nil
}

// Abort closes the file without completing it. The partially written file
// stays on disk and is rebuilt by the next run.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
