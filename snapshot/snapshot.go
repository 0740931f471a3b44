package snapshot

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/logger"
	"github.com/wbrown/corpus_shards/types"
)

const (
	// TokensFile holds the document records.
	TokensFile = "tokens.pbs"
	// ManifestFile marks a finished snapshot. It is written last.
	ManifestFile = "snapshot.yaml"

	formatVersion = 1
)

// Manifest describes a finished snapshot.
type Manifest struct {
	Version   int       `yaml:"version"`
	Documents int64     `yaml:"documents"`
	Tokens    int64     `yaml:"tokens"`
	Tokenizer string    `yaml:"tokenizer"`
	EndOfText uint32    `yaml:"end_of_text"`
	Source    string    `yaml:"source"`
	RunID     string    `yaml:"run_id"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Exists reports whether dir holds a finished snapshot.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ManifestFile))
	return err == nil
}

// Remove deletes the snapshot files in dir, leaving dir itself.
func Remove(dir string) error {
	var errs []error
	for _, name := range []string{ManifestFile, TokensFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil &&
			!errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Writer appends tokenized documents to a new snapshot in source order.
type Writer struct {
	dir    string
	file   *os.File
	bw     *bufio.Writer
	docs   int64
	tokens int64
	rec    []byte
}

// Create starts a snapshot in dir, replacing any previous one.
func Create(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	// Invalidate first so a crash mid-write never leaves a valid-looking
	// snapshot behind.
	if err := Remove(dir); err != nil {
		return nil, fmt.Errorf("clear snapshot: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, TokensFile))
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	return &Writer{
		dir:  dir,
		file: f,
		bw:   bufio.NewWriterSize(f, 1<<20),
	}, nil
}

// Append writes the next document's tokens, end-of-text included.
func (w *Writer) Append(ids types.Tokens) error {
	w.rec = appendRecord(w.rec[:0], w.docs, ids)
	if _, err := w.bw.Write(w.rec); err != nil {
		return fmt.Errorf("write snapshot record %d: %w", w.docs,
			cerrors.WrapIO(err))
	}
	w.docs++
	w.tokens += int64(len(ids))
	return nil
}

// Documents returns the number of records appended so far.
func (w *Writer) Documents() int64 {
	return w.docs
}

// Close syncs the records and then writes the manifest, making the
// snapshot valid. Counts in m are filled in from the writer.
func (w *Writer) Close(m Manifest) (Manifest, error) {
	if err := w.bw.Flush(); err != nil {
		_ = w.file.Close()
		return m, fmt.Errorf("flush snapshot: %w", cerrors.WrapIO(err))
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return m, fmt.Errorf("sync snapshot: %w", cerrors.WrapIO(err))
	}
	if err := w.file.Close(); err != nil {
		return m, fmt.Errorf("close snapshot: %w", err)
	}

	m.Version = formatVersion
	m.Documents = w.docs
	m.Tokens = w.tokens
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	data, err := yaml.Marshal(&m)
	if err != nil {
		return m, fmt.Errorf("marshal snapshot manifest: %w", err)
	}
	path := filepath.Join(w.dir, ManifestFile)
	if err := os.WriteFile(path+".tmp", data, 0o644); err != nil {
		return m, fmt.Errorf("write snapshot manifest: %w", cerrors.WrapIO(err))
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return m, fmt.Errorf("rename snapshot manifest: %w", err)
	}
	return m, nil
}

// Abort closes the writer without making the snapshot valid.
func (w *Writer) Abort() error {
	return w.file.Close()
}

// Snapshot is a read-only view of a finished snapshot. Document lengths
// are indexed on open; ids are decoded on demand.
type Snapshot struct {
	dir      string
	manifest Manifest
	file     *os.File
	data     mmap.MMap
	offsets  []int64
	counts   []int64
}

// Open maps the snapshot in dir and indexes its records.
func Open(dir string, l *zap.Logger) (*Snapshot, error) {
	l = logger.OrNop(l)
	mpath := filepath.Join(dir, ManifestFile)
	raw, err := os.ReadFile(filepath.Clean(mpath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &cerrors.NotFoundError{Path: mpath}
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse snapshot manifest: %w", err)
	}
	if m.Version != formatVersion {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", dir, m.Version)
	}
	if m.Documents < 0 || m.Tokens < 0 {
		return nil, fmt.Errorf("snapshot %s: negative counts in manifest "+
			"(%d documents, %d tokens)", dir, m.Documents, m.Tokens)
	}

	f, err := os.Open(filepath.Join(dir, TokensFile))
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat snapshot: %w", err)
	}

	s := &Snapshot{dir: dir, manifest: m, file: f}
	if st.Size() > 0 {
		if s.data, err = mmap.Map(f, mmap.RDONLY, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("mmap snapshot: %w", err)
		}
	}
	if err := s.index(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("snapshot %s: %w", dir, err)
	}

	l.Info("opened tokenized snapshot",
		zap.String("dir", dir),
		zap.String("documents", humanize.Comma(m.Documents)),
		zap.String("tokens", humanize.Comma(m.Tokens)),
		zap.String("size", humanize.Bytes(uint64(st.Size()))))
	return s, nil
}

func (s *Snapshot) index() error {
	// Every record takes at least one byte, so the file size bounds the
	// document count whatever the manifest claims.
	hint := min(s.manifest.Documents, int64(len(s.data)))
	s.offsets = make([]int64, 0, hint)
	s.counts = make([]int64, 0, hint)
	var tokens int64
	var pos int64
	data := []byte(s.data)
	for pos < int64(len(data)) {
		body, n, err := nextRecord(data[pos:])
		if err != nil {
			return fmt.Errorf("record %d: %w", len(s.offsets), err)
		}
		h, err := parseRecord(body)
		if err != nil {
			return fmt.Errorf("record %d: %w", len(s.offsets), err)
		}
		if h.seq != int64(len(s.offsets)) {
			return fmt.Errorf("record %d has sequence %d", len(s.offsets), h.seq)
		}
		s.offsets = append(s.offsets, pos)
		s.counts = append(s.counts, h.count)
		tokens += h.count
		pos += int64(n)
	}
	if int64(len(s.offsets)) != s.manifest.Documents || tokens != s.manifest.Tokens {
		return fmt.Errorf("holds %d documents and %d tokens, manifest says %d and %d",
			len(s.offsets), tokens, s.manifest.Documents, s.manifest.Tokens)
	}
	return nil
}

// Manifest returns the snapshot's manifest.
func (s *Snapshot) Manifest() Manifest {
	return s.manifest
}

// Len returns the number of documents.
func (s *Snapshot) Len() int {
	return len(s.offsets)
}

// Count returns the token count of document i, end-of-text included.
func (s *Snapshot) Count(i int) int64 {
	return s.counts[i]
}

// TotalTokens sums the token counts of the given documents.
func (s *Snapshot) TotalTokens(indices []int) int64 {
	var total int64
	for _, i := range indices {
		total += s.counts[i]
	}
	return total
}

// Tokens decodes document i.
func (s *Snapshot) Tokens(i int) (types.Tokens, error) {
	if i < 0 || i >= len(s.offsets) {
		return nil, &cerrors.OutOfRangeError{Offset: int64(i), Length: int64(len(s.offsets))}
	}
	body, _, err := nextRecord(s.data[s.offsets[i]:])
	if err != nil {
		return nil, err
	}
	h, err := parseRecord(body)
	if err != nil {
		return nil, err
	}
	return decodeIDs(h.packed, h.count)
}

// Close unmaps the snapshot.
func (s *Snapshot) Close() error {
	var unmapErr error
	if s.data != nil {
		unmapErr = s.data.Unmap()
		s.data = nil
	}
	return errors.Join(unmapErr, s.file.Close())
}
