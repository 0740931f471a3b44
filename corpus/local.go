package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/yargevad/filepathx"
	"go.uber.org/zap"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/logger"
)

// PathInfo describes one local corpus file.
type PathInfo struct {
	Path string
	Size int64
}

// Local reads documents from a file or a directory tree.
type Local struct {
	root   string
	files  []PathInfo
	logger *zap.Logger
}

// GlobTexts recursively finds every supported corpus file under dirPath,
// sorted by path.
func GlobTexts(dirPath string) ([]PathInfo, error) {
	var paths []string
	for _, ext := range []string{extText, extJSONL, extParquet} {
		matches, err := filepathx.Glob(filepath.Join(dirPath, "**", "*"+ext))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	pathInfos := make([]PathInfo, 0, len(paths))
	for _, p := range paths {
		stat, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if stat.IsDir() {
			continue
		}
		pathInfos = append(pathInfos, PathInfo{Path: p, Size: stat.Size()})
	}
	return pathInfos, nil
}

// NewLocal resolves root to the list of files it will read. maxFiles limits
// the number of files taken from a directory; 0 means all of them.
func NewLocal(root string, maxFiles int, l *zap.Logger) (*Local, error) {
	stat, err := os.Stat(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &cerrors.NotFoundError{Path: root}
	}
	if err != nil {
		return nil, err
	}

	var files []PathInfo
	if stat.IsDir() {
		if files, err = GlobTexts(root); err != nil {
			return nil, fmt.Errorf("glob %s: %w", root, err)
		}
		if len(files) == 0 {
			return nil, cerrors.NewConfigError("input",
				"%s does not contain any .txt, .jsonl or .parquet files", root)
		}
	} else {
		if !supported(root) {
			return nil, cerrors.NewConfigError("input",
				"%s is not a .txt, .jsonl or .parquet file", root)
		}
		files = []PathInfo{{Path: root, Size: stat.Size()}}
	}
	if maxFiles > 0 && len(files) > maxFiles {
		files = files[:maxFiles]
	}

	var total int64
	for _, f := range files {
		total += f.Size
	}
	l = logger.OrNop(l)
	l.Info("resolved local corpus",
		zap.String("root", root),
		zap.Int("files", len(files)),
		zap.String("size", humanize.Bytes(uint64(total))))

	return &Local{root: root, files: files, logger: l}, nil
}

// Files returns the files the source reads, in order.
func (s *Local) Files() []PathInfo {
	return s.files
}

func (s *Local) Walk(ctx context.Context, fn WalkFunc) error {
	for _, info := range s.files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.walkFile(info, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Local) walkFile(info PathInfo, fn WalkFunc) error {
	f, err := os.Open(filepath.Clean(info.Path))
	if err != nil {
		return fmt.Errorf("open %s: %w", info.Path, err)
	}
	defer func() { _ = f.Close() }()

	s.logger.Debug("reading corpus file",
		zap.String("path", info.Path),
		zap.String("size", humanize.Bytes(uint64(info.Size))))
	return readDocuments(info.Path, f, info.Size, fn)
}

func (s *Local) String() string {
	return s.root
}
