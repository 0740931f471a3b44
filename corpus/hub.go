package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
)

// DefaultHubBaseURL is the dataset API of the HuggingFace hub.
const DefaultHubBaseURL = "https://huggingface.co/api/datasets"

// Hub reads the parquet export of a hub dataset. Files are downloaded into
// a cache directory first; interrupted downloads resume with Range requests.
type Hub struct {
	dataset  string
	config   string
	split    string
	baseURL  string
	token    string
	cacheDir string
	maxFiles int
	client   *http.Client
	logger   *zap.Logger
}

// hubParquetFile is one entry of the parquet listing. The API returns
// either bare URLs or objects; both are accepted.
type hubParquetFile struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ParseHubURI splits hf://org/dataset[/config[/split]], defaulting config
// to "default" and split to "train".
func ParseHubURI(uri string) (dataset, config, split string, err error) {
	rest, ok := strings.CutPrefix(uri, "hf://")
	if !ok {
		return "", "", "", cerrors.NewConfigError("input", "%q is not an hf:// uri", uri)
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) < 2 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
		return "", "", "", cerrors.NewConfigError("input",
			"%q must look like hf://org/dataset[/config[/split]]", uri)
	}
	dataset = parts[0] + "/" + parts[1]
	config, split = "default", "train"
	if len(parts) > 2 {
		config = parts[2]
	}
	if len(parts) > 3 {
		split = parts[3]
	}
	return dataset, config, split, nil
}

func newHubSource(uri string, opts SourceOptions) (*Hub, error) {
	dataset, config, split, err := ParseHubURI(uri)
	if err != nil {
		return nil, err
	}
	if opts.CacheDir == "" {
		return nil, cerrors.NewConfigError("cache_dir",
			"a cache directory is required for hub sources")
	}
	baseURL := opts.HubBaseURL
	if baseURL == "" {
		baseURL = DefaultHubBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &Hub{
		dataset:  dataset,
		config:   config,
		split:    split,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    opts.HubToken,
		cacheDir: opts.CacheDir,
		maxFiles: opts.MaxFiles,
		client:   client,
		logger:   opts.Logger,
	}, nil
}

func (h *Hub) String() string {
	return fmt.Sprintf("hf://%s/%s/%s", h.dataset, h.config, h.split)
}

// Dir is where the dataset's parquet files are cached.
func (h *Hub) Dir() string {
	return filepath.Join(h.cacheDir,
		strings.ReplaceAll(h.dataset, "/", "__"), h.config, h.split)
}

func (h *Hub) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	return req, nil
}

// ListParquetFiles asks the hub for the parquet files of the split.
func (h *Hub) ListParquetFiles(ctx context.Context) ([]hubParquetFile, error) {
	url := fmt.Sprintf("%s/%s/parquet/%s/%s", h.baseURL, h.dataset,
		h.config, h.split)
	req, err := h.newRequest(ctx, url)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub API request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("hub API: status %d: %s", resp.StatusCode,
			string(body))
	}

	var entries []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("parse hub response: %w", err)
	}

	var files []hubParquetFile
	for _, raw := range entries {
		var f hubParquetFile
		var bare string
		if err := json.Unmarshal(raw, &bare); err == nil {
			f.URL = bare
		} else if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("parse hub entry %s: %w", string(raw), err)
		}
		if strings.HasSuffix(f.Filename, extParquet) ||
			strings.HasSuffix(f.URL, extParquet) {
			files = append(files, f)
		}
	}
	if h.maxFiles > 0 && len(files) > h.maxFiles {
		files = files[:h.maxFiles]
	}
	return files, nil
}

// Download fetches every listed file that is not already cached and
// returns the local paths in listing order.
func (h *Hub) Download(ctx context.Context) ([]string, error) {
	outDir := h.Dir()
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", outDir, err)
	}

	files, err := h.ListParquetFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list parquet files: %w", err)
	}
	if len(files) == 0 {
		return nil, cerrors.NewConfigError("input", "%s has no parquet files", h)
	}

	h.logger.Info("downloading hub parquet files",
		zap.String("dataset", h.dataset),
		zap.Int("files", len(files)),
		zap.String("dir", outDir))

	paths := make([]string, 0, len(files))
	for i, info := range files {
		name := fmt.Sprintf("%s-%05d%s", h.config, i, extParquet)
		outPath := filepath.Join(outDir, name)
		paths = append(paths, outPath)

		if st, err := os.Stat(outPath); err == nil &&
			(info.Size == 0 || st.Size() == info.Size) {
			h.logger.Debug("already downloaded",
				zap.String("file", name),
				zap.String("size", humanize.Bytes(uint64(st.Size()))))
			continue
		}

		if err := h.downloadFile(ctx, info, outPath, i+1, len(files)); err != nil {
			return nil, fmt.Errorf("download %s: %w", name, err)
		}
	}
	return paths, nil
}

// downloadFile downloads one file, resuming a previous partial download.
// A partial file that is already complete is renamed without a download.
func (h *Hub) downloadFile(ctx context.Context, info hubParquetFile,
	outPath string, num, total int) error {
	cleanPath := filepath.Clean(outPath)
	tmpPath := cleanPath + ".tmp"

	var offset int64
	if st, err := os.Stat(tmpPath); err == nil {
		offset = st.Size()
	}
	switch {
	case info.Size > 0 && offset == info.Size:
		return h.finishDownload(tmpPath, cleanPath, offset, num, total)
	case info.Size > 0 && offset > info.Size:
		h.logger.Warn("partial download larger than file, restarting",
			zap.String("file", filepath.Base(outPath)),
			zap.Int64("partial", offset), zap.Int64("size", info.Size))
		if err := os.Remove(tmpPath); err != nil {
			return fmt.Errorf("remove tmp: %w", err)
		}
		offset = 0
	}

	req, err := h.newRequest(ctx, info.URL)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		h.logger.Info("resuming download",
			zap.Int("num", num), zap.Int("total", total),
			zap.Int64("offset", offset))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("download request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0 {
		// Nothing left past offset: the partial file is complete.
		return h.finishDownload(tmpPath, cleanPath, offset, num, total)
	}
	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		offset = 0
	}

	f, err := os.OpenFile(tmpPath, flags, 0o600)
	if err != nil {
		return fmt.Errorf("open tmp: %w", err)
	}

	written, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write: %w", cerrors.WrapIO(err))
	}
	return h.finishDownload(tmpPath, cleanPath, offset+written, num, total)
}

func (h *Hub) finishDownload(tmpPath, outPath string, size int64,
	num, total int) error {
	h.logger.Info("downloaded",
		zap.Int("num", num), zap.Int("total", total),
		zap.String("file", filepath.Base(outPath)),
		zap.String("size", humanize.Bytes(uint64(size))))

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (h *Hub) Walk(ctx context.Context, fn WalkFunc) error {
	paths, err := h.Download(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := walkParquetFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}

func walkParquetFile(path string, fn WalkFunc) error {
	f, err := os.Open(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return &cerrors.NotFoundError{Path: path}
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return readParquet(path, f, st.Size(), fn)
}
