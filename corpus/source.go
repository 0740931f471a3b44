package corpus

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/logger"
)

// Document is one raw text unit. It only lives until it is tokenized.
type Document struct {
	Text   string
	Origin string // file, object key or hub shard the text came from
}

// WalkFunc is called for every document in source order. Returning an error
// stops the walk and the error is returned from Walk.
type WalkFunc func(doc Document) error

// Source yields raw documents in a stable order.
type Source interface {
	Walk(ctx context.Context, fn WalkFunc) error
	String() string
}

// SourceOptions configures how an input location is resolved.
type SourceOptions struct {
	// Sanitize normalises whitespace in every document.
	Sanitize bool

	// CacheDir receives hub downloads. Required for hf:// sources.
	CacheDir string
	// HubToken is sent as a bearer token to the hub, if set.
	HubToken string
	// HubBaseURL overrides the hub API endpoint.
	HubBaseURL string
	// MaxFiles limits the number of files read from a directory, bucket
	// or hub dataset. 0 reads everything.
	MaxFiles int
	// HTTPClient is used for hub requests.
	HTTPClient *http.Client

	// S3 overrides the S3 client built from S3Region/S3Endpoint.
	S3         S3Client
	S3Region   string
	S3Endpoint string

	Logger *zap.Logger
}

// Open resolves an input location:
//
//	s3://bucket/prefix           objects under prefix
//	hf://org/dataset[/cfg[/sp]]  hub parquet export, downloaded to CacheDir
//	anything else                local file or directory
func Open(input string, opts SourceOptions) (Source, error) {
	if input == "" {
		return nil, cerrors.NewConfigError("input", "corpus source is required")
	}
	opts.Logger = logger.OrNop(opts.Logger)

	var (
		src Source
		err error
	)
	switch {
	case strings.HasPrefix(input, "s3://"):
		src, err = newS3Source(input, opts)
	case strings.HasPrefix(input, "hf://"):
		src, err = newHubSource(input, opts)
	default:
		src, err = NewLocal(input, opts.MaxFiles, opts.Logger)
	}
	if err != nil {
		return nil, err
	}
	if opts.Sanitize {
		src = Sanitized(src)
	}
	return src, nil
}

// Memory is an in-process source over a fixed list of texts.
type Memory struct {
	Texts []string
}

// NewMemory creates a source yielding texts in order.
func NewMemory(texts ...string) *Memory {
	return &Memory{Texts: texts}
}

func (m *Memory) Walk(ctx context.Context, fn WalkFunc) error {
	for i, text := range m.Texts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(Document{Text: text, Origin: fmt.Sprintf("memory:%d", i)}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) String() string {
	return fmt.Sprintf("memory(%d documents)", len(m.Texts))
}

type sanitized struct {
	Source
}

// Sanitized wraps src so every document passes through SanitizeText.
func Sanitized(src Source) Source {
	return sanitized{Source: src}
}

func (s sanitized) Walk(ctx context.Context, fn WalkFunc) error {
	return s.Source.Walk(ctx, func(doc Document) error {
		doc.Text = SanitizeText(doc.Text)
		return fn(doc)
	})
}

func (s sanitized) String() string {
	return "sanitized " + s.Source.String()
}
