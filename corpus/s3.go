package corpus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/internal/logger"
)

// S3Client is the subset of the S3 API the bucket source needs.
type S3Client interface {
	ListObjectsV2(input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error)
	GetObject(input *s3.GetObjectInput) (*s3.GetObjectOutput, error)
}

// S3 reads documents from every supported object under a bucket prefix.
type S3 struct {
	svc      S3Client
	bucket   string
	prefix   string
	maxFiles int
	logger   *zap.Logger
}

// ParseS3URI splits s3://bucket/prefix.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", cerrors.NewConfigError("input", "%q is not an s3:// uri", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", cerrors.NewConfigError("input", "%q has no bucket", uri)
	}
	return bucket, prefix, nil
}

func newS3Source(uri string, opts SourceOptions) (*S3, error) {
	bucket, prefix, err := ParseS3URI(uri)
	if err != nil {
		return nil, err
	}
	svc := opts.S3
	if svc == nil {
		cfg := aws.NewConfig()
		if opts.S3Region != "" {
			cfg = cfg.WithRegion(opts.S3Region)
		}
		if opts.S3Endpoint != "" {
			cfg = cfg.WithEndpoint(opts.S3Endpoint).WithS3ForcePathStyle(true)
		}
		sess, err := session.NewSession(cfg)
		if err != nil {
			return nil, fmt.Errorf("create aws session: %w", err)
		}
		svc = s3.New(sess)
	}
	return NewS3(svc, bucket, prefix, opts.MaxFiles, opts.Logger), nil
}

// NewS3 creates a bucket source over an existing client.
func NewS3(svc S3Client, bucket, prefix string, maxFiles int,
	l *zap.Logger) *S3 {
	return &S3{
		svc:      svc,
		bucket:   bucket,
		prefix:   prefix,
		maxFiles: maxFiles,
		logger:   logger.OrNop(l),
	}
}

// ListObjects pages through the prefix and returns the supported objects
// sorted by key.
func (s *S3) ListObjects(ctx context.Context) ([]*s3.Object, error) {
	var objects []*s3.Object
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := s.svc.ListObjectsV2(input)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil && supported(*obj.Key) {
				objects = append(objects, obj)
			}
		}
		if !aws.BoolValue(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		input.ContinuationToken = out.NextContinuationToken
	}
	sort.Slice(objects, func(i, j int) bool {
		return *objects[i].Key < *objects[j].Key
	})
	if s.maxFiles > 0 && len(objects) > s.maxFiles {
		objects = objects[:s.maxFiles]
	}
	return objects, nil
}

// FetchObject downloads one object into memory.
func (s *S3) FetchObject(key string) ([]byte, error) {
	out, err := s.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
	}
	return data, nil
}

func (s *S3) Walk(ctx context.Context, fn WalkFunc) error {
	objects, err := s.ListObjects(ctx)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return cerrors.NewConfigError("input",
			"s3://%s/%s does not contain any .txt, .jsonl or .parquet objects",
			s.bucket, s.prefix)
	}
	s.logger.Info("listed s3 corpus",
		zap.String("bucket", s.bucket),
		zap.String("prefix", s.prefix),
		zap.Int("objects", len(objects)))

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := aws.StringValue(obj.Key)
		data, err := s.FetchObject(key)
		if err != nil {
			return err
		}
		s.logger.Debug("fetched s3 object",
			zap.String("key", key),
			zap.String("size", humanize.Bytes(uint64(len(data)))))
		if err := readDocuments(key, bytes.NewReader(data),
			int64(len(data)), fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) String() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix)
}
