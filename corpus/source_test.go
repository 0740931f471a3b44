package corpus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
)

type parquetDoc struct {
	ID   int64  `parquet:"id"`
	Text string `parquet:"text"`
}

func parquetBytes(t *testing.T, texts ...string) []byte {
	t.Helper()
	rows := make([]parquetDoc, len(texts))
	for i, text := range texts {
		rows[i] = parquetDoc{ID: int64(i), Text: text}
	}
	var buf bytes.Buffer
	require.NoError(t, parquet.Write(&buf, rows))
	return buf.Bytes()
}

func collect(t *testing.T, src Source) []string {
	t.Helper()
	var texts []string
	require.NoError(t, src.Walk(context.Background(), func(doc Document) error {
		texts = append(texts, doc.Text)
		return nil
	}))
	return texts
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestLocalDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), []byte("first document"))
	writeFile(t, filepath.Join(dir, "b", "c.jsonl"),
		[]byte("{\"text\": \"line one\"}\n\n{\"text\": \"line two\"}\n"))
	writeFile(t, filepath.Join(dir, "b", "d.parquet"),
		parquetBytes(t, "row zero", "row one"))
	writeFile(t, filepath.Join(dir, "ignored.bin"), []byte{1, 2, 3})

	src, err := Open(dir, SourceOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"first document", "line one", "line two", "row zero", "row one",
	}, collect(t, src))

	limited, err := NewLocal(dir, 1, nil)
	require.NoError(t, err)
	assert.Len(t, limited.Files(), 1)
}

func TestLocalSingleFileSanitized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	writeFile(t, path, []byte(" foo  :  bar \r\n\r\nbaz"))

	src, err := Open(path, SourceOptions{Sanitize: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"foo: bar\nbaz"}, collect(t, src))
}

func TestLocalErrors(t *testing.T) {
	_, err := Open("", SourceOptions{})
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)

	_, err = Open(filepath.Join(t.TempDir(), "missing"), SourceOptions{})
	assert.ErrorIs(t, err, cerrors.ErrNotFound)

	_, err = Open(t.TempDir(), SourceOptions{})
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)

	bad := filepath.Join(t.TempDir(), "bad.jsonl")
	writeFile(t, bad, []byte("{\"text\": \"ok\"}\nnot json\n"))
	src, err := Open(bad, SourceOptions{})
	require.NoError(t, err)
	err = src.Walk(context.Background(), func(Document) error { return nil })
	assert.ErrorContains(t, err, "bad.jsonl:2")
}

func TestWalkStopsOnCallbackError(t *testing.T) {
	stop := errors.New("stop")
	seen := 0
	err := NewMemory("a", "b", "c").Walk(context.Background(),
		func(Document) error {
			seen++
			if seen == 2 {
				return stop
			}
			return nil
		})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

// S3MockClient is a mock implementation of S3Client serving objects from a
// map, one key per listing page.
type S3MockClient struct {
	Objects        map[string][]byte
	Keys           []string
	GetObjectError error
	ListCalls      int
}

func (m *S3MockClient) ListObjectsV2(input *s3.ListObjectsV2Input) (
	*s3.ListObjectsV2Output,
	error,
) {
	m.ListCalls++
	start := 0
	if input.ContinuationToken != nil {
		start, _ = strconv.Atoi(*input.ContinuationToken)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for i := start; i < len(m.Keys); i++ {
		key := m.Keys[i]
		if !strings.HasPrefix(key, aws.StringValue(input.Prefix)) {
			continue
		}
		out.Contents = append(out.Contents, &s3.Object{Key: aws.String(key)})
		if i+1 < len(m.Keys) {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(strconv.Itoa(i + 1))
		}
		break
	}
	return out, nil
}

func (m *S3MockClient) GetObject(input *s3.GetObjectInput) (
	*s3.GetObjectOutput,
	error,
) {
	if m.GetObjectError != nil {
		return nil, m.GetObjectError
	}
	data, ok := m.Objects[aws.StringValue(input.Key)]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", aws.StringValue(input.Key))
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func TestS3Source(t *testing.T) {
	mockSvc := &S3MockClient{
		Objects: map[string][]byte{
			"prefix/b.jsonl": []byte(`{"text": "Hello, World!"}
{"text": "Testing JSONL"}
`),
			"prefix/a.txt":     []byte("This is a test."),
			"prefix/c.parquet": parquetBytes(t, "from parquet"),
			"prefix/skip.bin":  {0},
		},
		Keys: []string{"prefix/c.parquet", "prefix/a.txt", "prefix/skip.bin",
			"prefix/b.jsonl"},
	}

	src, err := Open("s3://test-bucket/prefix/", SourceOptions{S3: mockSvc})
	require.NoError(t, err)
	assert.Equal(t, "s3://test-bucket/prefix/", src.String())
	assert.Equal(t, []string{
		"This is a test.", "Hello, World!", "Testing JSONL", "from parquet",
	}, collect(t, src))
	assert.Equal(t, 4, mockSvc.ListCalls)

	mockSvc.GetObjectError = errors.New("simulated error")
	err = src.Walk(context.Background(), func(Document) error { return nil })
	assert.ErrorContains(t, err, "simulated error")
}

func TestParseURIs(t *testing.T) {
	bucket, prefix, err := ParseS3URI("s3://bucket/some/prefix")
	require.NoError(t, err)
	assert.Equal(t, "bucket", bucket)
	assert.Equal(t, "some/prefix", prefix)
	_, _, err = ParseS3URI("s3:///x")
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)

	ds, cfg, split, err := ParseHubURI("hf://openwebtext/owt")
	require.NoError(t, err)
	assert.Equal(t, []string{"openwebtext/owt", "default", "train"},
		[]string{ds, cfg, split})
	ds, cfg, split, err = ParseHubURI("hf://org/ds/en/validation")
	require.NoError(t, err)
	assert.Equal(t, []string{"org/ds", "en", "validation"},
		[]string{ds, cfg, split})
	_, _, _, err = ParseHubURI("hf://only")
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)
}

func TestHubSource(t *testing.T) {
	shard0 := parquetBytes(t, "hub zero", "hub one")
	shard1 := parquetBytes(t, "hub two")
	var rangeRequests atomic.Int32

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api/datasets/org/ds/parquet/default/train",
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			fmt.Fprintf(w, `[%q, {"url": %q, "filename": "1.parquet", "size": %d}, "%s/readme.md"]`,
				srv.URL+"/files/0.parquet", srv.URL+"/files/1.parquet",
				len(shard1), srv.URL)
		})
	serve := func(data []byte) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if rng := r.Header.Get("Range"); rng != "" {
				rangeRequests.Add(1)
				var from int
				_, err := fmt.Sscanf(rng, "bytes=%d-", &from)
				assert.NoError(t, err)
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(data[from:])
				return
			}
			_, _ = w.Write(data)
		}
	}
	mux.HandleFunc("/files/0.parquet", serve(shard0))
	mux.HandleFunc("/files/1.parquet", serve(shard1))
	srv = httptest.NewServer(mux)
	defer srv.Close()

	cacheDir := t.TempDir()
	opts := SourceOptions{
		CacheDir:   cacheDir,
		HubToken:   "secret",
		HubBaseURL: srv.URL + "/api/datasets",
	}
	src, err := Open("hf://org/ds", opts)
	require.NoError(t, err)
	hub := src.(*Hub)

	// Leave a partial download behind to exercise resume.
	partial := filepath.Join(hub.Dir(), "default-00001.parquet.tmp")
	writeFile(t, partial, shard1[:10])

	assert.Equal(t, []string{"hub zero", "hub one", "hub two"}, collect(t, src))
	assert.Equal(t, int32(1), rangeRequests.Load())

	got, err := os.ReadFile(filepath.Join(hub.Dir(), "default-00001.parquet"))
	require.NoError(t, err)
	assert.Equal(t, shard1, got)

	// Cached files are not fetched again.
	opts.MaxFiles = 1
	limited, err := Open("hf://org/ds", opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"hub zero", "hub one"}, collect(t, limited))

	_, err = Open("hf://org/ds", SourceOptions{})
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)
}

func TestHubFinishesCompletedPartialDownloads(t *testing.T) {
	shard0 := parquetBytes(t, "zero")
	shard1 := parquetBytes(t, "one")
	shard2 := parquetBytes(t, "two")
	var requests [3]atomic.Int32

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/api/datasets/org/ds/parquet/default/train",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `[%q, {"url": %q, "size": %d}, {"url": %q, "size": %d}]`,
				srv.URL+"/files/0.parquet", srv.URL+"/files/1.parquet", len(shard1),
				srv.URL+"/files/2.parquet", len(shard2))
		})
	serve := func(n int, data []byte) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			requests[n].Add(1)
			if rng := r.Header.Get("Range"); rng != "" {
				var from int
				_, err := fmt.Sscanf(rng, "bytes=%d-", &from)
				assert.NoError(t, err)
				if from >= len(data) {
					w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
					return
				}
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(data[from:])
				return
			}
			_, _ = w.Write(data)
		}
	}
	mux.HandleFunc("/files/0.parquet", serve(0, shard0))
	mux.HandleFunc("/files/1.parquet", serve(1, shard1))
	mux.HandleFunc("/files/2.parquet", serve(2, shard2))
	srv = httptest.NewServer(mux)
	defer srv.Close()

	src, err := Open("hf://org/ds", SourceOptions{
		CacheDir:   t.TempDir(),
		HubBaseURL: srv.URL + "/api/datasets",
	})
	require.NoError(t, err)
	hub := src.(*Hub)

	// Complete partial files left behind by a crash before the rename,
	// one without a listed size and one with. The third is oversized.
	writeFile(t, filepath.Join(hub.Dir(), "default-00000.parquet.tmp"), shard0)
	writeFile(t, filepath.Join(hub.Dir(), "default-00001.parquet.tmp"), shard1)
	writeFile(t, filepath.Join(hub.Dir(), "default-00002.parquet.tmp"),
		append(append([]byte{}, shard2...), "junk"...))

	assert.Equal(t, []string{"zero", "one", "two"}, collect(t, src))
	assert.Equal(t, int32(1), requests[0].Load(), "unsized file probed once")
	assert.Equal(t, int32(0), requests[1].Load(), "sized file not fetched")
	assert.Equal(t, int32(1), requests[2].Load(), "oversized file refetched")

	for i, want := range [][]byte{shard0, shard1, shard2} {
		got, err := os.ReadFile(filepath.Join(hub.Dir(),
			fmt.Sprintf("default-%05d.parquet", i)))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}
