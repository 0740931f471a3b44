package shard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/types"
)

// Reader is a read-only memory-mapped view of a shard file. Every Reader
// owns its own mapping, so one per goroutine is cheap and needs no locking.
type Reader struct {
	path string
	file *os.File
	data mmap.MMap
	n    int64
}

// Open maps the shard at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(filepath.Clean(path))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &cerrors.NotFoundError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat shard: %w", err)
	}
	n, ok := types.TokenCount(st.Size())
	if !ok {
		_ = f.Close()
		return nil, fmt.Errorf("%s: size %d is not a whole number of tokens",
			path, st.Size())
	}

	r := &Reader{path: path, file: f, n: n}
	// Zero-length files cannot be mapped.
	if n > 0 {
		if r.data, err = mmap.Map(f, mmap.RDONLY, 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("mmap shard: %w", err)
		}
	}
	return r, nil
}

// Path returns the file the reader maps.
func (r *Reader) Path() string {
	return r.path
}

// Len returns the number of tokens in the shard.
func (r *Reader) Len() int64 {
	return r.n
}

// Bytes exposes the raw little-endian mapping. It is only valid until
// Close.
func (r *Reader) Bytes() []byte {
	return r.data
}

// At returns the token at index i. It panics when i is out of range.
func (r *Reader) At(i int64) types.Token {
	return types.Token(binary.LittleEndian.Uint16(r.data[i*types.TokenSize:]))
}

// Slice copies tokens [start, end) after clamping both ends to the shard.
func (r *Reader) Slice(start, end int64) types.Tokens {
	start = max(start, 0)
	end = min(end, r.n)
	if start >= end {
		return types.Tokens{}
	}
	return types.TokensFromBin(r.data[start*types.TokenSize : end*types.TokenSize])
}

// Close unmaps the shard and closes the file.
func (r *Reader) Close() error {
	var unmapErr error
	if r.data != nil {
		unmapErr = r.data.Unmap()
		r.data = nil
	}
	closeErr := r.file.Close()
	return errors.Join(unmapErr, closeErr)
}
