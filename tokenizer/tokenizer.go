package tokenizer

import (
	"fmt"
	"sync"

	"github.com/wbrown/gpt_bpe"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/types"
)

// Tokenizer maps text to token ids and back. Implementations are not
// required to be safe for concurrent use; the build pipeline creates one
// instance per worker.
type Tokenizer interface {
	Encode(text string) types.Tokens
	Decode(tokens types.Tokens) string
	EndOfText() types.Token
	VocabSize() int
}

// BytesID selects the byte-level tokenizer.
const BytesID = "bytes"

// New creates a fresh tokenizer for id. "bytes" yields the byte-level
// tokenizer; anything else is resolved by gpt_bpe, first as an embedded
// vocabulary (<id>-tokenizer) and then as a path or hub id.
func New(id string) (Tokenizer, error) {
	if id == "" {
		return nil, cerrors.NewConfigError("tokenizer", "tokenizer id is required")
	}
	if id == BytesID {
		return Bytes{}, nil
	}

	// Check if it's an internal reference. If not, it's a file path.
	enc, err := gpt_bpe.NewEncoder(id + "-tokenizer")
	if err != nil {
		// Fall back to path-like.
		enc, err = gpt_bpe.NewEncoder(id)
		if err != nil {
			return nil, fmt.Errorf("%w: tokenizer %q: %v",
				cerrors.ErrConfiguration, id, err)
		}
	}
	return newBPE(id, enc), nil
}

// Factory returns a constructor for id suitable for per-worker instances.
// The first instance is created eagerly so that an unknown id or an
// oversized vocabulary is reported before any work starts.
func Factory(id string) (func() (Tokenizer, error), error) {
	tok, err := New(id)
	if err != nil {
		return nil, err
	}
	if err := CheckVocab(tok); err != nil {
		return nil, err
	}

	var once sync.Once
	return func() (Tokenizer, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			return tok, nil
		}
		return New(id)
	}, nil
}

// CheckVocab rejects tokenizers whose ids do not fit the 16-bit shard
// format.
func CheckVocab(tok Tokenizer) error {
	if n := tok.VocabSize(); n > types.MaxToken+1 {
		return cerrors.NewConfigError("tokenizer",
			"vocabulary of %d tokens does not fit in 16 bits", n)
	}
	return nil
}

var (
	cacheMu    sync.Mutex
	tokenizers = make(map[string]Tokenizer)
)

// Cached returns a shared tokenizer for id, creating it on first use. The
// result is intended for decode-only callers such as the inspector and
// must not be used from several goroutines at once.
func Cached(id string) (Tokenizer, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if tok, ok := tokenizers[id]; ok {
		return tok, nil
	}
	tok, err := New(id)
	if err != nil {
		return nil, err
	}
	tokenizers[id] = tok
	return tok, nil
}
