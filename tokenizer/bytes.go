package tokenizer

import (
	"strings"

	"github.com/wbrown/corpus_shards/types"
)

// Bytes is a byte-level tokenizer: every byte of the UTF-8 input is its
// own token and 256 marks end of text.
type Bytes struct{}

const bytesEndOfText types.Token = 256

func (Bytes) Encode(text string) types.Tokens {
	out := make(types.Tokens, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = types.Token(text[i])
	}
	return out
}

// Decode drops end-of-text markers and any id outside the byte range.
func (Bytes) Decode(tokens types.Tokens) string {
	var sb strings.Builder
	sb.Grow(len(tokens))
	for _, t := range tokens {
		if t < 256 {
			sb.WriteByte(byte(t))
		}
	}
	return sb.String()
}

func (Bytes) EndOfText() types.Token {
	return bytesEndOfText
}

func (Bytes) VocabSize() int {
	return 257
}
