package tokenizer

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/wbrown/gpt_bpe"

	"github.com/wbrown/corpus_shards/types"
)

// BPE adapts a gpt_bpe encoder. Encode never emits special tokens: a
// special literal such as "<|endoftext|>" inside document text is encoded
// as ordinary text.
type BPE struct {
	id  string
	enc *gpt_bpe.GPTEncoder
	// specials holds the encoder's special literals, longest first.
	specials []string
}

func newBPE(id string, enc *gpt_bpe.GPTEncoder) *BPE {
	specials := make([]string, 0, len(enc.Specials))
	for s := range enc.Specials {
		if s != "" {
			specials = append(specials, s)
		}
	}
	sort.Slice(specials, func(i, j int) bool {
		if len(specials[i]) != len(specials[j]) {
			return len(specials[i]) > len(specials[j])
		}
		return specials[i] < specials[j]
	})
	return &BPE{id: id, enc: enc, specials: specials}
}

// ID returns the id the encoder was resolved from.
func (b *BPE) ID() string {
	return b.id
}

// nextSpecial returns the position and literal of the first special in
// text, or -1.
func (b *BPE) nextSpecial(text string) (int, string) {
	pos, lit := -1, ""
	for _, s := range b.specials {
		i := strings.Index(text, s)
		if i >= 0 && (pos < 0 || i < pos) {
			pos, lit = i, s
		}
	}
	return pos, lit
}

// ordinaryPieces splits text so that no piece equals or contains a special
// literal. Each literal is cut after its first rune.
func (b *BPE) ordinaryPieces(text string) []string {
	var pieces []string
	for text != "" {
		pos, lit := b.nextSpecial(text)
		if pos < 0 {
			return append(pieces, text)
		}
		if pos > 0 {
			pieces = append(pieces, text[:pos])
		}
		_, n := utf8.DecodeRuneInString(lit)
		pieces = append(pieces, lit[:n])
		text = text[pos+n:]
	}
	return pieces
}

func (b *BPE) appendEncoded(out types.Tokens, text string) types.Tokens {
	encoded := b.enc.Encode(&text)
	if encoded == nil {
		return out
	}
	for _, t := range *encoded {
		out = append(out, types.Token(t))
	}
	return out
}

func (b *BPE) Encode(text string) types.Tokens {
	out := types.Tokens{}
	for _, piece := range b.ordinaryPieces(text) {
		out = b.appendEncoded(out, piece)
	}
	return out
}

func (b *BPE) Decode(tokens types.Tokens) string {
	in := make(gpt_bpe.Tokens, len(tokens))
	for i, t := range tokens {
		in[i] = gpt_bpe.Token(t)
	}
	return b.enc.Decode(&in)
}

func (b *BPE) EndOfText() types.Token {
	return types.Token(b.enc.EosToken)
}

func (b *BPE) VocabSize() int {
	return len(b.enc.Encoder)
}
