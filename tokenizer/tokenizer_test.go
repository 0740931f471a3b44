package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/types"
)

func TestBytesTokenizer(t *testing.T) {
	tok, err := New(BytesID)
	require.NoError(t, err)

	assert.Equal(t, types.Tokens{1, 2, 3}, tok.Encode("\x01\x02\x03"))
	assert.Equal(t, types.Token(256), tok.EndOfText())
	assert.Equal(t, 257, tok.VocabSize())

	text := "the quick brown fox, naïve café"
	ids := append(tok.Encode(text), tok.EndOfText())
	assert.Equal(t, text, tok.Decode(ids))
}

func TestGPT2RoundTrip(t *testing.T) {
	tok, err := New("gpt2")
	require.NoError(t, err)
	require.NoError(t, CheckVocab(tok))

	assert.Equal(t, types.Token(50256), tok.EndOfText())
	assert.GreaterOrEqual(t, tok.VocabSize(), 50257)

	ids := tok.Encode("hello world")
	assert.Equal(t, types.Tokens{31373, 995}, ids)
	assert.Equal(t, "hello world", tok.Decode(ids))

	for _, text := range []string{
		"Mary had a little lamb.",
		"  leading spaces\nand newlines\n",
		"!!!!!!!!!!",
	} {
		assert.Equal(t, text, tok.Decode(tok.Encode(text)))
	}
}

func TestGPT2SpecialLiteralIsOrdinaryText(t *testing.T) {
	tok, err := New("gpt2")
	require.NoError(t, err)

	for _, text := range []string{
		"a<|endoftext|>b",
		"<|endoftext|>",
		"x <|endoftext|><|endoftext|> y",
	} {
		ids := tok.Encode(text)
		assert.NotContains(t, ids, tok.EndOfText(), text)
		assert.Equal(t, text, tok.Decode(ids), text)
	}
}

func TestOrdinaryPieces(t *testing.T) {
	b := &BPE{specials: []string{"<|endoftext|>", "<|pad|>"}}

	assert.Equal(t, []string{"plain"}, b.ordinaryPieces("plain"))
	assert.Nil(t, b.ordinaryPieces(""))
	assert.Equal(t,
		[]string{"a", "<", "|endoftext|>b"},
		b.ordinaryPieces("a<|endoftext|>b"))
	assert.Equal(t,
		[]string{"<", "|pad|>", "<", "|endoftext|>"},
		b.ordinaryPieces("<|pad|><|endoftext|>"))

	for _, piece := range b.ordinaryPieces("x<|pad|>y<|endoftext|>z") {
		for _, s := range b.specials {
			assert.NotContains(t, piece, s)
		}
	}
}

func TestNewUnknown(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)

	_, err = New("nonexist/nonexist")
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)
}

type wideVocab struct{ Bytes }

func (wideVocab) VocabSize() int { return 100000 }

func TestCheckVocab(t *testing.T) {
	assert.NoError(t, CheckVocab(Bytes{}))
	err := CheckVocab(wideVocab{})
	assert.ErrorIs(t, err, cerrors.ErrConfiguration)
	assert.ErrorContains(t, err, "16 bits")
}

func TestFactory(t *testing.T) {
	newTok, err := Factory(BytesID)
	require.NoError(t, err)

	a, err := newTok()
	require.NoError(t, err)
	b, err := newTok()
	require.NoError(t, err)
	assert.Equal(t, a.Encode("ab"), b.Encode("ab"))

	_, err = Factory("")
	assert.Error(t, err)
}

func TestCached(t *testing.T) {
	a, err := Cached(BytesID)
	require.NoError(t, err)
	b, err := Cached(BytesID)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
