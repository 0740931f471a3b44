package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBinUint16LittleEndian(t *testing.T) {
	bin, err := Tokens{1, 256, 50256}.ToBinUint16()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x01, 0x50, 0xc4}, bin)
	assert.Equal(t, Tokens{1, 256, 50256}, TokensFromBin(bin))
}

func TestToBinUint16Overflow(t *testing.T) {
	_, err := Tokens{1, 65536}.ToBinUint16()
	assert.ErrorContains(t, err, "integer overflow")
}

func TestTokensFromBinOddLength(t *testing.T) {
	assert.Equal(t, Tokens{7}, TokensFromBin([]byte{7, 0, 9}))
}

func TestTokenCount(t *testing.T) {
	n, ok := TokenCount(10)
	assert.True(t, ok)
	assert.EqualValues(t, 5, n)
	_, ok = TokenCount(11)
	assert.False(t, ok)
}

func TestParseTokens(t *testing.T) {
	tokens, err := ParseTokens("7,7, 7")
	require.NoError(t, err)
	assert.Equal(t, Tokens{7, 7, 7}, tokens)

	_, err = ParseTokens("")
	assert.Error(t, err)
	_, err = ParseTokens("70000")
	assert.Error(t, err)
}

func TestParseOffsets(t *testing.T) {
	offsets, err := ParseOffsets("0 99,100")
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 99, 100}, offsets)
	_, err = ParseOffsets("x")
	assert.Error(t, err)
}
