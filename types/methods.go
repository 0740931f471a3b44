package types

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// ToBinUint16
// Serializes tokens as little-endian unsigned 16-bit values, the shard file
// layout. Fails on the first token that does not fit.
func (tokens Tokens) ToBinUint16() ([]byte, error) {
	buf := make([]byte, len(tokens)*TokenSize)
	if err := tokens.PutUint16(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// PutUint16
// Serializes tokens into dst, which must hold len(tokens)*TokenSize bytes.
func (tokens Tokens) PutUint16(dst []byte) error {
	if len(dst) < len(tokens)*TokenSize {
		return fmt.Errorf("buffer of %d bytes too small for %d tokens",
			len(dst), len(tokens))
	}
	for idx, token := range tokens {
		if token > MaxToken {
			return fmt.Errorf("integer overflow: tried to write token ID %d"+
				" as unsigned 16-bit", token)
		}
		binary.LittleEndian.PutUint16(dst[idx*TokenSize:], uint16(token))
	}
	return nil
}

// TokensFromBin
// Decodes little-endian unsigned 16-bit tokens. A trailing odd byte is
// ignored.
func TokensFromBin(bin []byte) Tokens {
	tokens := make(Tokens, len(bin)/TokenSize)
	for idx := range tokens {
		tokens[idx] = Token(binary.LittleEndian.Uint16(bin[idx*TokenSize:]))
	}
	return tokens
}

// Equal reports whether both sequences hold the same ids in order.
func (tokens Tokens) Equal(other Tokens) bool {
	if len(tokens) != len(other) {
		return false
	}
	for idx := range tokens {
		if tokens[idx] != other[idx] {
			return false
		}
	}
	return true
}

// ParseTokens
// Parses a comma or whitespace separated list of token ids, e.g. "7,7,7".
func ParseTokens(s string) (Tokens, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("no token ids in %q", s)
	}
	tokens := make(Tokens, 0, len(fields))
	for _, field := range fields {
		id, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", field, err)
		}
		tokens = append(tokens, Token(id))
	}
	return tokens, nil
}

// ParseOffsets
// Parses a comma or whitespace separated list of non-negative offsets.
func ParseOffsets(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	offsets := make([]int64, 0, len(fields))
	for _, field := range fields {
		offset, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q: %w", field, err)
		}
		offsets = append(offsets, offset)
	}
	return offsets, nil
}
