package scan

import (
	"bytes"
	"context"

	"github.com/wbrown/corpus_shards/shard"
	"github.com/wbrown/corpus_shards/types"
)

// blockTokens is how many tokens are searched between cancellation checks.
const blockTokens = 1 << 20

// indexAligned returns the first token-aligned byte offset of pat in b, or
// -1.
func indexAligned(b, pat []byte) int {
	pos := 0
	for {
		idx := bytes.Index(b[pos:], pat)
		if idx < 0 {
			return -1
		}
		if (pos+idx)%types.TokenSize == 0 {
			return pos + idx
		}
		pos += idx + 1
	}
}

// findInWindow returns the first match starting in [from, ownedEnd) whose
// tokens lie within [from, end). data is the whole shard.
func findInWindow(ctx context.Context, data, pat []byte, from, ownedEnd,
	end int64) (int64, bool, error) {
	patLen := int64(len(pat) / types.TokenSize)
	for block := from; block < ownedEnd; block += blockTokens {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		blockEnd := min(block+blockTokens+patLen-1, end)
		if blockEnd-block < patLen {
			break
		}
		idx := indexAligned(data[block*types.TokenSize:blockEnd*types.TokenSize], pat)
		if idx < 0 {
			continue
		}
		off := block + int64(idx/types.TokenSize)
		if off >= ownedEnd {
			return 0, false, nil
		}
		return off, true, nil
	}
	return 0, false, nil
}

// RunLength measures a degenerate run found at offset: the match is
// extended while the following token equals the pattern's last token. The
// result counts from offset to the end of the run. It is 0 when the
// pattern does not fit at offset.
func RunLength(r *shard.Reader, offset int64, pattern types.Tokens) int64 {
	l := int64(len(pattern))
	if l == 0 || offset < 0 || offset+l > r.Len() {
		return 0
	}
	last := pattern[l-1]
	end := offset + l
	for end < r.Len() && r.At(end) == last {
		end++
	}
	return end - offset
}
