package snapshot

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/wbrown/corpus_shards/types"
)

// Record field numbers.
const (
	fieldSeq   protowire.Number = 1
	fieldIDs   protowire.Number = 2
	fieldCount protowire.Number = 3
)

var errTruncated = errors.New("truncated record")

// appendRecord appends one length-delimited document record to b.
func appendRecord(b []byte, seq int64, ids types.Tokens) []byte {
	var packed []byte
	for _, id := range ids {
		packed = protowire.AppendVarint(packed, uint64(id))
	}

	var body []byte
	body = protowire.AppendTag(body, fieldSeq, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(seq))
	body = protowire.AppendTag(body, fieldIDs, protowire.BytesType)
	body = protowire.AppendBytes(body, packed)
	body = protowire.AppendTag(body, fieldCount, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(len(ids)))

	b = protowire.AppendVarint(b, uint64(len(body)))
	return append(b, body...)
}

// recordHeader is what Open learns about a record without decoding ids.
type recordHeader struct {
	seq    int64
	count  int64
	packed []byte
}

// nextRecord splits the first length-delimited record off b and returns
// the record body and the number of bytes consumed.
func nextRecord(b []byte) ([]byte, int, error) {
	size, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("record length: %w", protowire.ParseError(n))
	}
	if uint64(len(b)-n) < size {
		return nil, 0, errTruncated
	}
	return b[n : n+int(size)], n + int(size), nil
}

// parseRecord decodes the fields of a record body. Unknown fields are
// skipped.
func parseRecord(body []byte) (recordHeader, error) {
	var h recordHeader
	h.seq = -1
	h.count = -1
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return h, protowire.ParseError(n)
		}
		body = body[n:]
		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.seq = int64(v)
			body = body[n:]
		case num == fieldIDs && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.packed = v
			body = body[n:]
		case num == fieldCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(body)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.count = int64(v)
			body = body[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			body = body[n:]
		}
	}
	if h.seq < 0 || h.count < 0 {
		return h, errors.New("record without sequence or count")
	}
	return h, nil
}

// decodeIDs unpacks the varint ids of a record.
func decodeIDs(packed []byte, count int64) (types.Tokens, error) {
	ids := make(types.Tokens, 0, count)
	for len(packed) > 0 {
		v, n := protowire.ConsumeVarint(packed)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		ids = append(ids, types.Token(v))
		packed = packed[n:]
	}
	if int64(len(ids)) != count {
		return nil, fmt.Errorf("record holds %d ids, header says %d",
			len(ids), count)
	}
	return ids, nil
}
