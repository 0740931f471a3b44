package types

// Token is a vocabulary id. In memory it is wider than on disk, where every
// token is TokenSize bytes.
type Token uint32
type Tokens []Token

const (
	// TokenSize is the on-disk width of one token, in bytes.
	TokenSize = 2
	// MaxToken is the largest id representable in a shard.
	MaxToken = 65535
)

// TokenCount converts a byte length into a token count. The second return
// is false when the byte length is not a whole number of tokens.
func TokenCount(byteLen int64) (int64, bool) {
	return byteLen / TokenSize, byteLen%TokenSize == 0
}
