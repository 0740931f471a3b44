package inspect

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	cerrors "github.com/wbrown/corpus_shards/internal/errors"
	"github.com/wbrown/corpus_shards/shard"
	"github.com/wbrown/corpus_shards/tokenizer"
	"github.com/wbrown/corpus_shards/types"
)

// DefaultCacheSize is the number of decoded windows kept when no size is
// given.
const DefaultCacheSize = 256

// Window is the decoded neighbourhood [Start, End) of Center.
type Window struct {
	Center int64
	Start  int64
	End    int64
	Tokens types.Tokens
	Text   string
}

// Item is the result for one offset of a batch.
type Item struct {
	Offset int64
	Window Window
	Err    error
}

// Section is a decoded span of a run report.
type Section struct {
	Start  int64
	End    int64
	Tokens types.Tokens
	Text   string
}

// RunReport shows a degenerate run together with the text around it.
type RunReport struct {
	Offset    int64
	RunLength int64
	Before    Section
	Run       Section
	After     Section
}

type windowKey struct {
	start, end int64
}

type decoded struct {
	tokens types.Tokens
	text   string
}

// Inspector decodes spans of a shard. It is safe for concurrent use; the
// tokenizer is only ever called under the inspector's lock.
type Inspector struct {
	r     *shard.Reader
	tok   tokenizer.Tokenizer
	cache *lru.ARCCache
	mu    sync.Mutex
}

// New creates an inspector over r. cacheSize bounds the number of decoded
// spans remembered; 0 picks DefaultCacheSize.
func New(r *shard.Reader, tok tokenizer.Tokenizer, cacheSize int) (*Inspector, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create window cache: %w", err)
	}
	return &Inspector{r: r, tok: tok, cache: cache}, nil
}

// Len returns the length of the inspected shard in tokens.
func (in *Inspector) Len() int64 {
	return in.r.Len()
}

func (in *Inspector) decode(start, end int64) decoded {
	key := windowKey{start: start, end: end}
	if v, ok := in.cache.Get(key); ok {
		return v.(decoded)
	}
	tokens := in.r.Slice(start, end)
	in.mu.Lock()
	text := in.tok.Decode(tokens)
	in.mu.Unlock()
	d := decoded{tokens: tokens, text: text}
	in.cache.Add(key, d)
	return d
}

func (in *Inspector) checkOffset(offset int64) error {
	if offset < 0 || offset >= in.r.Len() {
		return &cerrors.OutOfRangeError{Offset: offset, Length: in.r.Len()}
	}
	return nil
}

// DecodeWindow decodes [center-half, center+half) clamped to the shard.
func (in *Inspector) DecodeWindow(center int64, half int) (Window, error) {
	if half < 0 {
		return Window{}, cerrors.NewConfigError("context",
			"must not be negative, got %d", half)
	}
	if err := in.checkOffset(center); err != nil {
		return Window{}, err
	}
	start := max(center-int64(half), 0)
	end := min(center+int64(half), in.r.Len())
	d := in.decode(start, end)
	return Window{
		Center: center,
		Start:  start,
		End:    end,
		Tokens: d.tokens,
		Text:   d.text,
	}, nil
}

// Batch decodes a window around every offset. Offsets are independent: a
// bad offset sets that item's Err and the rest are still decoded.
func (in *Inspector) Batch(offsets []int64, half int) []Item {
	items := make([]Item, len(offsets))
	for i, off := range offsets {
		w, err := in.DecodeWindow(off, half)
		items[i] = Item{Offset: off, Window: w, Err: err}
	}
	return items
}

// DescribeRun decodes the run [offset, offset+runLength) and up to
// contextWidth tokens on either side of it.
func (in *Inspector) DescribeRun(offset, runLength int64, contextWidth int) (RunReport, error) {
	if contextWidth < 0 {
		return RunReport{}, cerrors.NewConfigError("context",
			"must not be negative, got %d", contextWidth)
	}
	if err := in.checkOffset(offset); err != nil {
		return RunReport{}, err
	}
	runEnd := min(offset+max(runLength, 0), in.r.Len())
	beforeStart := max(offset-int64(contextWidth), 0)
	afterEnd := min(runEnd+int64(contextWidth), in.r.Len())

	section := func(start, end int64) Section {
		d := in.decode(start, end)
		return Section{Start: start, End: end, Tokens: d.tokens, Text: d.text}
	}
	return RunReport{
		Offset:    offset,
		RunLength: runEnd - offset,
		Before:    section(beforeStart, offset),
		Run:       section(offset, runEnd),
		After:     section(runEnd, afterEnd),
	}, nil
}

// DecodeWindowFile opens the shard at path, decodes one window and closes
// it again.
func DecodeWindowFile(path string, center int64, half int,
	tok tokenizer.Tokenizer) (Window, error) {
	r, err := shard.Open(path)
	if err != nil {
		return Window{}, err
	}
	defer func() { _ = r.Close() }()

	in, err := New(r, tok, 1)
	if err != nil {
		return Window{}, err
	}
	return in.DecodeWindow(center, half)
}
