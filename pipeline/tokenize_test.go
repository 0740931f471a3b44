package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wbrown/corpus_shards/corpus"
	"github.com/wbrown/corpus_shards/snapshot"
	"github.com/wbrown/corpus_shards/tokenizer"
	"github.com/wbrown/corpus_shards/types"
)

// gatedSource yields n documents and counts how many were handed out.
type gatedSource struct {
	n       int
	yielded atomic.Int64
}

func (s *gatedSource) Walk(ctx context.Context, fn corpus.WalkFunc) error {
	for i := 0; i < s.n; i++ {
		s.yielded.Add(1)
		text := "x"
		if i == 0 {
			text = "slow"
		}
		if err := fn(corpus.Document{Text: text, Origin: fmt.Sprint(i)}); err != nil {
			return err
		}
	}
	return nil
}

func (s *gatedSource) String() string { return "gated" }

// gatedTokenizer blocks on "slow" until release is closed.
type gatedTokenizer struct {
	tokenizer.Bytes
	release <-chan struct{}
}

func (g gatedTokenizer) Encode(text string) types.Tokens {
	if text == "slow" {
		<-g.release
	}
	return g.Bytes.Encode(text)
}

func TestTokenizeBoundsLookahead(t *testing.T) {
	const workers = 2
	release := make(chan struct{})
	newTok := func() (tokenizer.Tokenizer, error) {
		return gatedTokenizer{release: release}, nil
	}
	first, _ := newTok()
	src := &gatedSource{n: 200}

	dir := filepath.Join(t.TempDir(), "snap")
	w, err := snapshot.Create(dir)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- tokenizeInto(context.Background(), src, first, newTok,
			workers, w, nil, zap.NewNop())
	}()

	window := int64(lookahead(workers))
	require.Eventually(t, func() bool {
		return src.yielded.Load() >= window
	}, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, src.yielded.Load(), window+1,
		"reading stalls while the first document is held")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(200), w.Documents())

	_, err = w.Close(snapshot.Manifest{Tokenizer: tokenizer.BytesID})
	require.NoError(t, err)
	snap, err := snapshot.Open(dir, nil)
	require.NoError(t, err)
	defer snap.Close()
	ids, err := snap.Tokens(0)
	require.NoError(t, err)
	assert.Equal(t, types.Tokens{'s', 'l', 'o', 'w', 256}, ids)
	ids, err = snap.Tokens(199)
	require.NoError(t, err)
	assert.Equal(t, types.Tokens{'x', 256}, ids)
}
