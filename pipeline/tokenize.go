package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/wbrown/corpus_shards/corpus"
	"github.com/wbrown/corpus_shards/internal/metrics"
	"github.com/wbrown/corpus_shards/snapshot"
	"github.com/wbrown/corpus_shards/tokenizer"
	"github.com/wbrown/corpus_shards/types"
)

type tokenizeJob struct {
	seq  int64
	text string
}

type tokenizeResult struct {
	seq int64
	ids types.Tokens
	err error
}

const progressEvery = 100000

// lookahead bounds how many documents may be read but not yet committed,
// which bounds the reorder buffer behind a slow document.
func lookahead(workers int) int {
	return max(workers, 1) * 4
}

// tokenizeInto streams src through a pool of workers and appends every
// document to w in source order. first is handed to the first worker;
// the others get fresh instances from newTok.
func tokenizeInto(
	ctx context.Context,
	src corpus.Source,
	first tokenizer.Tokenizer,
	newTok func() (tokenizer.Tokenizer, error),
	workers int,
	w *snapshot.Writer,
	m *metrics.Build,
	l *zap.Logger,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan tokenizeJob, workers*4)
	results := make(chan tokenizeResult, workers*4)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := first
			if i > 0 {
				var err error
				if tok, err = newTok(); err != nil {
					sendResult(ctx, results, tokenizeResult{
						seq: -1, err: fmt.Errorf("worker %d tokenizer: %w", i, err)})
					return
				}
			}
			tokenizeWorker(ctx, tok, jobs, results)
		}(i)
	}

	// A slot is taken per document read and released when it is committed.
	window := make(chan struct{}, lookahead(workers))

	var walkErr error
	walkDone := make(chan struct{})
	go func() {
		defer close(walkDone)
		defer close(jobs)
		var seq int64
		walkErr = src.Walk(ctx, func(doc corpus.Document) error {
			select {
			case window <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case jobs <- tokenizeJob{seq: seq, text: doc.Text}:
				seq++
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// Results arrive in any order; commit them in sequence.
	var firstErr error
	pending := make(map[int64]types.Tokens)
	var next int64
	for r := range results {
		if firstErr != nil {
			continue
		}
		if r.err != nil {
			firstErr = r.err
			cancel()
			continue
		}
		m.Tokenized(len(r.ids))
		pending[r.seq] = r.ids
		for {
			ids, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if err := w.Append(ids); err != nil {
				firstErr = err
				cancel()
				break
			}
			next++
			<-window
			if next%progressEvery == 0 {
				l.Info("tokenized",
					zap.String("documents", humanize.Comma(next)))
			}
		}
	}

	<-walkDone
	if firstErr != nil {
		return firstErr
	}
	if walkErr != nil {
		return fmt.Errorf("read corpus %s: %w", src, walkErr)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pending) != 0 {
		return fmt.Errorf("tokenize: %d documents left uncommitted", len(pending))
	}
	return nil
}

func tokenizeWorker(ctx context.Context, tok tokenizer.Tokenizer,
	jobs <-chan tokenizeJob, results chan<- tokenizeResult) {
	eot := tok.EndOfText()
	for job := range jobs {
		ids := tok.Encode(job.text)
		r := tokenizeResult{seq: job.seq}
		for _, id := range ids {
			if id > types.MaxToken {
				r.err = fmt.Errorf("document %d: token %d does not fit in 16 bits",
					job.seq, id)
				break
			}
		}
		if r.err == nil {
			r.ids = append(ids, eot)
		}
		if !sendResult(ctx, results, r) || r.err != nil {
			return
		}
	}
}

func sendResult(ctx context.Context, results chan<- tokenizeResult,
	r tokenizeResult) bool {
	select {
	case results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
