package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/wbrown/corpus_shards/shard"
	"github.com/wbrown/corpus_shards/tokenizer"
	"github.com/wbrown/corpus_shards/types"
)

// detokenize decodes the shard document by document, writing each
// followed by separator. At most maxDocs documents are written when
// maxDocs is positive. It returns the number of documents written.
func detokenize(r *shard.Reader, tok tokenizer.Tokenizer, w io.Writer,
	separator string, maxDocs int) (int, error) {
	eot := tok.EndOfText()
	docs := 0
	var doc types.Tokens
	emit := func() error {
		if _, err := io.WriteString(w, tok.Decode(doc)+separator); err != nil {
			return err
		}
		docs++
		doc = doc[:0]
		return nil
	}
	for i := int64(0); i < r.Len(); i++ {
		t := r.At(i)
		if t != eot {
			doc = append(doc, t)
			continue
		}
		if err := emit(); err != nil {
			return docs, err
		}
		if maxDocs > 0 && docs >= maxDocs {
			return docs, nil
		}
	}
	// Trailing tokens without an end-of-text marker.
	if len(doc) > 0 {
		if err := emit(); err != nil {
			return docs, err
		}
	}
	return docs, nil
}

func main() {
	tokenizerId := flag.String("tokenizer", "gpt2",
		"tokenizer the shard was written with [gpt2, pile, bytes, huggingface-id]")
	inputFile := flag.String("input", "",
		"shard file to detokenize")
	outputFile := flag.String("output", "detokenized.txt",
		"output file to write detokenized text to")
	separator := flag.String("separator", "\n",
		"written after every document")
	maxDocs := flag.Int("max_docs", 0,
		"stop after this many documents, 0 for all")
	flag.Parse()

	if *inputFile == "" {
		flag.Usage()
		log.Fatal("Must provide -input")
	}
	if *tokenizerId == "" {
		flag.Usage()
		log.Fatal("Must provide -tokenizer")
	}
	if *outputFile == "" {
		flag.Usage()
		log.Fatal("Must provide -output")
	}

	tok, err := tokenizer.New(*tokenizerId)
	if err != nil {
		log.Fatal(err)
	}

	r, err := shard.Open(*inputFile)
	if err != nil {
		log.Fatal(err)
	}
	defer r.Close()

	outputFileHandle, err := os.Create(*outputFile)
	if err != nil {
		log.Fatal(err)
	}
	defer outputFileHandle.Close()
	w := bufio.NewWriter(outputFileHandle)

	docs, err := detokenize(r, tok, w, *separator, *maxDocs)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Wrote %d documents (%d tokens read) to %s\n",
		docs, r.Len(), *outputFile)
}
