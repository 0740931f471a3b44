package corpus

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Extensions read by the local, S3 and hub sources.
const (
	extText    = ".txt"
	extJSONL   = ".jsonl"
	extParquet = ".parquet"
)

// textColumn is the document field in JSONL records and parquet rows.
const textColumn = "text"

func supported(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case extText, extJSONL, extParquet:
		return true
	}
	return false
}

// readDocuments decodes the documents of one file according to its
// extension. Parquet needs random access, so r must also implement
// io.ReaderAt when name ends in .parquet.
func readDocuments(name string, r io.Reader, size int64, fn WalkFunc) error {
	switch strings.ToLower(path.Ext(name)) {
	case extText:
		text, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		return fn(Document{Text: string(text), Origin: name})
	case extJSONL:
		return readJSONL(name, r, fn)
	case extParquet:
		ra, ok := r.(io.ReaderAt)
		if !ok {
			return fmt.Errorf("%s: parquet input is not seekable", name)
		}
		return readParquet(name, ra, size, fn)
	default:
		return fmt.Errorf("%s: unsupported file type", name)
	}
}

type jsonlRecord struct {
	Text string `json:"text"`
}

func readJSONL(name string, r io.Reader, fn WalkFunc) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var rec jsonlRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%s:%d: %w", name, line, err)
		}
		if err := fn(Document{
			Text:   rec.Text,
			Origin: fmt.Sprintf("%s:%d", name, line),
		}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	return nil
}

// readParquet yields the text column of every row. Rows with a null text
// value become empty documents so row numbering stays aligned.
func readParquet(name string, r io.ReaderAt, size int64, fn WalkFunc) error {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return fmt.Errorf("open parquet %s: %w", name, err)
	}

	textIdx := -1
	for i, col := range pf.Schema().Columns() {
		if len(col) > 0 && col[0] == textColumn {
			textIdx = i
			break
		}
	}
	if textIdx < 0 {
		return fmt.Errorf("%s: %s column not found in parquet schema",
			name, textColumn)
	}

	rowNum := 0
	buf := make([]parquet.Row, 256)
	for _, rg := range pf.RowGroups() {
		rows := parquet.NewRowGroupReader(rg)
		for {
			n, readErr := rows.ReadRows(buf)
			for i := 0; i < n; i++ {
				var text string
				for _, v := range buf[i] {
					if v.Column() == textIdx && !v.IsNull() {
						text = v.String()
					}
				}
				if err := fn(Document{
					Text:   text,
					Origin: fmt.Sprintf("%s#%d", name, rowNum),
				}); err != nil {
					return err
				}
				rowNum++
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					break
				}
				return fmt.Errorf("read rows %s: %w", name, readErr)
			}
		}
	}
	return nil
}
