package scan

// Chunk is one worker's share of a shard. The worker owns match starts in
// [Start, Start+Size) and scans the window [Start, End), which reaches
// patternLen-1 tokens past its share so matches straddling the boundary are
// seen.
type Chunk struct {
	Index int
	Start int64
	Size  int64
	End   int64
}

// OwnedEnd is the first offset owned by the next chunk.
func (c Chunk) OwnedEnd() int64 {
	return c.Start + c.Size
}

// Plan divides total tokens among workers. The worker count is clamped to
// [1, total]; every chunk but the last is total/workers tokens, the last
// takes the remainder.
func Plan(total int64, workers int, patternLen int) []Chunk {
	if total <= 0 {
		return nil
	}
	p := int64(max(workers, 1))
	p = min(p, total)
	size := total / p
	overlap := int64(max(patternLen-1, 0))

	chunks := make([]Chunk, p)
	for i := int64(0); i < p; i++ {
		c := Chunk{Index: int(i), Start: i * size, Size: size}
		if i == p-1 {
			c.Size = total - c.Start
			c.End = total
		} else {
			c.End = min(c.Start+size+overlap, total)
		}
		chunks[i] = c
	}
	return chunks
}
