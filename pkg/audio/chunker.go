package audio

// Chunker re-slices a PCM byte stream into fixed-size chunks, carrying a
// residual buffer across calls so that partial chunks at a boundary are
// neither dropped nor duplicated.
//
// Create one per stream direction; not designed for shared use across
// goroutines.
type Chunker struct {
	chunkBytes int
	residual   []byte
}

// NewChunker creates a Chunker emitting chunks of exactly chunkBytes bytes.
// A chunkBytes of zero or less disables re-chunking: Push returns its input
// as a single chunk.
func NewChunker(chunkBytes int) *Chunker {
	return &Chunker{chunkBytes: chunkBytes}
}

// Push appends pcm to the internal buffer and returns all complete chunks now
// available, in order. Bytes that do not fill a whole chunk are retained for
// the next Push.
func (c *Chunker) Push(pcm []byte) [][]byte {
	if c.chunkBytes <= 0 {
		if len(pcm) == 0 {
			return nil
		}
		return [][]byte{pcm}
	}

	c.residual = append(c.residual, pcm...)
	if len(c.residual) < c.chunkBytes {
		return nil
	}

	n := len(c.residual) / c.chunkBytes
	out := make([][]byte, 0, n)
	for i := range n {
		chunk := make([]byte, c.chunkBytes)
		copy(chunk, c.residual[i*c.chunkBytes:(i+1)*c.chunkBytes])
		out = append(out, chunk)
	}

	rest := c.residual[n*c.chunkBytes:]
	c.residual = append(c.residual[:0], rest...)
	return out
}

// Flush returns the residual bytes as a final short chunk, or nil if none.
// The residual is cleared.
func (c *Chunker) Flush() []byte {
	if len(c.residual) == 0 {
		return nil
	}
	out := c.residual
	c.residual = nil
	return out
}

// Pending returns the number of buffered residual bytes.
func (c *Chunker) Pending() int {
	return len(c.residual)
}
