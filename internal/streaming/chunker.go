package streaming

import (
	"errors"
	"io"
)

// Chunker reads fixed-size chunks from a reader.
type Chunker struct {
	r    io.Reader
	size int
	buf  []byte
	read int64
}

// NewChunker returns a Chunker producing chunks of at most size bytes.
func NewChunker(r io.Reader, size int) *Chunker {
	if size <= 0 {
		size = int(DefaultLimits().ChunkSize)
	}
	return &Chunker{r: r, size: size, buf: make([]byte, size)}
}

// Next returns the next chunk. It returns io.EOF when the reader is
// exhausted. Every chunk but the last is exactly the chunk size.
func (c *Chunker) Next() ([]byte, error) {
	n, err := io.ReadFull(c.r, c.buf)
	c.read += int64(n)
	switch {
	case n > 0 && (err == nil || errors.Is(err, io.ErrUnexpectedEOF)):
		out := make([]byte, n)
		copy(out, c.buf[:n])
		return out, nil
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		return nil, io.EOF
	default:
		return nil, err
	}
}

// BytesRead returns the total number of bytes read so far.
func (c *Chunker) BytesRead() int64 { return c.read }
