package resolve

import (
	"bytes"
	"io"
	"sync"
)

// DefaultBodyLimit caps how much of a request body is buffered for
// middleware.
const DefaultBodyLimit = 10 << 20

// Body is a request body that can be read by middleware and replayed to
// the final handler. Only the first limit bytes are buffered; the rest is
// streamed from the source on replay.
type Body struct {
	mu        sync.Mutex
	src       io.Reader
	buf       []byte
	buffered  bool
	truncated bool
	limit     int64
}

// NewBody wraps src. A nil src is an empty body.
func NewBody(src io.Reader, limit int64) *Body {
	if src == nil {
		src = bytes.NewReader(nil)
	}
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	return &Body{src: src, limit: limit}
}

// Buffered reads up to the limit into memory and returns those bytes.
// Truncated reports whether the source held more.
func (b *Body) Buffered() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buffered {
		if b.truncated {
			return b.buf[:b.limit], nil
		}
		return b.buf, nil
	}
	data, err := io.ReadAll(io.LimitReader(b.src, b.limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > b.limit {
		b.truncated = true
		// Keep the extra byte for replay.
		b.buf = data
		b.buffered = true
		return data[:b.limit], nil
	}
	b.buf = data
	b.buffered = true
	return data, nil
}

// Truncated reports whether Buffered saw more than the limit.
func (b *Body) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Reader returns the full body: the buffered prefix followed by whatever
// was never read from the source.
func (b *Body) Reader() io.Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.buffered {
		return b.src
	}
	return io.MultiReader(bytes.NewReader(b.buf), b.src)
}
