package proxy

import (
	"context"
	"io"
	"time"
)

// idleTimeoutReader wraps the backend response body to enforce an idle
// timeout: if no bytes arrive for the configured duration, Read returns
// context.DeadlineExceeded and the dead long-lived connection can be
// reclaimed.
type idleTimeoutReader struct {
	r       io.Reader
	timeout time.Duration
}

func newIdleTimeoutReader(r io.Reader, timeout time.Duration) *idleTimeoutReader {
	return &idleTimeoutReader{r: r, timeout: timeout}
}

// Read reads from the underlying body, bounding the wait for the next
// chunk. A timed-out read abandons the in-flight read; closing the body
// unblocks it.
func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.r.Read(p)
		ch <- result{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(r.timeout):
		return 0, context.DeadlineExceeded
	}
}
