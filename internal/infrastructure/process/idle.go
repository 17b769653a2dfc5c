package process

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrIdleTimeout is returned when a source produces no data within the idle window.
var ErrIdleTimeout = errors.New("no output within idle timeout")

const defaultIdleBuffer = 32 * 1024

type readResult struct {
	data []byte
	err  error
}

// IdleReader bounds how long a single Read may wait on src. A blocked
// underlying read keeps running in the background until src is closed.
type IdleReader struct {
	ctx  context.Context
	src  io.Reader
	idle time.Duration

	buf      []byte
	leftover []byte
	pending  bool
	results  chan readResult
	err      error
}

// NewIdleReader wraps src. A non-positive idle disables the bound.
func NewIdleReader(ctx context.Context, src io.Reader, idle time.Duration) *IdleReader {
	return &IdleReader{
		ctx:     ctx,
		src:     src,
		idle:    idle,
		results: make(chan readResult, 1),
	}
}

func (r *IdleReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.leftover) > 0 {
		n := copy(p, r.leftover)
		r.leftover = r.leftover[n:]
		return n, nil
	}
	if r.err != nil {
		return 0, r.err
	}

	if !r.pending {
		size := len(p)
		if size < defaultIdleBuffer {
			size = defaultIdleBuffer
		}
		if cap(r.buf) < size {
			r.buf = make([]byte, size)
		}
		r.pending = true
		go func(buf []byte) {
			n, err := r.src.Read(buf)
			r.results <- readResult{data: buf[:n], err: err}
		}(r.buf[:size])
	}

	var timeout <-chan time.Time
	if r.idle > 0 {
		timer := time.NewTimer(r.idle)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-r.results:
		r.pending = false
		n := copy(p, res.data)
		r.leftover = res.data[n:]
		if res.err != nil {
			r.err = res.err
			if n == 0 && len(r.leftover) == 0 {
				return 0, res.err
			}
		}
		return n, nil
	case <-timeout:
		return 0, ErrIdleTimeout
	case <-r.ctx.Done():
		return 0, context.Cause(r.ctx)
	}
}
