package client

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// newBandwidthLimiter returns a token bucket of bytesPerSec tokens per second,
// or nil when bytesPerSec is not positive. The bucket holds a tenth of a
// second of traffic, which is also the largest chunk moved at once.
func newBandwidthLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := bytesPerSec / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// meteredReader counts bytes read and, with a limiter, paces them
type meteredReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
	total   *atomic.Uint64
}

func (m *meteredReader) Read(p []byte) (int, error) {
	if m.limiter != nil && len(p) > m.limiter.Burst() {
		p = p[:m.limiter.Burst()]
	}
	n, err := m.r.Read(p)
	if n <= 0 {
		return n, err
	}
	m.total.Add(uint64(n))
	if m.limiter != nil {
		if werr := m.limiter.WaitN(m.ctx, n); werr != nil && err == nil {
			err = werr
		}
	}
	return n, err
}

// meteredWriter counts bytes written and, with a limiter, waits for tokens
// before each chunk. The bucket is shared across writes, so a stream of
// small messages is paced as a whole.
type meteredWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
	total   *atomic.Uint64
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := p[written:]
		if m.limiter != nil {
			if len(chunk) > m.limiter.Burst() {
				chunk = chunk[:m.limiter.Burst()]
			}
			if err := m.limiter.WaitN(m.ctx, len(chunk)); err != nil {
				return written, err
			}
		}
		n, err := m.w.Write(chunk)
		written += n
		m.total.Add(uint64(n))
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
