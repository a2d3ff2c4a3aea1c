// Package ratelimit wraps golang.org/x/time/rate into the
// token-bucket byte throttle the engine applies to transfer streams
// when max_bytes_per_second is configured.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Limiter bounds the aggregate throughput of every stream wrapped
// with it, in one direction, to a configured bytes/second ceiling.
type Limiter struct {
	limiter *rate.Limiter
}

// New builds a Limiter allowing up to bytesPerSecond sustained, with a
// burst equal to one second's worth of traffic. A non-positive
// bytesPerSecond disables throttling (WrapReader/WrapWriter become
// no-ops).
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return &Limiter{}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond))}
}

func (l *Limiter) enabled() bool { return l != nil && l.limiter != nil }

// WaitN blocks until n bytes' worth of budget is available.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if !l.enabled() || n <= 0 {
		return nil
	}
	// rate.Limiter caps a single WaitN call at its burst size; chunk
	// larger requests so reads/writes of any size still throttle.
	burst := l.limiter.Burst()
	for n > 0 {
		chunk := n
		if burst > 0 && chunk > burst {
			chunk = burst
		}
		if err := l.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// WrapReader returns a reader that throttles Read calls against l.
func (l *Limiter) WrapReader(ctx context.Context, r io.Reader) io.Reader {
	if !l.enabled() {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, l: l}
}

// WrapWriter returns a writer that throttles Write calls against l.
func (l *Limiter) WrapWriter(ctx context.Context, w io.Writer) io.Writer {
	if !l.enabled() {
		return w
	}
	return &limitedWriter{ctx: ctx, w: w, l: l}
}

type limitedReader struct {
	ctx context.Context
	r   io.Reader
	l   *Limiter
}

func (lr *limitedReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if n > 0 {
		if werr := lr.l.WaitN(lr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type limitedWriter struct {
	ctx context.Context
	w   io.Writer
	l   *Limiter
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if err := lw.l.WaitN(lw.ctx, len(p)); err != nil {
		return 0, err
	}
	return lw.w.Write(p)
}
