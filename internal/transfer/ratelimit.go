package transfer

import (
	"context"
	"sync/atomic"
	"time"
)

// minStreamShare is the floor for any single stream's budget so a large
// stream count cannot starve every transfer.
const minStreamShare = 64 << 10

// RateLimiter caps the combined long-run throughput of every stream attached
// to it. The limit can be retuned while transfers are in flight; a limit of
// zero or below means unlimited.
type RateLimiter struct {
	limit   atomic.Int64
	streams atomic.Int32
}

func NewRateLimiter(bytesPerSec int64) *RateLimiter {
	l := &RateLimiter{}
	l.limit.Store(bytesPerSec)
	return l
}

// SetLimit changes the global budget in bytes per second.
func (l *RateLimiter) SetLimit(bytesPerSec int64) { l.limit.Store(bytesPerSec) }

func (l *RateLimiter) Limit() int64 { return l.limit.Load() }

// Stream registers one data stream against the shared budget. Callers must
// Close the returned handle when the stream ends.
func (l *RateLimiter) Stream() *LimitedStream {
	l.streams.Add(1)
	return &LimitedStream{limiter: l, start: time.Now()}
}

// LimitedStream tracks one stream's written bytes and inserts the computed
// delay that keeps it within its share of the global budget.
type LimitedStream struct {
	limiter *RateLimiter
	written int64
	start   time.Time
}

// Throttle records n written bytes and sleeps long enough that this stream's
// observed rate stays at or below limit/streams. Counters reset after each
// sleep so a retuned limit takes effect quickly.
func (s *LimitedStream) Throttle(ctx context.Context, n int) error {
	limit := s.limiter.limit.Load()
	if limit <= 0 {
		return nil
	}

	streams := int64(s.limiter.streams.Load())
	if streams < 1 {
		streams = 1
	}
	share := limit / streams
	if share < minStreamShare {
		share = minStreamShare
	}

	s.written += int64(n)
	elapsed := time.Since(s.start)
	if elapsed <= 0 {
		return nil
	}

	expected := time.Duration(float64(s.written) / float64(share) * float64(time.Second))
	sleep := expected - elapsed
	if sleep < time.Millisecond {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(sleep):
	}
	s.written = 0
	s.start = time.Now()
	return nil
}

func (s *LimitedStream) Close() { s.limiter.streams.Add(-1) }
