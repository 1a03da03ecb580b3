// Package throttle holds the byte budget shared by the background cleaners.
package throttle

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttler is a token bucket of bytes per second. Compaction and hard delete
// draw from the same instance so together they stay under one ceiling.
type Throttler struct {
	limiter *rate.Limiter
	burst   int
}

func New(bytesPerSec int) *Throttler {
	if bytesPerSec < 1 {
		bytesPerSec = 1
	}
	return &Throttler{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec),
		burst:   bytesPerSec,
	}
}

// Wait blocks until n bytes may be processed or ctx is done. Requests larger
// than the burst are split.
func (t *Throttler) Wait(ctx context.Context, n int) error {
	for n > 0 {
		chunk := n
		if chunk > t.burst {
			chunk = t.burst
		}
		if err := t.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (t *Throttler) BytesPerSec() int {
	return t.burst
}
