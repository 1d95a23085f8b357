package storage

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// rateLimitedReader gates bytes entering the upload stage with a token
// bucket. Bursts up to the bucket capacity are permitted.
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// NewRateLimitedReader - wrap r; maxRate bytes/sec, 0 means unlimited
func NewRateLimitedReader(ctx context.Context, r io.Reader, maxRate int64) io.Reader {
	if maxRate <= 0 {
		return r
	}
	burst := int(maxRate)
	if burst < 64*1024 {
		burst = 64 * 1024
	}
	return &rateLimitedReader{
		ctx:     ctx,
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(maxRate), burst),
	}
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > rl.limiter.Burst() {
		p = p[:rl.limiter.Burst()]
	}
	n, err := rl.r.Read(p)
	if n > 0 {
		if waitErr := rl.limiter.WaitN(rl.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}
