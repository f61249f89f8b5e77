package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/tonimelisma/vidbridge/internal/config"
)

// burstMultiplier sizes the token bucket at twice the per-second rate so a
// short stall can be made up on the next chunk.
const burstMultiplier = 2

// BandwidthLimiter caps aggregate throughput across every transfer in the
// process. Downloads and uploads draw from the same bucket.
type BandwidthLimiter struct {
	limiter *rate.Limiter
}

// NewBandwidthLimiter parses a "5MB/s" style limit. Returns nil for "0" or
// empty (unlimited); a nil limiter is safe to use.
func NewBandwidthLimiter(limit string, logger *slog.Logger) (*BandwidthLimiter, error) {
	bytesPerSec, err := config.ParseRate(limit)
	if err != nil {
		return nil, fmt.Errorf("transfer: bandwidth limit %q: %w", limit, err)
	}

	if bytesPerSec == 0 {
		return nil, nil //nolint:nilnil // nil limiter = unlimited
	}

	burst := int(bytesPerSec) * burstMultiplier

	logger.Info("bandwidth limiter enabled",
		slog.Int64("bytes_per_sec", bytesPerSec),
		slog.Int("burst", burst),
	)

	return &BandwidthLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}, nil
}

// Reader wraps r so each read waits for its bytes. A nil limiter returns r.
func (bl *BandwidthLimiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if bl == nil {
		return r
	}

	return &limitedReader{r: r, limiter: bl.limiter, ctx: ctx}
}

type limitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *limitedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		if waitErr := waitN(r.ctx, r.limiter, n); waitErr != nil {
			return n, waitErr
		}
	}

	return n, err
}

// waitN splits requests larger than the burst, which WaitN would reject.
func waitN(ctx context.Context, limiter *rate.Limiter, n int) error {
	burst := limiter.Burst()

	for n > 0 {
		take := min(n, burst)

		if err := limiter.WaitN(ctx, take); err != nil {
			return err
		}

		n -= take
	}

	return nil
}
