package embedding

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

var ErrNoAttempts = errors.New("retry policy allows no attempts")

// Backoff retries an embedding request. The pause after attempt n is
// (2^(n-1) + jitter) units with jitter in [0,1), matching the fetch engine.
type Backoff struct {
	Attempts int
	Unit     time.Duration
	logger   *slog.Logger
}

func (b Backoff) Delay(attempt int) time.Duration {
	factor := math.Pow(2, float64(attempt-1)) + rand.Float64()
	return time.Duration(factor * float64(b.Unit))
}

// Do calls op until it succeeds, the attempts run out or ctx is done. The
// error of the last attempt is returned.
func (b Backoff) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if b.Attempts <= 0 {
		return ErrNoAttempts
	}
	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = op(ctx); err == nil || attempt == b.Attempts {
			return err
		}

		delay := b.Delay(attempt)
		logger.Debug("Embedding request failed, backing off", "attempt", attempt, "delay", delay.String(), "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
