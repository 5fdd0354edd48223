package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Options configures exponential backoff for retries.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Default backoff settings used when opts are zero/invalid.
var Default = Options{
	MaxAttempts:  5,
	InitialDelay: 300 * time.Millisecond,
	MaxDelay:     8 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

type IsRetryableFunc func(error) bool

// Do runs fn until it succeeds, returns an error isRetryable rejects, the
// attempts are exhausted or ctx is done. It returns the last error.
// fn receives the 1-based attempt number.
func Do(ctx context.Context, opts Options, isRetryable IsRetryableFunc, fn func(ctx context.Context, attempt int) error) error {
	b := newBackoff(opts)

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt >= b.opts.MaxAttempts {
			return err
		}

		sleep := b.next()
		log.Debug().
			Err(err).
			Str("action", "retry").
			Int("attempt", attempt).
			Dur("sleep", sleep).
			Msg("attempt failed, retrying")

		if err := wait(ctx, sleep); err != nil {
			return err
		}
	}
}

// backoff yields the delays between attempts: InitialDelay growing by
// Multiplier up to MaxDelay, with +/-20% jitter when enabled.
type backoff struct {
	opts    Options
	current time.Duration
	rng     *rand.Rand
}

func newBackoff(opts Options) *backoff {
	if opts.MaxAttempts <= 0 {
		opts = Default
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	return &backoff{
		opts:    opts,
		current: opts.InitialDelay,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *backoff) next() time.Duration {
	d := b.current
	if b.opts.Jitter {
		delta := float64(d) * 0.2
		d = max(0, time.Duration(float64(d)+(b.rng.Float64()*2-1)*delta))
	}
	d = min(d, b.opts.MaxDelay)

	// guard against overflow of the float conversion
	grown := time.Duration(float64(b.current) * b.opts.Multiplier)
	b.current = min(max(grown, b.current), b.opts.MaxDelay)
	return d
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
