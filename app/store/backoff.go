package store

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoff implements repeater's strategy.Interface with exponential delays, random
// jitter and a hard cap on a single delay. Delay before attempt n+1 is
// min(base*2^n + rand[0,1s), cap). Jitter desynchronizes competing writers retrying
// against the same database file.
type backoff struct {
	repeats int
	base    time.Duration
	cap     time.Duration
}

// Start returns a channel with one tick per allowed attempt, sleeping the computed
// delay between ticks. The channel closes after the last attempt or on ctx cancellation.
func (b *backoff) Start(ctx context.Context) <-chan struct{} {
	repeats := b.repeats
	if repeats <= 0 {
		repeats = 1
	}

	ch := make(chan struct{})
	go func() {
		defer close(ch)
		rnd := rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec // retry jitter, not security sensitive
		for i := 0; i < repeats; i++ {
			select {
			case <-ctx.Done():
				return
			case ch <- struct{}{}:
			}

			if i == repeats-1 { // no point sleeping after the last attempt
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(b.delay(i, rnd)):
			}
		}
	}()
	return ch
}

func (b *backoff) delay(attempt int, rnd *rand.Rand) time.Duration {
	delay := time.Duration(float64(b.base)*math.Pow(2, float64(attempt))) +
		time.Duration(rnd.Int63n(int64(time.Second)))
	if delay > b.cap {
		delay = b.cap
	}
	return delay
}
