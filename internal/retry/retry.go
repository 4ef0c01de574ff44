// Package retry holds the single retry policy used for backend I/O:
// bounded attempts with capped exponential backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/lazypower/tierkeeper/internal/clock"
)

// Policy describes how often and how patiently to retry.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Base is the delay after the first failed attempt. Zero disables waiting.
	Base time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Jitter spreads each delay by up to ±Jitter×delay (0..1).
	Jitter float64

	// rnd returns a value in [0,1). Tests replace it.
	rnd func() float64
}

// Default mirrors the configuration defaults.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        500 * time.Millisecond,
		Max:         30 * time.Second,
		Jitter:      0.2,
	}
}

// WithMaxAttempts returns a copy capped at n attempts.
func (p Policy) WithMaxAttempts(n int) Policy {
	p.MaxAttempts = n
	return p
}

// Exhausted reports whether attempt (1-based) was the last one allowed.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.Base <= 0 || attempt < 1 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			d = p.Max
			break
		}
	}
	if p.Jitter > 0 {
		rnd := p.rnd
		if rnd == nil {
			rnd = rand.Float64
		}
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread + 2*spread*rnd())
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Do calls fn until it succeeds, retryable reports false, attempts run out
// or ctx is done. fn receives the 1-based attempt number.
func Do(ctx context.Context, clk clock.Clock, p Policy, retryable func(error) bool, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if p.Exhausted(attempt) {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		if serr := clock.Sleep(ctx, clk, p.Delay(attempt)); serr != nil {
			return fmt.Errorf("retry interrupted: %w", err)
		}
	}
}
