package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrChaosFailure is returned when the chaos injector decides to fail a call.
var ErrChaosFailure = errors.New("injected failure by chaos mode")

// Chaos injects latency and failures for resilience testing. A nil or
// disabled injector never interferes.
type Chaos struct {
	Enabled            bool
	LatencyProbability float64
	ErrorProbability   float64
	Delay              time.Duration

	Rand  func() float64
	Sleep func(context.Context, time.Duration) error
}

// Inject applies the configured delay and failure draws in that order.
func (c *Chaos) Inject(ctx context.Context) error {
	if c == nil || !c.Enabled {
		return nil
	}

	if c.Delay > 0 && Chance(c.Rand, c.LatencyProbability) {
		sleep := c.Sleep
		if sleep == nil {
			sleep = Sleep
		}
		if err := sleep(ctx, c.Delay); err != nil {
			return err
		}
	}

	if Chance(c.Rand, c.ErrorProbability) {
		return ErrChaosFailure
	}
	return nil
}

// Chance draws from r (or math/rand when nil) and reports whether the draw
// fell under probability, clamped to [0,1].
func Chance(r func() float64, probability float64) bool {
	p := ClampProbability(probability)
	if p == 0 {
		return false
	}
	if r == nil {
		r = rand.Float64
	}
	return r() < p
}

func ClampProbability(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
