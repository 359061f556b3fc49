package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker rejected the call without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// MinOpenDuration is the shortest window a breaker stays open.
const MinOpenDuration = time.Second

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	OpenDuration     time.Duration
	Now              func() time.Time
	// OnOpen runs while the breaker lock is held; it must not call back into the breaker.
	OnOpen func(name string, until time.Time)
}

// Breaker guards calls to a single downstream dependency. The call itself
// runs under the breaker mutex, so concurrent callers are serialised and a
// threshold crossing can never race.
type Breaker struct {
	mu        sync.Mutex
	name      string
	threshold int
	openFor   time.Duration
	now       func() time.Time
	onOpen    func(string, time.Time)

	failures  int
	openUntil time.Time
}

// NewBreaker constructs a breaker, applying the minimum threshold and open window.
func NewBreaker(cfg BreakerConfig) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	openFor := cfg.OpenDuration
	if openFor < MinOpenDuration {
		openFor = MinOpenDuration
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: threshold,
		openFor:   openFor,
		now:       now,
		onOpen:    cfg.OnOpen,
	}
}

// Execute runs fn unless the breaker is open. Any error returned by fn counts
// as a failure; reaching the threshold opens the breaker and resets the counter.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b == nil {
		return fn(ctx)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.now().Before(b.openUntil) {
		return fmt.Errorf("%s circuit is OPEN: %w", b.name, ErrCircuitOpen)
	}

	if err := fn(ctx); err != nil {
		b.failures++
		if b.failures >= b.threshold {
			b.openUntil = b.now().Add(b.openFor)
			b.failures = 0
			if b.onOpen != nil {
				b.onOpen(b.name, b.openUntil)
			}
		}
		return err
	}

	b.failures = 0
	return nil
}

func (b *Breaker) Name() string {
	return b.name
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// IsOpen reports whether calls are currently rejected.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}
