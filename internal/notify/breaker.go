package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/emberapp/matchcore/internal/logging"
)

// BreakerConfig tunes the circuit breaker in front of a sink.
type BreakerConfig struct {
	MaxFailures uint32        // consecutive failures that open the circuit
	Interval    time.Duration // closed-state counter reset period
	Timeout     time.Duration // how long the circuit stays open
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
	}
}

// Breaker stops calling a failing sink until it recovers, so a dead
// notification service costs one fast error instead of a timeout per event.
type Breaker struct {
	next Notifier
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(name string, next Notifier, cfg BreakerConfig, log *zap.SugaredLogger) *Breaker {
	log = logging.OrNop(log)
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *Breaker) Notify(ctx context.Context, n Notification) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Notify(ctx, n)
	})
	return err
}

// State exposes the breaker state for health reporting.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Async detaches delivery from the caller. Notify returns immediately and
// the request is sent on a background goroutine with its own timeout.
type Async struct {
	next    Notifier
	timeout time.Duration
	log     *zap.SugaredLogger
	wg      sync.WaitGroup
}

// NewAsync wraps next.
func NewAsync(next Notifier, timeout time.Duration, log *zap.SugaredLogger) *Async {
	return &Async{next: next, timeout: timeout, log: logging.OrNop(log)}
}

func (a *Async) Notify(_ context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Notify(ctx, n); err != nil {
			a.log.Warnw("notification dropped", "user_id", n.UserID, "kind", n.Kind, "error", err)
		}
	}()
	return nil
}

// Wait blocks until in-flight notifications finish. Used on shutdown.
func (a *Async) Wait() {
	a.wg.Wait()
}
